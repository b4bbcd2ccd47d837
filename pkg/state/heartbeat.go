package state

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Heartbeat is the daemon's periodic liveness stamp. The instance id lets
// the overseer distinguish "my daemon is alive" from "some other daemon is
// writing here."
type Heartbeat struct {
	UpdatedUnix int64  `json:"updated_unix"`
	InstanceID  string `json:"instance_id"`
}

// WriteHeartbeat persists the stamp atomically.
func WriteHeartbeat(path, instanceID string, now time.Time) error {
	return writeJSONAtomic(path, Heartbeat{UpdatedUnix: now.Unix(), InstanceID: instanceID})
}

// ReadHeartbeat loads the stamp. Missing file returns os.ErrNotExist.
func ReadHeartbeat(path string) (Heartbeat, error) {
	var hb Heartbeat
	data, err := os.ReadFile(path)
	if err != nil {
		return hb, err
	}
	if err := json.Unmarshal(data, &hb); err != nil {
		return hb, fmt.Errorf("parse heartbeat %s: %w", path, err)
	}
	return hb, nil
}

// Age returns how long ago the heartbeat was written.
func (hb Heartbeat) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(hb.UpdatedUnix, 0))
}

// RemoveHeartbeat deletes the stamp; already-absent is fine.
func RemoveHeartbeat(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove heartbeat %s: %w", path, err)
	}
	return nil
}
