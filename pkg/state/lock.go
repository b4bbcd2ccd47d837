package state

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"drover/pkg/procs"
)

// Lock is the single-writer guard over the state store. It is a lockfile,
// not an in-process mutex, because the exclusion domain spans processes: the
// daemon, the recovery tools, and a human can all reach for state.json.
type Lock struct {
	Path string
	held bool
}

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("state is locked by another process")

// Acquire takes the lock, breaking it first if the recorded holder is dead.
func (l *Lock) Acquire() error {
	for {
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(l.Path)
				return fmt.Errorf("write lock file %s: %w", l.Path, errors.Join(werr, cerr))
			}
			l.held = true
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock file %s: %w", l.Path, err)
		}

		holder, herr := l.holderPID()
		if herr == nil && holder > 0 && procs.IsAlive(holder) {
			return fmt.Errorf("%w (pid %d, lock file %s)", ErrLocked, holder, l.Path)
		}
		// Holder is gone or the file is garbage: break the stale lock and
		// retry the exclusive create.
		if rerr := os.Remove(l.Path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return fmt.Errorf("remove stale lock file %s: %w", l.Path, rerr)
		}
	}
}

// Release drops the lock if held.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file %s: %w", l.Path, err)
	}
	return nil
}

// Stale reports whether a lock file exists whose holder is no longer alive.
// Used by doctor without taking the lock.
func (l *Lock) Stale() (bool, error) {
	holder, err := l.holderPID()
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return true, nil // unreadable content counts as stale
	}
	return !procs.IsAlive(holder), nil
}

func (l *Lock) holderPID() (int, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock file %s: %w", l.Path, err)
	}
	return pid, nil
}
