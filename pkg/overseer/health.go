// Package overseer supervises the daemon from outside its process: it
// verifies identity, watches the heartbeat and log, terminates a sick daemon,
// runs remediation through the protected repair session, and restarts the
// daemon unless it is spiralling.
package overseer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"drover/pkg/config"
	"drover/pkg/paths"
	"drover/pkg/procs"
	"drover/pkg/state"
)

// Expected pins the daemon the overseer started. Pids alone are not identity;
// the triple is.
type Expected struct {
	PID           int
	StartTimeUnix int64
	InstanceID    string
}

// Verdict is one health decision. Check is empty when healthy.
type Verdict struct {
	Healthy bool
	Check   string
	Detail  string
}

func healthy() Verdict { return Verdict{Healthy: true} }

func unhealthy(check, detail string) Verdict {
	return Verdict{Check: check, Detail: detail}
}

// Monitor runs the configured health checks in priority order and reports
// the first failure. Ordering matters: a dead process explains a stale
// heartbeat, never the other way around.
type Monitor struct {
	pth      paths.Paths
	cfg      config.Config
	mgr      procs.Manager
	tailer   *Tailer
	expected Expected
	started  time.Time
	nowFunc  func() time.Time

	checks []namedCheck
}

type namedCheck struct {
	name string
	fn   func() Verdict
}

// NewMonitor builds a monitor for one daemon incarnation. The check order
// comes from config; unknown names are a configuration error.
func NewMonitor(cfg config.Config, pth paths.Paths, mgr procs.Manager, expected Expected) (*Monitor, error) {
	m := &Monitor{
		pth:      pth,
		cfg:      cfg,
		mgr:      mgr,
		tailer:   NewTailer(pth.DaemonLog()),
		expected: expected,
		nowFunc:  time.Now,
	}
	m.started = m.nowFunc()
	for _, name := range cfg.Health.Checks {
		fn, ok := map[string]func() Verdict{
			"process":   m.checkProcess,
			"identity":  m.checkIdentity,
			"heartbeat": m.checkHeartbeat,
			"log":       m.checkLog,
			"stall":     m.checkStall,
		}[name]
		if !ok {
			return nil, fmt.Errorf("unknown health check %q in config", name)
		}
		m.checks = append(m.checks, namedCheck{name: name, fn: fn})
	}
	return m, nil
}

// Check runs the ordered checks and returns the first failing verdict.
func (m *Monitor) Check() Verdict {
	for _, c := range m.checks {
		if v := c.fn(); !v.Healthy {
			return v
		}
	}
	return healthy()
}

func (m *Monitor) checkProcess() Verdict {
	if !m.mgr.IsAlive(m.expected.PID) {
		return unhealthy("process", fmt.Sprintf("daemon process %d is gone", m.expected.PID))
	}
	return healthy()
}

func (m *Monitor) checkIdentity() Verdict {
	reg, err := state.ReadRegistration(m.pth.Registration())
	if errors.Is(err, os.ErrNotExist) {
		return unhealthy("identity", "registration file missing")
	}
	if err != nil {
		return unhealthy("identity", "registration unreadable: "+err.Error())
	}
	if reg.PID != m.expected.PID || reg.InstanceID != m.expected.InstanceID || reg.StartTimeUnix != m.expected.StartTimeUnix {
		return unhealthy("identity", fmt.Sprintf(
			"registration names pid %d instance %s, expected pid %d instance %s",
			reg.PID, reg.InstanceID, m.expected.PID, m.expected.InstanceID))
	}
	return healthy()
}

func (m *Monitor) checkHeartbeat() Verdict {
	hb, err := state.ReadHeartbeat(m.pth.Heartbeat())
	timeout := time.Duration(m.cfg.Overseer.HeartbeatTimeoutSecs) * time.Second
	if errors.Is(err, os.ErrNotExist) {
		if m.nowFunc().Sub(m.started) > timeout {
			return unhealthy("heartbeat", "no heartbeat file after startup grace")
		}
		return healthy()
	}
	if err != nil {
		return unhealthy("heartbeat", "heartbeat unreadable: "+err.Error())
	}
	if hb.InstanceID != m.expected.InstanceID {
		return unhealthy("heartbeat", "heartbeat written by instance "+hb.InstanceID)
	}
	if age := hb.Age(m.nowFunc()); age > timeout {
		return unhealthy("heartbeat", fmt.Sprintf("heartbeat is %s old", age.Round(time.Second)))
	}
	return healthy()
}

func (m *Monitor) checkLog() Verdict {
	msgs, err := m.tailer.Poll()
	if err != nil {
		// An unreadable log is not by itself a sick daemon.
		return healthy()
	}
	if len(msgs) > 0 {
		return unhealthy("log", msgs[len(msgs)-1])
	}
	return healthy()
}

// checkStall compares the last recorded completion against the stall
// timeout, but only while workers actually hold tasks; an idle fleet with an
// empty pool is not stalled.
func (m *Monitor) checkStall() Verdict {
	st, err := state.NewStore(m.pth.State()).Load()
	if err != nil || st == nil {
		return healthy()
	}
	if st.WorkingCount() == 0 {
		return healthy()
	}
	timeout := time.Duration(m.cfg.Daemon.StallTimeoutSecs) * time.Second
	base := m.started
	if st.LastCompletion != nil && st.LastCompletion.After(base) {
		base = *st.LastCompletion
	}
	if since := m.nowFunc().Sub(base); since > timeout {
		return unhealthy("stall", fmt.Sprintf("no completion in %s with workers active", since.Round(time.Second)))
	}
	return healthy()
}
