package relay

import (
	"time"

	"signalrelay/internal/message"
)

// CycleReport summarises one polling cycle.
type CycleReport struct {
	ID        string                    `json:"id"`
	Tick      time.Time                 `json:"tick"`
	Duration  time.Duration             `json:"duration"`
	Fetched   int                       `json:"fetched"`
	Accepted  int                       `json:"accepted"`
	Delivered int                       `json:"delivered"`
	Failed    int                       `json:"failed"`
	Pending   int                       `json:"pending"`
	Dropped   map[string]int            `json:"dropped"`
	Error     string                    `json:"error,omitempty"`
	Signals   []message.CanonicalSignal `json:"-"`
}

// Snapshot is a point-in-time view of the relay for status reporting.
type Snapshot struct {
	State         State          `json:"state"`
	Server        string         `json:"server"`
	Channel       string         `json:"channel"`
	StartedAt     time.Time      `json:"started_at"`
	Cycles        int            `json:"cycles"`
	FailedCycles  int            `json:"failed_cycles"`
	Fetched       int            `json:"fetched"`
	Accepted      int            `json:"accepted"`
	Delivered     int            `json:"delivered"`
	Failed        int            `json:"failed"`
	Pending       int            `json:"pending"`
	Processed     int            `json:"processed"`
	Dropped       map[string]int `json:"dropped"`
	LastCycle     *CycleReport   `json:"last_cycle,omitempty"`
	LastCycleAt   time.Time      `json:"last_cycle_at"`
	LastError     string         `json:"last_error,omitempty"`
	LastErrorTime time.Time      `json:"last_error_at"`
}

type stats struct {
	startedAt     time.Time
	server        string
	channel       string
	cycles        int
	failedCycles  int
	fetched       int
	accepted      int
	delivered     int
	failed        int
	pending       int
	processed     int
	dropped       map[string]int
	lastCycle     *CycleReport
	lastCycleAt   time.Time
	lastError     string
	lastErrorTime time.Time
}

// State returns the current phase.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Snapshot returns a copy of the relay counters.
func (r *Relay) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := make(map[string]int, len(r.stats.dropped))
	for k, v := range r.stats.dropped {
		dropped[k] = v
	}
	snap := Snapshot{
		State:         r.state,
		Server:        r.stats.server,
		Channel:       r.stats.channel,
		StartedAt:     r.stats.startedAt,
		Cycles:        r.stats.cycles,
		FailedCycles:  r.stats.failedCycles,
		Fetched:       r.stats.fetched,
		Accepted:      r.stats.accepted,
		Delivered:     r.stats.delivered,
		Failed:        r.stats.failed,
		Pending:       r.stats.pending,
		Processed:     r.stats.processed,
		Dropped:       dropped,
		LastCycleAt:   r.stats.lastCycleAt,
		LastError:     r.stats.lastError,
		LastErrorTime: r.stats.lastErrorTime,
	}
	if r.stats.lastCycle != nil {
		last := *r.stats.lastCycle
		last.Signals = nil
		last.Dropped = make(map[string]int, len(r.stats.lastCycle.Dropped))
		for k, v := range r.stats.lastCycle.Dropped {
			last.Dropped[k] = v
		}
		snap.LastCycle = &last
	}
	return snap
}

// finish folds a cycle into the running counters and returns err unchanged.
func (r *Relay) finish(report CycleReport, started time.Time, err error) error {
	now := r.now()
	report.Duration = now.Sub(started)
	if err != nil {
		report.Error = err.Error()
	}
	processed := r.deps.Store.Len()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.cycles++
	r.stats.fetched += report.Fetched
	r.stats.accepted += report.Accepted
	r.stats.delivered += report.Delivered
	r.stats.failed += report.Failed
	r.stats.pending += report.Pending
	r.stats.processed = processed
	for reason, n := range report.Dropped {
		r.stats.dropped[reason] += n
	}
	if err != nil {
		r.stats.failedCycles++
		r.stats.lastError = err.Error()
		r.stats.lastErrorTime = now.UTC()
	}
	report.Signals = nil
	r.stats.lastCycle = &report
	r.stats.lastCycleAt = now.UTC()
	return err
}
