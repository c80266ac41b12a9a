package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signalrelay/internal/delivery"
	"signalrelay/internal/filter"
	"signalrelay/internal/fingerprint"
	"signalrelay/internal/message"
	"signalrelay/internal/scheduler"
	"signalrelay/internal/source"
	"signalrelay/internal/transform"
)

// State is the phase the relay is currently in.
type State string

const (
	StateNew          State = "new"
	StateIdle         State = "idle"
	StateStandby      State = "standby"
	StateFetching     State = "fetching"
	StateFiltering    State = "filtering"
	StateTransforming State = "transforming"
	StatePersisting   State = "persisting"
	StateDelivering   State = "delivering"
	StateStopped      State = "stopped"
)

// Drop reasons beyond the ones the classifier reports.
const (
	ReasonAlreadyProcessed     = "already_processed"
	ReasonDuplicateInBatch     = "duplicate_in_batch"
	ReasonMissingID            = "missing_id"
	ReasonStale                = "stale"
	ReasonUnparseableTimestamp = "unparseable_timestamp"
)

// Locker grants exclusive relaying across monitor instances.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Options tune a relay.
type Options struct {
	MaxBatch        int
	DeliveryEnabled bool
	SourceTimeout   time.Duration
	ServerLabel     string
	ChannelLabel    string
	LockKey         int64
}

// Deps are the collaborators a relay drives.
type Deps struct {
	Source      source.Source
	Store       *fingerprint.Store
	Classifier  *filter.Classifier
	Freshness   *filter.Freshness
	Transformer *transform.Transformer
	// Delivery may be nil when delivery is disabled.
	Delivery *delivery.Engine
	Locker   Locker
}

// Relay moves new trading signals from the source channel to the sink.
// RunCycle must not be called concurrently; Snapshot is safe from any goroutine.
type Relay struct {
	opts   Options
	deps   Deps
	now    func() time.Time
	logger zerolog.Logger

	lastMessageID string
	unlock        func()

	mu    sync.Mutex
	state State
	stats stats
}

// New validates deps and constructs a relay in the new state.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Relay, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("relay: source not configured")
	case deps.Store == nil:
		return nil, errors.New("relay: fingerprint store not configured")
	case deps.Classifier == nil || deps.Freshness == nil || deps.Transformer == nil:
		return nil, errors.New("relay: filter pipeline not configured")
	case opts.DeliveryEnabled && deps.Delivery == nil:
		return nil, errors.New("relay: delivery enabled without a sink")
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 10
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = 30 * time.Second
	}
	return &Relay{
		opts:   opts,
		deps:   deps,
		now:    time.Now,
		logger: logger.With().Str("component", "relay").Logger(),
		state:  StateNew,
		stats:  stats{dropped: make(map[string]int)},
	}, nil
}

// Start rebuilds processed state and resolves the source location.
func (r *Relay) Start(ctx context.Context) error {
	cp := r.deps.Store.Load(ctx)
	r.lastMessageID = cp.LastMessageID

	if r.opts.ServerLabel == "" || r.opts.ChannelLabel == "" {
		loc, err := r.deps.Source.CurrentLocation(ctx)
		switch {
		case errors.Is(err, source.ErrUnavailable):
			return fmt.Errorf("resolve source location: %w", err)
		case err != nil:
			r.logger.Warn().Err(err).Msg("could not resolve source location; records will carry labels only")
		}
		if r.opts.ServerLabel == "" {
			r.opts.ServerLabel = loc.Server
		}
		if r.opts.ChannelLabel == "" {
			r.opts.ChannelLabel = loc.Channel
		}
	}

	r.mu.Lock()
	r.stats.startedAt = r.now().UTC()
	r.stats.processed = r.deps.Store.Len()
	r.stats.server = r.opts.ServerLabel
	r.stats.channel = r.opts.ChannelLabel
	r.mu.Unlock()
	r.setState(StateIdle)

	r.logger.Info().
		Str("server", r.opts.ServerLabel).
		Str("channel", r.opts.ChannelLabel).
		Int("processed", r.deps.Store.Len()).
		Str("last_message_id", r.lastMessageID).
		Bool("delivery_enabled", r.opts.DeliveryEnabled).
		Msg("relay started")
	return nil
}

// Run drives RunCycle from sched until ctx is cancelled or the source becomes
// unavailable. The checkpoint is saved once more before returning.
func (r *Relay) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	defer r.Stop()

	err := sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		_, err := r.RunCycle(ctx, tick)
		return err
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Stop saves a final checkpoint, releases the relay lock and enters the
// stopped state.
func (r *Relay) Stop() {
	switch r.State() {
	case StateStopped:
		return
	case StateNew:
		// Nothing was loaded, so there is no checkpoint worth writing.
		r.setState(StateStopped)
		return
	}
	if r.lockRequired() && r.unlock == nil {
		// The lock holder owns the checkpoint; a standby copy is stale.
		r.logger.Info().Msg("relay lock never held; leaving checkpoint untouched")
	} else {
		r.saveCheckpoint()
	}
	if r.unlock != nil {
		r.unlock()
		r.unlock = nil
	}
	r.setState(StateStopped)
	r.logger.Info().Int("processed", r.deps.Store.Len()).Msg("relay stopped")
}

// RunCycle performs one fetch, filter, transform, persist and deliver pass.
// An unrecoverable source failure is returned wrapped with scheduler.Halt.
func (r *Relay) RunCycle(ctx context.Context, tick time.Time) (CycleReport, error) {
	report := CycleReport{ID: uuid.NewString(), Tick: tick, Dropped: make(map[string]int)}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	logger := r.logger.With().Str("cycle_id", report.ID).Logger()
	started := r.now()

	held, err := r.holdLock(ctx, logger)
	if err != nil {
		return report, r.finish(report, started, err)
	}
	if !held {
		r.setState(StateStandby)
		logger.Debug().Msg("relay lock held by another instance; standing by")
		return report, nil
	}

	r.setState(StateFetching)
	batch, err := r.fetch(ctx)
	if err != nil {
		r.setState(StateIdle)
		if errors.Is(err, source.ErrUnavailable) {
			return report, scheduler.Halt(r.finish(report, started, err))
		}
		return report, r.finish(report, started, err)
	}
	report.Fetched = len(batch)
	if len(batch) > 0 {
		r.lastMessageID = batch[len(batch)-1].ID
	}

	r.setState(StateFiltering)
	now := r.now()
	accepted := r.filter(batch, now, &report, logger)
	sortCandidates(accepted)

	r.setState(StateTransforming)
	signals := make([]message.CanonicalSignal, 0, len(accepted))
	for _, c := range accepted {
		rec := message.NewProcessedRecord(c.raw, r.opts.ServerLabel, r.opts.ChannelLabel)
		signals = append(signals, r.deps.Transformer.Transform(rec))
	}
	report.Accepted = len(signals)

	if len(signals) > 0 {
		r.setState(StatePersisting)
		r.deps.Store.PersistRecords(ctx, signals)

		r.setState(StateDelivering)
		r.deliver(ctx, signals, &report, logger)
		report.Signals = signals
		r.saveCheckpoint()
	}

	r.setState(StateIdle)
	if report.Fetched > 0 {
		logger.Info().
			Int("fetched", report.Fetched).
			Int("accepted", report.Accepted).
			Int("delivered", report.Delivered).
			Int("failed", report.Failed).
			Int("pending", report.Pending).
			Msg("cycle complete")
	}
	return report, r.finish(report, started, nil)
}

func (r *Relay) holdLock(ctx context.Context, logger zerolog.Logger) (bool, error) {
	if !r.lockRequired() || r.unlock != nil {
		return true, nil
	}
	unlock, acquired, err := r.deps.Locker.TryAdvisoryLock(ctx, r.opts.LockKey)
	if err != nil {
		return false, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	r.unlock = unlock

	// Another instance may have relayed while this one stood by.
	r.deps.Store.Load(ctx)
	logger.Info().Int64("lock_key", r.opts.LockKey).Int("processed", r.deps.Store.Len()).Msg("relay lock acquired")
	return true, nil
}

func (r *Relay) lockRequired() bool {
	return r.opts.LockKey != 0 && r.deps.Locker != nil
}

func (r *Relay) fetch(ctx context.Context) ([]message.RawMessage, error) {
	pctx, cancel := context.WithTimeout(ctx, r.opts.SourceTimeout)
	defer cancel()

	batch, err := r.deps.Source.Poll(pctx)
	if err != nil {
		return nil, fmt.Errorf("poll source: %w", err)
	}
	if len(batch) > r.opts.MaxBatch {
		batch = batch[len(batch)-r.opts.MaxBatch:]
	}
	return batch, nil
}

func (r *Relay) filter(batch []message.RawMessage, now time.Time, report *CycleReport, logger zerolog.Logger) []candidate {
	seen := make(map[string]struct{}, len(batch))
	out := make([]candidate, 0, len(batch))
	for _, raw := range batch {
		c, reason := r.admit(raw, now, seen)
		if reason != "" {
			report.Dropped[reason]++
			logger.Debug().Str("message_id", raw.ID).Str("reason", reason).Msg("message dropped")
			continue
		}
		out = append(out, c)
	}
	return out
}

// admit applies the checks cheapest first and returns the single reason a
// message was dropped, or an empty reason when it passes.
func (r *Relay) admit(raw message.RawMessage, now time.Time, seen map[string]struct{}) (candidate, string) {
	if raw.ID == "" {
		return candidate{}, ReasonMissingID
	}
	if r.deps.Store.Contains(raw.ID) {
		return candidate{}, ReasonAlreadyProcessed
	}
	if _, dup := seen[raw.ID]; dup {
		return candidate{}, ReasonDuplicateInBatch
	}
	seen[raw.ID] = struct{}{}

	if cls := r.deps.Classifier.Classify(raw.Content); !cls.Signal {
		return candidate{}, cls.Reason
	}

	verdict := r.deps.Freshness.Evaluate(raw.Timestamp, now)
	if !verdict.Fresh {
		if verdict.Rule == filter.RuleUnparseable {
			return candidate{}, ReasonUnparseableTimestamp
		}
		return candidate{}, ReasonStale
	}
	return candidate{raw: raw, at: verdict.At}, ""
}

func (r *Relay) deliver(ctx context.Context, signals []message.CanonicalSignal, report *CycleReport, logger zerolog.Logger) {
	if !r.opts.DeliveryEnabled {
		for _, sig := range signals {
			report.Pending++
			logger.Info().Str("message_id", sig.ID).Str("ticker", sig.Field(message.FieldTicker)).Msg("signal recorded; delivery disabled")
		}
		return
	}

	for i := range signals {
		sig := &signals[i]
		if ctx.Err() != nil {
			report.Pending++
			logger.Warn().Str("message_id", sig.ID).Msg("shutdown before delivery; signal left pending")
			continue
		}

		res := r.deps.Delivery.Deliver(ctx, *sig)
		if res.Delivered {
			sig.Status = message.StatusDelivered
			report.Delivered++
			logger.Info().Str("message_id", sig.ID).Str("ticker", sig.Field(message.FieldTicker)).Str("detail", res.Detail).Msg("signal delivered")
		} else {
			sig.Status = message.StatusFailed
			report.Failed++
			logger.Error().Err(res.Err).Str("message_id", sig.ID).Str("detail", res.Detail).Msg("signal delivery failed")
		}

		detail := res.Detail
		if res.Err != nil {
			detail = res.Err.Error()
		}
		r.deps.Store.RecordDelivery(ctx, *sig, detail)
	}
}

func (r *Relay) saveCheckpoint() {
	cp := fingerprint.Checkpoint{
		LastMessageID: r.lastMessageID,
		ProcessedIDs:  r.deps.Store.IDs(),
		LastCheck:     r.now().UTC(),
	}
	_ = r.deps.Store.PersistCheckpoint(cp)
}

type candidate struct {
	raw message.RawMessage
	at  time.Time
}

// sortCandidates orders by resolved instant, then timestamp text, then
// snowflake id.
func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		if a.raw.Timestamp != b.raw.Timestamp {
			return a.raw.Timestamp < b.raw.Timestamp
		}
		ai, aok := message.SnowflakeOrder(a.raw.ID)
		bi, bok := message.SnowflakeOrder(b.raw.ID)
		if aok && bok {
			return ai < bi
		}
		return a.raw.ID < b.raw.ID
	})
}
