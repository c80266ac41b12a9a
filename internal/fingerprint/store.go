package fingerprint

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"signalrelay/internal/message"
)

// Mirror is a secondary durable copy of processed state, such as a database.
type Mirror interface {
	Name() string
	ProcessedIDs(ctx context.Context) ([]string, error)
	RecordProcessed(ctx context.Context, signals []message.CanonicalSignal) error
	RecordDelivery(ctx context.Context, signal message.CanonicalSignal, detail string) error
}

// Options locate the durable files and optional mirrors.
type Options struct {
	CheckpointPath string
	LogPath        string
	Mirrors        []Mirror
	MirrorTimeout  time.Duration
}

// Store is the set of message ids already handled. The in-memory set is
// authoritative; files and mirrors are written best effort.
type Store struct {
	ids           map[string]struct{}
	checkpoints   *CheckpointFile
	log           *RecordLog
	mirrors       []Mirror
	mirrorTimeout time.Duration
	logger        zerolog.Logger
}

// NewStore constructs an empty Store. Call Load before use.
func NewStore(opts Options, logger zerolog.Logger) *Store {
	checkpointPath := opts.CheckpointPath
	if checkpointPath == "" {
		checkpointPath = "monitor_state.json"
	}
	logPath := opts.LogPath
	if logPath == "" {
		logPath = "monitored_messages.json"
	}
	timeout := opts.MirrorTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		ids:           make(map[string]struct{}),
		checkpoints:   NewCheckpointFile(checkpointPath),
		log:           NewRecordLog(logPath),
		mirrors:       opts.Mirrors,
		mirrorTimeout: timeout,
		logger:        logger.With().Str("component", "fingerprint").Logger(),
	}
}

// Load rebuilds the id set from the checkpoint, the record log and every
// mirror, and returns the checkpoint as last saved.
func (s *Store) Load(ctx context.Context) Checkpoint {
	cp, err := s.checkpoints.Load()
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.checkpoints.Path()).Msg("checkpoint unreadable; starting from log only")
		cp = Checkpoint{}
	}
	for _, id := range cp.ProcessedIDs {
		s.MarkProcessed(id)
	}
	fromCheckpoint := len(s.ids)

	records, err := s.log.ReadAll()
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.log.Path()).Msg("record log unreadable")
	}
	for _, rec := range records {
		s.MarkProcessed(rec.ID)
	}

	for _, m := range s.mirrors {
		mctx, cancel := context.WithTimeout(ctx, s.mirrorTimeout)
		ids, err := m.ProcessedIDs(mctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("mirror", m.Name()).Msg("mirror ids unavailable")
			continue
		}
		for _, id := range ids {
			s.MarkProcessed(id)
		}
	}

	s.logger.Info().
		Int("checkpoint_ids", fromCheckpoint).
		Int("log_records", len(records)).
		Int("total", len(s.ids)).
		Msg("fingerprint store loaded")
	return cp
}

// Contains reports whether id has already been handled.
func (s *Store) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// MarkProcessed records id as handled for the rest of the process lifetime.
func (s *Store) MarkProcessed(id string) {
	if id == "" {
		return
	}
	s.ids[id] = struct{}{}
}

// Len returns the number of known ids.
func (s *Store) Len() int {
	return len(s.ids)
}

// IDs returns the known ids in sorted order.
func (s *Store) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PersistRecords marks every signal processed, then appends the records to the
// log and mirrors. Write failures are logged and do not undo the marks.
func (s *Store) PersistRecords(ctx context.Context, signals []message.CanonicalSignal) {
	if len(signals) == 0 {
		return
	}

	records := make([]message.ProcessedRecord, 0, len(signals))
	for _, sig := range signals {
		s.MarkProcessed(sig.ID)
		records = append(records, sig.Record)
	}

	added, err := s.log.Append(records)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.log.Path()).Int("records", len(records)).Msg("failed to append record log")
	} else {
		s.logger.Debug().Int("added", added).Msg("record log appended")
	}

	for _, m := range s.mirrors {
		mctx, cancel := context.WithTimeout(ctx, s.mirrorTimeout)
		if err := m.RecordProcessed(mctx, signals); err != nil {
			s.logger.Warn().Err(err).Str("mirror", m.Name()).Msg("failed to mirror processed records")
		}
		cancel()
	}
}

// RecordDelivery forwards a delivery outcome to the mirrors.
func (s *Store) RecordDelivery(ctx context.Context, signal message.CanonicalSignal, detail string) {
	for _, m := range s.mirrors {
		mctx, cancel := context.WithTimeout(ctx, s.mirrorTimeout)
		if err := m.RecordDelivery(mctx, signal, detail); err != nil {
			s.logger.Warn().Err(err).Str("mirror", m.Name()).Str("message_id", signal.ID).Msg("failed to mirror delivery outcome")
		}
		cancel()
	}
}

// PersistCheckpoint overwrites the checkpoint file. The error is logged and
// returned for reporting only.
func (s *Store) PersistCheckpoint(cp Checkpoint) error {
	if err := s.checkpoints.Save(cp); err != nil {
		s.logger.Warn().Err(err).Str("path", s.checkpoints.Path()).Msg("failed to persist checkpoint")
		return err
	}
	return nil
}

// Records returns the durable record log.
func (s *Store) Records() ([]message.ProcessedRecord, error) {
	return s.log.ReadAll()
}
