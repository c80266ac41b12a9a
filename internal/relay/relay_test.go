package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"signalrelay/internal/delivery"
	"signalrelay/internal/filter"
	"signalrelay/internal/fingerprint"
	"signalrelay/internal/message"
	"signalrelay/internal/scheduler"
	"signalrelay/internal/source"
	"signalrelay/internal/transform"
)

type fakeSource struct {
	mu    sync.Mutex
	batch []message.RawMessage
	err   error
	polls int
	// hang makes Poll wait for its context.
	hang bool
}

func (f *fakeSource) Poll(ctx context.Context) ([]message.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]message.RawMessage, len(f.batch))
	copy(out, f.batch)
	return out, nil
}

func (f *fakeSource) CurrentLocation(ctx context.Context) (source.Location, error) {
	return source.Location{Server: "Oculus", Channel: "vip-alerts"}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	sent   []string
	reject string
	// hang makes sends containing it wait for their context.
	hang string
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, content string) (bool, string, error) {
	if s.hang != "" && strings.Contains(content, s.hang) {
		<-ctx.Done()
		return false, "", ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject != "" && strings.Contains(content, s.reject) {
		return false, "HTTP 400", nil
	}
	s.sent = append(s.sent, content)
	return true, "HTTP 204", nil
}

func (s *recordingSink) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeLocker struct {
	held     bool
	released bool
}

func (l *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func() { l.released = true }, true, nil
}

func signalContent(ticker string) string {
	return fmt.Sprintf("Oculus Trading Signal\nTicker: %s\nStrike: 450C\nExpiry: 11/28\nEntry: 1.25", ticker)
}

func rawSignal(id, ticker, ts string) message.RawMessage {
	return message.RawMessage{ID: id, Content: signalContent(ticker), Author: "analyst", Timestamp: ts}
}

var _ = Describe("Relay", func() {
	var (
		dir         string
		src         *fakeSource
		sink        *recordingSink
		store       *fingerprint.Store
		opts        Options
		now         time.Time
		locker      *fakeLocker
		sinkTimeout time.Duration
	)

	build := func() *Relay {
		store = fingerprint.NewStore(fingerprint.Options{
			CheckpointPath: filepath.Join(dir, "monitor_state.json"),
			LogPath:        filepath.Join(dir, "monitored_messages.json"),
		}, zerolog.Nop())

		deps := Deps{
			Source:      src,
			Store:       store,
			Classifier:  filter.NewClassifier(filter.ClassifierOptions{}),
			Freshness:   filter.NewFreshness(filter.FreshnessOptions{MaxAge: time.Hour, Location: time.UTC}),
			Transformer: transform.New(transform.Options{}),
		}
		if opts.DeliveryEnabled {
			deps.Delivery = delivery.NewEngine(sink, sinkTimeout, zerolog.Nop())
		}
		if locker != nil {
			deps.Locker = locker
		}

		r, err := New(opts, deps, zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		r.now = func() time.Time { return now }
		Expect(r.Start(context.Background())).To(Succeed())
		return r
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		src = &fakeSource{}
		sink = &recordingSink{}
		opts = Options{MaxBatch: 10, DeliveryEnabled: true}
		now = time.Date(2025, time.November, 26, 13, 41, 0, 0, time.UTC)
		locker = nil
		sinkTimeout = time.Second
	})

	It("resolves the source location on start", func() {
		r := build()
		snap := r.Snapshot()
		Expect(snap.State).To(Equal(StateIdle))
		Expect(snap.Server).To(Equal("Oculus"))
		Expect(snap.Channel).To(Equal("vip-alerts"))
	})

	It("delivers in timestamp order regardless of arrival order", func() {
		src.batch = []message.RawMessage{
			rawSignal("1003", "AAPL", "13:40"),
			rawSignal("1001", "SPY", "13:35"),
			rawSignal("1002", "QQQ", "13:38"),
		}
		r := build()

		report, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Delivered).To(Equal(3))

		sent := sink.Sent()
		Expect(sent).To(HaveLen(3))
		Expect(sent[0]).To(ContainSubstring("> Ticker : SPY"))
		Expect(sent[1]).To(ContainSubstring("> Ticker : QQQ"))
		Expect(sent[2]).To(ContainSubstring("> Ticker : AAPL"))
		Expect(sent[0]).To(HavePrefix("@everyone\n***SULTAN TRADING SIGNAL:***"))
	})

	It("never relays the same message twice", func() {
		src.batch = []message.RawMessage{rawSignal("2001", "SPY", "13:40")}
		r := build()

		_, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		report, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())

		Expect(sink.Sent()).To(HaveLen(1))
		Expect(report.Accepted).To(BeZero())
		Expect(report.Dropped).To(HaveKeyWithValue(ReasonAlreadyProcessed, 1))
	})

	It("remembers processed messages across restarts", func() {
		src.batch = []message.RawMessage{rawSignal("2101", "SPY", "13:40")}
		r := build()
		_, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		r.Stop()

		restarted := build()
		report, err := restarted.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Dropped).To(HaveKeyWithValue(ReasonAlreadyProcessed, 1))
		Expect(sink.Sent()).To(HaveLen(1))
	})

	It("keeps delivering after one signal fails", func() {
		sink.reject = "QQQ"
		src.batch = []message.RawMessage{
			rawSignal("3001", "SPY", "13:35"),
			rawSignal("3002", "QQQ", "13:36"),
			rawSignal("3003", "AAPL", "13:37"),
		}
		r := build()

		report, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Delivered).To(Equal(2))
		Expect(report.Failed).To(Equal(1))
		Expect(report.Signals[1].Status).To(Equal(message.StatusFailed))
		Expect(store.Contains("3002")).To(BeTrue())

		report, err = r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Dropped).To(HaveKeyWithValue(ReasonAlreadyProcessed, 3))
		Expect(sink.Sent()).To(HaveLen(2))
	})

	It("records signals as pending when delivery is disabled", func() {
		opts.DeliveryEnabled = false
		src.batch = []message.RawMessage{rawSignal("4001", "SPY", "13:40")}
		r := build()

		report, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Pending).To(Equal(1))
		Expect(report.Signals[0].Status).To(Equal(message.StatusPending))
		Expect(sink.Sent()).To(BeEmpty())

		records, err := store.Records()
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].SourceServer).To(Equal("Oculus"))
	})

	It("drops each rejected message for exactly one reason", func() {
		src.batch = []message.RawMessage{
			{ID: "5001", Content: "hi", Timestamp: "13:40"},
			{ID: "5002", Content: "lunch plans for everybody today?", Timestamp: "13:40"},
			rawSignal("5003", "SPY", "09:00"),
			rawSignal("5004", "SPY", "sometime"),
			rawSignal("5005", "SPY", "13:40"),
			rawSignal("5005", "SPY", "13:40"),
			rawSignal("", "SPY", "13:40"),
		}
		r := build()

		report, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Accepted).To(Equal(1))
		Expect(report.Dropped).To(Equal(map[string]int{
			filter.ReasonTooShort:         1,
			filter.ReasonNoSignalKeywords: 1,
			ReasonStale:                   1,
			ReasonUnparseableTimestamp:    1,
			ReasonDuplicateInBatch:        1,
			ReasonMissingID:               1,
		}))
		Expect(r.Snapshot().Dropped).To(HaveKeyWithValue(ReasonStale, 1))
	})

	It("only considers the newest messages of a batch", func() {
		opts.MaxBatch = 2
		src.batch = []message.RawMessage{
			rawSignal("6001", "SPY", "13:38"),
			rawSignal("6002", "QQQ", "13:39"),
			rawSignal("6003", "AAPL", "13:40"),
		}
		r := build()

		report, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Fetched).To(Equal(2))
		Expect(store.Contains("6001")).To(BeFalse())
	})

	It("writes the checkpoint after a cycle with output", func() {
		src.batch = []message.RawMessage{rawSignal("7001", "SPY", "13:40")}
		r := build()

		_, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())

		cp, err := fingerprint.NewCheckpointFile(filepath.Join(dir, "monitor_state.json")).Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.ProcessedIDs).To(ConsistOf("7001"))
		Expect(cp.LastMessageID).To(Equal("7001"))
	})

	It("retries after a transient source failure", func() {
		src.err = errors.New("connection reset")
		r := build()

		_, err := r.RunCycle(context.Background(), now)
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, source.ErrUnavailable)).To(BeFalse())
		Expect(r.Snapshot().FailedCycles).To(Equal(1))

		src.err = nil
		src.batch = []message.RawMessage{rawSignal("8001", "SPY", "13:40")}
		report, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Delivered).To(Equal(1))
	})

	It("abandons a hung source poll and recovers on the next cycle", func() {
		opts.SourceTimeout = 50 * time.Millisecond
		src.hang = true
		r := build()

		started := time.Now()
		_, err := r.RunCycle(context.Background(), now)
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(time.Since(started)).To(BeNumerically("<", time.Second))
		Expect(r.State()).To(Equal(StateIdle))

		src.hang = false
		src.batch = []message.RawMessage{rawSignal("8101", "SPY", "13:40")}
		report, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Delivered).To(Equal(1))
	})

	It("fails a hung delivery without holding up the rest of the batch", func() {
		sinkTimeout = 50 * time.Millisecond
		sink.hang = "QQQ"
		src.batch = []message.RawMessage{
			rawSignal("8201", "SPY", "13:35"),
			rawSignal("8202", "QQQ", "13:36"),
			rawSignal("8203", "AAPL", "13:37"),
		}
		r := build()

		started := time.Now()
		report, err := r.RunCycle(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(time.Since(started)).To(BeNumerically("<", time.Second))
		Expect(report.Delivered).To(Equal(2))
		Expect(report.Failed).To(Equal(1))
		Expect(report.Signals[1].ID).To(Equal("8202"))
		Expect(report.Signals[1].Status).To(Equal(message.StatusFailed))
		Expect(report.Signals[2].Status).To(Equal(message.StatusDelivered))

		sent := sink.Sent()
		Expect(sent).To(HaveLen(2))
		Expect(sent[1]).To(ContainSubstring("> Ticker : AAPL"))
	})

	It("stops when the source becomes unavailable", func() {
		src.err = fmt.Errorf("%w: 401 unauthorized", source.ErrUnavailable)
		r := build()
		sched := scheduler.New(scheduler.Options{Interval: time.Millisecond}, zerolog.Nop())

		err := r.Run(context.Background(), sched)
		Expect(err).To(MatchError(source.ErrUnavailable))
		Expect(r.State()).To(Equal(StateStopped))
		Expect(src.polls).To(Equal(1))
	})

	It("returns cleanly when cancelled", func() {
		r := build()
		sched := scheduler.New(scheduler.Options{Interval: time.Hour}, zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Expect(r.Run(ctx, sched)).To(Succeed())
		Expect(r.State()).To(Equal(StateStopped))
	})

	Context("with a relay lock", func() {
		It("stands by while another instance holds the lock", func() {
			locker = &fakeLocker{held: true}
			opts.LockKey = 42
			src.batch = []message.RawMessage{rawSignal("9001", "SPY", "13:40")}
			r := build()

			report, err := r.RunCycle(context.Background(), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Fetched).To(BeZero())
			Expect(r.State()).To(Equal(StateStandby))
			Expect(src.polls).To(BeZero())
		})

		It("leaves the active instance's checkpoint alone when stopping from standby", func() {
			locker = &fakeLocker{held: true}
			opts.LockKey = 42
			checkpoints := fingerprint.NewCheckpointFile(filepath.Join(dir, "monitor_state.json"))
			Expect(checkpoints.Save(fingerprint.Checkpoint{ProcessedIDs: []string{"9201"}})).To(Succeed())
			r := build()

			_, err := r.RunCycle(context.Background(), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.State()).To(Equal(StateStandby))

			// The lock holder keeps relaying meanwhile.
			Expect(checkpoints.Save(fingerprint.Checkpoint{
				LastMessageID: "9202",
				ProcessedIDs:  []string{"9201", "9202"},
			})).To(Succeed())

			r.Stop()
			Expect(r.State()).To(Equal(StateStopped))
			cp, err := checkpoints.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.ProcessedIDs).To(ConsistOf("9201", "9202"))
			Expect(cp.LastMessageID).To(Equal("9202"))
		})

		It("holds the lock until stopped", func() {
			locker = &fakeLocker{}
			opts.LockKey = 42
			src.batch = []message.RawMessage{rawSignal("9101", "SPY", "13:40")}
			r := build()

			_, err := r.RunCycle(context.Background(), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(sink.Sent()).To(HaveLen(1))
			Expect(locker.released).To(BeFalse())

			r.Stop()
			Expect(locker.released).To(BeTrue())
		})
	})
})

var _ = Describe("sortCandidates", func() {
	It("breaks timestamp ties with the snowflake id", func() {
		at := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
		cs := []candidate{
			{raw: message.RawMessage{ID: "1212121212121212121", Timestamp: "09:00"}, at: at},
			{raw: message.RawMessage{ID: "999999999999999999", Timestamp: "09:00"}, at: at},
		}
		sortCandidates(cs)
		Expect(cs[0].raw.ID).To(Equal("999999999999999999"))
	})
})
