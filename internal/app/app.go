package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"signalrelay/internal/config"
	"signalrelay/internal/delivery"
	"signalrelay/internal/filter"
	"signalrelay/internal/fingerprint"
	"signalrelay/internal/relay"
	"signalrelay/internal/scheduler"
	"signalrelay/internal/source"
	"signalrelay/internal/status"
	"signalrelay/internal/storage"
	"signalrelay/internal/transform"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newClassifier() *filter.Classifier {
	return filter.NewClassifier(filter.ClassifierOptions{
		MinLength:     a.Config.Filter.MinLength,
		HeaderPhrases: a.Config.Filter.HeaderPhrases,
	})
}

func (a *App) newFreshness() (*filter.Freshness, error) {
	loc, err := a.Config.Location()
	if err != nil {
		return nil, err
	}
	return filter.NewFreshness(filter.FreshnessOptions{
		MaxAge:   a.Config.Relay.MaxAge,
		Markers:  a.Config.Filter.FreshMarkers,
		Location: loc,
	}), nil
}

func (a *App) newTransformer() *transform.Transformer {
	return transform.New(transform.Options{
		Mention:       a.Config.Transform.Mention,
		Title:         a.Config.Transform.Title,
		HeaderPhrases: a.Config.Filter.HeaderPhrases,
	})
}

func (a *App) newSink() (delivery.Sink, error) {
	cfg := a.Config.Delivery
	if err := cfg.ValidateSink(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case config.DeliveryTelegram:
		return delivery.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Timeout, a.Logger), nil
	default:
		return delivery.NewWebhookSink(delivery.WebhookOptions{
			URL:           cfg.Webhook.URL,
			Username:      cfg.Webhook.Username,
			AvatarURL:     cfg.Webhook.AvatarURL,
			SuccessStatus: cfg.Webhook.SuccessStatus,
			Timeout:       cfg.Timeout,
		}, a.Logger), nil
	}
}

func (a *App) newEngine() (*delivery.Engine, error) {
	sink, err := a.newSink()
	if err != nil {
		return nil, err
	}
	return delivery.NewEngine(sink, a.Config.Delivery.Timeout, a.Logger), nil
}

func (a *App) newSource() (source.Source, error) {
	cfg := a.Config.Source
	switch cfg.Kind {
	case config.SourceFile:
		return source.NewFile(source.FileOptions{
			Path:         cfg.File.Path,
			Limit:        a.Config.Relay.MaxBatchSize,
			ServerLabel:  cfg.ServerLabel,
			ChannelLabel: cfg.ChannelLabel,
		}, a.Logger)
	default:
		loc, err := a.Config.Location()
		if err != nil {
			return nil, err
		}
		return source.NewDiscord(source.DiscordOptions{
			Token:           cfg.Discord.Token,
			ChannelID:       cfg.Discord.ChannelID,
			Limit:           a.Config.Relay.MaxBatchSize,
			TimestampLayout: cfg.Discord.TimestampLayout,
			Location:        loc,
			RequestTimeout:  cfg.PollTimeout,
			ServerLabel:     cfg.ServerLabel,
			ChannelLabel:    cfg.ChannelLabel,
		}, a.Logger)
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) openRedis(ctx context.Context) (*storage.RedisMirror, func(), error) {
	if a.Config.Redis.URL == "" {
		return nil, nil, nil
	}

	mirror, err := storage.NewRedisMirror(ctx, a.Config.Redis.URL, a.Config.Redis.KeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	return mirror, func() { _ = mirror.Close() }, nil
}

func (a *App) newFingerprintStore(mirrors []fingerprint.Mirror) *fingerprint.Store {
	return fingerprint.NewStore(fingerprint.Options{
		CheckpointPath: a.Config.State.CheckpointPath,
		LogPath:        a.Config.State.LogPath,
		Mirrors:        mirrors,
		MirrorTimeout:  a.Config.State.MirrorTimeout,
	}, a.Logger)
}

// Run executes the long-running relay.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateIdentity(); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	src, err := a.newSource()
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	freshness, err := a.newFreshness()
	if err != nil {
		return err
	}

	var mirrors []fingerprint.Mirror
	deps := relay.Deps{
		Source:      src,
		Classifier:  a.newClassifier(),
		Freshness:   freshness,
		Transformer: a.newTransformer(),
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; postgres mirror disabled")
	} else {
		defer closeStore()
		mirrors = append(mirrors, store)
		deps.Locker = store
	}

	redisMirror, closeRedis, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	if redisMirror != nil {
		defer closeRedis()
		mirrors = append(mirrors, redisMirror)
	}

	deps.Store = a.newFingerprintStore(mirrors)

	if a.Config.Relay.DeliveryEnabled {
		engine, err := a.newEngine()
		if err != nil {
			return fmt.Errorf("startup: %w", err)
		}
		deps.Delivery = engine
	} else {
		a.Logger.Warn().Msg("delivery disabled; signals will only be recorded")
	}

	r, err := relay.New(relay.Options{
		MaxBatch:        a.Config.Relay.MaxBatchSize,
		DeliveryEnabled: a.Config.Relay.DeliveryEnabled,
		SourceTimeout:   a.Config.Source.PollTimeout,
		ServerLabel:     a.Config.Source.ServerLabel,
		ChannelLabel:    a.Config.Source.ChannelLabel,
		LockKey:         a.Config.Database.AdvisoryLockKey,
	}, deps, a.Logger)
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	statusDone := make(chan struct{})
	if addr := a.Config.Status.Addr; addr != "" {
		srv := status.New(addr, r, a.Logger)
		go func() {
			defer close(statusDone)
			if err := srv.Serve(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("status server stopped")
			}
		}()
	} else {
		close(statusDone)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		MaxBackoff:   a.Config.Scheduler.MaxBackoff,
	}, a.Logger)

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting relay")
	err = r.Run(ctx, sched)
	cancel()
	<-statusDone

	if err != nil {
		a.Logger.Error().Err(err).Msg("relay terminated with error")
		return err
	}
	a.Logger.Info().Msg("relay stopped")
	return nil
}

// ExportOptions hold parameters for exporting relayed signals.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   *time.Time
	To     *time.Time
	DryRun bool
}

// SimulateOptions configure a dry run of the pipeline on given content.
type SimulateOptions struct {
	Content   string
	Timestamp string
	Send      bool
}

// ReplayOptions configure re-posting of an exported record file.
type ReplayOptions struct {
	File   string
	Limit  int
	DryRun bool
}

var errNoRecords = errors.New("no records found")
