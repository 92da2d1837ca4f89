/*
Package app assembles a running loyalty engine from configuration.

STARTUP SEQUENCE:
 1. Open the storage backend (SQLite file, or in-memory for ":memory:"/"")
 2. Load the reward catalog (file or built-in) and upsert its definitions
 3. Register notification channels (log always; email and WhatsApp when
    credentials are configured)
 4. Build the engine with the configured tier width, milestone plan,
    delivery cooldown and archive placeholder

Both cmd/server and cmd/loyaltyctl start through Build so the batch CLI and
the server always run the same rules.
*/
package app

import (
	"context"
	"fmt"

	"github.com/oasis-spa/loyalty-engine/config"
	"github.com/oasis-spa/loyalty-engine/factory"
	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/oasis-spa/loyalty-engine/loyalty/store"
	"github.com/oasis-spa/loyalty-engine/notify"
	"github.com/oasis-spa/loyalty-engine/store/sqlite"
	"go.uber.org/zap"
)

// App is a fully wired engine plus the pieces the commands need directly.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Backend  loyalty.Backend
	Catalog  *factory.Catalog
	Notifier *notify.Router
	Engine   *loyalty.Engine
}

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	Clock   loyalty.Clock
	Backend loyalty.Backend
}

// Build wires everything described by cfg. Close the returned App when done.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = loyalty.SystemClock{}
	}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = OpenBackend(cfg.Server.DBPath, cfg.Archive.Provisioned)
		if err != nil {
			return nil, err
		}
	}

	catalog, err := LoadCatalog(cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if err := catalog.Apply(ctx, backend, clock.Now()); err != nil {
		backend.Close()
		return nil, fmt.Errorf("apply catalog: %w", err)
	}

	width := catalog.TierWidth
	if cfg.Tiers.Width != "" {
		if width, err = cfg.TierWidth(); err != nil {
			backend.Close()
			return nil, err
		}
	}
	placeholder, err := cfg.PlaceholderDate()
	if err != nil {
		backend.Close()
		return nil, err
	}

	router := NewNotifier(cfg, log)
	plan := catalog.Plan
	engine := loyalty.NewEngine(backend, router, loyalty.EngineOptions{
		Clock:           clock,
		Log:             log,
		TierWidth:       width,
		Plan:            &plan,
		Delivery:        cfg.LoyaltyDelivery(),
		ArchiveDisabled: !cfg.Archive.Provisioned,
		Placeholder:     placeholder,
	})

	log.Info("engine ready",
		zap.String("db", dbLabel(cfg.Server.DBPath)),
		zap.String("tier_width", width.String()),
		zap.Int("definitions", len(catalog.Definitions)),
		zap.Duration("cooldown", cfg.Delivery.Cooldown),
		zap.Bool("archive", cfg.Archive.Provisioned),
		zap.Any("channels", router.Channels()))

	return &App{
		Config:   cfg,
		Log:      log,
		Backend:  backend,
		Catalog:  catalog,
		Notifier: router,
		Engine:   engine,
	}, nil
}

// Close releases the backend.
func (a *App) Close() error {
	return a.Backend.Close()
}

// OpenBackend opens SQLite at path, or the in-memory store for "" and
// ":memory:". archive=false marks the in-memory archive as unprovisioned.
func OpenBackend(path string, archive bool) (loyalty.Backend, error) {
	if path == "" || path == ":memory:" {
		m := store.NewMemory()
		m.SetHistoricalAvailable(archive)
		return m, nil
	}
	s, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return s, nil
}

// LoadCatalog reads the configured catalog file or falls back to the built-in one.
func LoadCatalog(cfg config.Config) (*factory.Catalog, error) {
	if cfg.Tiers.Catalog == "" {
		return factory.DefaultCatalog(), nil
	}
	c, err := factory.NewCatalogFactory().Load(cfg.Tiers.Catalog)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewNotifier registers the log channel plus every channel with credentials.
func NewNotifier(cfg config.Config, log *zap.Logger) *notify.Router {
	if log == nil {
		log = zap.NewNop()
	}
	router := notify.NewRouter(log)
	router.Register(loyalty.ChannelLog, notify.LogSender{Log: log.Named("notify.log")})

	if rc := cfg.Channels.Resend; rc.APIKey != "" {
		router.Register(loyalty.ChannelEmail, notify.NewResendSender(rc.APIKey, rc.BaseURL, rc.From))
	}
	if tc := cfg.Channels.Twilio; tc.AccountSID != "" && tc.AuthToken != "" && tc.From != "" {
		router.Register(loyalty.ChannelWhatsApp, notify.NewTwilioWhatsAppSender(tc.AccountSID, tc.AuthToken, tc.BaseURL, tc.From))
	}
	router.SetFallback(loyalty.Channel(cfg.Delivery.DefaultChannel))
	return router
}

func dbLabel(path string) string {
	if path == "" || path == ":memory:" {
		return "memory"
	}
	return path
}
