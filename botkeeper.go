// Package botkeeper wires configuration, bootstrap, supervision and the health
// listener into one long-running wrapper around a Node.js bot.
package botkeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botkeeper/internal/bootstrap"
	"github.com/loykin/botkeeper/internal/config"
	"github.com/loykin/botkeeper/internal/env"
	"github.com/loykin/botkeeper/internal/history"
	"github.com/loykin/botkeeper/internal/history/factory"
	"github.com/loykin/botkeeper/internal/logger"
	"github.com/loykin/botkeeper/internal/manager"
	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/restart"
	"github.com/loykin/botkeeper/internal/server"
)

// Re-exported for embedding.
type (
	Config  = config.Config
	Status  = manager.Status
	Outcome = manager.Outcome
)

// ErrGivenUp is returned by Supervise once every tier exhausted its restart policy.
var ErrGivenUp = restart.ErrGivenUp

const shutdownTimeout = 5 * time.Second

type Option func(*App)

// WithLogOutput sends wrapper logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option { return func(a *App) { a.logOut = w } }

// WithBootstrapOptions passes options to the Bootstrapper.
func WithBootstrapOptions(opts ...bootstrap.Option) Option {
	return func(a *App) { a.bootOpts = append(a.bootOpts, opts...) }
}

// WithSupervisorOptions passes options to the direct-spawn tier.
func WithSupervisorOptions(opts ...manager.Option) Option {
	return func(a *App) { a.supOpts = append(a.supOpts, opts...) }
}

// WithRegisterer registers metrics on r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(a *App) { a.reg = r } }

// App is a configured wrapper instance. Run it once.
type App struct {
	cfg *config.Config
	log *slog.Logger
	rec *history.Recorder
	srv *server.Server
	mgr *manager.Manager

	logOut   io.Writer
	reg      prometheus.Registerer
	bootOpts []bootstrap.Option
	supOpts  []manager.Option
}

// New validates cfg and builds every component without starting anything.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("botkeeper: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logOut: os.Stderr, reg: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(a)
	}
	a.log = logger.New(cfg.Log, a.logOut)
	if strings.TrimSpace(cfg.SessionID) == "" {
		a.log.Warn("SESSION_ID is not set, the bot starts without a session")
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(a.reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, err
	}
	a.rec = history.NewRecorder(a.log, sinks...)
	a.mgr = manager.NewManager(a.log, a.rec, a.tiers()...)
	a.srv = server.New(cfg.Server, a.mgr, a.log)
	return a, nil
}

// tiers builds the pm2 tier (when enabled) followed by the direct tier.
func (a *App) tiers() []manager.Strategy {
	c := a.cfg
	var out []manager.Strategy

	if c.PM2.Enabled {
		ext := c.PM2.ExternalConfig
		ext.Env = append([]string{"SESSION_ID=" + c.SessionID}, ext.Env...)
		out = append(out, manager.NewExternalStrategy(ext, a.log,
			manager.WithSupervisorOptions(manager.WithRecorder(a.rec)),
		))
	}

	e := env.New()
	e.Set("SESSION_ID", c.SessionID)
	opts := []manager.Option{
		manager.WithLogger(a.log),
		manager.WithEnv(e),
		manager.WithRecorder(a.rec),
		manager.WithRestartDelay(c.Supervisor.RestartDelay),
	}
	if c.Supervisor.StopTimeout > 0 {
		opts = append(opts, manager.WithStopTimeout(c.Supervisor.StopTimeout))
	}
	opts = append(opts, a.supOpts...)
	out = append(out, manager.NewSupervisor(c.DirectSpec(), c.Supervisor.Policy, opts...))
	return out
}

// Logger returns the wrapper logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Addr is the health listener address once Run started it.
func (a *App) Addr() string { return a.srv.Addr() }

// Status reports the supervision state.
func (a *App) Status() Status { return a.mgr.Status() }

// Bootstrap prepares the application directory.
func (a *App) Bootstrap(ctx context.Context) error {
	opts := append([]bootstrap.Option{
		bootstrap.WithLogger(a.log),
		bootstrap.WithRecorder(a.rec),
	}, a.bootOpts...)
	return bootstrap.New(a.cfg.Bootstrap, opts...).EnsureApplicationReady(ctx)
}

// Supervise runs the tiers until one exits cleanly, all give up, or ctx ends.
func (a *App) Supervise(ctx context.Context) error { return a.mgr.Run(ctx) }

// Run starts the health listener, bootstraps the application and supervises
// it until ctx is cancelled. Only listener and bootstrap failures are returned;
// supervision ending leaves the listener serving until ctx is done.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.rec.Close(); err != nil {
			a.log.Warn("closing history sinks", "error", err)
		}
	}()

	if err := a.srv.Start(); err != nil {
		return err
	}
	defer a.shutdown()

	if err := a.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Supervise(ctx); err != nil {
			a.log.Error("supervision ended; health listener keeps serving", "error", err)
			return
		}
		a.log.Info("supervision ended")
	}()

	<-ctx.Done()
	a.log.Info("shutting down")
	wg.Wait()
	return nil
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		a.log.Warn("health listener shutdown", "error", err)
	}
}
