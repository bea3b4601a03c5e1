// Package app wires together the X client, state store, account registry,
// monitor, observers, scheduler and HTTP server into a single orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postwatch/postwatch/internal/config"
	"github.com/postwatch/postwatch/internal/dispatch"
	"github.com/postwatch/postwatch/internal/domain"
	"github.com/postwatch/postwatch/internal/metrics"
	"github.com/postwatch/postwatch/internal/monitor"
	"github.com/postwatch/postwatch/internal/scheduler"
	"github.com/postwatch/postwatch/internal/server"
	"github.com/postwatch/postwatch/internal/store"
	"github.com/postwatch/postwatch/internal/xapi"
)

// App is the main application orchestrator.
type App struct {
	config     *config.Config
	client     *xapi.Client
	store      store.Store
	registry   *monitor.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collector
	scheduler  *scheduler.Scheduler
	server     *server.Server
	closers    []io.Closer
	closed     atomic.Bool
	logger     *logrus.Entry
}

// ErrClosed is returned by operations on an App after Close.
var ErrClosed = errors.New("postwatch: app is closed")

// New creates and initialises the application:
//  1. Creates the metrics collector and the state store.
//  2. Creates the X API client and the monitor.
//  3. Registers configured and persisted accounts.
//  4. Registers the built-in observers.
//  5. Creates the scheduler and HTTP server.
func New(cfg *config.Config, logger *logrus.Entry) (*App, error) {
	log := logger.WithField("component", "app")
	m := metrics.New()

	// --- 1. Store ---
	st, err := store.New(store.Options{
		Backend:  cfg.Storage.Backend,
		Path:     cfg.Storage.Path,
		RedisURL: cfg.Storage.RedisURL,
		Prefix:   cfg.Storage.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s store: %w", cfg.Storage.Backend, err)
	}
	log.WithField("backend", cfg.Storage.Backend).Info("state store opened")

	// --- 2. X client and monitor ---
	client, err := xapi.New(xapi.Options{
		BaseURL:           cfg.X.BaseURL,
		BearerToken:       cfg.X.BearerToken,
		PageSize:          cfg.X.PageSize,
		RequestsPerSecond: cfg.X.MaxRequestsPerSecond,
		Burst:             cfg.X.BurstRequests,
		MaxBackoffWait:    cfg.X.MaxBackoffWait(),
		Timeout:           cfg.X.RequestTimeout(),
	}, logger.WithField("component", "xapi"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating x client: %w", err)
	}

	mon := monitor.New(client, monitor.Options{
		Order:          monitor.ProviderOrder(cfg.Monitor.ProviderOrder),
		SeenCapacity:   cfg.Monitor.SeenCapacity,
		FetchTimeout:   cfg.Monitor.FetchTimeout(),
		EmitOnFirstRun: cfg.Monitor.EmitOnFirstRun,
	}, logger.WithField("component", "monitor"))

	a := &App{
		config:     cfg,
		client:     client,
		store:      st,
		registry:   monitor.NewRegistry(),
		dispatcher: dispatch.NewDispatcher(m, logger),
		metrics:    m,
		logger:     log,
	}

	// --- 3. Accounts ---
	for _, acct := range cfg.Accounts {
		if _, err := a.AddAccount(acct.Handle, acct.ExcludeReplies, acct.ExcludeRetweets); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	if cfg.Monitor.ResumePersisted {
		if err := a.resumePersisted(); err != nil {
			log.WithError(err).Warn("could not list persisted accounts")
		}
	}

	// --- 4. Observers ---
	a.registerObservers(logger)

	// --- 5. Scheduler and HTTP server ---
	a.scheduler = scheduler.New(a.registry, mon, st, a.dispatcher, m, scheduler.Options{
		Interval:    cfg.Monitor.PollInterval(),
		Concurrency: cfg.Monitor.Concurrency,
		AfterPass:   a.afterPass,
	}, logger)

	if cfg.Server.Enabled {
		a.server = server.NewServer(cfg, m, a.registry, a.scheduler, logger)
	}

	return a, nil
}

// resumePersisted registers every handle found in storage that is not
// already configured. Resumed accounts exclude both replies and retweets.
func (a *App) resumePersisted() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handles, err := a.store.Handles(ctx)
	if err != nil {
		return err
	}
	resumed := 0
	for _, h := range handles {
		if _, ok := a.registry.Get(h); ok {
			continue
		}
		resumedAcct := domain.Account{Handle: h, ExcludeReplies: true, ExcludeRetweets: true}
		if _, err := a.registry.Add(resumedAcct); err != nil {
			a.logger.WithError(err).WithField("handle", h).Warn("skipping persisted account")
			continue
		}
		resumed++
	}
	if resumed > 0 {
		a.logger.WithField("count", resumed).Info("resumed persisted accounts")
	}
	a.metrics.SetAccounts(a.registry.Len())
	return nil
}

func (a *App) registerObservers(logger *logrus.Entry) {
	n := a.config.Notify
	if n.Log.Enabled {
		a.RegisterCallback(dispatch.NewLogObserver(logger.WithField("component", "observer")))
	}
	if n.Webhook.Enabled {
		client := &http.Client{Timeout: n.Webhook.Timeout()}
		a.RegisterCallback(dispatch.NewWebhookObserver(n.Webhook.URL, client))
	}
	if n.Kafka.Enabled {
		ko := dispatch.NewKafkaObserver(n.Kafka.Brokers, n.Kafka.Topic)
		a.RegisterCallback(ko)
		a.closers = append(a.closers, ko)
	}
	a.logger.WithField("observers", a.dispatcher.Len()).Info("observers registered")
}

func (a *App) afterPass(result scheduler.PassResult) {
	if remaining := a.client.RateLimiter().Remaining(); remaining >= 0 {
		a.metrics.SetRateLimitRemaining(remaining)
	}
	a.logger.WithFields(logrus.Fields{
		"pass_id":   result.PassID,
		"delivered": result.Total(),
		"failed":    len(result.Failed),
		"skipped":   len(result.Skipped),
		"took":      result.Duration,
	}).Debug("pass finished")
}

// AddAccount registers a handle for monitoring, or updates the exclusion
// policy of an already registered one.
func (a *App) AddAccount(handle string, excludeReplies, excludeRetweets bool) (domain.Account, error) {
	acct, err := a.registry.Add(domain.Account{
		Handle:          handle,
		ExcludeReplies:  excludeReplies,
		ExcludeRetweets: excludeRetweets,
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("adding account %q: %w", handle, err)
	}
	a.metrics.SetAccounts(a.registry.Len())
	a.logger.WithFields(logrus.Fields{
		"handle":           acct.Handle,
		"exclude_replies":  acct.ExcludeReplies,
		"exclude_retweets": acct.ExcludeRetweets,
	}).Info("account registered")
	return acct, nil
}

// RemoveAccount stops monitoring handle. Its persisted state is kept.
func (a *App) RemoveAccount(handle string) bool {
	h, err := domain.NormalizeHandle(handle)
	if err != nil {
		return false
	}
	removed := a.registry.Remove(h)
	a.metrics.SetAccounts(a.registry.Len())
	return removed
}

// RegisterCallback adds an observer. Observers are notified in registration
// order.
func (a *App) RegisterCallback(o dispatch.Observer) {
	a.dispatcher.Register(o)
}

// Accounts returns the per-account status.
func (a *App) Accounts() []monitor.AccountStatus {
	return a.registry.Status()
}

// RunOnce runs a single polling pass.
func (a *App) RunOnce(ctx context.Context) (scheduler.PassResult, error) {
	if a.closed.Load() {
		return scheduler.PassResult{}, ErrClosed
	}
	return a.scheduler.RunOnce(ctx)
}

// History returns the stored posts of handle, oldest first.
func (a *App) History(ctx context.Context, handle string) ([]domain.Post, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	h, err := domain.NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	return a.store.Posts(ctx, h)
}

// Start starts the HTTP server (if enabled) and the polling loop.
func (a *App) Start(ctx context.Context) error {
	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("starting server: %w", err)
		}
	}
	a.scheduler.Start(ctx)
	if a.server != nil {
		a.server.SetReady(true)
	}
	a.logger.WithField("accounts", a.registry.Len()).Info("postwatch is ready")
	return nil
}

// Run starts the application and blocks until ctx is cancelled or the
// scheduler halts. On return everything has been shut down. The returned
// error is the scheduler's halting error, if any.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return err
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case <-a.scheduler.Done():
		a.logger.Warn("scheduler halted, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Stop(shutdownCtx)

	return a.scheduler.Err()
}

// Stop gracefully stops the server and the scheduler, then releases
// resources. In-flight account cycles finish before Stop returns.
func (a *App) Stop(ctx context.Context) {
	if a.server != nil {
		a.server.SetReady(false)
		if err := a.server.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("error during server shutdown")
		}
	}
	a.scheduler.Stop()
	if err := a.Close(); err != nil {
		a.logger.WithError(err).Error("error releasing resources")
	}
}

// Close releases observers and the store without touching the scheduler.
// Later calls are no-ops; History and RunOnce then return ErrClosed.
func (a *App) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
