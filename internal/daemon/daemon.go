package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonlabs/outpost/internal/config"
	"github.com/halcyonlabs/outpost/internal/heartbeat"
	"github.com/halcyonlabs/outpost/internal/logger"
	"github.com/halcyonlabs/outpost/internal/observability"
	"github.com/halcyonlabs/outpost/internal/tracing"
	"github.com/halcyonlabs/outpost/pkg/commandqueue"
	"github.com/halcyonlabs/outpost/pkg/contextdir"
	"github.com/halcyonlabs/outpost/pkg/coordinator"
	"github.com/halcyonlabs/outpost/pkg/dispatcher"
	"github.com/halcyonlabs/outpost/pkg/engine"
	"github.com/halcyonlabs/outpost/pkg/gateway"
	"github.com/halcyonlabs/outpost/pkg/server"
	"github.com/halcyonlabs/outpost/pkg/thread"
	"github.com/halcyonlabs/outpost/pkg/updater"
)

const drainTimeout = 60 * time.Second

// Daemon wires the agent listener together: inbound HTTP server,
// per-thread dispatch queue, context documents, coordinator client,
// and the optional gateway event stream.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue    *commandqueue.CommandQueue
	store    *thread.Store
	registry *thread.Registry
	docs     *contextdir.Documents
	composer *contextdir.Composer
	watcher  *contextdir.Watcher
	invoker  *engine.Invoker
	disp     *dispatcher.Dispatcher

	// Coordinator side
	coord  *coordinator.Client
	skills *coordinator.SkillSync
	beat   *heartbeat.Scheduler

	// Services
	httpServer *server.Server
	hub        *gateway.Hub
	updater    *updater.Updater

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	version   string
	running   bool
	mu        sync.RWMutex
}

// New creates a daemon instance from cfg. Nothing starts serving
// until Start is called.
func New(cfg *config.Config, log *logger.Logger, version string) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("outpost-listener"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:  cfg,
		logger:  log,
		version: version,
		ctx:     ctx,
		cancel:  cancel,
	}
	d.lifecycle = NewLifecycleManager(d)

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		cancel()
		return nil, err
	}

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	log := d.logger.GetZerolog()

	if err := config.EnsureDirectories(d.config); err != nil {
		return fmt.Errorf("failed to prepare working directory: %w", err)
	}

	store, err := thread.NewStore(d.config.ThreadsDir())
	if err != nil {
		return fmt.Errorf("failed to initialize thread store: %w", err)
	}
	d.store = store
	d.registry = thread.NewRegistry()

	docs, err := contextdir.NewDocuments(d.config.ContextDir(), d.config.RootDocumentPath())
	if err != nil {
		return fmt.Errorf("failed to initialize context documents: %w", err)
	}
	d.docs = docs
	d.composer = contextdir.NewComposer(docs, d.config.AgentName, d.config.WorkDir)

	d.queue = commandqueue.New()

	d.invoker = engine.NewInvoker(d.config.Engine.Command, d.config.WorkDir,
		engine.WithTimeout(d.config.Engine.Timeout),
		engine.WithAllowedTools(d.config.Engine.AllowedTools),
	)

	d.coord = coordinator.NewClient(coordinator.Options{
		Endpoint:        d.config.Coordinator.Endpoint,
		APIKey:          d.config.Coordinator.APIKey,
		AgentName:       d.config.AgentName,
		ListenPort:      d.config.Listen.Port,
		Discover:        coordinator.CommandDiscoverer(d.config.Coordinator.DiscoverCommand),
		RegisterRetries: d.config.Coordinator.RegisterRetries,
		RegisterDelay:   d.config.Coordinator.RegisterDelay,
		StreamTimeout:   d.config.Coordinator.StreamTimeout,
		RequestTimeout:  d.config.Coordinator.RequestTimeout,
		UpdateTimeout:   d.config.Coordinator.UpdateTimeout,
	})
	d.skills = coordinator.NewSkillSync(d.coord, d.docs)

	if d.config.Gateway.Enabled {
		d.hub = gateway.NewHub(d.config.Gateway.SharedSecret, log)
	}

	var notifier dispatcher.Notifier
	if d.hub != nil {
		notifier = d.hub
		forward := func(e commandqueue.Event) {
			d.hub.QueueActivity(e.Lane, e.Type, e.TaskID)
		}
		d.queue.On("enqueued", forward)
		d.queue.On("completed", forward)
	}
	d.disp = dispatcher.New(d.store, d.registry, d.composer, d.invoker, d.coord, d.queue, notifier)

	log.Info().
		Str("agent", d.config.AgentName).
		Str("work_dir", d.config.WorkDir).
		Msg("Core modules initialized")

	return nil
}

func (d *Daemon) initializeServices() error {
	log := d.logger.GetZerolog()

	watcher, err := contextdir.NewWatcher(contextdir.WatcherConfig{
		ContextDir: d.config.ContextDir(),
		OnChange: func(name string) {
			log.Debug().Str("document", name).Msg("Context document changed on disk")
			if d.hub != nil {
				d.hub.ContextChanged(name)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize context watcher: %w", err)
	}
	d.watcher = watcher

	exe, err := os.Executable()
	if err != nil {
		log.Warn().Err(err).Msg("Cannot resolve executable path, self-update disabled")
	} else {
		d.updater = updater.New(exe, d.version)
	}

	if d.config.Heartbeat.Enabled {
		beat, err := heartbeat.New(heartbeat.Options{
			RegisterSpec: d.config.Heartbeat.RegisterSpec,
			SyncSpec:     d.config.Heartbeat.SyncSpec,
			Register:     d.coord.Register,
			Sync: func(ctx context.Context) error {
				result := d.skills.SyncAll(ctx)
				if len(result.Failed) > 0 {
					return fmt.Errorf("%d of %d skills failed to publish",
						len(result.Failed), len(result.Published)+len(result.Failed))
				}
				return nil
			},
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize heartbeat scheduler: %w", err)
		}
		d.beat = beat
	}

	srv, err := server.New(server.Options{
		Host:               d.config.Listen.Host,
		Port:               d.config.Listen.Port,
		RateLimitPerMinute: d.config.Listen.RateLimitPerMinute,
		AgentName:          d.config.AgentName,
		Version:            d.version,
	}, server.Deps{
		Dispatcher: d.disp,
		Store:      d.store,
		Registry:   d.registry,
		Documents:  d.docs,
		Skills:     d.skills,
		Coord:      d.coord,
		Updater:    d.updater,
		Hub:        d.hub,
		Queue:      d.queue,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}
	d.httpServer = srv

	return nil
}

// Start brings up the daemon: PID file, context watcher, heartbeat,
// background coordinator registration, and finally the blocking HTTP
// listener.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Str("version", d.version).Msg("Starting Outpost listener")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start context watcher, change events disabled")
	}

	// Registration must not delay serving: the coordinator may be down
	// or the fabric address not assigned yet, and inbound messages work
	// either way.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.coord.Register(d.ctx) {
			log.Info().Msg("Registered with coordinator")
		} else {
			log.Warn().Msg("Coordinator registration failed, running standalone")
		}
	}()

	if d.beat != nil {
		d.beat.Start()
	}

	log.Info().
		Str("host", d.config.Listen.Host).
		Int("port", d.config.Listen.Port).
		Msg("HTTP listener starting")

	return d.httpServer.Start()
}

// Stop shuts the daemon down gracefully: stop accepting requests,
// drain in-flight dispatches, then release everything else.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.GetZerolog()
	log.Info().Msg("Stopping Outpost listener")

	if err := d.httpServer.Stop(); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown reported an error")
	}

	if d.beat != nil {
		d.beat.Stop()
	}

	if !d.queue.Drain(drainTimeout) {
		log.Warn().Dur("timeout", drainTimeout).Msg("Dispatch queue did not drain, abandoning in-flight work")
	}
	if err := d.queue.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close dispatch queue")
	}

	if d.hub != nil {
		d.queue.Off("enqueued")
		d.queue.Off("completed")
		d.hub.Close()
	}
	if err := d.watcher.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop context watcher")
	}
	if err := d.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close thread store")
	}

	d.cancel()
	d.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down tracing")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop lifecycle manager")
	}

	log.Info().Msg("Outpost listener stopped")
	return nil
}

// Status describes the running daemon.
type Status struct {
	Running   bool
	PID       int
	Uptime    time.Duration
	AgentName string
	Version   string
	Threads   int
}

// Status returns a snapshot of daemon state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:   d.running,
		PID:       os.Getpid(),
		AgentName: d.config.AgentName,
		Version:   d.version,
		Threads:   d.registry.Len(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger.
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetQueue returns the dispatch queue.
func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}

// GetDispatcher returns the message dispatcher.
func (d *Daemon) GetDispatcher() *dispatcher.Dispatcher {
	return d.disp
}

// GetHub returns the gateway hub, nil when the event stream is disabled.
func (d *Daemon) GetHub() *gateway.Hub {
	return d.hub
}

// Zerolog returns the underlying zerolog logger.
func (d *Daemon) Zerolog() zerolog.Logger {
	return d.logger.GetZerolog()
}
