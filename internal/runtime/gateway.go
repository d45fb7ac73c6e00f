package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/toolbridge/internal/runtime/config"
	"github.com/drblury/toolbridge/internal/runtime/controlapi"
	"github.com/drblury/toolbridge/internal/runtime/coordinator"
	"github.com/drblury/toolbridge/internal/runtime/correlation"
	"github.com/drblury/toolbridge/internal/runtime/directory"
	"github.com/drblury/toolbridge/internal/runtime/directory/kafkalog"
	"github.com/drblury/toolbridge/internal/runtime/directory/natskv"
	"github.com/drblury/toolbridge/internal/runtime/dispatch"
	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/frontend/mcpserver"
	"github.com/drblury/toolbridge/internal/runtime/frontend/rest"
	loggingpkg "github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metrics"
	"github.com/drblury/toolbridge/internal/runtime/pubsub"
	"github.com/drblury/toolbridge/transport"

	// Register the built-in transports.
	_ "github.com/drblury/toolbridge/transport/transports"
)

// Version is reported by the MCP server.
var Version = "dev"

const shutdownTimeout = 5 * time.Second

// GatewayDependencies holds the optional collaborators of a Gateway. Leave
// fields nil to build them from the configuration.
type GatewayDependencies struct {
	// Transport replaces the transport built from the registry.
	Transport *transport.Transport
	// Registry resolves PubSubSystem. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// DirectoryLog replaces the log selected by DirectoryBackend.
	DirectoryLog directory.Log
	// Registerer and Gatherer default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Tracer     trace.Tracer
	Hooks      coordinator.Hooks
}

// Gateway wires the transport, the correlation engine, the directory, the
// coordinator and the front ends.
type Gateway struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport   transport.Transport
	caps        transport.Capabilities
	producer    *pubsub.Producer
	consumer    *pubsub.Consumer
	router      *correlation.Router
	reaper      *correlation.Reaper
	dispatcher  *dispatch.Dispatcher
	dirLog      directory.Log
	directory   *directory.Directory
	coordinator *coordinator.Coordinator
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer

	mcp     *mcpserver.Frontend
	rest    *rest.Frontend
	control *controlapi.API

	httpServers   map[int]chi.Router
	httpServersMu sync.Mutex
}

// NewGateway builds every component. Nothing runs until Start.
func NewGateway(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps GatewayDependencies) (*Gateway, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	log.Info("Creating gateway", loggingpkg.LogFields{
		"pubsub_system":     conf.PubSubSystem,
		"directory_backend": conf.DirectoryBackend,
		"config":            conf.String(),
	})

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	g := &Gateway{Conf: conf, Logger: log, gatherer: gatherer}
	if conf.MetricsEnabled {
		g.metrics = metrics.New(registerer)
	}

	if err := g.buildTransport(ctx, deps, registerer); err != nil {
		return nil, err
	}
	if err := g.buildCorrelation(deps); err != nil {
		_ = g.transport.Close()
		return nil, err
	}
	if err := g.buildDirectory(ctx, deps); err != nil {
		_ = g.consumer.Close()
		_ = g.transport.Close()
		return nil, err
	}

	g.mcp = mcpserver.New(conf.ServerName, Version, log)
	g.rest = rest.New(log)
	frontends := []coordinator.Frontend{g.mcp, g.rest}

	g.coordinator = coordinator.New(g.directory, g.router, g.dispatcher, frontends, log, coordinator.Options{
		Hooks:   deps.Hooks,
		Metrics: g.metrics,
	})
	g.directory.SetListener(g.coordinator)
	g.control = controlapi.New(g.coordinator, g.metrics, log, conf.CORSAllowedOrigins)
	g.registerHTTPHandlers()
	return g, nil
}

func (g *Gateway) buildTransport(ctx context.Context, deps GatewayDependencies, registerer prometheus.Registerer) error {
	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	g.caps = registry.GetCapabilities(g.Conf.PubSubSystem)

	if deps.Transport != nil {
		g.transport = *deps.Transport
	} else {
		// Responses fan out to every replica; each keeps only its own.
		cfg := transport.WithDelivery(g.Conf, transport.Broadcast)
		t, err := registry.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(g.Logger))
		if err != nil {
			return fmt.Errorf("build transport %q: %w", g.Conf.PubSubSystem, err)
		}
		g.transport = t
	}
	g.Logger.Info("transport ready", loggingpkg.LogFields{
		"pubsub_system":    g.caps.Name,
		"instance_id":      transport.InstanceID(g.Conf),
		"native_keys":      g.caps.NativeKeys,
		"max_message_size": g.caps.MaxMessageSize,
	})

	if g.Conf.MetricsEnabled {
		pub, sub, err := pubsub.Instrument(registerer, g.Conf.PubSubSystem, g.transport.Publisher, g.transport.Subscriber)
		if err != nil {
			_ = g.transport.Close()
			return fmt.Errorf("instrument transport: %w", err)
		}
		g.transport.Publisher, g.transport.Subscriber = pub, sub
	}
	return nil
}

// buildCorrelation wires the consumer, router, reaper and dispatcher. The
// consumer feeds the router, and the router subscribes through the
// consumer, so the handlers close over the fields.
func (g *Gateway) buildCorrelation(deps GatewayDependencies) error {
	producer, err := pubsub.NewProducer(g.transport.Publisher, g.Logger)
	if err != nil {
		return err
	}

	interval := g.Conf.ReaperInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	consumer, err := pubsub.NewConsumer(g.transport.Subscriber,
		func(topic string, key, value []byte) bool { return g.router.OnMessage(topic, key, value) },
		g.Logger,
		pubsub.WithMiddleware(
			pubsub.TracerMiddleware(deps.Tracer),
			pubsub.LogRecordsMiddleware(g.Logger),
			pubsub.RecovererMiddleware(),
		),
		pubsub.WithTicker(interval, func(now time.Time) { g.reaper.Tick(now) }),
	)
	if err != nil {
		return err
	}

	g.router = correlation.NewRouter(consumer, g.Logger, correlation.Options{
		Timeout: g.Conf.ResponseTimeout,
		Metrics: g.metrics,
	})
	g.reaper = correlation.NewReaper(g.router, interval, g.Logger)

	dispatcher, err := dispatch.New(producer, g.router, g.Logger, dispatch.Options{
		Metrics:        g.metrics,
		Tracer:         deps.Tracer,
		MaxMessageSize: g.caps.MaxMessageSize,
	})
	if err != nil {
		_ = consumer.Close()
		return err
	}
	g.producer, g.consumer, g.dispatcher = producer, consumer, dispatcher
	return nil
}

func (g *Gateway) buildDirectory(ctx context.Context, deps GatewayDependencies) error {
	log := deps.DirectoryLog
	if log == nil {
		var err error
		if log, err = OpenDirectoryLog(ctx, g.Conf, g.Logger); err != nil {
			return err
		}
	}
	g.dirLog = log
	g.directory = directory.New(log, g.Logger, directory.WithMetrics(g.metrics))
	return nil
}

// OpenDirectoryLog opens the directory log selected by DirectoryBackend.
func OpenDirectoryLog(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger) (directory.Log, error) {
	switch strings.ToLower(conf.DirectoryBackend) {
	case configpkg.DirectoryKafka:
		l, err := kafkalog.Open(kafkalog.Config{
			Brokers:           conf.KafkaBrokers,
			Topic:             conf.DirectoryTopic,
			ClientID:          conf.KafkaClientID,
			CreateTopic:       conf.DirectoryCreateTopic,
			Partitions:        conf.DirectoryPartitions,
			ReplicationFactor: conf.DirectoryReplicationFactor,
		}, log)
		if err != nil {
			return nil, err
		}
		return l, nil
	case configpkg.DirectoryNATS:
		l, err := natskv.Open(ctx, conf.NATSURL, conf.DirectoryBucket, log)
		if err != nil {
			return nil, err
		}
		return l, nil
	case configpkg.DirectoryMemory, "":
		return directory.NewMemoryLog(), nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", conf.DirectoryBackend)
	}
}

func (g *Gateway) registerHTTPHandlers() {
	if g.Conf.MCPPort != 0 {
		g.RegisterHTTPHandler(g.Conf.MCPPort, mcpserver.EndpointPath, g.mcp.HTTPHandler())
	}
	if g.Conf.RESTPort != 0 {
		g.routerFor(g.Conf.RESTPort, func(r chi.Router) {
			g.rest.Routes(r)
			g.control.Routes(r)
		})
	}
	if g.Conf.MetricsEnabled && g.Conf.MetricsPort != 0 {
		g.RegisterHTTPHandler(g.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	}
}

// RegisterHTTPHandler mounts handler on the server listening on port. Call it
// before Start.
func (g *Gateway) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	g.routerFor(port, func(r chi.Router) { r.Handle(pattern, handler) })
}

func (g *Gateway) routerFor(port int, mount func(chi.Router)) {
	g.httpServersMu.Lock()
	defer g.httpServersMu.Unlock()

	if g.httpServers == nil {
		g.httpServers = make(map[int]chi.Router)
	}
	r, ok := g.httpServers[port]
	if !ok {
		r = chi.NewRouter()
		g.httpServers[port] = r
	}
	mount(r)
}

// Start registers the metrics collectors, starts the consumer, replays the
// directory and serves HTTP until ctx ends. A failing directory log or
// consumer stops the gateway and is returned.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := g.consumer.Run(runCtx); err != nil && runCtx.Err() == nil {
			errCh <- fmt.Errorf("consumer: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := g.directory.Run(runCtx); err != nil && runCtx.Err() == nil {
			errCh <- fmt.Errorf("directory: %w", err)
		}
	}()

	go g.logWhenReady(runCtx)
	servers := g.startHTTPServers(errCh)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		g.Logger.Error("gateway stopping", runErr, nil)
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
	wg.Wait()
	return errors.Join(runErr, g.close())
}

func (g *Gateway) logWhenReady(ctx context.Context) {
	if err := g.directory.WaitReady(ctx); err != nil {
		return
	}
	g.Logger.Info("directory replayed", loggingpkg.LogFields{
		"registrations": len(g.directory.Names()),
		"empty":         g.directory.WasEmpty(),
		"active":        len(g.coordinator.AllHandlers()),
	})
}

func (g *Gateway) startHTTPServers(errCh chan<- error) []*http.Server {
	g.httpServersMu.Lock()
	defer g.httpServersMu.Unlock()

	ports := make([]int, 0, len(g.httpServers))
	for port := range g.httpServers {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	servers := make([]*http.Server, 0, len(ports))
	for _, port := range ports {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           g.httpServers[port],
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		g.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errCh <- fmt.Errorf("http server %s: %w", srv.Addr, err):
				default:
				}
			}
		}(srv)
	}
	return servers
}

// close releases the consumer, the transport and the directory log.
func (g *Gateway) close() error {
	return errors.Join(
		g.consumer.Close(),
		g.transport.Close(),
		g.dirLog.Close(),
	)
}

// Ready is closed once the directory has replayed and the bootstrap batch is
// applied.
func (g *Gateway) Ready() <-chan struct{} { return g.directory.Ready() }

func (g *Gateway) Coordinator() *coordinator.Coordinator { return g.coordinator }
func (g *Gateway) Directory() *directory.Directory       { return g.directory }
func (g *Gateway) Router() *correlation.Router           { return g.router }
func (g *Gateway) Dispatcher() *dispatch.Dispatcher      { return g.dispatcher }
func (g *Gateway) Metrics() *metrics.Metrics             { return g.metrics }

// MCPHandler serves the MCP streamable HTTP endpoint.
func (g *Gateway) MCPHandler() http.Handler { return g.mcp.HTTPHandler() }

// RESTHandler serves the tool, agent and control endpoints.
func (g *Gateway) RESTHandler() http.Handler {
	r := chi.NewRouter()
	g.rest.Routes(r)
	g.control.Routes(r)
	return r
}
