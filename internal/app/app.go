// Package app wires all squelch subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds and connects all
// subsystems and acquires the startup resources (UDP socket, output device,
// HTTP listener), Run executes the pipeline until the context is cancelled
// or the operator quits, and Shutdown releases everything in reverse order.
//
// For testing, inject a device registry with mock backends via
// [WithRegistry] and bind every address to port 0.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/squelch/internal/command"
	"github.com/MrWong99/squelch/internal/config"
	"github.com/MrWong99/squelch/internal/health"
	"github.com/MrWong99/squelch/internal/monitor"
	"github.com/MrWong99/squelch/internal/observe"
	"github.com/MrWong99/squelch/internal/processor"
	"github.com/MrWong99/squelch/internal/queue"
	"github.com/MrWong99/squelch/internal/receiver"
	"github.com/MrWong99/squelch/internal/resilience"
	"github.com/MrWong99/squelch/internal/settings"
	"github.com/MrWong99/squelch/internal/sink"
	"github.com/MrWong99/squelch/pkg/audio"
)

// HTTPDisabled as server.listen_addr turns the HTTP server off.
const HTTPDisabled = "-"

// httpShutdownTimeout bounds the graceful HTTP shutdown inside Run.
const httpShutdownTimeout = 5 * time.Second

// errQuit cancels the run group when the operator quits from the console.
var errQuit = errors.New("app: operator quit")

// App owns all subsystem lifetimes and orchestrates the squelch pipeline.
type App struct {
	cfg *config.Config

	registry   *config.Registry
	metrics    *observe.Metrics
	level      *slog.LevelVar
	configPath string
	watchOpts  []config.WatcherOption
	consoleIn  io.Reader
	consoleOut io.Writer

	// Subsystems, built in New and torn down in Shutdown.
	store     *settings.Store
	queue     *queue.Queue
	receiver  *receiver.Receiver
	devices   *resilience.DeviceFallback
	sink      *sink.Sink
	monitor   *monitor.Monitor
	processor *processor.Processor
	interp    *command.Interpreter
	console   *command.Console
	health    *health.Handler
	server    *http.Server
	listener  net.Listener
	watcher   *config.Watcher

	// closers run in reverse registration order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry sets the output backend registry. Defaults to
// [DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets a config reload change the level of the process logger.
func WithLogLevel(level *slog.LevelVar) Option {
	return func(a *App) { a.level = level }
}

// WithConfigWatch enables hot reload of the config file at path.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// WithConsole runs the interactive command console on in and out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.consoleIn = in
		a.consoleOut = out
	}
}

// DefaultRegistry returns a registry with the miniaudio and null backends.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.Register(config.BackendMalgo, sink.NewMalgoDevice)
	reg.Register(config.BackendNull, sink.NewNullDevice)
	return reg
}

// New creates an App by wiring all subsystems together. It binds the UDP
// socket, opens the output device and binds the HTTP listener, so startup
// failures surface here rather than in Run. On error every resource acquired
// so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// 1. Settings store
	a.store, err = settings.NewStore(cfg.DSP, cfg.Network.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("app: init settings: %w", err)
	}

	// 2. Queue and receiver
	a.queue = queue.New(queue.WithCapacity(cfg.Queue.Capacity))
	a.closers = append(a.closers, a.queue.Close)
	if err := a.initReceiver(); err != nil {
		return nil, fmt.Errorf("app: init receiver: %w", err)
	}

	// 3. Output sink and device
	if err := a.initSink(); err != nil {
		return nil, fmt.Errorf("app: init output: %w", err)
	}

	// 4. Monitor
	if cfg.Monitor.Enabled {
		a.monitor, err = monitor.New(cfg.Network.SampleRate,
			monitor.WithBitrate(cfg.Monitor.Bitrate),
			monitor.WithMetrics(a.metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("app: init monitor: %w", err)
		}
	}

	// 5. Processor
	if err := a.initProcessor(); err != nil {
		return nil, fmt.Errorf("app: init processor: %w", err)
	}

	// 6. Command interface
	a.interp = command.New(a.store,
		command.WithMetrics(a.metrics),
		command.WithPipeline(a.pipelineStatus),
	)
	if a.consoleIn != nil {
		a.console = command.NewConsole(a.interp, a.consoleIn, a.consoleOut)
	}

	// 7. Health and HTTP
	a.health = health.New(
		health.Checker{Name: "receiver", Check: a.receiver.Ready},
		health.Checker{Name: "output", Check: a.outputReady},
	)
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	// 8. Config hot reload
	if a.configPath != "" {
		a.watcher, err = config.NewWatcher(a.configPath, a.applyConfig, a.watchOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.closers = append(a.closers, func() error {
			a.watcher.Stop()
			return nil
		})
	}

	return a, nil
}

func (a *App) initReceiver() error {
	framing, err := receiver.ParseFraming(string(a.cfg.Network.Framing))
	if err != nil {
		return err
	}
	a.receiver, err = receiver.New(a.cfg.Network.Listen, a.cfg.Network.ChunkSamples, a.queue,
		receiver.WithFraming(framing),
		receiver.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	if err := a.receiver.Listen(); err != nil {
		return err
	}
	a.closers = append(a.closers, a.receiver.Close)
	return nil
}

func (a *App) initSink() error {
	out := a.cfg.Output
	primary, err := a.factory(out.Backend)
	if err != nil {
		return err
	}
	fallbackCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				if to == resilience.StateOpen {
					a.metrics.RecordDeviceError(context.Background(), name)
				}
			},
		},
	}
	a.devices = resilience.NewDeviceFallback(primary, out.Backend, fallbackCfg)
	if out.FallbackNull && out.Backend != config.BackendNull {
		null, err := a.factory(config.BackendNull)
		if err != nil {
			return err
		}
		a.devices.AddFallback(config.BackendNull, null)
	}

	devCfg := audio.DeviceConfig{
		SampleRate:   a.cfg.Network.SampleRate,
		PeriodFrames: out.PeriodFrames,
		DeviceName:   out.Device,
	}
	a.sink = sink.New(
		sink.WithRingSize(out.RingSize),
		sink.WithMetrics(a.metrics),
		sink.WithRetryInterval(time.Duration(out.RetrySeconds*float64(time.Second))),
		sink.WithOpener(func(onStop func(error)) (audio.Device, error) {
			c := devCfg
			c.OnStop = onStop
			return a.devices.Open(c)
		}),
	)
	if err := a.sink.Start(); err != nil {
		return err
	}
	a.closers = append(a.closers, a.sink.Close)
	slog.Info("output device opened", "device", a.deviceName(), "backends", a.devices.Backends())
	return nil
}

func (a *App) factory(name string) (audio.DeviceFactory, error) {
	if !a.registry.Has(name) {
		return nil, fmt.Errorf("%w: %q (known: %v)", config.ErrBackendNotRegistered, name, a.registry.Names())
	}
	return func(cfg audio.DeviceConfig) (audio.Device, error) {
		return a.registry.Create(name, cfg)
	}, nil
}

func (a *App) initProcessor() error {
	ad := a.cfg.Adaptive
	opts := []processor.Option{
		processor.WithMetrics(a.metrics),
		processor.WithAdaptive(processor.Adaptive{
			Smoothing:     ad.Smoothing,
			MaxOutliers:   ad.MaxOutliers,
			ResetPolicy:   processor.ResetPolicy(ad.ResetPolicy),
			SilenceDBFS:   ad.SilenceDBFS,
			SilenceChunks: ad.SilenceChunks,
		}),
	}
	if a.monitor != nil {
		opts = append(opts, processor.WithTap(a.monitor.Tap))
	}
	var err error
	a.processor, err = processor.New(a.store, a.queue, a.sink, opts...)
	return err
}

func (a *App) initHTTP() error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" || addr == HTTPDisabled {
		return nil
	}
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.Handle("GET /control", command.NewHandler(a.interp))
	if a.monitor != nil {
		mux.Handle("GET /monitor", a.monitor)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.closers = append(a.closers, func() error {
		// Serve may never have run, so the listener is closed separately.
		err := errors.Join(a.server.Close(), a.listener.Close())
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	slog.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Settings returns the live settings store.
func (a *App) Settings() *settings.Store { return a.store }

// Interpreter returns the command interpreter.
func (a *App) Interpreter() *command.Interpreter { return a.interp }

// UDPAddr returns the bound audio address.
func (a *App) UDPAddr() net.Addr { return a.receiver.Addr() }

// HTTPAddr returns the bound HTTP address, or nil when HTTP is disabled.
func (a *App) HTTPAddr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Run starts the pipeline and blocks until ctx is cancelled, the operator
// quits, or a component fails. Cancellation and quitting return nil.
//
// Goroutines: receiver (closes the queue when it stops), processor, sink
// supervisor, monitor encoder, console, HTTP server.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer a.queue.Close()
		return a.receiver.Run(gctx)
	})
	g.Go(func() error { return a.processor.Run(gctx) })
	g.Go(func() error { return a.sink.Run(gctx) })

	if a.monitor != nil {
		g.Go(func() error { return a.monitor.Run(gctx) })
	}

	if a.console != nil {
		g.Go(func() error {
			err := a.console.Run(gctx)
			if errors.Is(err, command.ErrQuit) {
				slog.Info("operator requested shutdown")
				return errQuit
			}
			return err
		})
	}

	if a.server != nil {
		a.server.BaseContext = func(net.Listener) context.Context { return gctx }
		g.Go(func() error {
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	slog.Info("squelch running",
		"udp", a.receiver.Addr().String(),
		"sample_rate", a.cfg.Network.SampleRate,
		"chunk_samples", a.cfg.Network.ChunkSamples,
		"device", a.deviceName(),
	)

	err := g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// applyConfig is the watcher callback: it applies hot-reloadable changes and
// reports the rest.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.DSPChanged {
		if err := a.store.Merge(new.DSP, d.DSPFields...); err != nil {
			slog.Warn("config reload: dsp settings rejected", "err", err)
		} else {
			slog.Info("config reload: dsp settings applied", "fields", fieldNames(d.DSPFields))
		}
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: some changes apply only after a restart", "sections", d.RestartRequired)
	}
}

func fieldNames(fields []settings.Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.String()
	}
	return names
}

func (a *App) outputReady(context.Context) error {
	dev := a.sink.Device()
	if dev == nil {
		return errors.New("no output device attached")
	}
	if !dev.Running() {
		return fmt.Errorf("output device %s is not running", dev.Name())
	}
	return nil
}

func (a *App) pipelineStatus() command.PipelineStatus {
	rs := a.receiver.Stats()
	ps := a.processor.Stats()
	ss := a.sink.Stats()
	return command.PipelineStatus{
		Phase:        ps.Phase.String(),
		Received:     rs.Chunks,
		Malformed:    rs.Malformed,
		QueueDepth:   a.queue.Len(),
		QueueDropped: a.queue.Dropped(),
		Processed:    ps.Processed,
		StageResets:  ps.StageResets,
		SinkBuffered: a.sink.Buffered(),
		SinkDropped:  ss.Dropped,
		Underruns:    ss.Underruns,
		Device:       a.deviceName(),
	}
}

func (a *App) deviceName() string {
	if dev := a.sink.Device(); dev != nil {
		return dev.Name()
	}
	return "none"
}
