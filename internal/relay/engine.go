package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"mqtt-kafka-bridge/config"
	"mqtt-kafka-bridge/internal/logger"
	"mqtt-kafka-bridge/internal/metrics"
	"mqtt-kafka-bridge/internal/stats"
)

// Engine owns both endpoints and the reconnect state machine.
//
// One control goroutine performs every connect, reconnect and close, so
// connect attempts are strictly serialized. Source callbacks only touch state
// under mu and hand connection losses to the control goroutine through lost.
type Engine struct {
	cfg      config.BridgeConfig
	retry    config.RetryConfig
	delivery config.DeliveryConfig
	source   Source
	sink     Sink
	logger   *logger.Logger
	metrics  *metrics.Metrics
	stats    *stats.StatsCollector
	clock    clock.Clock

	mu          sync.Mutex
	state       State
	sourceState ConnState
	sinkState   ConnState
	sourceOpen  bool
	sinkOpen    bool
	gen         uint64 // current source connection generation
	lostGen     uint64 // last generation whose loss was accepted
	started     bool
	fatal       error
	closeErr    error

	lost      chan lostEvent
	slots     *semaphore.Weighted
	inflight  sync.WaitGroup
	runCtx    context.Context
	cancel    context.CancelFunc
	pubCtx    context.Context
	pubCancel context.CancelFunc
	done      chan struct{}
}

type lostEvent struct {
	gen uint64
	err error
}

// Option configures an Engine.
type Option func(*Engine)

func WithRetry(r config.RetryConfig) Option {
	return func(e *Engine) { e.retry = r }
}

func WithDelivery(d config.DeliveryConfig) Option {
	return func(e *Engine) { e.delivery = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithStats(s *stats.StatsCollector) Option {
	return func(e *Engine) { e.stats = s }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an engine in the Init state. Nothing is opened until Start.
func New(cfg config.BridgeConfig, source Source, sink Sink, log *logger.Logger, opts ...Option) *Engine {
	defaults := config.Default()
	e := &Engine{
		cfg:         cfg,
		retry:       defaults.Retry,
		delivery:    defaults.Delivery,
		source:      source,
		sink:        sink,
		logger:      log,
		clock:       clock.New(),
		state:       StateInit,
		sourceState: ConnDisconnected,
		sinkState:   ConnDisconnected,
		lost:        make(chan lostEvent, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.NewNop()
	}
	if e.stats == nil {
		e.stats = stats.NewStatsCollector()
	}
	if e.delivery.MaxInFlight <= 0 {
		e.delivery.MaxInFlight = defaults.Delivery.MaxInFlight
	}
	if e.delivery.MaxPublishAttempts <= 0 {
		e.delivery.MaxPublishAttempts = 1
	}
	if e.delivery.AckTimeout <= 0 {
		e.delivery.AckTimeout = defaults.Delivery.AckTimeout
	}
	if e.delivery.DrainTimeout <= 0 {
		e.delivery.DrainTimeout = defaults.Delivery.DrainTimeout
	}
	e.slots = semaphore.NewWeighted(int64(e.delivery.MaxInFlight))
	return e
}

// Start validates the bridge configuration and launches the control loop.
// An invalid configuration yields a *config.ConfigError and no connection
// attempt. Connection failures are not reported here: they are retried, and
// only an exhausted retry budget ends the engine (see Err).
//
// Cancelling ctx has the same effect as Stop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.pubCtx, e.pubCancel = context.WithCancel(context.Background())
	e.state = StateConnectingSource

	e.logger.Info("starting bridge",
		"source", e.cfg.SourceBroker,
		"sourceTopic", e.cfg.SourceTopic,
		"destination", e.cfg.DestinationBrokers,
		"destinationTopic", e.cfg.DestinationTopic,
		"clientId", e.cfg.ClientID)

	go e.run(e.runCtx)
	return nil
}

// Stop shuts the engine down: any backoff sleep is interrupted, in-flight
// publishes get the drain window, then the source and the sink are closed.
// It is idempotent and may be called from any goroutine in any state. ctx
// bounds how long Stop waits for the shutdown to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for bridge shutdown: %w", ctx.Err())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeErr
}

// Done is closed once the engine has returned to Init after Stop or a fatal
// error.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the error that ended the engine on its own, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) SourceState() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sourceState
}

func (e *Engine) SinkState() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sinkState
}

// Stats exposes the engine's counters.
func (e *Engine) Stats() *stats.StatsCollector {
	return e.stats
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	err := e.loop(ctx)
	if ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		e.logger.Error("bridge stopped on fatal error", "error", err)
	}
	// Unblocks forwarders waiting for an in-flight slot.
	e.cancel()

	closeErr := e.shutdown()

	e.mu.Lock()
	e.fatal = err
	e.closeErr = closeErr
	e.state = StateInit
	e.mu.Unlock()
	e.logger.Info("bridge stopped")
}

func (e *Engine) loop(ctx context.Context) error {
	if err := e.connect(ctx, EndpointSink, NewBackoff(e.retry), e.openSink); err != nil {
		return err
	}

	backoff := NewBackoff(e.retry)
	for {
		if err := e.connect(ctx, EndpointSource, backoff, e.openSource); err != nil {
			return err
		}

		e.mu.Lock()
		e.state = StateRunning
		gen := e.gen
		e.mu.Unlock()
		e.logger.Info("bridge running",
			"source", e.cfg.SourceBroker,
			"topic", e.cfg.SourceTopic)

		if err := e.awaitLoss(ctx, gen); err != nil {
			return nil
		}
	}
}

// awaitLoss blocks while Running until the current source connection drops
// (returns nil so the caller reconnects) or ctx ends.
func (e *Engine) awaitLoss(ctx context.Context, gen uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.lost:
			if ev.gen != gen {
				continue
			}
			lostErr := &ConnectionLostError{Err: ev.err}
			e.logger.Error("source connection lost, reconnecting", "error", lostErr)
			e.stats.IncReconnects()
			e.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncReconnects(string(EndpointSource))
			})

			e.mu.Lock()
			e.state = StateConnectingSource
			e.mu.Unlock()

			closeCtx, cancel := context.WithTimeout(context.Background(), e.delivery.DrainTimeout)
			if err := e.closeSource(closeCtx); err != nil {
				e.logger.Debug("closing lost source connection", "error", err)
			}
			cancel()
			return nil
		}
	}
}

// connect runs attempt until it succeeds, ctx ends or the retry budget is
// spent. Only this goroutine ever calls it, so attempts never overlap.
func (e *Engine) connect(ctx context.Context, ep Endpoint, b *Backoff, attempt func(context.Context) error) error {
	for n := 1; ; n++ {
		e.setConnState(ep, ConnConnecting)

		err := attempt(ctx)
		if err == nil {
			b.Reset()
			e.setConnState(ep, ConnConnected)
			e.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.SetConnectionStatus(string(ep), true)
				m.SetBackoff(string(ep), 0)
			})
			e.logger.Info("endpoint connected", "endpoint", ep, "attempt", n)
			return nil
		}

		e.setConnState(ep, ConnDisconnected)
		e.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetConnectionStatus(string(ep), false)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if e.retry.MaxAttempts > 0 && n >= e.retry.MaxAttempts {
			cerr := &ConnectError{Endpoint: ep, Attempt: n, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, err)}
			e.logger.Error("giving up connecting", "endpoint", ep, "attempts", n, "error", err)
			return cerr
		}

		delay := b.Next()
		cerr := &ConnectError{Endpoint: ep, Attempt: n, Err: err}
		e.logger.Error("connect failed",
			"endpoint", ep,
			"attempt", n,
			"retryIn", delay,
			"error", cerr)
		e.stats.IncReconnects()
		e.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncReconnects(string(ep))
			m.SetBackoff(string(ep), delay)
		})

		if err := sleep(ctx, e.clock, delay); err != nil {
			return err
		}
	}
}

func (e *Engine) openSink(ctx context.Context) error {
	if err := e.sink.Open(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.sinkOpen = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) openSource(ctx context.Context) error {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	// Losses of older generations can no longer be accepted; discard one
	// that may still be queued.
	select {
	case <-e.lost:
	default:
	}

	if err := e.source.Open(ctx, &connHandler{engine: e, gen: gen}); err != nil {
		return err
	}
	e.mu.Lock()
	e.sourceOpen = true
	e.mu.Unlock()

	if err := e.source.Subscribe(ctx, e.cfg.SourceTopic); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if cerr := e.closeSource(closeCtx); cerr != nil {
			e.logger.Debug("closing source after failed subscribe", "error", cerr)
		}
		return fmt.Errorf("subscribe %q: %w", e.cfg.SourceTopic, err)
	}
	return nil
}

// connectionLost accepts the first loss reported for the current generation
// and ignores the rest.
func (e *Engine) connectionLost(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.gen || gen == e.lostGen || e.state == StateClosing || e.state == StateInit {
		e.mu.Unlock()
		return
	}
	e.lostGen = gen
	e.sourceState = ConnDisconnected
	e.mu.Unlock()

	e.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(string(EndpointSource), false)
	})

	select {
	case e.lost <- lostEvent{gen: gen, err: err}:
	default:
	}
}

func (e *Engine) closeSource(ctx context.Context) error {
	e.mu.Lock()
	if !e.sourceOpen {
		e.mu.Unlock()
		return nil
	}
	e.sourceOpen = false
	e.sourceState = ConnClosing
	e.mu.Unlock()

	err := e.source.Close(ctx)
	e.setConnState(EndpointSource, ConnDisconnected)
	e.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(string(EndpointSource), false)
	})
	return err
}

func (e *Engine) closeSink(ctx context.Context) error {
	e.mu.Lock()
	if !e.sinkOpen {
		e.mu.Unlock()
		return nil
	}
	e.sinkOpen = false
	e.sinkState = ConnClosing
	e.mu.Unlock()

	err := e.sink.Close(ctx)
	e.setConnState(EndpointSink, ConnDisconnected)
	e.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(string(EndpointSink), false)
	})
	return err
}

// shutdown is the Closing phase: refuse new messages, drain, close the source
// then the sink.
func (e *Engine) shutdown() error {
	e.mu.Lock()
	e.state = StateClosing
	e.mu.Unlock()
	e.logger.Info("closing bridge", "drainTimeout", e.delivery.DrainTimeout)

	if !e.drain(e.delivery.DrainTimeout) {
		e.logger.Warn("drain timeout reached, abandoning in-flight publishes",
			"inFlight", e.stats.GetStats().InFlight)
	}
	e.pubCancel()

	closeCtx, cancel := context.WithTimeout(context.Background(), e.delivery.DrainTimeout)
	defer cancel()
	err := multierr.Combine(
		wrapClose(EndpointSource, e.closeSource(closeCtx)),
		wrapClose(EndpointSink, e.closeSink(closeCtx)),
	)

	// Publishes abandoned above exit promptly once pubCtx is cancelled.
	e.inflight.Wait()
	return err
}

func (e *Engine) drain(timeout time.Duration) bool {
	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()
	timer := e.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}

func wrapClose(ep Endpoint, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("close %s: %w", ep, err)
}

func (e *Engine) setConnState(ep Endpoint, s ConnState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ep == EndpointSource {
		e.sourceState = s
	} else {
		e.sinkState = s
	}
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (e *Engine) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if e.metrics != nil {
		fn(e.metrics)
	}
}
