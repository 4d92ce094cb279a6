//file: internal/relay/forward.go

package relay

import (
	"context"
	"errors"

	"mqtt-kafka-bridge/config"
	"mqtt-kafka-bridge/internal/metrics"
)

// connHandler binds source callbacks to the connection generation they were
// registered for.
type connHandler struct {
	engine *Engine
	gen    uint64
}

func (h *connHandler) HandleMessage(msg InboundMessage) {
	h.engine.forward(msg)
}

func (h *connHandler) HandleConnectionLost(err error) {
	h.engine.connectionLost(h.gen, err)
}

// forward hands msg to the sink. It blocks while MaxInFlight records are
// unacknowledged, which holds back the source's delivery goroutine.
func (e *Engine) forward(msg InboundMessage) {
	e.stats.IncReceived()
	e.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("received")
	})

	e.mu.Lock()
	if e.state == StateClosing || e.state == StateInit {
		e.mu.Unlock()
		e.reject(msg, "bridge is closing")
		return
	}
	e.inflight.Add(1)
	runCtx, pubCtx := e.runCtx, e.pubCtx
	e.mu.Unlock()

	if err := e.slots.Acquire(runCtx, 1); err != nil {
		e.inflight.Done()
		e.reject(msg, "bridge is closing")
		return
	}

	rec := OutboundRecord{
		Topic:   e.cfg.DestinationTopic,
		Key:     msg.Topic,
		Payload: msg.Payload,
	}

	n := e.stats.AddInFlight(1)
	e.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetInFlight(float64(n))
	})

	attemptCtx, cancel := context.WithCancel(pubCtx)
	ack := e.sink.Publish(attemptCtx, rec)
	go e.awaitAck(pubCtx, msg, rec, ack, cancel)
}

// awaitAck settles one record: acks the source token on success, retries
// under at-least-once, and counts the record dropped once attempts run out.
// Each attempt's context is cancelled as soon as the engine stops waiting on
// it, so sinks can release whatever they hold for that attempt.
func (e *Engine) awaitAck(ctx context.Context, msg InboundMessage, rec OutboundRecord, ack <-chan error, cancel context.CancelFunc) {
	defer func() {
		n := e.stats.AddInFlight(-1)
		e.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetInFlight(float64(n))
		})
		e.slots.Release(1)
		e.inflight.Done()
	}()

	attempts := 1
	if e.delivery.Guarantee != config.AtMostOnce {
		attempts = e.delivery.MaxPublishAttempts
	}

	for attempt := 1; ; attempt++ {
		started := e.clock.Now()
		err := e.waitAck(ctx, ack)
		cancel()
		if err == nil {
			e.stats.IncForwarded()
			e.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncPublishAttempts("success")
				m.IncMessagesTotal("forwarded")
				m.ObservePublishLatency(e.clock.Since(started))
			})
			msg.Acknowledge()
			return
		}

		perr := &PublishError{Key: rec.Key, Attempt: attempt, Err: err}
		e.stats.IncFailed()
		e.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncPublishAttempts("failure")
			m.IncMessagesTotal("failed")
		})

		// Abandoned by shutdown: leave the source message unacknowledged so
		// the broker redelivers it to the next session.
		if ctx.Err() != nil {
			e.logger.Warn("publish abandoned on shutdown", "key", rec.Key, "error", perr)
			return
		}

		if attempt >= attempts {
			e.logger.Error("dropping message", "key", rec.Key, "attempts", attempt, "error", perr)
			e.stats.IncDropped()
			e.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncMessagesTotal("dropped")
			})
			msg.Acknowledge()
			return
		}

		e.logger.Warn("publish failed, retrying", "key", rec.Key, "attempt", attempt, "error", perr)
		var attemptCtx context.Context
		attemptCtx, cancel = context.WithCancel(ctx)
		ack = e.sink.Publish(attemptCtx, rec)
	}
}

func (e *Engine) waitAck(ctx context.Context, ack <-chan error) error {
	timer := e.clock.Timer(e.delivery.AckTimeout)
	defer timer.Stop()
	select {
	case err, ok := <-ack:
		if !ok {
			return errors.New("acknowledgment channel closed")
		}
		return err
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) reject(msg InboundMessage, reason string) {
	e.stats.IncRejected()
	e.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("rejected")
	})
	e.logger.Debug("message rejected", "topic", msg.Topic, "reason", reason)
}
