// Package relay forwards messages from a subscription source to a delivery
// sink and keeps both connections alive across broker outages.
package relay

import (
	"context"

	"mqtt-kafka-bridge/internal/metrics"
)

// State is the lifecycle state of an Engine.
type State string

const (
	StateInit             State = "init"
	StateConnectingSource State = "connecting_source"
	StateRunning          State = "running"
	StateClosing          State = "closing"
)

// ConnState is the connection state of one endpoint.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnClosing      ConnState = "closing"
)

// Endpoint identifies one side of the relay in logs, errors and metrics.
type Endpoint string

const (
	EndpointSource Endpoint = metrics.EndpointSource
	EndpointSink   Endpoint = metrics.EndpointSink
)

// InboundMessage is a message delivered by a Source. It is consumed by the
// engine immediately and never stored past the forwarding call.
type InboundMessage struct {
	Topic     string
	Payload   []byte
	MessageID uint16
	Duplicate bool

	// Ack, when set, confirms the message to the source broker. The engine
	// calls it once the destination has taken responsibility for the record.
	Ack func()
}

// Acknowledge invokes the delivery token if the source supplied one.
func (m InboundMessage) Acknowledge() {
	if m.Ack != nil {
		m.Ack()
	}
}

// OutboundRecord is what the engine hands to a Sink. Key carries the origin
// topic so consumers can recover provenance and records of one topic share a
// partition.
type OutboundRecord struct {
	Topic   string
	Key     string
	Payload []byte
}

// Handler receives events from a Source. Both methods may be called from
// transport goroutines concurrently with Engine.Stop.
type Handler interface {
	HandleMessage(msg InboundMessage)
	HandleConnectionLost(err error)
}

// Source is a subscription to the source broker.
type Source interface {
	// Open connects and registers h as the only handler for this connection.
	Open(ctx context.Context, h Handler) error
	Subscribe(ctx context.Context, filter string) error
	// Close releases the connection. It must tolerate an already dropped
	// connection.
	Close(ctx context.Context) error
}

// Sink is a connection to the destination broker.
type Sink interface {
	Open(ctx context.Context) error
	// Publish hands rec to the destination without waiting for it. The
	// returned channel yields exactly one value: nil once the destination
	// acknowledged the record, or the failure.
	Publish(ctx context.Context, rec OutboundRecord) <-chan error
	// Close flushes pending records and releases the connection.
	Close(ctx context.Context) error
}
