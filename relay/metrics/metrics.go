package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	RejectReasonRoomFull  = "room_full"
	RejectReasonRateLimit = "rate_limit"
)

// Metrics holds the relay server instruments
type Metrics struct {
	metric.Meter

	sessions         metric.Int64UpDownCounter
	rejected         metric.Int64Counter
	messagesReceived metric.Int64Counter
	messagesRelayed  metric.Int64Counter
	bytesRelayed     metric.Int64Counter
	deliveryFailures metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	sessions, err := meter.Int64UpDownCounter("relay_sessions",
		metric.WithDescription("Number of admitted sessions"))
	if err != nil {
		return nil, err
	}

	rejected, err := meter.Int64Counter("relay_connections_rejected_total",
		metric.WithDescription("Connections rejected at admission, by reason"))
	if err != nil {
		return nil, err
	}

	received, err := meter.Int64Counter("relay_messages_received_total")
	if err != nil {
		return nil, err
	}

	relayed, err := meter.Int64Counter("relay_messages_relayed_total",
		metric.WithDescription("Messages written to recipients, one per recipient"))
	if err != nil {
		return nil, err
	}

	bytesRelayed, err := meter.Int64Counter("relay_payload_bytes_relayed_total")
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("relay_delivery_failures_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Meter:            meter,
		sessions:         sessions,
		rejected:         rejected,
		messagesReceived: received,
		messagesRelayed:  relayed,
		bytesRelayed:     bytesRelayed,
		deliveryFailures: failures,
	}, nil
}

// SessionAdmitted increments the number of live sessions
func (m *Metrics) SessionAdmitted() {
	m.sessions.Add(context.Background(), 1)
}

// SessionClosed decrements the number of live sessions
func (m *Metrics) SessionClosed() {
	m.sessions.Add(context.Background(), -1)
}

func (m *Metrics) ConnectionRejected(reason string) {
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) MessageReceived(msgType string) {
	m.messagesReceived.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// MessageRelayed records one successful write of a message to one recipient
func (m *Metrics) MessageRelayed(msgType string, payloadSize int) {
	attrs := metric.WithAttributes(attribute.String("type", msgType))
	m.messagesRelayed.Add(context.Background(), 1, attrs)
	m.bytesRelayed.Add(context.Background(), int64(payloadSize), attrs)
}

func (m *Metrics) DeliveryFailed(msgType string) {
	m.deliveryFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", msgType)))
}
