// Package publish sends the resonant state of the hierarchy to downstream
// consumers after every tick.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Message is the per-tick state published for one level.
type Message struct {
	RunID        string    `json:"run_id"`
	Tick         uint64    `json:"tick"`
	Level        string    `json:"level"`
	Values       []float64 `json:"values"`
	Anomaly      float64   `json:"anomaly"`
	WeightChange float64   `json:"weight_change"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher delivers messages. Implementations must be safe to call from the
// tick loop goroutine only.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Nop discards every message.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Message) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// NATSPublisher publishes JSON messages on a fixed subject.
type NATSPublisher struct {
	nc       *nats.Conn
	subject  string
	logger   *zap.Logger
	ownsConn bool

	published atomic.Uint64
}

// NewNATSPublisher creates a publisher on nc. The connection stays owned by
// the caller unless OwnConnection is used.
func NewNATSPublisher(nc *nats.Conn, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("publish: nil NATS connection")
	}
	if subject == "" {
		return nil, errors.New("publish: subject is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logger.Named("publish")}, nil
}

// OwnConnection makes Close also close the connection.
func (p *NATSPublisher) OwnConnection() *NATSPublisher {
	p.ownsConn = true
	return p
}

// Publish implements Publisher. NaN and Inf values cannot be encoded as JSON
// and are sent as null through a sanitized copy.
func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(sanitize(msg))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	p.published.Add(1)
	return nil
}

// Published returns how many messages were sent.
func (p *NATSPublisher) Published() uint64 {
	return p.published.Load()
}

// Close flushes pending messages.
func (p *NATSPublisher) Close() error {
	if p.nc.IsClosed() {
		return nil
	}
	err := p.nc.Flush()
	if p.ownsConn {
		p.nc.Close()
	}
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
