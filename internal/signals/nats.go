package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/hnm/internal/config"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// Vector is the JSON payload of a signal message.
type Vector struct {
	Values    []float64 `json:"values"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Subject layout under a prefix:
//
//	<prefix>.sensor.<level>      raw input of a leaf level
//	<prefix>.external.<signal>   an external signal
const (
	sensorSegment   = "sensor"
	externalSegment = "external"
)

// SensorSubject returns the subject a leaf level's input is read from.
func SensorSubject(prefix, level string) string {
	return prefix + "." + sensorSegment + "." + level
}

// ExternalSubject returns the subject an external signal is read from.
func ExternalSubject(prefix, signal string) string {
	return prefix + "." + externalSegment + "." + signal
}

// NATSSource keeps the latest vector received per signal and hands it to
// every subsequent Read until a newer one arrives. Messages with the wrong
// size or non-JSON payloads are dropped.
type NATSSource struct {
	nc       *nats.Conn
	subs     []*nats.Subscription
	spec     Spec
	logger   *zap.Logger
	ownsConn bool

	mu       sync.Mutex
	sensory  map[string][]float64
	external map[string][]float64

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewNATSSource subscribes to every signal in spec. The connection stays
// owned by the caller.
func NewNATSSource(nc *nats.Conn, prefix string, spec Spec, logger *zap.Logger) (*NATSSource, error) {
	if nc == nil {
		return nil, errors.New("signals: nil NATS connection")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &NATSSource{
		nc:       nc,
		spec:     spec,
		logger:   logger.Named("signals"),
		sensory:  make(map[string][]float64, len(spec.Sensory)),
		external: make(map[string][]float64, len(spec.External)),
	}

	for _, name := range sortedKeys(spec.Sensory) {
		if err := s.subscribe(SensorSubject(prefix, name), name, spec.Sensory[name], s.sensory); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	for _, name := range sortedKeys(spec.External) {
		if err := s.subscribe(ExternalSubject(prefix, name), name, spec.External[name], s.external); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	// make sure the server has registered every subscription
	if err := nc.Flush(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}
	return s, nil
}

func (s *NATSSource) subscribe(subject, name string, dim int, into map[string][]float64) error {
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		var v Vector
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			s.dropped.Add(1)
			s.logger.Debug("dropping malformed signal", zap.String("subject", subject), zap.Error(err))
			return
		}
		if len(v.Values) != dim {
			s.dropped.Add(1)
			s.logger.Debug("dropping signal with wrong size",
				zap.String("subject", subject), zap.Int("got", len(v.Values)), zap.Int("want", dim))
			return
		}
		s.received.Add(1)
		s.mu.Lock()
		into[name] = v.Values
		s.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Read returns the latest vectors. Signals never received are absent.
func (s *NATSSource) Read(ctx context.Context, b *tensor.Backend, _ uint64) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := Frame{
		Sensory:  make(map[string]*tensor.Tensor, len(s.sensory)),
		External: make(map[string]*tensor.Tensor, len(s.external)),
	}
	for name, vals := range s.sensory {
		f.Sensory[name] = b.MustFromValues(vals, 1, 1, len(vals)).Keep()
	}
	for name, vals := range s.external {
		f.External[name] = b.MustFromValues(vals, 1, 1, len(vals)).Keep()
	}
	return f, nil
}

// Stats returns how many messages were accepted and dropped.
func (s *NATSSource) Stats() (received, dropped uint64) {
	return s.received.Load(), s.dropped.Load()
}

// Close unsubscribes, and closes the connection when the source opened it.
func (s *NATSSource) Close() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	if s.ownsConn {
		s.nc.Close()
	}
	return errors.Join(errs...)
}

// Connect dials NATS with reconnect handling. The token, when set, is sent
// for authentication.
func Connect(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.String("client", name), zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("client", name), zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout.Duration()))
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("client", name), zap.String("url", cfg.URL))
	return nc, nil
}
