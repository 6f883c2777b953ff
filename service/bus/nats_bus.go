package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"collabhub/logger"
)

// NATSConfig configures the alternative NATS backend.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBus routes envelopes over core NATS, one subject per document.
// Core (non-JetStream) delivery matches the bus contract: no persistence,
// at-least-once to live subscribers only.
type NATSBus struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs map[string]*natsSub // topic -> sub
}

func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &NATSBus{nc: nc, subs: make(map[string]*natsSub)}, nil
}

func (b *NATSBus) Publish(_ context.Context, topic string, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	return errors.Wrapf(b.nc.Publish(subject(topic), raw), "publish %s", topic)
}

func (b *NATSBus) Subscribe(topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[topic]; ok {
		return s, nil
	}
	sub, err := b.nc.Subscribe(subject(topic), func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			logger.Warnf("[bus] bad envelope on %s: %v", m.Subject, err)
			return
		}
		h(topic, &env)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	s := &natsSub{bus: b, topic: topic, sub: sub}
	b.subs[topic] = s
	return s, nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	for topic, s := range b.subs {
		_ = s.sub.Drain()
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	return b.nc.Drain()
}

// subject rewrites the channel name into NATS subject form: colons are token
// separators there.
func subject(topic string) string {
	out := []byte(topic)
	for i := range out {
		if out[i] == ':' {
			out[i] = '.'
		}
	}
	return string(out)
}

type natsSub struct {
	bus   *NATSBus
	topic string
	sub   *nats.Subscription
	once  sync.Once
}

func (s *natsSub) Topic() string { return s.topic }

func (s *natsSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.topic)
		s.bus.mu.Unlock()
		err = s.sub.Unsubscribe()
	})
	return err
}
