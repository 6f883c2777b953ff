package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"collabhub/logger"
	"collabhub/tools/safe"
)

// RedisBus routes envelopes over Redis pub/sub, one channel per document.
// This is the default backend: the channel namespace lives next to the rest
// of the cache-store keys.
type RedisBus struct {
	rdb redis.UniversalClient

	mu   sync.Mutex
	subs map[string]*redisSub // topic -> sub
}

func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{rdb: rdb, subs: make(map[string]*redisSub)}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	return errors.Wrapf(b.rdb.Publish(ctx, topic, raw).Err(), "publish %s", topic)
}

func (b *RedisBus) Subscribe(topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[topic]; ok {
		return s, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := b.rdb.Subscribe(ctx, topic)
	// force the SUBSCRIBE round trip so a dead bus fails here, not on first
	// message
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}

	s := &redisSub{bus: b, topic: topic, ps: ps, cancel: cancel}
	b.subs[topic] = s

	ch := ps.Channel()
	safe.Go(func() {
		for msg := range ch {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warnf("[bus] bad envelope on %s: %v", msg.Channel, err)
				continue
			}
			h(msg.Channel, &env)
		}
	})
	return s, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := make([]*redisSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

type redisSub struct {
	bus    *RedisBus
	topic  string
	ps     *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

func (s *redisSub) Topic() string { return s.topic }

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.topic)
		s.bus.mu.Unlock()
		s.cancel()
		err = s.ps.Close()
	})
	return err
}
