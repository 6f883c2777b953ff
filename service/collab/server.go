package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabhub/logger"
	"collabhub/service/bus"
	"collabhub/service/ratelimit"
	"collabhub/service/storage"
	"collabhub/tools/safe"
)

// Deps wires the server to its collaborators.
type Deps struct {
	Presence *storage.Presence
	Limiter  *ratelimit.Limiter
	Bus      bus.Bus

	SendQueueSize int
	FanoutWorkers int

	// maintenance cadence; zero disables the tick
	StaleSweep time.Duration
	LimiterGC  time.Duration
}

// Server is the realtime gateway: it owns the connection indexes, the frame
// dispatcher, the per-document bus subscriptions, and the background
// maintenance ticks. Local delivery rides the bus like everything else; the
// envelope's socket id suppresses the echo to the originator.
type Server struct {
	conns    *ConnManager
	disp     *Dispatcher
	presence *storage.Presence
	limiter  *ratelimit.Limiter
	bus      bus.Bus
	fanout   *Fanout

	sendQueue int

	subMu sync.Mutex
	subs  map[string]bus.Subscription

	staleSweep time.Duration
	limiterGC  time.Duration
	stopOnce   sync.Once
	stopCh     chan struct{}
}

func NewServer(d Deps) *Server {
	s := &Server{
		conns:      NewConnManager(),
		disp:       NewDispatcher(),
		presence:   d.Presence,
		limiter:    d.Limiter,
		bus:        d.Bus,
		fanout:     NewFanout(d.FanoutWorkers, 0),
		sendQueue:  d.SendQueueSize,
		subs:       make(map[string]bus.Subscription),
		staleSweep: d.StaleSweep,
		limiterGC:  d.LimiterGC,
		stopCh:     make(chan struct{}),
	}
	s.disp.Register(joinHandler{})
	s.disp.Register(leaveHandler{})
	s.disp.Register(editHandler{frameType: TypeCRDTUpdate})
	s.disp.Register(editHandler{frameType: TypeAwarenessUpdate})
	safe.Go(s.maintenanceLoop)
	return s
}

// Conns exposes the connection index for observability endpoints.
func (s *Server) Conns() *ConnManager { return s.conns }

// ensureSubscribed opens the document's bus subscription on first local
// join; later joins reuse it.
func (s *Server) ensureSubscribed(docID string) error {
	topic := bus.Topic(docID)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[topic]; ok {
		return nil
	}
	sub, err := s.bus.Subscribe(topic, s.onBusMessage)
	if err != nil {
		return err
	}
	s.subs[topic] = sub
	logger.Infof("[collab] subscribed %s", topic)
	return nil
}

// releaseSubscription closes the document's subscription once no local
// connection is joined to it anymore.
func (s *Server) releaseSubscription(docID string) {
	if s.conns.CountByDoc(docID) > 0 {
		return
	}
	topic := bus.Topic(docID)
	s.subMu.Lock()
	sub, ok := s.subs[topic]
	if ok {
		delete(s.subs, topic)
	}
	s.subMu.Unlock()
	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		logger.Warnf("[collab] unsubscribe %s: %v", topic, err)
		return
	}
	logger.Infof("[collab] unsubscribed %s", topic)
}

// publish shapes data into an envelope and pushes it onto the document
// topic. origin is the socket the message came from; relays skip it.
func (s *Server) publish(ctx context.Context, docID, frameType, origin string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, bus.Topic(docID), &bus.Envelope{
		Type:     frameType,
		SocketID: origin,
		Data:     raw,
	})
}

// onBusMessage relays one envelope to every local connection in the
// document except the originator.
func (s *Server) onBusMessage(topic string, env *bus.Envelope) {
	docID := bus.DocumentFromTopic(topic)
	conns := s.conns.ListByDoc(docID)
	if len(conns) == 0 {
		return
	}
	targets := conns[:0]
	for _, c := range conns {
		if c.SocketID != env.SocketID {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return
	}
	s.fanout.Broadcast(targets, rawFrame(env.Type, env.Data))
}

// leaveDocument runs the shared leave path: drop the presence session if
// this socket still owns it, announce the departure, detach the connection,
// and release the subscription if it was the last local member. Called from
// the leave handler, from a re-join, and from connection teardown.
func (s *Server) leaveDocument(ctx context.Context, c *Client, docID string) {
	owned, err := s.presence.RemoveSessionOwned(ctx, docID, c.PrincipalID, c.SocketID)
	if err != nil {
		logger.Warnf("[collab] remove session doc=%s principal=%s: %v", docID, c.PrincipalID, err)
	}
	if owned {
		err := s.publish(ctx, docID, TypeUserLeft, c.SocketID, map[string]UserInfo{
			"user": {PrincipalID: c.PrincipalID, DisplayName: c.DisplayName},
		})
		if err != nil {
			logger.Warnf("[collab] publish user-left doc=%s: %v", docID, err)
		}
	}
	s.conns.SetDocument(c, "")
	s.releaseSubscription(docID)
}

// teardown is the single exit path for a connection.
func (s *Server) teardown(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if docID := c.Document(); docID != "" {
		s.leaveDocument(ctx, c, docID)
	}
	s.conns.Remove(c.SocketID)
	c.Close()
	logger.Infof("[collab] disconnected socket=%s principal=%s drops=%d",
		c.SocketID, c.PrincipalID, c.Drops())
}

func (s *Server) maintenanceLoop() {
	sweep := newTicker(s.staleSweep)
	gc := newTicker(s.limiterGC)
	defer sweep.Stop()
	defer gc.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-sweep.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := s.presence.SweepStale(ctx); err != nil {
				logger.Warnf("[collab] presence sweep: %v", err)
			} else if n > 0 {
				logger.Infof("[collab] presence sweep removed %d stale sessions", n)
			}
			cancel()
		case <-gc.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := s.limiter.GC(ctx); err != nil {
				logger.Warnf("[collab] limiter gc: %v", err)
			} else if n > 0 {
				logger.Infof("[collab] limiter gc dropped %d buckets", n)
			}
			cancel()
		}
	}
}

// newTicker returns a ticker that never fires when d is zero.
func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(d)
}

// Shutdown stops maintenance, closes every connection with a normal-closure
// frame, and drops all bus subscriptions. The caller closes the bus and the
// redis client afterwards.
func (s *Server) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	for _, c := range s.conns.All() {
		if docID := c.Document(); docID != "" {
			s.leaveDocument(ctx, c, docID)
		}
		s.conns.Remove(c.SocketID)
		c.CloseWithCode(websocket.CloseNormalClosure, "server shutting down")
	}

	s.subMu.Lock()
	subs := make([]bus.Subscription, 0, len(s.subs))
	for topic, sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, topic)
	}
	s.subMu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warnf("[collab] shutdown unsubscribe %s: %v", sub.Topic(), err)
		}
	}
	logger.Infof("[collab] gateway stopped")
}
