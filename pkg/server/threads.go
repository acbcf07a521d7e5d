package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/viaiv/jarvis/pkg/engine"
	"github.com/viaiv/jarvis/pkg/eventbus"
	"github.com/viaiv/jarvis/pkg/protocol"
	"github.com/viaiv/jarvis/pkg/store"
)

// ErrThreadBusy is returned when a thread already has a run in flight.
var ErrThreadBusy = errors.New("thread busy")

const convIdleTimeout = 5 * time.Minute

// scopeThread prefixes the client-chosen thread name with the owning user
// so users cannot read each other's threads.
func scopeThread(userID int64, provided string) string {
	return fmt.Sprintf("%d:%s", userID, provided)
}

func topicForThread(threadID string) string {
	return "chat:" + threadID
}

// wsConn serializes writes to one websocket connection. A connection can
// sit in several thread pools at once, and gorilla allows one writer at a
// time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// connPool tracks the websocket connections watching one thread and
// broadcasts event frames to them. Empty pools are evicted after an idle
// period.
type connPool struct {
	threadID    string
	mu          sync.Mutex
	conns       map[*wsConn]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func newConnPool(threadID string, idleTimeout time.Duration, onIdle func()) *connPool {
	return &connPool{
		threadID:    threadID,
		conns:       map[*wsConn]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (cp *connPool) Add(conn *wsConn) {
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *connPool) Remove(conn *wsConn) {
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *connPool) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		if err := conn.WriteText(data); err != nil {
			log.Warn().Err(err).Str("component", "server").Str("thread_id", cp.threadID).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = conn.Close()
		}
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *connPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *connPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *connPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *connPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

// conversation is one scoped thread: its connection pool, its bus
// forwarder, and the single-run-in-flight flag.
type conversation struct {
	id      string
	pool    *connPool
	cancel  context.CancelFunc
	running bool
}

// convManager owns the live conversations. Engine runs publish frames to
// the thread's bus topic; one forwarder per conversation relays them to
// the pool, so frames reach every connection in publish order.
type convManager struct {
	ctx          context.Context
	bus          *eventbus.Bus
	engine       engine.Engine
	store        *store.Store
	maxToolSteps int

	mu    sync.Mutex
	convs map[string]*conversation
}

func newConvManager(ctx context.Context, bus *eventbus.Bus, eng engine.Engine, st *store.Store, maxToolSteps int) *convManager {
	return &convManager{
		ctx:          ctx,
		bus:          bus,
		engine:       eng,
		store:        st,
		maxToolSteps: maxToolSteps,
		convs:        map[string]*conversation{},
	}
}

// Attach subscribes a websocket connection to a thread's event stream.
func (m *convManager) Attach(threadID string, conn *wsConn) error {
	conv, err := m.getOrCreate(threadID)
	if err != nil {
		return err
	}
	conv.pool.Add(conn)
	return nil
}

func (m *convManager) Detach(threadID string, conn *wsConn) {
	m.mu.Lock()
	conv := m.convs[threadID]
	m.mu.Unlock()
	if conv != nil {
		conv.pool.Remove(conn)
	}
}

// Submit starts an engine run for the thread. The reply streams out
// through the bus; Submit returns once the run is admitted.
func (m *convManager) Submit(threadID string, userID int64, message string) error {
	conv, err := m.getOrCreate(threadID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if conv.running {
		m.mu.Unlock()
		return errors.Wrapf(ErrThreadBusy, "thread %s", threadID)
	}
	conv.running = true
	m.mu.Unlock()

	uid := userID
	if err := m.store.AppendMessage(m.ctx, threadID, &uid, "user", message); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("thread_id", threadID).Msg("chat log append failed")
	}

	go m.run(conv, userID, message)
	return nil
}

func (m *convManager) run(conv *conversation, userID int64, message string) {
	defer func() {
		m.mu.Lock()
		conv.running = false
		m.mu.Unlock()
	}()

	wmSink := engine.NewWatermillSink(m.bus.Publisher, topicForThread(conv.id))
	collecting := &engine.CollectingSink{}
	sink := teeSink{wmSink, collecting}

	err := m.engine.Run(m.ctx, engine.Request{
		ThreadID:     conv.id,
		Message:      message,
		MaxToolSteps: m.maxToolSteps,
	}, sink)
	if err != nil {
		log.Error().Err(err).Str("component", "server").Str("thread_id", conv.id).Msg("engine run failed")
		if emitErr := wmSink.Emit(protocol.Error{Content: err.Error()}); emitErr != nil {
			log.Warn().Err(emitErr).Str("thread_id", conv.id).Msg("error frame publish failed")
		}
		return
	}

	if err := wmSink.Emit(protocol.End{}); err != nil {
		log.Warn().Err(err).Str("thread_id", conv.id).Msg("end frame publish failed")
	}

	uid := userID
	if err := m.store.AppendMessage(m.ctx, conv.id, &uid, "assistant", collecting.Answer()); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("thread_id", conv.id).Msg("chat log append failed")
	}
}

func (m *convManager) getOrCreate(threadID string) (*conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv, ok := m.convs[threadID]; ok {
		return conv, nil
	}

	convCtx, cancel := context.WithCancel(m.ctx)
	conv := &conversation{id: threadID, cancel: cancel}
	conv.pool = newConnPool(threadID, convIdleTimeout, func() { m.evict(threadID) })

	topic := topicForThread(threadID)
	if err := m.bus.EnsureGroupAtTail(convCtx, topic); err != nil {
		cancel()
		return nil, errors.Wrap(err, "prepare thread topic")
	}

	msgs, err := m.bus.Subscriber.Subscribe(convCtx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe thread topic")
	}
	go func() {
		for msg := range msgs {
			conv.pool.Broadcast(msg.Payload)
			msg.Ack()
		}
	}()

	m.convs[threadID] = conv
	return conv, nil
}

// evict drops an idle conversation and stops its forwarder. A running
// conversation stays until its run finishes and the pool goes idle again.
func (m *convManager) evict(threadID string) {
	m.mu.Lock()
	conv, ok := m.convs[threadID]
	if !ok || conv.running || conv.pool.Count() > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.convs, threadID)
	m.mu.Unlock()

	conv.cancel()
	log.Debug().Str("component", "server").Str("thread_id", threadID).Msg("evicted idle conversation")
}

// teeSink fans one event out to several sinks in order.
type teeSink []engine.Sink

func (t teeSink) Emit(ev protocol.Event) error {
	for _, s := range t {
		if err := s.Emit(ev); err != nil {
			return err
		}
	}
	return nil
}
