package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"funding-arb-alerts/internal/config"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnectScheduled
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnectScheduled:
		return "reconnect-scheduled"
	default:
		return "disconnected"
	}
}

// backoffDelay computes the reconnect delay for the given attempt
// (1-based): min(base * 2^(attempt-1), cap).
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// wsConn owns one venue websocket: dialing, the read loop, the heartbeat
// timer, and reconnect scheduling. Venue adapters supply the subscription
// message(s), the frame classifier, and the ping payload.
//
// A missing heartbeat ack is not independently detected; only a transport
// close or error triggers recovery.
type wsConn struct {
	name   string
	url    string
	cfg    config.WSConfig
	logger zerolog.Logger

	onOpen  func(conn *websocket.Conn) error
	onFrame func(data []byte)
	ping    func() interface{}

	mu        sync.Mutex
	state     connState
	conn      *websocket.Conn
	attempt   int
	reconnect *time.Timer
	hbStop    chan struct{}
	ctx       context.Context
	closed    bool
}

func newWSConn(name, url string, cfg config.WSConfig, logger zerolog.Logger) *wsConn {
	return &wsConn{
		name:   name,
		url:    url,
		cfg:    cfg,
		logger: logger.With().Str("ws", name).Logger(),
		state:  stateDisconnected,
	}
}

// Connect dials the venue and starts the read and heartbeat loops. The
// context is retained so scheduled reconnects stop once it is cancelled.
func (w *wsConn) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.state == stateConnecting || w.state == stateConnected {
		w.mu.Unlock()
		return nil
	}
	w.closed = false
	w.ctx = ctx
	w.state = stateConnecting
	w.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		w.logger.Warn().Err(err).Msg("websocket dial failed")
		w.scheduleReconnect()
		return err
	}

	hbStop, ok := w.adoptConn(conn)
	if !ok {
		// Close raced the dial; discard the fresh socket.
		_ = conn.Close()
		return nil
	}

	if w.onOpen != nil {
		if err := w.onOpen(conn); err != nil {
			w.logger.Warn().Err(err).Msg("websocket subscribe failed")
			w.transportError()
			return err
		}
	}

	go w.readLoop(conn)
	go w.heartbeatLoop(conn, hbStop)

	w.logger.Info().Msg("websocket connected")
	return nil
}

// adoptConn registers a freshly dialed socket and returns the heartbeat stop
// channel. It refuses the socket when Close raced the dial.
func (w *wsConn) adoptConn(conn *websocket.Conn) (chan struct{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, false
	}
	w.conn = conn
	w.state = stateConnected
	w.attempt = 0
	w.hbStop = make(chan struct{})
	return w.hbStop, true
}

func (w *wsConn) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			current := w.conn
			closed := w.closed
			w.mu.Unlock()
			if closed || current != conn {
				return
			}
			w.logger.Warn().Err(err).Msg("websocket read error")
			w.transportError()
			return
		}
		if w.onFrame != nil {
			w.onFrame(data)
		}
	}
}

func (w *wsConn) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if w.ping == nil {
				continue
			}
			if err := conn.WriteJSON(w.ping()); err != nil {
				w.logger.Warn().Err(err).Msg("heartbeat write failed")
				w.transportError()
				return
			}
		}
	}
}

// transportError tears the socket down and schedules a reconnect.
func (w *wsConn) transportError() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.teardownLocked()
	w.mu.Unlock()
	w.scheduleReconnect()
}

func (w *wsConn) scheduleReconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.ctx != nil && w.ctx.Err() != nil {
		w.state = stateDisconnected
		return
	}

	w.attempt++
	if w.attempt > w.cfg.MaxReconnectAttempts {
		w.state = stateDisconnected
		w.logger.Error().Int("attempts", w.attempt-1).
			Msg("reconnect attempts exhausted; manual re-initialize required")
		return
	}

	delay := backoffDelay(w.attempt, w.cfg.ReconnectBase, w.cfg.ReconnectCap)
	w.state = stateReconnectScheduled
	w.logger.Info().Int("attempt", w.attempt).Dur("delay", delay).Msg("reconnect scheduled")

	ctx := w.ctx
	w.reconnect = time.AfterFunc(delay, func() {
		w.mu.Lock()
		if w.closed || w.state != stateReconnectScheduled {
			w.mu.Unlock()
			return
		}
		w.state = stateDisconnected
		w.mu.Unlock()
		_ = w.Connect(ctx)
	})
}

// Close tears down deterministically: cancels timers, closes the socket and
// resets state so a later Connect starts from a clean slate.
func (w *wsConn) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.reconnect != nil {
		w.reconnect.Stop()
		w.reconnect = nil
	}
	w.teardownLocked()
	w.attempt = 0
}

func (w *wsConn) teardownLocked() {
	if w.hbStop != nil {
		close(w.hbStop)
		w.hbStop = nil
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.state = stateDisconnected
}

// Connected reports whether the transport is currently open.
func (w *wsConn) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateConnected
}

// State returns the current lifecycle state.
func (w *wsConn) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.String()
}
