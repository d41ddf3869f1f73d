package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Heartbeat ping interval; peers' pings are answered automatically by
	// the websocket library's pong handler path.
	streamPingInterval = 30 * time.Second

	// Data-level watchdog: a socket that is "open" but silent for this long
	// is terminated and reconnected.
	streamDataTimeout = 60 * time.Second

	streamReconnectBase = 5 * time.Second
	streamReconnectMax  = 300 * time.Second

	reconnectWarnAttempts  = 10
	reconnectErrorAttempts = 50
)

// StreamConfig configures a reconnecting venue stream.
type StreamConfig struct {
	URL string

	// OnConnect runs after every successful dial; adapters re-subscribe to
	// all active channels here.
	OnConnect func(s *Stream) error

	// OnMessage receives every raw frame. Panics inside are contained; the
	// reader stays alive.
	OnMessage func(data []byte)

	PingInterval time.Duration
	DataTimeout  time.Duration
	Log          zerolog.Logger
}

// Stream is a self-healing WebSocket connection: heartbeat pings, a
// data-level watchdog, and reconnection with exponential backoff that never
// gives up. The attempt counter resets on each successful open.
type Stream struct {
	cfg StreamConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	lastMsgNs  atomic.Int64
	reconnects atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewStream creates a stream; Start begins the connect loop.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = streamPingInterval
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = streamDataTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    cfg.Log.With().Str("component", "stream").Str("url", cfg.URL).Logger(),
	}
}

// Start launches the connect loop. Returns once the first dial succeeds or
// the context is cancelled; later drops reconnect in the background.
func (s *Stream) Start(ctx context.Context) error {
	ready := make(chan struct{})
	s.wg.Add(1)
	go s.connectLoop(ready)

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Close tears the stream down permanently.
func (s *Stream) Close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// IsConnected reports whether a socket is currently open.
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Reconnects returns how many reconnect cycles have happened.
func (s *Stream) Reconnects() int64 {
	return s.reconnects.Load()
}

// SendJSON writes a JSON frame to the current socket.
func (s *Stream) SendJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.connected {
		return ErrNotConnected
	}
	return s.conn.WriteJSON(v)
}

func (s *Stream) connectLoop(ready chan struct{}) {
	defer s.wg.Done()

	attempts := 0
	backoff := streamReconnectBase
	var readyOnce sync.Once

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.cfg.URL, nil)
		if err != nil {
			attempts++
			switch {
			case attempts == reconnectErrorAttempts:
				s.log.Error().Int("attempts", attempts).Err(err).Msg("stream still down after repeated reconnects")
			case attempts == reconnectWarnAttempts:
				s.log.Warn().Int("attempts", attempts).Err(err).Msg("stream reconnect storm")
			default:
				s.log.Debug().Int("attempts", attempts).Err(err).Msg("stream dial failed")
			}
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			backoff *= 2
			if backoff > streamReconnectMax {
				backoff = streamReconnectMax
			}
			continue
		}

		// Successful open resets the attempt counter and backoff.
		attempts = 0
		backoff = streamReconnectBase
		s.lastMsgNs.Store(time.Now().UnixNano())

		conn.SetPingHandler(func(appData string) error {
			s.lastMsgNs.Store(time.Now().UnixNano())
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		})
		conn.SetPongHandler(func(string) error {
			s.lastMsgNs.Store(time.Now().UnixNano())
			return nil
		})

		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.mu.Unlock()

		if s.cfg.OnConnect != nil {
			if err := s.cfg.OnConnect(s); err != nil {
				s.log.Error().Err(err).Msg("stream resubscribe failed, reconnecting")
				s.teardown(conn)
				continue
			}
		}
		readyOnce.Do(func() { close(ready) })
		s.log.Info().Msg("stream connected")

		watchdogDone := make(chan struct{})
		go s.watchdog(conn, watchdogDone)

		s.readLoop(conn)
		close(watchdogDone)
		s.teardown(conn)

		select {
		case <-s.ctx.Done():
			return
		default:
			s.reconnects.Add(1)
			s.log.Warn().Msg("stream disconnected, reconnecting")
		}
	}
}

func (s *Stream) teardown(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.connected = false
	}
	s.mu.Unlock()
}

// watchdog pings on the heartbeat interval and kills sockets that have gone
// silent past the data timeout even though they look open.
func (s *Stream) watchdog(conn *websocket.Conn, done chan struct{}) {
	ping := time.NewTicker(s.cfg.PingInterval)
	check := time.NewTicker(s.cfg.DataTimeout / 6)
	defer ping.Stop()
	defer check.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ping.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case <-check.C:
			silent := time.Since(time.Unix(0, s.lastMsgNs.Load()))
			if silent > s.cfg.DataTimeout {
				s.log.Warn().Dur("silent", silent).Msg("stream data watchdog tripped, terminating socket")
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("stream read ended")
			}
			return
		}
		s.lastMsgNs.Store(time.Now().UnixNano())
		if s.cfg.OnMessage != nil {
			s.dispatch(data)
		}
	}
}

// dispatch contains subscriber panics so one bad callback cannot kill the
// reader.
func (s *Stream) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("stream message handler panicked")
		}
	}()
	s.cfg.OnMessage(data)
}
