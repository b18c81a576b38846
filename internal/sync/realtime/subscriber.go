package realtime

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/today/backend/internal/logging"
)

const (
	pingPeriod   = 30 * time.Second
	pongWait     = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	URL    string
	Header http.Header
	// MinBackoff is the first reconnect delay. It doubles per failed attempt
	// up to MaxBackoff and resets after a successful connection.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
}

// Subscriber consumes change messages from a WebSocket feed and reconnects
// when the connection drops.
type Subscriber struct {
	cfg    SubscriberConfig
	handle func([]byte)

	connected atomic.Bool
	dials     atomic.Int64
}

// NewSubscriber creates a Subscriber that passes every text message to handle.
func NewSubscriber(cfg SubscriberConfig, handle func([]byte)) *Subscriber {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Subscriber{cfg: cfg, handle: handle}
}

// Connected reports whether a connection is currently open.
func (s *Subscriber) Connected() bool { return s.connected.Load() }

// Dials returns the number of connection attempts made so far.
func (s *Subscriber) Dials() int64 { return s.dials.Load() }

// Run connects and consumes messages until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.cfg.MinBackoff
	for {
		s.dials.Add(1)
		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
		if err == nil {
			backoff = s.cfg.MinBackoff
			logging.Info("realtime connected", map[string]interface{}{"url": s.cfg.URL})
			err = s.consume(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		logging.Warn("realtime connection lost", map[string]interface{}{
			"url":   s.cfg.URL,
			"error": errString(err),
			"retry": backoff.String(),
		})

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Subscriber) consume(ctx context.Context, conn *websocket.Conn) error {
	s.connected.Store(true)
	defer s.connected.Store(false)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				_ = conn.Close()
				return
			case <-done:
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		s.handle(message)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
