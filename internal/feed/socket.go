package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/logging"
)

const (
	// heartbeatInterval is how often the listener pings the producer
	heartbeatInterval = 30 * time.Second
	// heartbeatTimeout allows missing two heartbeats before disconnect
	heartbeatTimeout = 90 * time.Second
	// writeWait is time allowed to write a control message
	writeWait = 10 * time.Second
)

// SocketSource accepts one instrumented producer over a websocket and
// relays its events. A dropped connection leaves the stream open so the
// producer can reconnect; only an explicit bye ends it.
type SocketSource struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	out  chan domain.RawEvent
	done chan struct{}

	closeOnce sync.Once
	endOnce   sync.Once

	mu       sync.Mutex
	conn     *websocket.Conn
	producer string
	ended    bool
	err      error
}

// NewSocketSource creates a socket source; mount Handler on an HTTP server
// to start accepting producers
func NewSocketSource(log *slog.Logger) *SocketSource {
	if log == nil {
		log = logging.NewNop()
	}
	return &SocketSource{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		out:  make(chan domain.RawEvent),
		done: make(chan struct{}),
	}
}

// Events returns the event channel; it closes on bye or Close
func (s *SocketSource) Events() <-chan domain.RawEvent { return s.out }

// Err reports why the stream ended, nil for a clean end
func (s *SocketSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Producer returns the name the active producer announced in its hello
func (s *SocketSource) Producer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producer
}

// Close stops accepting producers and ends the stream
func (s *SocketSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		s.end()
	})
	return nil
}

// end closes the event channel exactly once
func (s *SocketSource) end() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		close(s.out)
	})
}

// Handler returns the HTTP handler producers connect to
func (s *SocketSource) Handler() http.Handler {
	return http.HandlerFunc(s.handleFeed)
}

func (s *SocketSource) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	s.mu.Lock()
	switch {
	case s.ended:
		s.mu.Unlock()
		s.refuse(conn, "stream already ended")
		return
	case s.conn != nil:
		s.mu.Unlock()
		s.refuse(conn, "producer already connected")
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.serveProducer(conn)
}

func (s *SocketSource) refuse(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
	s.log.Warn("refused producer connection", "reason", reason)
}

func (s *SocketSource) serveProducer(conn *websocket.Conn) {
	stop := make(chan struct{})
	defer func() {
		close(stop)
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	go s.pingLoop(conn, stop)

	conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Warn("producer connection lost, waiting for reconnect", "err", err)
				}
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))

		var env EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			// surface as a zero event so the malformed counter sees it
			s.log.Warn("invalid envelope", "err", err)
			select {
			case s.out <- domain.RawEvent{}:
				continue
			case <-s.done:
				return
			}
		}

		switch env.Type {
		case TypeHello:
			var hello HelloMessage
			if err := json.Unmarshal(env.Payload, &hello); err != nil {
				s.log.Warn("invalid hello", "err", err)
				continue
			}
			s.mu.Lock()
			s.producer = hello.Producer
			s.mu.Unlock()
			s.log.Info("producer connected", "producer", hello.Producer, "pid", hello.PID)

		case TypeEvent:
			var raw domain.RawEvent
			if err := json.Unmarshal(env.Payload, &raw); err != nil {
				s.log.Warn("invalid event payload", "err", err)
				raw = domain.RawEvent{}
			}
			select {
			case s.out <- raw:
			case <-s.done:
				return
			}

		case TypeBye:
			var bye ByeMessage
			json.Unmarshal(env.Payload, &bye)
			s.log.Info("producer said bye", "reason", bye.Reason)
			s.end()
			return

		default:
			s.log.Warn("unknown envelope type", "type", env.Type)
			select {
			case s.out <- domain.RawEvent{}:
			case <-s.done:
				return
			}
		}
	}
}

// pingLoop keeps the producer connection alive with protocol-level pings
func (s *SocketSource) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Warn("ping to producer failed", "err", err)
				conn.Close()
				return
			}
		}
	}
}
