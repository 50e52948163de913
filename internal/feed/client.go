package feed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/logging"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using
// exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// EmitterConfig configures a producer-side emitter
type EmitterConfig struct {
	// URL of the listener's feed endpoint, ws scheme
	URL string
	// Producer is the name announced in the hello message
	Producer string
}

// Validate checks the config is usable
func (c *EmitterConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("listener url is required")
	}
	if c.Producer == "" {
		return fmt.Errorf("producer name is required")
	}
	return nil
}

// Emitter is the producer side of the socket feed: it connects to a
// listener and pushes lifecycle events as they happen
type Emitter struct {
	config EmitterConfig
	log    *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewEmitter creates an emitter; call Connect or ConnectWithRetry before
// emitting
func NewEmitter(config EmitterConfig, log *slog.Logger) (*Emitter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Emitter{config: config, log: log}, nil
}

// Connect dials the listener and announces the producer
func (e *Emitter) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(e.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		deadline := time.Now().Add(writeWait)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})
	// drain control frames so the ping handler runs
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	return e.send(TypeHello, HelloMessage{
		Producer: e.config.Producer,
		PID:      os.Getpid(),
		Started:  time.Now().UnixMicro(),
	})
}

// ConnectWithRetry dials until it succeeds or the context ends, backing
// off exponentially between attempts
func (e *Emitter) ConnectWithRetry(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := e.Connect()
		if err == nil {
			return nil
		}
		delay := calculateBackoff(attempt)
		e.log.Warn("connect failed, retrying", "err", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Emit sends one lifecycle event
func (e *Emitter) Emit(raw domain.RawEvent) error {
	return e.send(TypeEvent, raw)
}

// Bye ends the stream cleanly. The listener finalizes its tree on receipt.
func (e *Emitter) Bye(reason string) error {
	return e.send(TypeBye, ByeMessage{Reason: reason})
}

func (e *Emitter) send(msgType string, payload interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

// Close drops the connection without ending the stream; the listener keeps
// waiting for a reconnect
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}
