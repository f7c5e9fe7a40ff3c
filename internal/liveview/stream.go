package liveview

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/signal"
)

const (
	sendBufferSize = 64
	writeWait      = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// Message types sent on a stream.
const (
	MessageHello   = "hello"
	MessageReading = "reading"
	MessageError   = "error"
)

// Message is one websocket frame.
type Message struct {
	Type    string          `json:"type"`
	Session string          `json:"session"`
	Device  string          `json:"device"`
	Reading *signal.Reading `json:"reading,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// stream forwards one signal monitor to one websocket. Every stream is a listener
// on the signal's shared cache.
type stream struct {
	id     string
	device string
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu      sync.Mutex
	monitor signal.Monitor
	stopped bool
	done    chan struct{}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sig, name, ok := s.lookup(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	st := &stream{
		id:     uuid.NewString(),
		device: name,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	st.logger = s.logger.With().Str("session", st.id).Str("device", name).Logger()
	st.enqueue(Message{Type: MessageHello})

	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()

	go st.writePump()
	go func() {
		st.readPump()
		st.stop()
		s.mu.Lock()
		delete(s.streams, st.id)
		s.mu.Unlock()
	}()

	m, err := sig.Monitor(func(reading signal.Reading) {
		st.enqueue(Message{Type: MessageReading, Reading: &reading})
	}, signal.WithErrorHandler(func(err error) {
		st.enqueue(Message{Type: MessageError, Error: err.Error()})
		st.stop()
	}))
	if err != nil {
		st.enqueue(Message{Type: MessageError, Error: err.Error()})
		st.stop()
		return
	}
	st.attach(m)
	st.logger.Debug().Msg("stream opened")
}

// attach stores the monitor, closing it at once if the stream already ended.
func (st *stream) attach(m signal.Monitor) {
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		m.Close()
		return
	}
	st.monitor = m
	st.mu.Unlock()
}

// enqueue drops the frame when the client is too slow.
func (st *stream) enqueue(msg Message) {
	msg.Session = st.id
	msg.Device = st.device
	data, err := json.Marshal(msg)
	if err != nil {
		st.logger.Error().Err(err).Msg("encode stream message")
		return
	}
	select {
	case <-st.done:
	case st.send <- data:
	default:
		st.logger.Warn().Msg("stream buffer full, dropping reading")
	}
}

// stop ends the stream and releases its monitor.
func (st *stream) stop() {
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return
	}
	st.stopped = true
	m := st.monitor
	st.monitor = nil
	close(st.done)
	st.mu.Unlock()
	if m != nil {
		m.Close()
	}
}

func (st *stream) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		st.stop()
		st.conn.Close()
	}()
	for {
		select {
		case data := <-st.send:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				st.stop()
				return
			}
		case <-ticker.C:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				st.stop()
				return
			}
		case <-st.done:
			st.flush()
			_ = st.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			st.logger.Debug().Msg("stream closed")
			return
		}
	}
}

// flush writes frames queued before the stream ended.
func (st *stream) flush() {
	for {
		select {
		case data := <-st.send:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump discards client frames and returns when the connection closes.
func (st *stream) readPump() {
	st.conn.SetReadLimit(512)
	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				st.logger.Debug().Err(err).Msg("stream read failed")
			}
			return
		}
	}
}
