package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/groutine"
)

const (
	writeTimeout = 10 * time.Second
	closeGrace   = time.Second
)

// session is one upgraded websocket connection. All writes go through
// writePump; every other goroutine hands frames over through a channel.
type session struct {
	id     string
	kind   string
	ws     *websocket.Conn
	logger *logrus.Entry

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(ws *websocket.Conn, kind string, logger *logrus.Logger) *session {
	id := generateULID(time.Now())
	return &session{
		id:   id,
		kind: kind,
		ws:   ws,
		logger: logger.WithFields(logrus.Fields{
			"session": id,
			"channel": kind,
			"remote":  ws.RemoteAddr().String(),
		}),
		closed: make(chan struct{}),
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// startWriter launches writePump for src.
func (s *session) startWriter(ctx context.Context, src <-chan []byte) {
	groutine.Go(ctx, "ws-writer-"+s.id, func(context.Context) {
		s.writePump(src)
	})
}

// writePump writes frames from src until src is closed or the session ends.
// A closed src means an orderly end: a close frame is sent before closing.
func (s *session) writePump(src <-chan []byte) {
	defer s.close()
	for {
		select {
		case msg, ok := <-src:
			if !ok {
				deadline := time.Now().Add(closeGrace)
				_ = s.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.WithError(err).Debug("Write failed, closing session")
				return
			}
		case <-s.closed:
			return
		}
	}
}

// enqueue hands data to the writer without blocking. A writer that cannot keep
// up gets disconnected.
func (s *session) enqueue(send chan<- []byte, data []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case send <- data:
		return true
	case <-s.closed:
		return false
	default:
		s.logger.Warn("Client too slow, disconnecting")
		s.close()
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.ws.Close()
	})
}

// readLoop consumes inbound frames until the connection fails, passing each
// to fn. fn may be nil for write-only channels.
func (s *session) readLoop(fn func(data []byte)) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("Connection closed unexpectedly")
			}
			return
		}
		if fn != nil {
			fn(data)
		}
	}
}
