// Package transport exposes a bridge over two websocket channels: a method
// channel carrying request/reply envelopes and an event channel carrying the
// event stream.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/ringchan"
)

const (
	DefaultMethodPath  = "/ycbt"
	DefaultEventPath   = "/ycbt_events"
	DefaultEventBuffer = 64
	DefaultSendBuffer  = 64

	kindMethods = "methods"
	kindEvents  = "events"
)

// Handler is the bridge surface served by the transport.
type Handler interface {
	HandleCall(call channel.MethodCall, result channel.Result)
	Listen(sink channel.EventSink) (cancel func())
}

// ServerOptions configures a Server.
type ServerOptions struct {
	MethodPath     string   // "" = DefaultMethodPath
	EventPath      string   // "" = DefaultEventPath
	EventBuffer    int      // 0 = DefaultEventBuffer
	SendBuffer     int      // 0 = DefaultSendBuffer
	AllowedOrigins []string // empty = any origin
	Logger         *logrus.Logger
}

// Server is an http.Handler serving the method and event channels.
type Server struct {
	handler  Handler
	opts     ServerOptions
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	ctx      context.Context
	cancel   context.CancelFunc

	sessions       *hashmap.Map[string, *session]
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a server dispatching to h.
func NewServer(h Handler, opts *ServerOptions) *Server {
	if opts == nil {
		opts = &ServerOptions{}
	}
	o := *opts
	if o.MethodPath == "" {
		o.MethodPath = DefaultMethodPath
	}
	if o.EventPath == "" {
		o.EventPath = DefaultEventPath
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	logger := o.Logger
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		handler:        h,
		opts:           o,
		logger:         logger,
		mux:            http.NewServeMux(),
		ctx:            ctx,
		cancel:         cancel,
		sessions:       hashmap.New[string, *session](),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range o.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.SetupRoutes(s.mux)
	return s
}

// SetupRoutes registers both channel endpoints on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.opts.MethodPath, s.handleMethods)
	mux.HandleFunc(s.opts.EventPath, s.handleEvents)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SessionCount reports the number of open connections on both channels. An
// event connection is counted once it has subscribed.
func (s *Server) SessionCount() int {
	return s.sessions.Len()
}

// Close disconnects every open session.
func (s *Server) Close() {
	s.cancel()
	s.sessions.Range(func(_ string, sess *session) bool {
		sess.close()
		return true
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}
	if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
		return s.allowedHosts[parsed.Host]
	}
	return false
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, kind string) *session {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("channel", kind).Warn("Websocket upgrade failed")
		return nil
	}
	return newSession(ws, kind, s.logger)
}

func (s *Server) track(sess *session) {
	s.sessions.Set(sess.id, sess)
	sess.logger.Info("Client connected")
}

func (s *Server) release(sess *session) {
	sess.close()
	s.sessions.Del(sess.id)
	sess.logger.Info("Client disconnected")
}

// handleMethods serves the method channel. Requests on one connection may be
// in flight concurrently; replies are written in completion order.
func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	sess := s.accept(w, r, kindMethods)
	if sess == nil {
		return
	}
	s.track(sess)
	defer s.release(sess)

	send := make(chan []byte, s.opts.SendBuffer)
	sess.startWriter(s.ctx, send)

	sess.readLoop(func(data []byte) {
		var req channel.Request
		if err := channel.Decode(data, &req); err != nil {
			sess.logger.WithError(err).Warn("Discarding malformed request")
			return
		}
		sess.logger.WithFields(logrus.Fields{
			"id":     req.ID,
			"method": req.Method,
		}).Debug("Request received")
		s.handler.HandleCall(req.Call(), &wsResult{id: req.ID, s: sess, send: send})
	})
}

// handleEvents serves the event channel. Each connection becomes the event
// subscriber, replacing whichever connection held the slot before.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess := s.accept(w, r, kindEvents)
	if sess == nil {
		return
	}
	defer s.release(sess)

	ring := ringchan.New[[]byte](s.opts.EventBuffer)
	cancel := s.handler.Listen(&wsSink{s: sess, ring: ring})
	s.track(sess)
	defer func() {
		cancel()
		ring.Close()
		m := ring.GetMetrics()
		sess.logger.WithFields(logrus.Fields{
			"written":     m.Written,
			"overwritten": m.Overwritten,
		}).Debug("Event stream closed")
	}()

	sess.startWriter(s.ctx, ring.C())
	sess.readLoop(nil)
}
