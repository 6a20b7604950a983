// Package ws pushes task lifecycle events to operator dashboards over Socket.IO.
package ws

import (
	"net/http"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"
)

// StatsSource supplies the snapshot sent on request:stats
type StatsSource interface {
	Snapshot() (interface{}, error)
}

// Server wraps the Socket.IO server used for the operator feed
type Server struct {
	io     *socketio.Server
	logger *logrus.Entry
	stats  StatsSource
}

// NewServer creates the Socket.IO server and registers its handlers.
// stats may be nil, in which case request:stats is answered with an error event.
func NewServer(stats StatsSource, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	allowAll := func(r *http.Request) bool { return true }
	io := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{CheckOrigin: allowAll},
			&websocket.Transport{CheckOrigin: allowAll},
		},
	})

	s := &Server{
		io:     io,
		logger: logger.WithField("component", "ws"),
		stats:  stats,
	}

	io.OnConnect("/", func(c socketio.Conn) error {
		// handshake already authenticated by WrapWithAuth
		s.logger.Debugf("Client connected: %s", c.ID())
		c.Emit("connected", map[string]interface{}{"ok": true})
		return nil
	})
	io.OnDisconnect("/", func(c socketio.Conn, reason string) {
		s.logger.Debugf("Client disconnected: %s, reason: %s", c.ID(), reason)
	})
	io.OnError("/", func(c socketio.Conn, e error) {
		s.logger.Warnf("Socket error: %v", e)
	})
	io.OnEvent("/", "request:stats", s.handleRequestStats)

	return s
}

func (s *Server) handleRequestStats(c socketio.Conn) {
	if s.stats == nil {
		c.Emit("stats:error", map[string]interface{}{"message": "statistics unavailable"})
		return
	}
	snapshot, err := s.stats.Snapshot()
	if err != nil {
		s.logger.Warnf("Failed to build stats snapshot: %v", err)
		c.Emit("stats:error", map[string]interface{}{"message": err.Error()})
		return
	}
	c.Emit("stats:snapshot", snapshot)
}

// Start runs the Socket.IO event loop in the background
func (s *Server) Start() {
	go func() {
		if err := s.io.Serve(); err != nil {
			s.logger.Errorf("Socket.IO server stopped: %v", err)
		}
	}()
	s.logger.Info("Socket.IO server started")
}

// Close stops the Socket.IO server
func (s *Server) Close() error {
	return s.io.Close()
}

// BroadcastToNamespace broadcasts an event to every client in a namespace
func (s *Server) BroadcastToNamespace(namespace, event string, args ...interface{}) bool {
	return s.io.BroadcastToNamespace(namespace, event, args...)
}
