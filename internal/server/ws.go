package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/odin-rt/notifier/internal/monitoring"
	"github.com/odin-rt/notifier/internal/registry"
	"github.com/odin-rt/notifier/internal/types"
)

// handleWebSocket authenticates, admits and upgrades a connection, then
// hands it to the registry. Identity is verified before the admission check
// so the rate limiter keys on the proven user, not on whatever id the caller
// claims.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := getClientIP(r)

	claims, err := s.jwt.Authenticate(r)
	if err != nil {
		// Unauthenticated callers burn the IP budget, not a user's.
		s.admission.Allow("ip:" + clientIP)
		monitoring.ConnectionsFailed.Inc()
		s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("Connection rejected: authentication failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.admission.Allow(claims.UserID) {
		s.logger.Warn().
			Str("user_id", claims.UserID).
			Str("client_ip", clientIP).
			Msg("Connection rejected: rate limit exceeded")
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.cpuGuard != nil && !s.cpuGuard.ShouldAccept() {
		s.logger.Warn().
			Str("user_id", claims.UserID).
			Msg("Connection rejected: CPU pressure")
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().
			Err(err).
			Str("user_id", claims.UserID).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	c := s.registry.Register(claims.UserID, &wsSocket{conn: conn})

	s.logger.Info().
		Str("user_id", claims.UserID).
		Str("client_ip", clientIP).
		Msg("Client connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(c, conn)
	}()
}

// readPump consumes inbound frames until the peer goes away. Every frame
// refreshes the idle clock; ping frames are answered on this exact
// connection.
func (s *Server) readPump(c *registry.Conn, conn net.Conn) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"user_id": c.UserID(),
	})

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			s.registry.Disconnect(c, registry.ReasonReadError)
			return
		}
		c.Touch()

		switch op {
		case ws.OpText:
			s.handleClientFrame(c, msg)
		case ws.OpClose:
			s.registry.Disconnect(c, registry.ReasonClientClose)
			return
		}
	}
}

func (s *Server) handleClientFrame(c *registry.Conn, msg []byte) {
	var frame types.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		s.logger.Debug().
			Err(err).
			Str("user_id", c.UserID()).
			Msg("Dropping malformed client frame")
		return
	}

	switch frame.Type {
	case types.FramePing:
		pong, err := types.NewFrame(types.FramePong, nil)
		if err != nil {
			return
		}
		if data, err := json.Marshal(pong); err == nil {
			c.Send(data)
		}
	case types.FramePong:
		// Touch already happened; nothing else to do.
	default:
		s.logger.Debug().
			Str("user_id", c.UserID()).
			Str("type", frame.Type).
			Msg("Ignoring unexpected client frame")
	}
}

// wsSocket adapts a raw upgraded connection to the registry's transport.
// The registry serializes writes through one pump per connection, but close
// can race a write, so writes are mutex-guarded anyway.
type wsSocket struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (w *wsSocket) WriteFrame(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(w.conn, ws.OpText, data)
}

// WritePing emits the JSON heartbeat frame clients answer with a pong.
func (w *wsSocket) WritePing() error {
	frame, err := types.NewFrame(types.FramePing, nil)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return w.WriteFrame(data)
}

func (w *wsSocket) Close(reason string) error {
	w.writeMu.Lock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)
	ws.WriteFrame(w.conn, ws.NewCloseFrame(body))
	w.writeMu.Unlock()
	return w.conn.Close()
}

// getClientIP prefers the X-Forwarded-For chain set by load balancers and
// falls back to the socket address.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
