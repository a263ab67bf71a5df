package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/assistant-chat/realtime/internal/auth"
	"github.com/assistant-chat/realtime/internal/config"
	"github.com/assistant-chat/realtime/internal/metrics"
	"github.com/assistant-chat/realtime/internal/monitor"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server exposes one upgrade endpoint per room plus diagnostics. A room is
// created by its first admitted session and dropped when its last session
// leaves; rejected requests never touch the room map.
type Server struct {
	cfg     *config.Config
	gate    auth.Gate
	logger  *zap.Logger
	metrics *metrics.Metrics
	health  *monitor.Health

	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewServer builds a server. m and health may be nil.
func NewServer(cfg *config.Config, gate auth.Gate, logger *zap.Logger, m *metrics.Metrics, health *monitor.Health) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:            cfg,
		gate:           gate,
		logger:         logger.Named("server"),
		metrics:        m,
		health:         health,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		rooms:          make(map[string]*Room),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Room returns the room called name, creating it if needed.
func (s *Server) Room(name string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomLocked(name)
}

func (s *Server) roomLocked(name string) *Room {
	r, ok := s.rooms[name]
	if !ok {
		r = NewRoom(name, RoomOptions{
			MaxSessions:  s.cfg.Room.MaxSessions,
			EchoToSender: s.cfg.Room.EchoToSender,
			Logger:       s.logger,
			Metrics:      s.metrics,
		})
		s.rooms[name] = r
	}
	return r
}

// lookupRoom returns the room called name without creating it.
func (s *Server) lookupRoom(name string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[name]
}

// join adds a session to the named room, creating the room if needed. The
// server lock is held across Join so a concurrent release cannot drop the
// room between lookup and join.
func (s *Server) join(name, userID string, conn Conn) (*Room, *Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.roomLocked(name)
	sess, err := room.Join(userID, conn)
	return room, sess, err
}

// release drops room from the registry once it is empty.
func (s *Server) release(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rooms[room.name] != room || room.SessionCount() > 0 {
		return
	}
	delete(s.rooms, room.name)
	s.metrics.ForgetRoom(room.name)
	s.logger.Debug("room released", zap.String("room", room.name))
}

func (s *Server) snapshotRooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].name < rooms[j].name })
	return rooms
}

// Handler returns the routed, header-hardened HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rooms/{room}/ws", s.handleWS)
	mux.HandleFunc("GET /api/rooms", s.handleRooms)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.metrics != nil {
		mux.Handle("GET "+s.cfg.Metrics.Path, s.metrics.Handler())
	}
	return securityHeaders(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	if name == "" {
		http.Error(w, "room required", http.StatusNotFound)
		return
	}
	adm, rej := Admit(r, s.gate)
	if rej == nil {
		if room := s.lookupRoom(name); room != nil && room.full() {
			rej = roomFullRejection()
		}
	}
	if rej != nil {
		s.reject(w, r, name, rej)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		s.metrics.Admission("upgrade_failed")
		s.logger.Warn("ws upgrade error", zap.String("room", name), zap.Error(err))
		return
	}
	s.serve(name, adm, conn)
}

// reject records a failed admission under its kind and writes the response.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, name string, rej *Rejection) {
	s.metrics.Admission(rej.Kind.String())
	if rej.Kind == RejectDenied {
		s.logger.Info("upgrade denied",
			zap.String("room", name),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("code", rej.CloseCode),
			zap.String("reason", rej.Reason))
	}
	writeRejection(w, rej)
}

// serve runs the read side of one connection until it closes.
func (s *Server) serve(name string, adm Admission, conn *websocket.Conn) {
	wc := newWSConn(conn, s.cfg.Room.SendBuffer, s.cfg.Server.WriteTimeout)

	room, sess, err := s.join(name, adm.UserID, wc)
	if err != nil {
		rej := roomFullRejection()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(rej.CloseCode, rej.Reason),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	wc.start(func(err error) {
		s.logger.Debug("ws write error", zap.String("session_id", sess.ID), zap.Error(err))
		room.Remove(sess, ReasonError)
	})

	s.logger.Info("WebSocket client connected",
		zap.String("room", room.name),
		zap.String("user_id", sess.UserID),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	if s.cfg.Server.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.Server.ReadLimit)
	}
	pongWait := s.cfg.Server.PongWait
	extend := func() {
		if pongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason := ReasonError
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				reason = ReasonClosed
			}
			room.Remove(sess, reason)
			s.release(room)
			s.logger.Info("WebSocket client disconnected",
				zap.String("room", room.name),
				zap.String("user_id", sess.UserID),
				zap.String("reason", string(reason)))
			return
		}
		extend()
		room.OnMessage(sess, data)
	}
}

type roomInfo struct {
	Room     string `json:"room"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.snapshotRooms()
	out := make([]roomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomInfo{Room: r.name, Sessions: r.SessionCount()})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

type healthReport struct {
	Status        string                `json:"status"`
	UptimeSeconds int64                 `json:"uptimeSeconds"`
	Rooms         int                   `json:"rooms"`
	Sessions      int                   `json:"sessions"`
	Process       *monitor.ProcessStats `json:"process,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	rooms := s.snapshotRooms()
	report := healthReport{Status: "ok", Rooms: len(rooms)}
	for _, r := range rooms {
		report.Sessions += r.SessionCount()
	}
	if s.health != nil {
		stats := s.health.Sample()
		report.Process = &stats
		report.UptimeSeconds = int64(s.health.Uptime().Seconds())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// Shutdown closes every session with 1001 and returns how many were closed.
func (s *Server) Shutdown() int {
	n := 0
	for _, r := range s.snapshotRooms() {
		n += r.CloseAll(ReasonShutdown)
	}
	return n
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx is cancelled, then closes all sessions
// and shuts the HTTP server down within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	closed := s.Shutdown()
	s.logger.Info("shutting down", zap.Int("sessions_closed", closed))

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
