package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gerbilphysics/awards/internal/award"
	"github.com/gerbilphysics/awards/internal/ledger"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type Server struct {
	engine          *award.Engine
	tracker         *award.Tracker
	ledger          *ledger.Ledger
	broadcaster     *Broadcaster
	health          *award.SinkHealth
	startSession    func(label string) (string, error)
	frontendDir     string
	dev             bool
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool
	authToken       string
	startedAt       time.Time
}

func NewServer(engine *award.Engine, tracker *award.Tracker, ledg *ledger.Ledger, broadcaster *Broadcaster, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		engine:         engine,
		tracker:        tracker,
		ledger:         ledg,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		startedAt:      time.Now(),
	}

	for _, origin := range allowedOrigins {
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

// SetHealth configures the sink health reported by /api/healthz.
// Must be called before SetupRoutes.
func (s *Server) SetHealth(h *award.SinkHealth) {
	s.health = h
}

// SetSessionStarter configures the callback behind /api/session/start.
// Must be called before SetupRoutes.
func (s *Server) SetSessionStarter(fn func(label string) (string, error)) {
	s.startSession = fn
}

// SetFrontend configures how the dashboard is served: from the filesystem in
// dev mode, otherwise from the embedded handler when available.
// Must be called before SetupRoutes.
func (s *Server) SetFrontend(dev bool, dir string, embedded http.Handler) {
	s.dev = dev
	s.frontendDir = dir
	s.embeddedHandler = embedded
}

// securityHeaders wraps h with standard hardening headers. The CSP permits
// same-origin assets plus the websocket connection the dashboard opens.
func securityHeaders(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:")
		h.ServeHTTP(w, r)
	})
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", http.HandlerFunc(s.handleWS))
	mux.Handle("/api/awards", securityHeaders(http.HandlerFunc(s.handleAwards)))
	mux.Handle("/api/metrics", securityHeaders(http.HandlerFunc(s.handleMetrics)))
	mux.Handle("/api/events", securityHeaders(http.HandlerFunc(s.handleEvents)))
	mux.Handle("/api/session/start", securityHeaders(http.HandlerFunc(s.handleSessionStart)))
	mux.Handle("/api/unlocks", securityHeaders(http.HandlerFunc(s.handleUnlocks)))
	mux.Handle("/api/besttimes", securityHeaders(http.HandlerFunc(s.handleBestTimes)))
	mux.Handle("/api/healthz", securityHeaders(http.HandlerFunc(s.handleHealthz)))

	if s.dev {
		log.Printf("Serving frontend from filesystem: %s", s.frontendDir)
		mux.Handle("/", securityHeaders(http.FileServer(http.Dir(s.frontendDir))))
	} else if s.embeddedHandler != nil {
		log.Println("Serving embedded frontend")
		mux.Handle("/", securityHeaders(s.embeddedHandler))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("rejecting ws client %s: %v", r.RemoteAddr, err)
		msg, _ := json.Marshal(WSMessage{Type: MsgError, Payload: err.Error()})
		_ = conn.WriteMessage(websocket.TextMessage, msg)
		conn.Close()
		return
	}
	log.Printf("WebSocket client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleAwards(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	unlocks, err := s.ledger.UnlockTimes()
	if err != nil {
		log.Printf("reading unlock times: %v", err)
		// Session state is still worth serving without ledger annotations.
		unlocks = nil
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AwardStatuses(s.engine, unlocks))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var m award.Mutation
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, fmt.Sprintf("invalid event: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.tracker.Submit(m); err != nil {
		if errors.Is(err, award.ErrQueueFull) {
			http.Error(w, "event queue full", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, fmt.Sprintf("invalid event: %v", err), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.startSession == nil {
		http.Error(w, "session control not available", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	id, err := s.startSession(req.Label)
	if err != nil {
		http.Error(w, fmt.Sprintf("starting session: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"sessionId": id})
}

func (s *Server) handleUnlocks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	unlocks, err := s.ledger.Unlocks()
	if err != nil {
		http.Error(w, fmt.Sprintf("reading unlocks: %v", err), http.StatusInternalServerError)
		return
	}
	if unlocks == nil {
		unlocks = []ledger.Unlock{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(unlocks)
}

func (s *Server) handleBestTimes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	times, err := s.ledger.BestTimes()
	if err != nil {
		http.Error(w, fmt.Sprintf("reading best times: %v", err), http.StatusInternalServerError)
		return
	}
	if times == nil {
		times = []ledger.BestTime{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(times)
}

// HealthResponse is the /api/healthz body.
type HealthResponse struct {
	Status              string  `json:"status"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	LastError           string  `json:"lastError,omitempty"`
	UptimeSeconds       float64 `json:"uptimeSeconds"`
	Clients             int     `json:"clients"`
	ProcessRSSBytes     uint64  `json:"processRssBytes,omitempty"`
	ProcessCPUPercent   float64 `json:"processCpuPercent,omitempty"`
	SystemMemUsedPct    float64 `json:"systemMemUsedPct,omitempty"`
	HostUptimeSeconds   uint64  `json:"hostUptimeSeconds,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resp := HealthResponse{
		Status:        string(award.StatusHealthy),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Clients:       s.broadcaster.ClientCount(),
	}
	if s.health != nil {
		status, consecutive, lastErr := s.health.Snapshot()
		resp.Status = string(status)
		resp.ConsecutiveFailures = consecutive
		resp.LastError = lastErr
	}

	// Process and host stats are best effort; the sink status above is the
	// part that decides degraded/failed.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			resp.ProcessRSSBytes = mi.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.ProcessCPUPercent = cpu
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		resp.SystemMemUsedPct = vm.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		resp.HostUptimeSeconds = up
	}

	code := http.StatusOK
	if resp.Status == string(award.StatusFailed) {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Gerbil-Awards-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
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
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
