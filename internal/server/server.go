package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/erikjber/opengammatool/internal/export"
	"github.com/erikjber/opengammatool/internal/gammascout"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DeviceSource hands out the live device. *gammascout.Provider is one.
type DeviceSource interface {
	Device() (gammascout.Device, error)
}

// InfoPublisher receives device info after every operation that refreshes
// it. *publisher.MQTT is one.
type InfoPublisher interface {
	PublishInfo(info gammascout.Info) error
}

// Server exposes the device over HTTP and streams decoded readings to
// WebSocket clients while a download runs.
type Server struct {
	cfg      *Config
	devices  DeviceSource
	recorder *export.Recorder
	info     InfoPublisher
	webFS    fs.FS
	router   chi.Router

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader

	// opMu serializes device operations; a busy device answers 409.
	opMu sync.Mutex
	jobs sync.WaitGroup

	latestMu sync.RWMutex
	latestID string
	latest   []gammascout.Reading
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Type    string              `json:"type"` // info, reading, done, error
	ID      string              `json:"id,omitempty"`
	Reading *gammascout.Reading `json:"reading,omitempty"`
	Info    *InfoView           `json:"info,omitempty"`
	Count   int                 `json:"count,omitempty"`
	Error   string              `json:"error,omitempty"`
	Stamp   int64               `json:"stamp"` // Unix ms
}

// InfoView is device info plus the values derived from it.
type InfoView struct {
	gammascout.Info
	Connected  bool       `json:"connected"`
	MemoryUsed float64    `json:"memoryUsed"`
	DeviceTime *time.Time `json:"deviceTime,omitempty"`
}

func newInfoView(d gammascout.Device) *InfoView {
	info := d.Info()
	v := &InfoView{Info: info, Connected: d.IsConnected(), MemoryUsed: info.MemoryUsed()}
	if t, ok := info.DeviceTime(time.Now()); ok {
		v.DeviceTime = &t
	}
	return v
}

// New creates a new Server. recorder, info and webFS may be nil.
func New(cfg *Config, devices DeviceSource, recorder *export.Recorder, info InfoPublisher, webFS fs.FS) *Server {
	s := &Server{
		cfg:      cfg,
		devices:  devices,
		recorder: recorder,
		info:     info,
		webFS:    webFS,
		router:   chi.NewRouter(),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.cfg.mu.RLock()
	origins := s.cfg.Server.AllowedOrigins
	s.cfg.mu.RUnlock()
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/ws", s.handleWS)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/info", s.handleInfo)
		r.Post("/log", s.handleDownload)
		r.Get("/readings", s.handleReadings)
		r.Get("/readings.csv", s.handleReadingsCSV)
		r.Post("/clock", s.handleClock)
		r.Post("/clear", s.handleClear)
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handlePostConfig)
	})
	if s.webFS != nil {
		s.router.Handle("/*", http.FileServer(http.FS(s.webFS)))
	}
}

// requestLogger logs each request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().Str("component", "server").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("component", "server").Str("addr", addr).Msg("listening")
	err := srv.ListenAndServe()
	s.jobs.Wait()
	if s.recorder != nil {
		s.recorder.Close()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Wait blocks until background downloads have finished.
func (s *Server) Wait() { s.jobs.Wait() }

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// acquire takes the operation lock and the device. On failure it has
// already answered the request.
func (s *Server) acquire(w http.ResponseWriter) (gammascout.Device, bool) {
	if !s.opMu.TryLock() {
		respondError(w, http.StatusConflict, errors.New("device busy"))
		return nil, false
	}
	d, err := s.devices.Device()
	if err != nil {
		s.opMu.Unlock()
		respondError(w, http.StatusServiceUnavailable, err)
		return nil, false
	}
	return d, true
}

func (s *Server) publishInfo(d gammascout.Device) {
	view := newInfoView(d)
	s.broadcast(Frame{Type: "info", Info: view, Stamp: time.Now().UnixMilli()})
	if s.info == nil {
		return
	}
	if err := s.info.PublishInfo(view.Info); err != nil {
		log.Warn().Str("component", "server").Err(err).Msg("info publish failed")
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "" {
		d, err := s.devices.Device()
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
		respondJSON(w, http.StatusOK, newInfoView(d))
		return
	}
	d, ok := s.acquire(w)
	if !ok {
		return
	}
	defer s.opMu.Unlock()
	if _, err := d.QueryInfo(); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	s.publishInfo(d)
	respondJSON(w, http.StatusOK, newInfoView(d))
}

// downloadStream forwards one download's readings to WebSocket clients.
type downloadStream struct {
	s     *Server
	id    string
	count int
}

func (ds *downloadStream) ReceiveReading(r gammascout.Reading) {
	ds.count++
	ds.s.broadcast(Frame{Type: "reading", ID: ds.id, Reading: &r, Stamp: time.Now().UnixMilli()})
}

// handleDownload starts a log download in the background and returns its
// id at once. Progress arrives on /ws.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	d, ok := s.acquire(w)
	if !ok {
		return
	}
	id := uuid.NewString()
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer s.opMu.Unlock()
		s.download(d, id)
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) download(d gammascout.Device, id string) {
	stream := &downloadStream{s: s, id: id}
	d.AddListener(stream)
	defer d.RemoveListener(stream)
	if s.recorder != nil {
		if err := s.recorder.Begin(id); err != nil {
			log.Error().Str("component", "server").Err(err).Msg("cannot record download")
		} else {
			d.AddListener(s.recorder)
			defer func() {
				d.RemoveListener(s.recorder)
				s.recorder.End()
			}()
		}
	}

	log.Info().Str("component", "server").Str("id", id).Msg("download started")
	readings, err := d.GetLog()

	s.latestMu.Lock()
	s.latestID, s.latest = id, readings
	s.latestMu.Unlock()

	if err != nil {
		log.Error().Str("component", "server").Str("id", id).Err(err).Msg("download failed")
		s.broadcast(Frame{Type: "error", ID: id, Count: len(readings), Error: err.Error(), Stamp: time.Now().UnixMilli()})
		return
	}
	log.Info().Str("component", "server").Str("id", id).Int("readings", len(readings)).Msg("download finished")
	s.broadcast(Frame{Type: "done", ID: id, Count: len(readings), Stamp: time.Now().UnixMilli()})
	s.publishInfo(d)
}

func (s *Server) snapshot() (string, []gammascout.Reading) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latestID, s.latest
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	id, readings := s.snapshot()
	if readings == nil {
		readings = []gammascout.Reading{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "readings": readings})
}

func (s *Server) handleReadingsCSV(w http.ResponseWriter, r *http.Request) {
	id, readings := s.snapshot()
	name := "gammascout.csv"
	if id != "" {
		name = fmt.Sprintf("gammascout_%s.csv", id)
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := export.WriteCSV(w, readings); err != nil {
		log.Error().Str("component", "server").Err(err).Msg("csv write failed")
	}
}

type clockRequest struct {
	Time *time.Time `json:"time"`
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	var req clockRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
			return
		}
	}
	t := time.Now()
	if req.Time != nil {
		t = *req.Time
	}

	d, ok := s.acquire(w)
	if !ok {
		return
	}
	defer s.opMu.Unlock()
	if err := d.SetClock(t); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	s.publishInfo(d)
	respondJSON(w, http.StatusOK, newInfoView(d))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	d, ok := s.acquire(w)
	if !ok {
		return
	}
	defer s.opMu.Unlock()
	if err := d.ClearLog(); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	s.publishInfo(d)
	respondJSON(w, http.StatusOK, newInfoView(d))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if s.recorder != nil {
		s.cfg.mu.RLock()
		s.recorder.SetEnabled(s.cfg.Export.AutoSave)
		s.cfg.mu.RUnlock()
	}
	if err := s.cfg.Save(); err != nil {
		log.Warn().Str("component", "config").Err(err).Msg("save failed")
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "ws").Err(err).Msg("upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Info().Str("component", "ws").Int("clients", n).Msg("client connected")

	if d, err := s.devices.Device(); err == nil {
		if data, err := json.Marshal(Frame{Type: "info", Info: newInfoView(d), Stamp: time.Now().UnixMilli()}); err == nil {
			client.send <- data
		}
	}

	// Writer
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader, only to notice the client going away
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Info().Str("component", "ws").Int("clients", n).Msg("client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// broadcast sends a frame to every client without blocking; a client whose
// buffer is full misses the frame.
func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}
