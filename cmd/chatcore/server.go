package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chatcore/internal/constants"
	"chatcore/internal/features"
	"chatcore/internal/metrics"
	"chatcore/internal/middleware"
	"chatcore/internal/models"
	"chatcore/internal/room"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes the daemon's introspection surface: health, metrics,
// feature flags and per-room read-side state.
type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	manager *room.Manager
	server  *http.Server
	cfg     models.ServerConfig
}

func NewServer(cfg models.ServerConfig, manager *room.Manager, logger *logrus.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		manager: manager,
		cfg:     cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	s.router.HandleFunc("/flags", s.handleFlags()).Methods(http.MethodGet)

	rooms := s.router.PathPrefix("/rooms").Subrouter()
	rooms.HandleFunc("", s.handleRooms()).Methods(http.MethodGet)
	rooms.HandleFunc("/{id}", s.handleRoom()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Infof("Starting server on %s", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(metrics.GetRegistry().Export()); err != nil {
			s.logger.WithError(err).Error("Failed to encode metrics response")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}

func (s *Server) handleFlags() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := features.GetGlobalManager().ExportJSON()
		if err != nil {
			s.logger.WithError(err).Error("Failed to export feature flags")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}
}

type roomSummary struct {
	RoomID        string `json:"room_id"`
	Messages      int    `json:"messages"`
	Unread        int    `json:"unread"`
	LatestID      string `json:"latest_id,omitempty"`
	RetrievedAll  bool   `json:"retrieved_all"`
	Retrieving    bool   `json:"retrieving"`
	HistoryBuffer int    `json:"history_buffer"`
}

func summarize(r *room.Room) roomSummary {
	sum := roomSummary{
		RoomID:        r.ID(),
		Messages:      r.Store().Len(),
		Unread:        r.UnreadCount(),
		RetrievedAll:  r.History().RetrievedAll(),
		Retrieving:    r.History().IsRetrieving(),
		HistoryBuffer: r.Reconciler().HistoryBufferLen(),
	}
	if latest, ok := r.Latest(); ok {
		sum.LatestID = latest.MessageID
	}
	return sum
}

func (s *Server) handleRooms() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms := s.manager.Rooms()
		out := make([]roomSummary, 0, len(rooms))
		for _, rm := range rooms {
			out = append(out, summarize(rm))
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			s.logger.WithError(err).Error("Failed to encode rooms response")
		}
	}
}

func (s *Server) handleRoom() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		rm, ok := s.manager.Lookup(id)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(summarize(rm)); err != nil {
			s.logger.WithError(err).Error("Failed to encode room response")
		}
	}
}
