// Package api exposes the management surface of the bonding daemon: a
// RESTful view on groups, members and statistics, a websocket feed of
// periodic status snapshots, and the prometheus metrics endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/group"
	"github.com/ngxial02/srt/internal/telemetry"
)

// Server is the HTTP management surface over a group registry.
type Server struct {
	registry *group.Registry
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer builds the management server for the given registry, listening
// on address once Start is called.
func NewServer(registry *group.Registry, address string) *Server {
	router := mux.NewRouter()

	s := &Server{
		registry: registry,
		router:   router,
		server: &http.Server{
			Addr:    address,
			Handler: router,
		},
		upgrader: websocket.Upgrader{},
	}

	router.HandleFunc("/groups", s.handleGroups).Methods(http.MethodGet)
	router.HandleFunc("/groups/{id}/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/groups/{id}/members", s.handleMembers).Methods(http.MethodGet)
	router.HandleFunc("/groups/{id}/archive", s.handleArchive).Methods(http.MethodGet)
	router.HandleFunc("/groups/{id}/events", s.handleEvents)
	router.Handle("/metrics", telemetry.MetricsHandler())

	return s
}

// Start brings the server up in the background.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Management server failed")
		}
	}()

	log.WithField("address", s.server.Addr).Info("Management server started")
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.server.Close()
}

// groupSummary is the JSON shape of one group in listings.
type groupSummary struct {
	ID      int32  `json:"id"`
	Type    string `json:"type"`
	Members int    `json:"members"`
	Alive   bool   `json:"alive"`
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.registry.Groups()

	summaries := make([]groupSummary, 0, len(groups))
	for _, g := range groups {
		size, alive := g.GroupCount()
		summaries = append(summaries, groupSummary{
			ID:      g.ID(),
			Type:    g.Type().String(),
			Members: size,
			Alive:   alive,
		})
	}

	writeJSON(w, summaries)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *group.Group {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "malformed group id", http.StatusBadRequest)
		return nil
	}

	g, ok := s.registry.Find(int32(id))
	if !ok {
		http.Error(w, "no such group", http.StatusNotFound)
		return nil
	}
	return g
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	g := s.lookup(w, r)
	if g == nil {
		return
	}

	clear := r.URL.Query().Get("clear") == "true"
	writeJSON(w, g.Stats(clear))
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	g := s.lookup(w, r)
	if g == nil {
		return
	}

	writeJSON(w, g.GroupData())
}

// handleEvents upgrades to a websocket and pushes periodic status
// snapshots until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	g := s.lookup(w, r)
	if g == nil {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		snapshot := struct {
			Stats   group.Stats `json:"stats"`
			Members interface{} `json:"members"`
		}{
			Stats:   g.Stats(false),
			Members: g.GroupData(),
		}

		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write JSON response")
	}
}
