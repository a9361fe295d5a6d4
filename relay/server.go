// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bureau-foundation/tabletop/lib/netutil"
)

// DefaultLongPollWait bounds how long a poll request is held open.
const DefaultLongPollWait = 25 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	// LongPollWait caps the wait a client may request. Zero means
	// DefaultLongPollWait.
	LongPollWait time.Duration

	Logger *slog.Logger
}

// Server exposes a Relay over HTTP.
type Server struct {
	relay  Relay
	wait   time.Duration
	logger *slog.Logger
	router *mux.Router
}

type pollResponse struct {
	Records []json.RawMessage `json:"records"`
	Cursor  string            `json:"cursor"`
}

// NewServer wraps backend.
func NewServer(backend Relay, config ServerConfig) *Server {
	if config.LongPollWait <= 0 {
		config.LongPollWait = DefaultLongPollWait
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	server := &Server{
		relay:  backend,
		wait:   config.LongPollWait,
		logger: config.Logger,
		router: mux.NewRouter(),
	}
	server.router.HandleFunc("/mcast/{channel}", server.handlePublish).Methods(http.MethodPost)
	server.router.HandleFunc("/mcast/{channel}", server.handlePoll).Methods(http.MethodGet)
	server.router.HandleFunc("/healthz", server.handleHealth).Methods(http.MethodGet)
	return server
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	body, err := netutil.ReadLimited(r.Body, netutil.MaxRequestSize)
	if err != nil {
		if errors.Is(err, netutil.ErrTooLarge) {
			netutil.WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		netutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !json.Valid(body) {
		netutil.WriteError(w, http.StatusBadRequest, "record is not valid JSON")
		return
	}
	if err := s.relay.Publish(r.Context(), channel, body); err != nil {
		s.logger.Error("relay publish failed", "channel", channel, "error", err)
		netutil.WriteError(w, http.StatusBadGateway, "publish failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	query := r.URL.Query()
	cursor := query.Get("cursor")

	wait := s.wait
	if raw := query.Get("wait"); raw != "" {
		requested, err := time.ParseDuration(raw)
		if err != nil || requested < 0 {
			netutil.WriteError(w, http.StatusBadRequest, "wait must be a non-negative duration")
			return
		}
		wait = min(requested, s.wait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	page, err := s.relay.Poll(ctx, channel, cursor)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		page = Page{Cursor: cursor}
	case errors.Is(err, ErrInvalidCursor):
		netutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case netutil.IsExpectedCloseError(err):
		return
	default:
		s.logger.Error("relay poll failed", "channel", channel, "error", err)
		netutil.WriteError(w, http.StatusBadGateway, "poll failed")
		return
	}

	response := pollResponse{Records: make([]json.RawMessage, 0, len(page.Records)), Cursor: page.Cursor}
	for _, record := range page.Records {
		response.Records = append(response.Records, record)
	}
	if err := netutil.WriteJSON(w, http.StatusOK, response); err != nil && !netutil.IsExpectedCloseError(err) {
		s.logger.Warn("writing poll response", "channel", channel, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	netutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
