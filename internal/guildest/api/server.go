// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the HTTP surface of the chat core. Message handlers
// call it on every inbound message: it runs the tracker checks and hands
// writes to the write queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"guildest/internal/guildest/core"
	"guildest/internal/guildest/telemetry"
	"guildest/pkg/activity"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies; transcriptions are the largest payload.
const maxBodyBytes = 1 << 20

// Options configures a Server.
type Options struct {
	// CommandPrefix marks messages that are commands and never count as chat.
	CommandPrefix string
	// ExposeMetrics mounts the Prometheus handler at /metrics.
	ExposeMetrics bool
	// FlushTimeout bounds POST /v1/flush when the request has no timeout
	// parameter. Defaults to 5s.
	FlushTimeout time.Duration
	Logger       *zerolog.Logger
	// Now is the clock used when a request omits ts. Defaults to time.Now.
	Now func() time.Time
}

// Server handles the HTTP requests for the chat core.
type Server struct {
	tracker *activity.Tracker
	queue   *core.WriteQueue
	opts    Options
	log     *zerolog.Logger
	valid   *validator.Validate
}

// NewServer creates and configures a new API server.
func NewServer(tracker *activity.Tracker, queue *core.WriteQueue, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Server{
		tracker: tracker,
		queue:   queue,
		opts:    opts,
		log:     log,
		valid:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes returns the router with every endpoint mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	if s.opts.ExposeMetrics {
		r.Handle("/metrics", telemetry.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/spam", s.handleSpam)
		r.Post("/activity", s.handleActivity)
		r.Delete("/users/{id}", s.handleClearUser)
		r.Delete("/scopes/{id}", s.handleClearScope)

		r.Post("/transcriptions", s.handleTranscription)
		r.Post("/records/{table}", s.handleRecord)
		r.Post("/flush", s.handleFlush)
		r.Get("/queue", s.handleQueue)
	})
	return r
}

// NewHTTPServer wraps Routes in an *http.Server with the service timeouts.
func (s *Server) NewHTTPServer(addr string, readHeaderTimeout time.Duration) *http.Server {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

type spamRequest struct {
	UserID uint64   `json:"user_id" validate:"required"`
	Ts     *float64 `json:"ts,omitempty"`
}

type spamResponse struct {
	Spam  bool `json:"spam"`
	Count int  `json:"count"`
}

func (s *Server) handleSpam(w http.ResponseWriter, r *http.Request) {
	var req spamRequest
	if !s.bind(w, r, &req) {
		return
	}
	spam, count := s.tracker.CheckSpam(req.UserID, s.ts(req.Ts))
	core.RecordSpamCheck(spam)
	telemetry.ObserveSpamCheck(spam)
	writeJSON(w, http.StatusOK, spamResponse{Spam: spam, Count: count})
}

type activityRequest struct {
	ScopeID uint64   `json:"scope_id" validate:"required"`
	UserID  uint64   `json:"user_id" validate:"required"`
	IsBot   bool     `json:"is_bot"`
	Content string   `json:"content"`
	Ts      *float64 `json:"ts,omitempty"`
}

type activityResponse struct {
	Recorded bool `json:"recorded"`
	Trigger  bool `json:"trigger"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if !s.bind(w, r, &req) {
		return
	}
	if !activity.ShouldRecord(req.IsBot, req.Content, s.opts.CommandPrefix) {
		writeJSON(w, http.StatusOK, activityResponse{})
		return
	}
	trigger := s.tracker.RecordChatActivity(req.ScopeID, req.UserID, s.ts(req.Ts))
	core.RecordChatActivity(trigger)
	telemetry.ObserveChatActivity(trigger)
	writeJSON(w, http.StatusOK, activityResponse{Recorded: true, Trigger: trigger})
}

func (s *Server) handleClearUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.tracker.ClearUser(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearScope(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.tracker.ClearGuild(id)
	w.WriteHeader(http.StatusNoContent)
}

type transcriptionRequest struct {
	ScopeID      uint64  `json:"scope_id" validate:"required"`
	SubScopeID   uint64  `json:"sub_scope_id"`
	UserID       uint64  `json:"user_id" validate:"required"`
	Content      string  `json:"content" validate:"required"`
	DisplayName  string  `json:"display_name"`
	DurationSecs float64 `json:"duration_secs" validate:"gte=0"`
}

type enqueueResponse struct {
	OpID string `json:"op_id"`
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	var req transcriptionRequest
	if !s.bind(w, r, &req) {
		return
	}
	id, err := s.queue.EnqueueTranscription(req.ScopeID, req.SubScopeID, req.UserID, req.Content, req.DisplayName, req.DurationSecs)
	s.writeEnqueued(w, id, err)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	// Reject what the worker could never decode while the caller can still react.
	if _, err := core.DecodeRecord(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.queue.EnqueueGeneric(table, body)
	s.writeEnqueued(w, id, err)
}

func (s *Server) writeEnqueued(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, core.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, enqueueResponse{OpID: id})
	}
}

type queueResponse struct {
	Pending   int64 `json:"pending"`
	Enqueued  int64 `json:"enqueued"`
	Persisted int64 `json:"persisted"`
	Failed    int64 `json:"failed"`
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	st := s.queue.Stats()
	writeJSON(w, http.StatusOK, queueResponse{Pending: st.Pending, Enqueued: st.Enqueued, Persisted: st.Persisted, Failed: st.Failed})
}

// handleFlush blocks until the queue drains. ?timeout=2s overrides the
// default bound.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	timeout := s.opts.FlushTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := s.queue.Flush(ctx); err != nil {
		writeJSON(w, http.StatusGatewayTimeout, queueResponse{Pending: s.queue.Pending()})
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{Pending: s.queue.Pending()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-s.queue.Done():
		writeError(w, http.StatusServiceUnavailable, "write queue stopped")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ts resolves an optional request timestamp against the server clock.
func (s *Server) ts(v *float64) float64 {
	if v != nil {
		return *v
	}
	return activity.Seconds(s.opts.Now())
}

// bind decodes and validates a JSON body, writing a 400 on failure.
func (s *Server) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	if err := s.valid.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// accessLog logs one debug line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
