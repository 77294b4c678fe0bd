package tracker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/beaconlabs/beacon/internal/auth"
	"github.com/beaconlabs/beacon/internal/httpserver"
	"github.com/beaconlabs/beacon/internal/metrics"
)

const maxActivityBodyBytes = 64 * 1024

// Handler exposes the tracker over HTTP. Every route requires a resolved
// Principal (enforced by the auth middleware installed in RegisterRoutes).
type Handler struct {
	tracker  *Tracker
	verifier auth.Verifier
	metrics  *metrics.Metrics
}

func NewHandler(t *Tracker, verifier auth.Verifier, m *metrics.Metrics) *Handler {
	return &Handler{tracker: t, verifier: verifier, metrics: m}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	authed := auth.Middleware(h.verifier, h.metrics)
	mux.Handle("POST /track/visit", authed(http.HandlerFunc(h.handleVisit)))
	mux.Handle("POST /track/leave", authed(http.HandlerFunc(h.handleLeave)))
	mux.Handle("POST /track/activity", authed(http.HandlerFunc(h.handleActivity)))
}

func (h *Handler) handleVisit(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing principal"})
		return
	}

	if err := h.tracker.RecordVisit(r.Context(), p); err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record visit"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing principal"})
		return
	}

	if err := h.tracker.RecordLeave(r.Context(), p); err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record leave"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

type activityRequest struct {
	Event   string         `json:"event"`
	Details map[string]any `json:"details"`
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing principal"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxActivityBodyBytes))
	if err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var req activityRequest
	if err := decodeStrictJSON(body, &req); err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Event) == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "event is required"})
		return
	}

	if err := h.tracker.RecordActivity(r.Context(), p, req.Event, req.Details); err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record activity"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}
