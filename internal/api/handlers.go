package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"smsdispatch/internal/carrier"
	"smsdispatch/internal/config"
	"smsdispatch/internal/storage"
	"smsdispatch/pkg/logx"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCarriers(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type addCarrierRequest struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Account      string `json:"account"`
	Secret       string `json:"secret"`
	SenderID     string `json:"sender_id"`
	Priority     int    `json:"priority"`
	MaxPerMinute int    `json:"max_per_minute"`
	MaxRetries   int    `json:"max_retries"`
	Timeout      string `json:"timeout"`
	Enabled      bool   `json:"enabled"`
}

func (s *Server) handleAddCarrier(w http.ResponseWriter, r *http.Request) {
	var req addCarrierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.URL) == "" {
		s.fail(w, http.StatusBadRequest, errors.New("name and url are required"))
		return
	}
	timeout, err := config.ParseDurationField("timeout", req.Timeout)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	s.engine.Registry().Add(carrier.Config{
		Name:         req.Name,
		URL:          req.URL,
		Account:      req.Account,
		Secret:       req.Secret,
		SenderID:     req.SenderID,
		Priority:     req.Priority,
		MaxPerMinute: req.MaxPerMinute,
		MaxRetries:   req.MaxRetries,
		Timeout:      timeout,
		Enabled:      req.Enabled,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

type enableRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleEnableCarrier(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if !s.engine.Registry().Enable(name, req.Enabled) {
		s.fail(w, http.StatusNotFound, carrier.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": req.Enabled})
}

func (s *Server) handleCarrierStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.engine.Registry().Get(name); err != nil {
		s.fail(w, http.StatusNotFound, err)
		return
	}

	stats, err := s.store.GetCarrierStats(r.Context(), name)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type enqueueRequest struct {
	Number   string         `json:"number"`
	Template string         `json:"template"`
	RowData  map[string]any `json:"row_data,omitempty"`
	Link     string         `json:"link,omitempty"`
}

type enqueueResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Number) == "" {
		s.fail(w, http.StatusBadRequest, errors.New("number is required"))
		return
	}
	if strings.TrimSpace(req.Template) == "" {
		s.fail(w, http.StatusBadRequest, errors.New("template is required"))
		return
	}

	item, err := s.store.Enqueue(r.Context(), storage.QueueItem{
		Number:      req.Number,
		Template:    req.Template,
		RowData:     req.RowData,
		DynamicLink: req.Link,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: item.ID, State: string(item.State)})
}

type messageResponse struct {
	ID          string    `json:"id"`
	Number      string    `json:"number"`
	State       string    `json:"state"`
	Carrier     string    `json:"carrier,omitempty"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := s.store.GetItem(r.Context(), id)
	if errors.Is(err, storage.ErrItemNotFound) {
		s.fail(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		ID:          item.ID,
		Number:      item.Number,
		State:       string(item.State),
		Carrier:     item.Carrier,
		Attempts:    item.Attempts,
		NextRetryAt: item.NextRetryAt,
		CreatedAt:   item.CreatedAt,
	})
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("ops api request failed", logx.Int("status", status), logx.Err(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
