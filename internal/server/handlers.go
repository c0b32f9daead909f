package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/kestrelmem/kestrel/internal/orchestrator"
	"github.com/kestrelmem/kestrel/internal/rollout"
	"github.com/kestrelmem/kestrel/internal/storage"
	"github.com/kestrelmem/kestrel/pkg/types"
)

// maxCommitBody caps the commit request body at 1 MiB.
const maxCommitBody = 1 << 20

type apiHandlers struct {
	orch  *orchestrator.Orchestrator
	store storage.CanonicalStore
	ctrl  *rollout.Controller
}

func newAPIHandlers(orch *orchestrator.Orchestrator, store storage.CanonicalStore, ctrl *rollout.Controller) *apiHandlers {
	return &apiHandlers{orch: orch, store: store, ctrl: ctrl}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: response encode failed: %v", err)
	}
}

// Commit accepts a MemoryIntent and runs it through the pipeline.
func (h *apiHandlers) Commit(w http.ResponseWriter, r *http.Request) {
	var intent types.MemoryIntent
	r.Body = http.MaxBytesReader(w, r.Body, maxCommitBody)
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	result, err := h.orch.Commit(r.Context(), intent)
	if err != nil {
		writeJSON(w, commitErrorStatus(result, err), struct {
			types.CommitResult
			Error string `json:"error"`
		}{result, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// commitErrorStatus maps a failed commit onto an HTTP status. Rejections
// are client errors; a canonical write failure is a server error.
func commitErrorStatus(result types.CommitResult, err error) int {
	if result.Status == types.CommitFailed {
		return http.StatusInternalServerError
	}
	var oooErr *types.OutOfOrderError
	if errors.As(err, &oooErr) {
		return http.StatusConflict
	}
	var redErr *types.RedactionError
	if errors.As(err, &redErr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

// GetRecord returns a canonical record with its fan-out status.
func (h *apiHandlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fingerprint")
	record, err := h.store.Get(r.Context(), fp)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "record not found"})
			return
		}
		log.Printf("server: record lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type rolloutResponse struct {
	Mode             string   `json:"mode"`
	ActiveAdapters   []string `json:"active_adapters"`
	ShadowSampleRate float64  `json:"shadow_sample_rate"`
	MaxFanoutRetries int      `json:"max_fanout_retries"`
}

// GetRollout reports the active rollout snapshot.
func (h *apiHandlers) GetRollout(w http.ResponseWriter, r *http.Request) {
	s := h.ctrl.Current()
	writeJSON(w, http.StatusOK, rolloutResponse{
		Mode:             string(s.Mode),
		ActiveAdapters:   s.ActiveAdapters,
		ShadowSampleRate: s.ShadowSampleRate,
		MaxFanoutRetries: s.MaxFanoutRetries,
	})
}

// Health reports liveness.
func (h *apiHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
