package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/radio-archive/internal/database"
	"github.com/snarg/radio-archive/internal/episode"
)

type HighlightStore interface {
	GetEpisode(ctx context.Context, id int64) (*episode.Episode, error)
	CreateHighlight(ctx context.Context, h *database.Highlight) error
	ListHighlights(ctx context.Context, episodeID int64) ([]database.Highlight, error)
	DeleteHighlight(ctx context.Context, id int64) error
}

type HighlightsHandler struct {
	store HighlightStore
}

func NewHighlightsHandler(store HighlightStore) *HighlightsHandler {
	return &HighlightsHandler{store: store}
}

// CreateHighlightRequest is the body of POST /episodes/{id}/highlights.
// Text defaults to the transcript within the range.
type CreateHighlightRequest struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Text         string  `json:"text"`
	Note         *string `json:"note"`
}

func (req CreateHighlightRequest) validate() error {
	if req.StartSeconds < 0 {
		return errors.New("start_seconds must be >= 0")
	}
	if req.EndSeconds <= req.StartSeconds {
		return errors.New("end_seconds must be after start_seconds")
	}
	return nil
}

// ListHighlights handles GET /episodes/{id}/highlights.
func (h *HighlightsHandler) ListHighlights(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid episode id")
		return
	}
	if _, err := h.store.GetEpisode(r.Context(), id); err != nil {
		writeLookupError(w, err, "episode not found", "failed to get episode")
		return
	}
	hl, err := h.store.ListHighlights(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list highlights")
		return
	}
	if hl == nil {
		hl = []database.Highlight{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"highlights": hl,
		"total":      len(hl),
	})
}

// CreateHighlight handles POST /episodes/{id}/highlights.
func (h *HighlightsHandler) CreateHighlight(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid episode id")
		return
	}
	var req CreateHighlightRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := h.store.GetEpisode(r.Context(), id)
	if err != nil {
		writeLookupError(w, err, "episode not found", "failed to get episode")
		return
	}
	if len(e.Transcript) == 0 {
		WriteError(w, http.StatusConflict, "episode has no transcript")
		return
	}

	hl := &database.Highlight{
		EpisodeID:    id,
		StartSeconds: req.StartSeconds,
		EndSeconds:   req.EndSeconds,
		Text:         strings.TrimSpace(req.Text),
		Note:         req.Note,
	}
	if err := h.store.CreateHighlight(r.Context(), hl); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to create highlight")
		return
	}
	WriteJSON(w, http.StatusCreated, hl)
}

// DeleteHighlight handles DELETE /highlights/{id}.
func (h *HighlightsHandler) DeleteHighlight(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid highlight id")
		return
	}
	if err := h.store.DeleteHighlight(r.Context(), id); err != nil {
		writeLookupError(w, err, "highlight not found", "failed to delete highlight")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes registers highlight routes on the given router.
func (h *HighlightsHandler) Routes(r chi.Router) {
	r.Get("/episodes/{id}/highlights", h.ListHighlights)
	r.Post("/episodes/{id}/highlights", h.CreateHighlight)
	r.Delete("/highlights/{id}", h.DeleteHighlight)
}
