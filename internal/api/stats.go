package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/radio-archive/internal/database"
	"github.com/snarg/radio-archive/internal/episode"
)

type StatsStore interface {
	StatusCounts(ctx context.Context) ([]database.StatusCount, error)
}

type StatsHandler struct {
	store StatsStore
}

func NewStatsHandler(store StatsStore) *StatsHandler {
	return &StatsHandler{store: store}
}

// SourceStats totals one source's episodes by status.
type SourceStats struct {
	Source     string                   `json:"source"`
	ChannelID  int                      `json:"channel_id"`
	Total      int64                    `json:"total"`
	Duplicates int64                    `json:"duplicates"`
	ByStatus   map[episode.Status]int64 `json:"by_status"`
}

// GetStats returns the pipeline backlog per source.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.StatusCounts(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"sources": summarize(counts),
	})
}

// summarize folds per-status rows into one entry per channel, keeping the
// rows' channel order.
func summarize(counts []database.StatusCount) []SourceStats {
	out := []SourceStats{}
	idx := map[int]int{}
	for _, c := range counts {
		i, ok := idx[c.ChannelID]
		if !ok {
			i = len(out)
			idx[c.ChannelID] = i
			out = append(out, SourceStats{
				Source:    c.Source,
				ChannelID: c.ChannelID,
				ByStatus:  map[episode.Status]int64{},
			})
		}
		s := &out[i]
		s.Total += c.Count
		s.Duplicates += c.Duplicates
		s.ByStatus[c.Status] += c.Count
	}
	return out
}

// Routes registers stats routes on the given router.
func (h *StatsHandler) Routes(r chi.Router) {
	r.Get("/stats", h.GetStats)
}
