package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/snarg/radio-archive/internal/database"
	"github.com/snarg/radio-archive/internal/episode"
)

// EpisodeStore is the repository surface the episode endpoints read and
// write through.
type EpisodeStore interface {
	GetEpisode(ctx context.Context, id int64) (*episode.Episode, error)
	SearchEpisodes(ctx context.Context, f database.SearchFilter) ([]database.SearchHit, int, error)
	ResetErrors(ctx context.Context, f database.ResetFilter) (int64, error)
}

type EpisodesHandler struct {
	store EpisodeStore
	cache *SearchCache
}

func NewEpisodesHandler(store EpisodeStore, cache *SearchCache) *EpisodesHandler {
	return &EpisodesHandler{store: store, cache: cache}
}

// SearchResponse is the body of a search. It is also what the search cache
// stores.
type SearchResponse struct {
	Episodes []database.SearchHit `json:"episodes"`
	Total    int                  `json:"total"`
	Limit    int                  `json:"limit"`
	Offset   int                  `json:"offset"`
}

// SearchEpisodes handles GET /episodes/search.
func (h *EpisodesHandler) SearchEpisodes(w http.ResponseWriter, r *http.Request) {
	q, ok := QueryString(r, "q")
	if !ok {
		WriteError(w, http.StatusBadRequest, "q is required")
		return
	}
	mode, err := database.ParseSearchMode(r.URL.Query().Get("type"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := database.SearchFilter{Query: q, Mode: mode, Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "channel"); ok {
		ch, err := parseChannel(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.ChannelID = &ch
	}
	if t, ok := QueryTime(r, "from"); ok {
		filter.From = &t
	}
	if t, ok := QueryTime(r, "to"); ok {
		filter.To = &t
	}

	if cached := h.cache.Get(r.Context(), filter); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	hits, total, err := h.store.SearchEpisodes(r.Context(), filter)
	if err != nil {
		if isInvalidRegex(err) {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid regular expression", q)
			return
		}
		WriteError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if hits == nil {
		hits = []database.SearchHit{}
	}
	resp := SearchResponse{Episodes: hits, Total: total, Limit: p.Limit, Offset: p.Offset}
	h.cache.Set(r.Context(), filter, resp)
	WriteJSON(w, http.StatusOK, resp)
}

// parseChannel accepts a source name or a numeric channel id.
func parseChannel(v string) (int, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if _, ok := episode.SourceForChannel(n); !ok {
			return 0, errors.New("unknown channel " + v)
		}
		return n, nil
	}
	src, err := episode.ParseSource(v)
	if err != nil {
		return 0, err
	}
	return src.ChannelID(), nil
}

// isInvalidRegex reports whether Postgres rejected a regex search pattern.
func isInvalidRegex(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "2201B"
}

// GetEpisode handles GET /episodes/{id}.
func (h *EpisodesHandler) GetEpisode(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid episode id")
		return
	}
	e, err := h.store.GetEpisode(r.Context(), id)
	if err != nil {
		writeLookupError(w, err, "episode not found", "failed to get episode")
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

// RetryEpisode handles POST /episodes/{id}/retry. Only failed episodes can
// be retried.
func (h *EpisodesHandler) RetryEpisode(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid episode id")
		return
	}
	e, err := h.store.GetEpisode(r.Context(), id)
	if err != nil {
		writeLookupError(w, err, "episode not found", "failed to get episode")
		return
	}
	if e.Status != episode.StatusError {
		WriteErrorDetail(w, http.StatusConflict, "episode is not in error", string(e.Status))
		return
	}
	n, err := h.store.ResetErrors(r.Context(), database.ResetFilter{IDs: []int64{id}})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to reset episode")
		return
	}
	if n == 0 {
		// Another caller reset it between the read and the update.
		WriteError(w, http.StatusConflict, "episode is not in error")
		return
	}
	e, err = h.store.GetEpisode(r.Context(), id)
	if err != nil {
		writeLookupError(w, err, "episode not found", "failed to get episode")
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

func writeLookupError(w http.ResponseWriter, err error, notFound, failed string) {
	if errors.Is(err, episode.ErrNotFound) {
		WriteError(w, http.StatusNotFound, notFound)
		return
	}
	WriteError(w, http.StatusInternalServerError, failed)
}

// Routes registers episode routes on the given router.
func (h *EpisodesHandler) Routes(r chi.Router) {
	r.Get("/episodes/search", h.SearchEpisodes)
	r.Get("/episodes/{id}", h.GetEpisode)
	r.Post("/episodes/{id}/retry", h.RetryEpisode)
}
