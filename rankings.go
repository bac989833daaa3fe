package main

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
)

type rankingsResponse struct {
	Rankings []RankedRestaurant `json:"rankings"`
}

// serveRankings handles GET /api/rankings?filter=matches|likes|trending&limit=n,
// the cross-room leaderboard read path.
func serveRankings(cfg *Config, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		filter := r.URL.Query().Get("filter")

		limit := 20
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
			limit = v
		}

		rankings, err := store.TopRankings(filter, limit)
		if err != nil {
			logf(cfg, "SERVE: rankings: %v", err)
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "Failed to fetch rankings"})
			return
		}
		if rankings == nil {
			rankings = []RankedRestaurant{}
		}

		writeJSON(w, http.StatusOK, rankingsResponse{Rankings: rankings})
	}
}
