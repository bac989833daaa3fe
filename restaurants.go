package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/julienschmidt/httprouter"
)

const (
	maxSearchResults = 10

	fallbackImage  = "https://images.unsplash.com/photo-1517248135467-4c7edcad34c4?w=800&q=80"
	fallbackRating = 4.0
)

// searchClient wraps the SerpAPI google_maps engine. The core consumes
// this; it never reimplements search.
type searchClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newSearchClient(cfg *Config) *searchClient {
	return &searchClient{
		baseURL: cfg.searchURL,
		apiKey:  cfg.searchAPIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type upstreamError struct {
	status  int
	details string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("search upstream returned %d", e.status)
}

type serpPlace struct {
	PlaceID        string  `json:"place_id"`
	DataID         string  `json:"data_id"`
	Title          string  `json:"title"`
	Rating         float64 `json:"rating"`
	Thumbnail      string  `json:"thumbnail"`
	Type           string  `json:"type"`
	Distance       string  `json:"distance"`
	Address        string  `json:"address"`
	GPSCoordinates struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"gps_coordinates"`
}

type serpResponse struct {
	LocalResults []serpPlace `json:"local_results"`
}

// Nearby queries for restaurants around the given coordinates, capped at
// maxSearchResults. A successful query with no results returns an empty
// slice, not an error.
func (s *searchClient) Nearby(ctx context.Context, lat, lng float64) ([]Restaurant, error) {
	q := url.Values{}
	q.Set("engine", "google_maps")
	q.Set("q", "restaurants")
	q.Set("ll", fmt.Sprintf("@%v,%v,14z", lat, lng))
	q.Set("api_key", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &upstreamError{status: resp.StatusCode, details: string(body)}
	}

	var parsed serpResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	places := parsed.LocalResults
	if len(places) > maxSearchResults {
		places = places[:maxSearchResults]
	}

	restaurants := make([]Restaurant, 0, len(places))
	for _, place := range places {
		r := Restaurant{
			ID:        place.PlaceID,
			Name:      place.Title,
			Rating:    place.Rating,
			Image:     place.Thumbnail,
			Cuisine:   place.Type,
			Distance:  place.Distance,
			Latitude:  place.GPSCoordinates.Latitude,
			Longitude: place.GPSCoordinates.Longitude,
			PlaceID:   place.PlaceID,
			Address:   place.Address,
		}
		if r.ID == "" {
			r.ID = place.DataID
			r.PlaceID = place.DataID
		}
		if r.Name == "" {
			r.Name = "Unknown Restaurant"
		}
		if r.Rating == 0 {
			r.Rating = fallbackRating
		}
		if r.Image == "" {
			r.Image = fallbackImage
		}
		if r.Cuisine == "" {
			r.Cuisine = "Restaurant"
		}
		if r.Distance == "" {
			r.Distance = "Nearby"
		}
		restaurants = append(restaurants, r)
	}

	return restaurants, nil
}

type nearbyRequest struct {
	Lat  *float64 `json:"lat"`
	Long *float64 `json:"long"`
}

type nearbyResponse struct {
	Restaurants []Restaurant `json:"restaurants"`
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// serveNearbyRestaurants handles POST /api/nearby-restaurants. Zero
// results is a 200 with an empty list; only missing input (400) and
// upstream or configuration failure (500) are errors.
func serveNearbyRestaurants(cfg *Config, search *searchClient, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		var req nearbyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Lat == nil || req.Long == nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "Latitude and longitude are required"})
			return
		}

		if search.apiKey == "" {
			logf(cfg, "SEARCH: api key not configured")
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "API key not configured"})
			return
		}

		restaurants, err := search.Nearby(r.Context(), *req.Lat, *req.Long)
		if err != nil {
			logf(cfg, "SEARCH: %v", err)
			if up, ok := err.(*upstreamError); ok {
				writeJSON(w, http.StatusInternalServerError, apiError{Error: "Failed to fetch restaurants", Details: up.details})
				return
			}
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "Failed to fetch restaurants"})
			return
		}

		for _, restaurant := range restaurants {
			if err := store.RecordView(restaurant); err != nil {
				logf(cfg, "SEARCH: record view for %q: %v", restaurant.Name, err)
			}
		}

		logf(cfg, "SEARCH: %d restaurants near %v,%v for %s in %s",
			len(restaurants),
			*req.Lat,
			*req.Long,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)

		writeJSON(w, http.StatusOK, nearbyResponse{Restaurants: restaurants})
	}
}
