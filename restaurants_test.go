package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/julienschmidt/httprouter"
)

func newSearchHandler(t *testing.T, upstream http.HandlerFunc, apiKey string) (*httptest.Server, *Store) {
	t.Helper()

	fake := httptest.NewServer(upstream)
	t.Cleanup(fake.Close)

	store, _ := newTestStore(t)

	cfg := &Config{
		searchURL:    fake.URL,
		searchAPIKey: apiKey,
	}

	mux := httprouter.New()
	mux.POST("/api/nearby-restaurants", serveNearbyRestaurants(cfg, newSearchClient(cfg), store))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, store
}

func postNearby(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Post(srv.URL+"/api/nearby-restaurants", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, decoded
}

func serpBody(n int) string {
	var sb strings.Builder
	sb.WriteString(`{"local_results":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"place_id":"place-%d","title":"Spot %d","rating":4.2,"thumbnail":"https://example.com/%d.jpg","type":"Thai","address":"%d Main St","gps_coordinates":{"latitude":52.1,"longitude":4.3}}`, i, i, i, i)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

func TestNearbyRestaurantsCapsAndMaps(t *testing.T) {
	srv, store := newSearchHandler(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("engine") != "google_maps" || q.Get("api_key") != "test-key" {
			t.Errorf("unexpected upstream query: %v", q)
		}
		if !strings.HasPrefix(q.Get("ll"), "@52.37,") {
			t.Errorf("unexpected ll parameter: %q", q.Get("ll"))
		}
		_, _ = w.Write([]byte(serpBody(12)))
	}, "test-key")

	resp, body := postNearby(t, srv, `{"lat":52.37,"long":4.89}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	restaurants := body["restaurants"].([]any)
	if len(restaurants) != maxSearchResults {
		t.Fatalf("expected results capped at %d, got %d", maxSearchResults, len(restaurants))
	}

	first := restaurants[0].(map[string]any)
	if first["id"] != "place-0" || first["name"] != "Spot 0" || first["cuisine"] != "Thai" {
		t.Fatalf("unexpected mapping: %v", first)
	}

	// Each surfaced restaurant is counted as a view in the rankings.
	rankings, err := store.TopRankings(FilterTrending, 20)
	if err != nil {
		t.Fatalf("TopRankings: %v", err)
	}
	if len(rankings) != maxSearchResults {
		t.Fatalf("expected %d ranking rows, got %d", maxSearchResults, len(rankings))
	}
	if rankings[0].TotalViews != 1 {
		t.Fatalf("expected one view, got %d", rankings[0].TotalViews)
	}
}

func TestNearbyRestaurantsAppliesFallbacks(t *testing.T) {
	srv, _ := newSearchHandler(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"local_results":[{"data_id":"data-1"}]}`))
	}, "test-key")

	resp, body := postNearby(t, srv, `{"lat":1,"long":2}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	first := body["restaurants"].([]any)[0].(map[string]any)
	if first["id"] != "data-1" {
		t.Fatalf("expected data_id fallback, got %v", first["id"])
	}
	if first["name"] != "Unknown Restaurant" || first["rating"] != fallbackRating || first["image"] != fallbackImage {
		t.Fatalf("fallbacks not applied: %v", first)
	}
	if first["cuisine"] != "Restaurant" || first["distance"] != "Nearby" {
		t.Fatalf("fallbacks not applied: %v", first)
	}
}

func TestNearbyRestaurantsRequiresCoordinates(t *testing.T) {
	srv, _ := newSearchHandler(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called on invalid input")
	}, "test-key")

	for _, body := range []string{`{}`, `{"lat":52.37}`, `{"long":4.89}`, `not json`} {
		resp, decoded := postNearby(t, srv, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
		if msg, ok := decoded["error"].(string); !ok || msg == "" {
			t.Fatalf("body %q: expected error message", body)
		}
	}
}

func TestNearbyRestaurantsWithoutAPIKey(t *testing.T) {
	srv, _ := newSearchHandler(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called without a key")
	}, "")

	resp, decoded := postNearby(t, srv, `{"lat":1,"long":2}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if decoded["error"] != "API key not configured" {
		t.Fatalf("unexpected error: %v", decoded["error"])
	}
}

func TestNearbyRestaurantsUpstreamFailure(t *testing.T) {
	srv, _ := newSearchHandler(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}, "test-key")

	resp, decoded := postNearby(t, srv, `{"lat":1,"long":2}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if decoded["error"] != "Failed to fetch restaurants" {
		t.Fatalf("unexpected error: %v", decoded["error"])
	}
	if !strings.Contains(decoded["details"].(string), "quota exceeded") {
		t.Fatalf("expected upstream details, got %v", decoded["details"])
	}
}

func TestNearbyRestaurantsZeroResultsIsNotAnError(t *testing.T) {
	srv, _ := newSearchHandler(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"local_results":[]}`))
	}, "test-key")

	resp, body := postNearby(t, srv, `{"lat":1,"long":2}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("zero results must be a distinct empty state, got %d", resp.StatusCode)
	}
	if restaurants := body["restaurants"].([]any); len(restaurants) != 0 {
		t.Fatalf("expected empty list, got %v", restaurants)
	}
}
