package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// imageryStub fakes the Mapillary images endpoint. Unless overridden per
// test, every query is answered with a single panorama at the center of the
// requested bounding box.
type imageryStub struct {
	server   *httptest.Server
	requests atomic.Int64
	handler  func(w http.ResponseWriter, box boundingBox, count int64)
}

func newImageryStub(t *testing.T) *imageryStub {
	t.Helper()

	stub := &imageryStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "" {
			t.Error("Expected an access token on every request")
		}

		parts := strings.Split(r.URL.Query().Get("bbox"), ",")
		if len(parts) != 4 {
			t.Errorf("Expected a 4-part bbox, got %q", r.URL.Query().Get("bbox"))
			w.Write([]byte(`{"data":[]}`))
			return
		}
		values := make([]float64, 4)
		for i, part := range parts {
			value, err := strconv.ParseFloat(part, 64)
			if err != nil {
				t.Errorf("Failed to parse bbox component %q: %v", part, err)
			}
			values[i] = value
		}
		box := boundingBox{minLon: values[0], minLat: values[1], maxLon: values[2], maxLat: values[3]}

		count := stub.requests.Add(1)
		if stub.handler != nil {
			stub.handler(w, box, count)
			return
		}
		writePanoramaAt(w, count, (box.minLon+box.maxLon)/2, (box.minLat+box.maxLat)/2)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func writePanoramaAt(w http.ResponseWriter, id int64, lon, lat float64) {
	fmt.Fprintf(w, `{"data":[{"id":"pano-%d","geometry":{"type":"Point","coordinates":[%g,%g]}}]}`, id, lon, lat)
}

func (s *imageryStub) client(hitDelay, missDelay time.Duration) (*imageryClient, *Config) {
	cfg := &Config{
		mapillaryURL:   s.server.URL,
		mapillaryToken: "test-token",
		hitDelay:       hitDelay,
		missDelay:      missDelay,
	}
	return newImageryClient(cfg), cfg
}

func TestSearchWithoutToken(t *testing.T) {
	stub := newImageryStub(t)

	client := &imageryClient{baseURL: stub.server.URL, token: "", client: http.DefaultClient}
	if found := client.search(context.Background(), worldBox); found != nil {
		t.Errorf("Expected nil without a token, got %v", found)
	}
	if stub.requests.Load() != 0 {
		t.Errorf("Expected no requests without a token, made %d", stub.requests.Load())
	}
}

func TestSearchUpstreamFailure(t *testing.T) {
	stub := newImageryStub(t)
	stub.handler = func(w http.ResponseWriter, box boundingBox, count int64) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	client, _ := stub.client(0, 0)
	if found := client.search(context.Background(), worldBox); len(found) != 0 {
		t.Errorf("Expected empty results on upstream failure, got %v", found)
	}
}

func TestLocateLadder(t *testing.T) {
	stub := newImageryStub(t)
	stub.handler = func(w http.ResponseWriter, box boundingBox, count int64) {
		// Empty until the third, wider probe.
		if count < 3 {
			w.Write([]byte(`{"data":[]}`))
			return
		}
		writePanoramaAt(w, count, (box.minLon+box.maxLon)/2, (box.minLat+box.maxLat)/2)
	}

	client, _ := stub.client(0, 0)
	rng := rand.New(rand.NewSource(1))
	r := newRegion(nil)

	found, ok := client.locate(context.Background(), rng, r, 10, 20, []float64{0.1, 0.5, 1.0}, nil)
	if !ok {
		t.Fatal("Expected the third probe to find a panorama")
	}
	if stub.requests.Load() != 3 {
		t.Errorf("Expected 3 probes, made %d", stub.requests.Load())
	}
	if found.Lon != 10 || found.Lat != 20 {
		t.Errorf("Expected the panorama at the probe center, got (%f, %f)", found.Lon, found.Lat)
	}
}

func TestLocateExhaustsLadder(t *testing.T) {
	stub := newImageryStub(t)
	stub.handler = func(w http.ResponseWriter, box boundingBox, count int64) {
		w.Write([]byte(`{"data":[]}`))
	}

	client, _ := stub.client(0, 0)
	rng := rand.New(rand.NewSource(1))

	misses := 0
	pause := func(hit bool) {
		if hit {
			t.Error("Expected no hits")
		}
		misses++
	}

	_, ok := client.locate(context.Background(), rng, newRegion(nil), 0, 0, []float64{0.1, 0.5}, pause)
	if ok {
		t.Fatal("Expected no panorama")
	}
	if misses != 2 {
		t.Errorf("Expected 2 miss pauses, got %d", misses)
	}
}

func TestLocateFiltersByPolygon(t *testing.T) {
	stub := newImageryStub(t)
	stub.handler = func(w http.ResponseWriter, box boundingBox, count int64) {
		// Always answer with a panorama well outside the polygon.
		writePanoramaAt(w, count, 50, 50)
	}

	client, _ := stub.client(0, 0)
	rng := rand.New(rand.NewSource(1))
	r := newRegion(squareFeature(t))

	if _, ok := client.locate(context.Background(), rng, r, 5, 5, []float64{0.5, 1.0}, nil); ok {
		t.Error("Expected panoramas outside the polygon to be discarded")
	}
}

func TestLocateClampsToRegion(t *testing.T) {
	stub := newImageryStub(t)

	client, _ := stub.client(0, 0)
	rng := rand.New(rand.NewSource(1))
	r := newRegion(squareFeature(t))

	// Center near the region corner: the probe box must be clamped to the
	// region's bounding box, so the returned midpoint stays inside.
	found, ok := client.locate(context.Background(), rng, r, 0.2, 0.2, []float64{2.0}, nil)
	if !ok {
		t.Fatal("Expected a panorama")
	}
	if !r.polygon.contains(found.Lon, found.Lat) {
		t.Errorf("Expected a clamped probe result inside the region, got (%f, %f)", found.Lon, found.Lat)
	}
}
