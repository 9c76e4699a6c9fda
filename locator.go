package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"
)

const imageSearchLimit = 20

// panorama is one usable street-view image: its opaque Mapillary ID and
// where it was taken.
type panorama struct {
	ID  string
	Lon float64
	Lat float64
}

// imageryClient queries the Mapillary Graph API for panoramic images inside
// a bounding box.
type imageryClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newImageryClient(cfg *Config) *imageryClient {
	return &imageryClient{
		baseURL: cfg.mapillaryURL,
		token:   cfg.mapillaryToken,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type imageryResponse struct {
	Data []struct {
		ID       string `json:"id"`
		Geometry struct {
			Type        string    `json:"type"`
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"data"`
}

// search returns the panoramas Mapillary knows inside the box, at most
// imageSearchLimit of them. Failed or non-200 lookups are reported as empty
// results, not errors; the generator treats sparse coverage and transient
// upstream trouble the same way.
func (c *imageryClient) search(ctx context.Context, box boundingBox) []panorama {
	if c.token == "" {
		return nil
	}

	params := url.Values{}
	params.Set("access_token", c.token)
	params.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", box.minLon, box.minLat, box.maxLon, box.maxLat))
	params.Set("fields", "id,geometry,is_pano")
	params.Set("limit", fmt.Sprintf("%d", imageSearchLimit))
	params.Set("is_pano", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var parsed imageryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil
	}

	panoramas := make([]panorama, 0, len(parsed.Data))
	for _, image := range parsed.Data {
		if len(image.Geometry.Coordinates) < 2 {
			continue
		}
		panoramas = append(panoramas, panorama{
			ID:  image.ID,
			Lon: image.Geometry.Coordinates[0],
			Lat: image.Geometry.Coordinates[1],
		})
	}
	return panoramas
}

// locate probes expanding bounding boxes around the center until a panorama
// turns up. Each half-width costs exactly one API request. Results outside
// the region's polygon are discarded; a random survivor is returned. The
// second return value reports whether anything was found at all.
func (c *imageryClient) locate(ctx context.Context, rng *rand.Rand, r region, lon, lat float64, halfWidths []float64, pause func(hit bool)) (panorama, bool) {
	for _, half := range halfWidths {
		box := boundingBox{
			minLon: lon - half,
			minLat: lat - half,
			maxLon: lon + half,
			maxLat: lat + half,
		}.clamp(r.box)

		found := c.search(ctx, box)
		if r.polygon != nil {
			inside := found[:0]
			for _, p := range found {
				if r.polygon.contains(p.Lon, p.Lat) {
					inside = append(inside, p)
				}
			}
			found = inside
		}

		if len(found) > 0 {
			picked := found[rng.Intn(len(found))]
			if pause != nil {
				pause(true)
			}
			return picked, true
		}

		if pause != nil {
			pause(false)
		}
	}

	return panorama{}, false
}
