package main

import (
	"context"
	"math/rand"
	"time"
)

// A challengeRound is one target of a started game: the panorama shown to
// players and the coordinates their guesses are scored against. Locations
// are stored [lon, lat], matching GeoJSON order.
type challengeRound struct {
	ID       string     `json:"id"`
	Location [2]float64 `json:"location"`
}

var globalHalfWidths = []float64{0.25, 0.6, 1.2, 2.0}

// halfWidthTiers are unlocked cumulatively per polygon-mode pass, so early
// passes stay close to their centers and later passes cast a wider net.
var halfWidthTiers = [][]float64{
	{0.1, 0.18, 0.25, 0.35, 0.5},
	{0.6, 0.8, 1.0},
	{1.3, 1.6, 2.0},
	{2.5, 3.5},
	{5, 6.5, 8},
}

const (
	maxGenerationPasses     = 5
	globalAttemptMultiplier = 80
)

// generator assembles the target rounds for a game by sampling the region
// and probing the imagery catalog.
type generator struct {
	cfg     *Config
	imagery *imageryClient
	rng     *rand.Rand
}

func newGenerator(cfg *Config, imagery *imageryClient, rng *rand.Rand) *generator {
	return &generator{cfg: cfg, imagery: imagery, rng: rng}
}

// emitProgress pushes the running count without ever blocking generation;
// a slow or absent consumer just misses updates.
func emitProgress(progress chan<- int, found int) {
	if progress == nil {
		return
	}
	select {
	case progress <- found:
	default:
	}
}

// generate collects up to count challenge rounds inside the polygon, or
// worldwide when the polygon is nil. It may return fewer rounds than asked
// for when coverage is sparse; the caller decides whether that is fatal.
func (g *generator) generate(ctx context.Context, polygon *geoFeature, count int, progress chan<- int) []challengeRound {
	if g.imagery.token == "" {
		logf(g.cfg, "GEN: No imagery access token configured, cannot generate a challenge")
		return nil
	}

	if polygon == nil {
		return g.generateGlobal(ctx, count, progress)
	}
	return g.generatePolygon(ctx, polygon, count, progress)
}

func (g *generator) generateGlobal(ctx context.Context, count int, progress chan<- int) []challengeRound {
	r := newRegion(nil)
	results := make([]challengeRound, 0, count)

	pause := func(hit bool) {
		if hit {
			sleepCtx(ctx, g.cfg.hitDelay)
		}
	}

	attempts := 0
	for len(results) < count && attempts < count*globalAttemptMultiplier && ctx.Err() == nil {
		attempts++

		lon, lat := r.randomPoint(g.rng)
		if lat > maxSampleLatitude || lat < minSampleLatitude {
			continue
		}

		found, ok := g.imagery.locate(ctx, g.rng, r, lon, lat, globalHalfWidths, pause)
		if !ok {
			continue
		}

		results = append(results, challengeRound{ID: found.ID, Location: [2]float64{found.Lon, found.Lat}})
		emitProgress(progress, len(results))
		logf(g.cfg, "GEN: Found panorama %d/%d after %d attempts", len(results), count, attempts)
	}

	return results
}

func (g *generator) generatePolygon(ctx context.Context, polygon *geoFeature, count int, progress chan<- int) []challengeRound {
	r := newRegion(polygon)
	results := make([]challengeRound, 0, count)

	pause := func(hit bool) {
		if hit {
			sleepCtx(ctx, g.cfg.hitDelay)
		} else {
			sleepCtx(ctx, g.cfg.missDelay)
		}
	}

	for pass := 0; len(results) < count && pass < maxGenerationPasses && ctx.Err() == nil; pass++ {
		remaining := count - len(results)

		candidates := sampleCandidates(g.rng, r, remaining)
		centers := selectSpreadCenters(g.rng, candidates, remaining)

		halfWidths := make([]float64, 0)
		for _, tier := range halfWidthTiers[:min(pass+1, len(halfWidthTiers))] {
			halfWidths = append(halfWidths, tier...)
		}

		logf(g.cfg, "GEN: Pass %d, %d remaining, probing %d centers", pass, remaining, len(centers))

		for _, center := range centers {
			if len(results) >= count || ctx.Err() != nil {
				break
			}

			found, ok := g.imagery.locate(ctx, g.rng, r, center[0], center[1], halfWidths, pause)
			if !ok {
				continue
			}

			results = append(results, challengeRound{ID: found.ID, Location: [2]float64{found.Lon, found.Lat}})
			emitProgress(progress, len(results))
			logf(g.cfg, "GEN: Found panorama %d/%d in pass %d", len(results), count, pass)
		}
	}

	if len(results) < count {
		logf(g.cfg, "GEN: Insufficient coverage, found %d/%d", len(results), count)
	}

	return results
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
