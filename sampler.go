package main

import (
	"math"
	"math/rand"
)

const (
	candidateMultiplier = 6
	candidatePoolCap    = 5000

	// Latitudes beyond these cutoffs are skipped when sampling the whole
	// world, since panorama coverage near the poles is effectively zero.
	maxSampleLatitude = 75.0
	minSampleLatitude = -60.0
)

// region is the area challenge targets are drawn from: either an explicit
// polygon or the whole world.
type region struct {
	polygon *geoFeature
	box     boundingBox
}

func newRegion(polygon *geoFeature) region {
	if polygon == nil {
		return region{box: worldBox}
	}
	return region{polygon: polygon, box: polygon.bbox()}
}

func (r region) randomPoint(rng *rand.Rand) (lon, lat float64) {
	lon = rng.Float64()*(r.box.maxLon-r.box.minLon) + r.box.minLon
	lat = rng.Float64()*(r.box.maxLat-r.box.minLat) + r.box.minLat
	return lon, lat
}

// sampleCandidates draws uniformly-random points inside the region's
// bounding box, rejecting points outside the polygon, until the candidate
// pool for k centers is full. The pool may come up short if the polygon
// covers a tiny fraction of its bounding box.
func sampleCandidates(rng *rand.Rand, r region, k int) [][2]float64 {
	target := min(candidatePoolCap, max(k*candidateMultiplier, k))

	candidates := make([][2]float64, 0, target)
	for attempts := 0; len(candidates) < target && attempts < target*200; attempts++ {
		lon, lat := r.randomPoint(rng)
		if r.polygon != nil && !r.polygon.contains(lon, lat) {
			continue
		}
		candidates = append(candidates, [2]float64{lon, lat})
	}
	return candidates
}

// selectSpreadCenters picks up to k well-separated centers from the
// candidate pool via greedy farthest-point sampling: seed with one random
// candidate, then repeatedly take the candidate whose minimum distance to
// the chosen set is largest.
func selectSpreadCenters(rng *rand.Rand, candidates [][2]float64, k int) [][2]float64 {
	if len(candidates) == 0 || k <= 0 {
		return nil
	}

	pool := make([][2]float64, len(candidates))
	copy(pool, candidates)

	seed := rng.Intn(len(pool))
	centers := [][2]float64{pool[seed]}
	pool = append(pool[:seed], pool[seed+1:]...)

	for len(centers) < k && len(pool) > 0 {
		bestIndex := -1
		bestDistance := -1.0

		for i, candidate := range pool {
			minDistance := math.MaxFloat64
			for _, center := range centers {
				d := distanceMeters(candidate[1], candidate[0], center[1], center[0])
				if d < minDistance {
					minDistance = d
				}
			}
			if minDistance > bestDistance {
				bestDistance = minDistance
				bestIndex = i
			}
		}

		if bestIndex == -1 {
			break
		}
		centers = append(centers, pool[bestIndex])
		pool = append(pool[:bestIndex], pool[bestIndex+1:]...)
	}

	return centers
}
