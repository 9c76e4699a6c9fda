package main

import (
	"math"
)

const earthRadiusMeters = 6371000.0

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}

// distanceMeters returns the haversine great-circle distance in meters
// between two WGS84 points given in degrees.
func distanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	a := sinLat*sinLat + math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*sinLon*sinLon
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// scorePoints converts a guess distance into points. Guesses within the
// grace radius earn the full amount; beyond it the score decays
// exponentially with the excess distance. Grace and falloff are configured
// in kilometers.
func scorePoints(distance float64, graceKm, falloffKm float64, maxPoints int) int {
	grace := graceKm * 1000
	falloff := falloffKm * 1000

	if distance <= grace {
		return maxPoints
	}
	if falloff <= 0 {
		return 0
	}

	beyond := distance - grace
	points := int(math.Round(float64(maxPoints) * math.Exp(-beyond/falloff)))
	if points < 0 {
		return 0
	}
	return points
}
