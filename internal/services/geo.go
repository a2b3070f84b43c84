package services

import (
	"math"

	"nearby-safety-backend/internal/models"
)

// earthRadiusMeters is the IUGG mean earth radius
const earthRadiusMeters = 6371008.8

const metersPerDegreeLat = 111320.0

// HaversineMeters returns the great-circle distance between two points
func HaversineMeters(a, b models.GeoPoint) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// ValidCoordinates reports whether lat/lon are finite and in range
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// boundingBox returns the lat/lon deltas in degrees covering radius around lat
func boundingBox(lat, radiusMeters float64) (dLat, dLon float64) {
	dLat = radiusMeters / metersPerDegreeLat
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 0.01 {
		// near the poles every longitude is close
		return dLat, 180
	}
	dLon = radiusMeters / (metersPerDegreeLat * cos)
	if dLon > 180 {
		dLon = 180
	}
	return dLat, dLon
}
