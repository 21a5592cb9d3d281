// Package geo computes great-circle distances between mesh nodes.
package geo

import "math"

const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance in meters between two points
// given in decimal degrees, using the Haversine formula. Coordinates outside
// the valid latitude/longitude ranges (or NaN) yield +Inf rather than an
// error; callers treat an infinite distance as "never in range".
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	if !validLat(lat1) || !validLat(lat2) || !validLon(lon1) || !validLon(lon2) {
		return math.Inf(1)
	}

	rad_lat1 := lat1 * math.Pi / 180
	rad_lat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rad_lat1)*math.Cos(rad_lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

func validLat(lat float64) bool {
	return lat >= -90 && lat <= 90
}

func validLon(lon float64) bool {
	return lon >= -180 && lon <= 180
}
