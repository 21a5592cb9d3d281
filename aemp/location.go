package aemp

import "encoding/json"

// ExtractLocation pulls coordinates out of an arbitrary received payload.
// Two shapes are recognized: a standard position report on PositionPort, and
// a "gps" object embedded in an AERP payload on any port. Both shapes may
// carry either integer micro-degree fields (latitudeI/longitudeI, degrees
// times 1e7) or plain float latitude/longitude. Out-of-range coordinates are
// rejected; ok=false means no usable location.
func ExtractLocation(port uint16, payload []byte) (lat float64, lon float64, ok bool) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return 0, 0, false
	}

	if port == PositionPort {
		if lat, lon, ok = coordsFrom(fields); ok {
			return lat, lon, true
		}
	}

	if gps, found := fields["gps"].(map[string]any); found {
		if lat, lon, ok = coordsFrom(gps); ok {
			return lat, lon, true
		}
	}

	return 0, 0, false
}

func coordsFrom(fields map[string]any) (float64, float64, bool) {
	// integer micro-degrees take precedence over the float form
	if latI, okLat := asFloat(fields["latitudeI"]); okLat {
		if lonI, okLon := asFloat(fields["longitudeI"]); okLon {
			return validateCoords(latI/1e7, lonI/1e7)
		}
	}
	if lat, okLat := asFloat(fields["latitude"]); okLat {
		if lon, okLon := asFloat(fields["longitude"]); okLon {
			return validateCoords(lat, lon)
		}
	}
	return 0, 0, false
}

func validateCoords(lat float64, lon float64) (float64, float64, bool) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64) // encoding/json decodes all numbers as float64
	return f, ok
}
