package ais

import "math"

// EarthRadius is the mean earth radius in meters.
const EarthRadius = 6371000.0

// Position is a WGS84 latitude/longitude pair in degrees.
type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// DistanceTo returns the great-circle distance to o in meters.
func (p Position) DistanceTo(o Position) float64 {
	lat1 := p.Latitude * math.Pi / 180
	lat2 := o.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (o.Longitude - p.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Valid reports whether the coordinates are inside their legal ranges.
func (p Position) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}
