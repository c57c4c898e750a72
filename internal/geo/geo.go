// Package geo matches cities to nearby measurement stations.
package geo

import (
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/worldaq/internal/models"
)

// RecencyYears is how far back a station's last report may be for it to be
// considered active.
const RecencyYears = 2

// Haversine returns the great-circle distance in km between two coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371 // Earth radius in km

	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return R * c
}

// Matcher answers nearest-station queries over an immutable set of eligible
// stations.
type Matcher struct {
	stations []models.Station
}

// NewMatcher keeps only stations with usable coordinates whose last report
// falls on or after January 1 of (current year - RecencyYears). Catalog order
// is preserved for tie-breaking.
func NewMatcher(stations []models.Station, clock clockwork.Clock) *Matcher {
	cutoff := ActiveCutoff(clock.Now())
	eligible := make([]models.Station, 0, len(stations))
	for _, st := range stations {
		if !validCoordinate(st.Latitude, st.Longitude) {
			continue
		}
		if st.LastActive.IsZero() || st.LastActive.Before(cutoff) {
			continue
		}
		eligible = append(eligible, st)
	}
	return &Matcher{stations: eligible}
}

// ActiveCutoff returns the earliest last-active date still considered current.
func ActiveCutoff(now time.Time) time.Time {
	return time.Date(now.Year()-RecencyYears, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// Len returns the number of eligible stations.
func (m *Matcher) Len() int {
	return len(m.stations)
}

// FindNearest returns up to n eligible stations strictly closer than
// maxDistanceKM, nearest first. A non-positive maxDistanceKM means no limit.
// Stations at equal distance keep catalog order.
func (m *Matcher) FindNearest(lat, lon float64, n int, maxDistanceKM float64) []models.StationCandidate {
	if n <= 0 || !validCoordinate(lat, lon) {
		return nil
	}
	if maxDistanceKM <= 0 {
		maxDistanceKM = math.Inf(1)
	}

	var candidates []models.StationCandidate
	for _, st := range m.stations {
		d := Haversine(lat, lon, st.Latitude, st.Longitude)
		if d >= maxDistanceKM {
			continue
		}
		candidates = append(candidates, models.StationCandidate{Station: st, DistanceKM: d})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DistanceKM < candidates[j].DistanceKM
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
