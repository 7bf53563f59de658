// Package fraud scores a proposed hop against its predecessor for physical plausibility.
package fraud

import (
	"math"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/custody-trace/internal/model"
)

const (
	earthRadiusKM = 6371.0

	// Speed is only checked for hops longer than this.
	impossibleTravelMinKM = 5.0
	impossibleTravelKMH   = 1500.0

	simultaneousScanMinKM   = 100.0
	simultaneousScanMaxSecs = 10 * 60
)

// ParseLocation parses a "lat,lon" string into a point (X=lon, Y=lat).
// It returns false for free text or anything that is not exactly two floats.
func ParseLocation(s string) (*geom.Point, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || math.IsNaN(lat) {
		return nil, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || math.IsNaN(lon) {
		return nil, false
	}
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}), true
}

// DistanceKM returns the haversine great-circle distance between two points in kilometers.
func DistanceKM(a, b *geom.Point) float64 {
	lat1, lon1 := a.Y()*math.Pi/180, a.X()*math.Pi/180
	lat2, lon2 := b.Y()*math.Pi/180, b.X()*math.Pi/180
	dLat := lat2 - lat1
	dLon := lon2 - lon1

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Assessment holds the measurements behind a detection.
type Assessment struct {
	DistanceKM  float64
	ElapsedSecs int64
	SpeedKMH    float64
	Flags       []string
}

// Assess measures the transfer from prev to (location, timestamp). It returns
// false when there is no baseline or either location is not a coordinate pair.
func Assess(prev *model.Hop, location string, timestamp int64) (Assessment, bool) {
	if prev == nil || prev.Location == "" {
		return Assessment{}, false
	}
	from, ok := ParseLocation(prev.Location)
	if !ok {
		return Assessment{}, false
	}
	to, ok := ParseLocation(location)
	if !ok {
		return Assessment{}, false
	}

	a := Assessment{DistanceKM: DistanceKM(from, to)}
	a.ElapsedSecs = timestamp - prev.Timestamp
	if a.ElapsedSecs <= 0 {
		a.ElapsedSecs = 1
	}
	hours := float64(a.ElapsedSecs) / 3600
	a.SpeedKMH = a.DistanceKM / hours

	a.Flags = []string{}
	if a.DistanceKM > impossibleTravelMinKM && a.SpeedKMH > impossibleTravelKMH {
		a.Flags = append(a.Flags, model.FlagImpossibleTravel)
	}
	if a.DistanceKM > simultaneousScanMinKM && a.ElapsedSecs < simultaneousScanMaxSecs {
		a.Flags = append(a.Flags, model.FlagSimultaneousScan)
	}
	return a, true
}

// Detect returns the anomaly flags for a proposed hop. Missing or malformed
// data yields an empty set: it only means the check cannot run.
func Detect(prev *model.Hop, location string, timestamp int64) []string {
	a, ok := Assess(prev, location, timestamp)
	if !ok {
		return []string{}
	}
	if len(a.Flags) > 0 {
		zap.L().Warn("fraud: anomaly detected",
			zap.Strings("flags", a.Flags),
			zap.Float64("distance_km", a.DistanceKM),
			zap.Int64("elapsed_secs", a.ElapsedSecs),
			zap.Float64("speed_kmh", a.SpeedKMH),
		)
	}
	return a.Flags
}
