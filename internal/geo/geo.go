// Package geo buckets coordinates into fixed-precision geohash cells and
// expands cells into k-rings for proximity search.
package geo

import (
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/driver-dispatch/internal/models"
)

// DefaultPrecision gives cells of roughly 153m x 153m. Every stored cell id
// depends on it, so changing it requires re-indexing all records.
const DefaultPrecision = 7

const earthRadiusKm = 6371.0

// Indexer maps coordinates to cells at a single precision.
type Indexer struct {
	Precision uint
}

func NewIndexer(precision uint) Indexer {
	if precision == 0 || precision > 12 {
		precision = DefaultPrecision
	}
	return Indexer{Precision: precision}
}

// ValidateCoord rejects NaN, infinities and out-of-range values.
func ValidateCoord(lat, lng float64) error {
	if !models.ValidCoord(lat, lng) {
		return fmt.Errorf("lat=%v lng=%v: %w", lat, lng, models.ErrInvalidCoordinate)
	}
	return nil
}

// CellFor returns the cell containing (lat, lng).
func (ix Indexer) CellFor(lat, lng float64) (string, error) {
	if err := ValidateCoord(lat, lng); err != nil {
		return "", err
	}
	return geohash.EncodeWithPrecision(lat, lng, ix.precision()), nil
}

// RingAround returns every cell within k neighbour steps of cell, the cell
// itself first. Diagonal cells count as one step.
func (ix Indexer) RingAround(cell string, k int) ([]string, error) {
	if k < 0 {
		return nil, fmt.Errorf("k=%d: %w", k, models.ErrInvalidRadius)
	}
	if err := ix.ValidateCell(cell); err != nil {
		return nil, err
	}

	seen := map[string]struct{}{cell: {}}
	out := []string{cell}
	frontier := []string{cell}
	for step := 0; step < k && len(frontier) > 0; step++ {
		next := make([]string, 0, 8*len(frontier))
		for _, c := range frontier {
			for _, n := range geohash.Neighbors(c) {
				if _, ok := seen[n]; ok {
					continue
				}
				seen[n] = struct{}{}
				out = append(out, n)
				next = append(next, n)
			}
		}
		frontier = next
	}
	return out, nil
}

// ValidateCell checks that cell is a geohash at the indexer's precision.
func (ix Indexer) ValidateCell(cell string) error {
	if uint(len(cell)) != ix.precision() {
		return fmt.Errorf("cell %q: want precision %d", cell, ix.precision())
	}
	if err := geohash.Validate(cell); err != nil {
		return fmt.Errorf("cell %q: %w", cell, err)
	}
	return nil
}

// CellCenter returns the centre of a cell.
func CellCenter(cell string) models.Coord {
	lat, lng := geohash.DecodeCenter(cell)
	return models.Coord{Lat: lat, Lng: lng}
}

func (ix Indexer) precision() uint {
	if ix.Precision == 0 {
		return DefaultPrecision
	}
	return ix.Precision
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return HaversineKm(lat1, lon1, lat2, lon2) * 1000
}

// HaversineKm is the great-circle distance in kilometres on a sphere of
// radius 6371 km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
