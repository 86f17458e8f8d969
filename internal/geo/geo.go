// Package geo resolves ZIP codes to centroids and measures great-circle
// distance between coordinates.
package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/carecost/carecost/internal/dataset"
)

var ErrNotFound = errors.New("geo: zip code not found")

const EarthRadiusKM = 6371.0

const kmPerMile = 1.609344

// DistanceKM is the haversine distance between two points.
func DistanceKM(a, b dataset.Coordinates) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	deltaLat := toRadians(b.Latitude - a.Latitude)
	deltaLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	if h > 1 {
		h = 1
	}

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKM * c
}

func KMToMiles(km float64) float64 {
	return km / kmPerMile
}

// Resolver is an immutable ZIP centroid lookup, safe for concurrent use.
type Resolver struct {
	zips map[string]dataset.ZipLocation
}

func NewResolver(locations []dataset.ZipLocation) (*Resolver, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("zip reference data is empty")
	}
	zips := make(map[string]dataset.ZipLocation, len(locations))
	for _, loc := range locations {
		zip := strings.TrimSpace(loc.ZIP)
		if zip == "" {
			continue
		}
		if math.Abs(loc.Latitude) > 90 || math.Abs(loc.Longitude) > 180 {
			return nil, fmt.Errorf("zip %s has invalid coordinates (%f, %f)", zip, loc.Latitude, loc.Longitude)
		}
		loc.ZIP = zip
		zips[zip] = loc
	}
	if len(zips) == 0 {
		return nil, fmt.Errorf("zip reference data has no usable rows")
	}
	return &Resolver{zips: zips}, nil
}

// Load reads the full ZIP table once. An empty table is an error since
// every radius search would otherwise fail as unresolvable.
func Load(ctx context.Context, source dataset.ZipSource) (*Resolver, error) {
	if source == nil {
		return nil, fmt.Errorf("zip source is required")
	}
	locations, err := source.ListZipLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load zip locations: %w", err)
	}
	return NewResolver(locations)
}

func (r *Resolver) Resolve(zip string) (dataset.ZipLocation, error) {
	loc, ok := r.zips[strings.TrimSpace(zip)]
	if !ok {
		return dataset.ZipLocation{}, fmt.Errorf("%w: %q", ErrNotFound, zip)
	}
	return loc, nil
}

func (r *Resolver) Len() int {
	return len(r.zips)
}

// BoundingBox returns a latitude/longitude window that contains every point
// within radiusKM of center. It returns nil when the window would wrap a pole
// or the antimeridian, in which case callers must not prefilter spatially.
func BoundingBox(center dataset.Coordinates, radiusKM float64) *dataset.BoundingBox {
	if radiusKM <= 0 {
		return nil
	}
	angular := radiusKM / EarthRadiusKM
	if angular >= math.Pi/2 {
		return nil
	}
	const margin = 1.0001

	deltaLat := toDegrees(angular) * margin
	minLat := center.Latitude - deltaLat
	maxLat := center.Latitude + deltaLat
	if minLat <= -90 || maxLat >= 90 {
		return nil
	}

	cosLat := math.Cos(toRadians(center.Latitude))
	ratio := math.Sin(angular) / cosLat
	if cosLat <= 0 || ratio >= 1 {
		return nil
	}
	deltaLon := toDegrees(math.Asin(ratio)) * margin
	minLon := center.Longitude - deltaLon
	maxLon := center.Longitude + deltaLon
	if minLon < -180 || maxLon > 180 {
		return nil
	}

	return &dataset.BoundingBox{
		MinLatitude:  minLat,
		MaxLatitude:  maxLat,
		MinLongitude: minLon,
		MaxLongitude: maxLon,
	}
}

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

func toDegrees(radians float64) float64 {
	return radians * 180 / math.Pi
}
