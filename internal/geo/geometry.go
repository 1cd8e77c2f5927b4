// Package geo holds the pure geometry used by shape building and station grouping.
package geo

import (
	"math"

	"github.com/twpayne/go-polyline"
)

const (
	// RadiusOfEarthInMeters is the mean radius used for great-circle distances.
	RadiusOfEarthInMeters = 6371000.0

	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
)

// Point is a WGS84 coordinate pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// CoordinateBounds represents a bounding box with min/max latitude and longitude
type CoordinateBounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains reports whether p lies inside the bounds, edges included.
func (b CoordinateBounds) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Centroid returns the spherical centroid of points: each point is projected to
// a unit vector, the vectors are averaged and the mean is projected back.
// Unlike an arithmetic mean of degrees this stays correct across the antimeridian.
// ok is false for an empty input.
func Centroid(points []Point) (center Point, ok bool) {
	if len(points) == 0 {
		return Point{}, false
	}

	var x, y, z float64
	for _, p := range points {
		lat := p.Lat * degToRad
		lon := p.Lon * degToRad
		x += math.Cos(lat) * math.Cos(lon)
		y += math.Cos(lat) * math.Sin(lon)
		z += math.Sin(lat)
	}
	n := float64(len(points))
	x, y, z = x/n, y/n, z/n

	lon := math.Atan2(y, x)
	hyp := math.Sqrt(x*x + y*y)
	lat := math.Atan2(z, hyp)

	return Point{Lat: lat * radToDeg, Lon: lon * radToDeg}, true
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * degToRad
	lat2 := b.Lat * degToRad
	dLat := (b.Lat - a.Lat) * degToRad
	dLon := (b.Lon - a.Lon) * degToRad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * RadiusOfEarthInMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Distance calculates the distance between two points on the Earth.
// Spans under 0.2 degrees use an equirectangular approximation, which is
// accurate to well under a meter at stop-to-stop scale.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	if math.Abs(lat2-lat1) < 0.2 && math.Abs(lon2-lon1) < 0.2 {
		x := (lon2 - lon1) * degToRad * math.Cos((lat1+lat2)/2*degToRad)
		y := (lat2 - lat1) * degToRad
		return RadiusOfEarthInMeters * math.Sqrt(x*x+y*y)
	}
	return Haversine(Point{Lat: lat1, Lon: lon1}, Point{Lat: lat2, Lon: lon2})
}

// PathLength sums the great-circle length of consecutive points.
func PathLength(points []Point) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Haversine(points[i-1], points[i])
	}
	return total
}

// CalculateBounds returns the box enclosing a circle of radius meters around lat/lon.
func CalculateBounds(lat, lon, radius float64) CoordinateBounds {
	latRad := lat * degToRad
	latOffset := radius / RadiusOfEarthInMeters
	lonOffset := radius / (math.Cos(latRad) * RadiusOfEarthInMeters)

	return CoordinateBounds{
		MinLat: lat - latOffset*radToDeg,
		MaxLat: lat + latOffset*radToDeg,
		MinLon: lon - lonOffset*radToDeg,
		MaxLon: lon + lonOffset*radToDeg,
	}
}

// EncodePolyline encodes points with the Google polyline algorithm.
func EncodePolyline(points []Point) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat, p.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline reverses EncodePolyline.
func DecodePolyline(encoded string) ([]Point, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, err
	}
	points := make([]Point, len(coords))
	for i, c := range coords {
		points[i] = Point{Lat: c[0], Lon: c[1]}
	}
	return points, nil
}
