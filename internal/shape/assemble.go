// Package shape stitches the member ways of an itinerary into one polyline.
package shape

import (
	"fmt"
	"slices"

	"osm2gtfs.dev/internal/geo"
)

// Segment is one way of an itinerary with its node ids in way order.
type Segment struct {
	ID      int64
	NodeIDs []int64
}

// Discontinuity identifies the segment at which a chain broke.
type Discontinuity struct {
	Itinerary string
	Segment   int64
}

func (d *Discontinuity) Error() string {
	return fmt.Sprintf("itinerary %s: way/%d does not connect to the chain", d.Itinerary, d.Segment)
}

// Result is an assembled shape.
type Result struct {
	Points  []geo.Point
	NodeIDs []int64
	// Discontinuity is set when a segment did not connect; Points then
	// covers only the chain built before it.
	Discontinuity *Discontinuity
	// MissingNodes lists chain nodes without coordinates; they are left out of Points.
	MissingNodes []int64
}

// Assemble merges segments in the given order. Each segment must attach to
// the head or tail of the chain built so far, in either orientation. The
// first one that does not stops the merge.
func Assemble(itinerary string, segments []Segment, coords map[int64]geo.Point) Result {
	var res Result
	var chain []int64

	for _, seg := range segments {
		if len(seg.NodeIDs) == 0 {
			continue
		}
		if len(chain) == 0 {
			chain = append(chain, seg.NodeIDs...)
			continue
		}

		first, last := seg.NodeIDs[0], seg.NodeIDs[len(seg.NodeIDs)-1]
		head, tail := chain[0], chain[len(chain)-1]

		switch {
		case tail == first:
			chain = append(chain, seg.NodeIDs[1:]...)
		case tail == last:
			chain = append(chain, reversed(seg.NodeIDs)[1:]...)
		case head == first:
			slices.Reverse(chain)
			chain = append(chain, seg.NodeIDs[1:]...)
		case head == last:
			slices.Reverse(chain)
			chain = append(chain, reversed(seg.NodeIDs)[1:]...)
		default:
			res.Discontinuity = &Discontinuity{Itinerary: itinerary, Segment: seg.ID}
		}
		if res.Discontinuity != nil {
			break
		}
	}

	res.NodeIDs = chain
	res.Points = make([]geo.Point, 0, len(chain))
	for _, id := range chain {
		p, ok := coords[id]
		if !ok {
			res.MissingNodes = append(res.MissingNodes, id)
			continue
		}
		res.Points = append(res.Points, p)
	}
	return res
}

func reversed(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Reverse(out)
	return out
}
