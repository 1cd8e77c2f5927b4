package shape

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osm2gtfs.dev/internal/geo"
)

func coordsFor(ids ...int64) map[int64]geo.Point {
	out := make(map[int64]geo.Point, len(ids))
	for _, id := range ids {
		out[id] = geo.Point{Lat: float64(id), Lon: float64(id) * 2}
	}
	return out
}

func isPathOrReverse(got, want []int64) bool {
	if slices.Equal(got, want) {
		return true
	}
	rev := slices.Clone(want)
	slices.Reverse(rev)
	return slices.Equal(got, rev)
}

func TestAssemble_AllOrderings(t *testing.T) {
	ab := []int64{1, 2, 3}
	bc := []int64{3, 4, 5}
	want := []int64{1, 2, 3, 4, 5}
	coords := coordsFor(1, 2, 3, 4, 5)

	orient := func(ids []int64, flip bool) []int64 {
		if !flip {
			return ids
		}
		return reversed(ids)
	}

	for _, abFirst := range []bool{true, false} {
		for _, flipAB := range []bool{false, true} {
			for _, flipBC := range []bool{false, true} {
				name := fmt.Sprintf("abFirst=%v/flipAB=%v/flipBC=%v", abFirst, flipAB, flipBC)
				t.Run(name, func(t *testing.T) {
					x := Segment{ID: 10, NodeIDs: orient(ab, flipAB)}
					y := Segment{ID: 11, NodeIDs: orient(bc, flipBC)}
					segs := []Segment{x, y}
					if !abFirst {
						segs = []Segment{y, x}
					}

					res := Assemble("relation/1", segs, coords)
					assert.Nil(t, res.Discontinuity)
					assert.True(t, isPathOrReverse(res.NodeIDs, want), "got %v", res.NodeIDs)
					assert.Len(t, res.Points, 5)
				})
			}
		}
	}
}

func TestAssemble_ReversedSecondSegment(t *testing.T) {
	res := Assemble("relation/1", []Segment{
		{ID: 1, NodeIDs: []int64{1, 2, 3}},
		{ID: 2, NodeIDs: []int64{5, 4, 3}},
	}, coordsFor(1, 2, 3, 4, 5))

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, res.NodeIDs)
	require.Len(t, res.Points, 5)
	assert.Equal(t, geo.Point{Lat: 5, Lon: 10}, res.Points[4])
}

func TestAssemble_LongChain(t *testing.T) {
	res := Assemble("relation/1", []Segment{
		{ID: 1, NodeIDs: []int64{3, 2, 1}},
		{ID: 2, NodeIDs: []int64{3, 4}},
		{ID: 3, NodeIDs: []int64{6, 5, 4}},
		{ID: 4, NodeIDs: []int64{6, 7}},
	}, coordsFor(1, 2, 3, 4, 5, 6, 7))

	assert.Nil(t, res.Discontinuity)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, res.NodeIDs)
}

func TestAssemble_BrokenChain(t *testing.T) {
	res := Assemble("relation/9", []Segment{
		{ID: 1, NodeIDs: []int64{1, 2}},
		{ID: 2, NodeIDs: []int64{5, 6}},
		{ID: 3, NodeIDs: []int64{2, 3}},
	}, coordsFor(1, 2, 3, 5, 6))

	assert.Equal(t, []int64{1, 2}, res.NodeIDs, "merge stops at the first gap")
	require.NotNil(t, res.Discontinuity)
	assert.Equal(t, "relation/9", res.Discontinuity.Itinerary)
	assert.EqualValues(t, 2, res.Discontinuity.Segment)
	assert.Contains(t, res.Discontinuity.Error(), "way/2")
}

func TestAssemble_Idempotent(t *testing.T) {
	segs := []Segment{
		{ID: 1, NodeIDs: []int64{4, 3}},
		{ID: 2, NodeIDs: []int64{3, 2, 1}},
		{ID: 3, NodeIDs: []int64{4, 5}},
	}
	coords := coordsFor(1, 2, 3, 4, 5)

	first := Assemble("relation/1", segs, coords)
	second := Assemble("relation/1", segs, coords)
	assert.Equal(t, first, second)
	assert.Equal(t, []int64{4, 3}, segs[0].NodeIDs, "input is not mutated")
}

func TestAssemble_EdgeCases(t *testing.T) {
	t.Run("no segments", func(t *testing.T) {
		res := Assemble("relation/1", nil, nil)
		assert.Empty(t, res.Points)
		assert.Nil(t, res.Discontinuity)
	})

	t.Run("empty segment ignored", func(t *testing.T) {
		res := Assemble("relation/1", []Segment{{ID: 1}, {ID: 2, NodeIDs: []int64{1, 2}}}, coordsFor(1, 2))
		assert.Equal(t, []int64{1, 2}, res.NodeIDs)
	})

	t.Run("missing coordinates are skipped", func(t *testing.T) {
		res := Assemble("relation/1", []Segment{{ID: 1, NodeIDs: []int64{1, 2, 3}}}, coordsFor(1, 3))
		assert.Len(t, res.Points, 2)
		assert.Equal(t, []int64{2}, res.MissingNodes)
	})
}
