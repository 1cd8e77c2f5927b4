package creator

import (
	"strconv"

	"osm2gtfs.dev/internal/model"
	"osm2gtfs.dev/internal/osm"
)

func init() {
	Register("accra", func() Strategy { return accra{} })
	Register("cr_gam", func() Strategy { return crGam{} })
}

// accra has no stop_area relations to work with; stops that share a name
// within 500 m are grouped instead, and stop ids are plain element ids.
type accra struct{ Default }

func (accra) Name() string { return "accra" }

func (accra) DefineStopID(stop model.StopLike) string {
	return strconv.FormatInt(stop.Base().ID, 10)
}

func (accra) GroupStops() (float64, string) { return 500, "SA" }

// crGam uses plain ids for stops and an "SA" prefix for stop areas.
type crGam struct{ Default }

func (crGam) Name() string { return "cr_gam" }

func (crGam) DefineStopID(stop model.StopLike) string {
	e := stop.Base()
	id := strconv.FormatInt(e.ID, 10)
	if e.Kind == osm.KindRelation {
		return "SA" + id
	}
	return id
}

func (crGam) DefineRouteColor(*model.Line) string { return "FF0000" }

func (crGam) DefineRouteTextColor(*model.Line) string { return "FFFFFF" }
