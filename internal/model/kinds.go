package model

// VehicleKind is the mode of a Line. The values equal the GTFS route_type codes.
type VehicleKind int

const (
	Tram VehicleKind = iota
	Subway
	Rail
	Bus
	Ferry
)

var vehicleNames = map[VehicleKind]string{
	Tram:   "tram",
	Subway: "subway",
	Rail:   "rail",
	Bus:    "bus",
	Ferry:  "ferry",
}

func (v VehicleKind) String() string {
	if s, ok := vehicleNames[v]; ok {
		return s
	}
	return "unknown"
}

// RouteType returns the GTFS route_type code.
func (v VehicleKind) RouteType() int {
	return int(v)
}

// ParseVehicleKind maps a route or route_master tag value to a VehicleKind.
func ParseVehicleKind(tag string) (VehicleKind, bool) {
	switch tag {
	case "tram", "light_rail":
		return Tram, true
	case "subway":
		return Subway, true
	case "train":
		return Rail, true
	case "bus", "trolleybus":
		return Bus, true
	case "ferry":
		return Ferry, true
	default:
		return Bus, false
	}
}

// LocationKind is the GTFS location_type of a stop.
type LocationKind int

const (
	RegularStop     LocationKind = 0
	StationLocation LocationKind = 1
)
