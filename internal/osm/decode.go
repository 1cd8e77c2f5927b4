package osm

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"

	posm "github.com/paulmach/osm"
)

// Decode parses an Overpass response body. The JSON "elements" layout and
// OSM XML are both accepted; the format is sniffed from the first byte.
func Decode(body []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &Result{}, nil
	}
	if trimmed[0] == '<' {
		return decodeXML(trimmed)
	}
	return decodeJSON(trimmed)
}

type jsonElement struct {
	Type    Kind              `json:"type"`
	ID      int64             `json:"id"`
	Lat     float64           `json:"lat"`
	Lon     float64           `json:"lon"`
	Nodes   []int64           `json:"nodes"`
	Members []Member          `json:"members"`
	Tags    map[string]string `json:"tags"`
}

func decodeJSON(body []byte) (*Result, error) {
	var doc struct {
		Remark   string        `json:"remark"`
		Elements []jsonElement `json:"elements"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("error decoding overpass json: %w", err)
	}
	if doc.Remark != "" && len(doc.Elements) == 0 {
		// overpass reports runtime errors (timeouts, memory) as a remark
		return nil, fmt.Errorf("overpass runtime error: %s", doc.Remark)
	}

	r := &Result{}
	seen := make(map[string]bool, len(doc.Elements))
	for _, e := range doc.Elements {
		key := Locator(e.Type, e.ID)
		// "out skel" after "out body" may repeat an element without tags
		if seen[key] {
			continue
		}
		seen[key] = true

		switch e.Type {
		case KindNode:
			r.Nodes = append(r.Nodes, &Node{ID: e.ID, Lat: e.Lat, Lon: e.Lon, Tags: e.Tags})
		case KindWay:
			r.Ways = append(r.Ways, &Way{ID: e.ID, NodeIDs: e.Nodes, Tags: e.Tags})
		case KindRelation:
			r.Relations = append(r.Relations, &Relation{ID: e.ID, Tags: e.Tags, Members: e.Members})
		}
	}
	return r, nil
}

func decodeXML(body []byte) (*Result, error) {
	var doc posm.OSM
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("error decoding overpass xml: %w", err)
	}

	r := &Result{}
	seenNodes := make(map[int64]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		id := int64(n.ID)
		if seenNodes[id] {
			continue
		}
		seenNodes[id] = true
		r.Nodes = append(r.Nodes, &Node{ID: id, Lat: n.Lat, Lon: n.Lon, Tags: tagMap(n.Tags)})
	}

	for _, w := range doc.Ways {
		ids := make([]int64, len(w.Nodes))
		for i, wn := range w.Nodes {
			ids[i] = int64(wn.ID)
		}
		r.Ways = append(r.Ways, &Way{ID: int64(w.ID), NodeIDs: ids, Tags: tagMap(w.Tags)})
	}

	for _, rel := range doc.Relations {
		members := make([]Member, len(rel.Members))
		for i, m := range rel.Members {
			members[i] = Member{Kind: Kind(m.Type), Ref: m.Ref, Role: m.Role}
		}
		r.Relations = append(r.Relations, &Relation{ID: int64(rel.ID), Tags: tagMap(rel.Tags), Members: members})
	}
	return r, nil
}

func tagMap(tags posm.Tags) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	return tags.Map()
}
