// Package osm models the raw result of an Overpass query and fetches it.
//
// A Result keeps elements in the order the query returned them; the
// topology and station builders depend on that order being stable.
package osm

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the OpenStreetMap element type.
type Kind string

const (
	KindNode     Kind = "node"
	KindWay      Kind = "way"
	KindRelation Kind = "relation"
)

// Valid reports whether k is one of the three OSM element types.
func (k Kind) Valid() bool {
	return k == KindNode || k == KindWay || k == KindRelation
}

// Locator returns the canonical "<kind>/<id>" reference of an element.
func Locator(kind Kind, id int64) string {
	return string(kind) + "/" + strconv.FormatInt(id, 10)
}

// ParseLocator splits a "<kind>/<id>" reference.
func ParseLocator(locator string) (Kind, int64, error) {
	kind, id, found := strings.Cut(locator, "/")
	if !found {
		return "", 0, fmt.Errorf("malformed locator %q", locator)
	}
	k := Kind(kind)
	if !k.Valid() {
		return "", 0, fmt.Errorf("unknown element kind in locator %q", locator)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed id in locator %q: %w", locator, err)
	}
	return k, n, nil
}

// URL returns the browsable osm.org address of a locator.
func URL(locator string) string {
	return "https://osm.org/" + locator
}

type Node struct {
	ID   int64             `json:"id"`
	Lat  float64           `json:"lat"`
	Lon  float64           `json:"lon"`
	Tags map[string]string `json:"tags,omitempty"`
}

type Way struct {
	ID      int64             `json:"id"`
	NodeIDs []int64           `json:"nodes"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Member is one ordered entry of a relation.
type Member struct {
	Kind Kind   `json:"type"`
	Ref  int64  `json:"ref"`
	Role string `json:"role"`
}

// Locator returns the member's element reference.
func (m Member) Locator() string {
	return Locator(m.Kind, m.Ref)
}

type Relation struct {
	ID      int64             `json:"id"`
	Tags    map[string]string `json:"tags,omitempty"`
	Members []Member          `json:"members"`
}

// Result is an Overpass result set. Slices hold query order; lookups go
// through the lazily built indexes.
type Result struct {
	Nodes     []*Node     `json:"nodes"`
	Ways      []*Way      `json:"ways"`
	Relations []*Relation `json:"relations"`

	nodeIndex     map[int64]*Node
	wayIndex      map[int64]*Way
	relationIndex map[int64]*Relation
}

// IsEmpty reports whether the result carries no elements at all.
func (r *Result) IsEmpty() bool {
	return r == nil || len(r.Nodes)+len(r.Ways)+len(r.Relations) == 0
}

func (r *Result) index() {
	if r.nodeIndex != nil {
		return
	}
	r.nodeIndex = make(map[int64]*Node, len(r.Nodes))
	for _, n := range r.Nodes {
		r.nodeIndex[n.ID] = n
	}
	r.wayIndex = make(map[int64]*Way, len(r.Ways))
	for _, w := range r.Ways {
		r.wayIndex[w.ID] = w
	}
	r.relationIndex = make(map[int64]*Relation, len(r.Relations))
	for _, rel := range r.Relations {
		r.relationIndex[rel.ID] = rel
	}
}

func (r *Result) Node(id int64) (*Node, bool) {
	r.index()
	n, ok := r.nodeIndex[id]
	return n, ok
}

func (r *Result) Way(id int64) (*Way, bool) {
	r.index()
	w, ok := r.wayIndex[id]
	return w, ok
}

func (r *Result) Relation(id int64) (*Relation, bool) {
	r.index()
	rel, ok := r.relationIndex[id]
	return rel, ok
}

// Merge appends the elements of other that r does not already hold.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.index()
	for _, n := range other.Nodes {
		if _, ok := r.nodeIndex[n.ID]; !ok {
			r.Nodes = append(r.Nodes, n)
			r.nodeIndex[n.ID] = n
		}
	}
	for _, w := range other.Ways {
		if _, ok := r.wayIndex[w.ID]; !ok {
			r.Ways = append(r.Ways, w)
			r.wayIndex[w.ID] = w
		}
	}
	for _, rel := range other.Relations {
		if _, ok := r.relationIndex[rel.ID]; !ok {
			r.Relations = append(r.Relations, rel)
			r.relationIndex[rel.ID] = rel
		}
	}
}
