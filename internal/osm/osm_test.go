package osm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osm2gtfs.dev/internal/metrics"
)

const sampleJSON = `{
  "version": 0.6,
  "elements": [
    {"type": "node", "id": 1, "lat": 9.93, "lon": -84.08, "tags": {"highway": "bus_stop", "name": "Central"}},
    {"type": "node", "id": 2, "lat": 9.94, "lon": -84.07},
    {"type": "way", "id": 10, "nodes": [1, 2], "tags": {"highway": "residential"}},
    {"type": "relation", "id": 100, "tags": {"type": "route", "route": "bus", "ref": "10"},
     "members": [
       {"type": "node", "ref": 1, "role": "platform"},
       {"type": "way", "ref": 10, "role": ""}
     ]},
    {"type": "node", "id": 2, "lat": 9.94, "lon": -84.07}
  ]
}`

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="Overpass API">
  <node id="1" lat="9.93" lon="-84.08">
    <tag k="highway" v="bus_stop"/>
    <tag k="name" v="Central"/>
  </node>
  <node id="2" lat="9.94" lon="-84.07"/>
  <way id="10">
    <nd ref="1"/>
    <nd ref="2"/>
    <tag k="highway" v="residential"/>
  </way>
  <relation id="100">
    <member type="node" ref="1" role="platform"/>
    <member type="way" ref="10" role=""/>
    <tag k="type" v="route"/>
    <tag k="ref" v="10"/>
  </relation>
</osm>`

func assertSample(t *testing.T, r *Result) {
	t.Helper()
	require.Len(t, r.Nodes, 2)
	require.Len(t, r.Ways, 1)
	require.Len(t, r.Relations, 1)

	n, ok := r.Node(1)
	require.True(t, ok)
	assert.Equal(t, "Central", n.Tags["name"])
	assert.InDelta(t, 9.93, n.Lat, 1e-9)

	w, ok := r.Way(10)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, w.NodeIDs)

	rel, ok := r.Relation(100)
	require.True(t, ok)
	assert.Equal(t, "10", rel.Tags["ref"])
	require.Len(t, rel.Members, 2)
	assert.Equal(t, Member{Kind: KindNode, Ref: 1, Role: "platform"}, rel.Members[0])
	assert.Equal(t, "way/10", rel.Members[1].Locator())
}

func TestDecode_JSON(t *testing.T) {
	r, err := Decode([]byte(sampleJSON))
	require.NoError(t, err)
	assertSample(t, r)
}

func TestDecode_XML(t *testing.T) {
	r, err := Decode([]byte(sampleXML))
	require.NoError(t, err)
	assertSample(t, r)
}

func TestDecode_EmptyAndErrors(t *testing.T) {
	r, err := Decode([]byte("  "))
	require.NoError(t, err)
	assert.True(t, r.IsEmpty())

	_, err = Decode([]byte(`{"elements": [`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"remark": "runtime error: Query timed out", "elements": []}`))
	assert.ErrorContains(t, err, "timed out")
}

func TestLocator(t *testing.T) {
	assert.Equal(t, "node/42", Locator(KindNode, 42))
	assert.Equal(t, "https://osm.org/relation/7", URL(Locator(KindRelation, 7)))

	kind, id, err := ParseLocator("way/123")
	require.NoError(t, err)
	assert.Equal(t, KindWay, kind)
	assert.EqualValues(t, 123, id)

	for _, bad := range []string{"way", "area/1", "node/x"} {
		_, _, err := ParseLocator(bad)
		assert.Error(t, err, bad)
	}
}

func TestResult_Merge(t *testing.T) {
	a, err := Decode([]byte(sampleJSON))
	require.NoError(t, err)

	b := &Result{Nodes: []*Node{{ID: 1, Lat: 0, Lon: 0}, {ID: 3, Lat: 1, Lon: 1}}}
	a.Merge(b)

	require.Len(t, a.Nodes, 3)
	n, _ := a.Node(1)
	assert.InDelta(t, 9.93, n.Lat, 1e-9, "existing element is kept")
	_, ok := a.Node(3)
	assert.True(t, ok)
}

func TestQueryBuilder(t *testing.T) {
	q := QueryBuilder{
		BBox: BBox{South: 9.8, West: -84.2, North: 10, East: -83.9},
		Tags: map[string][]string{
			"route":   {"bus", "train"},
			"network": {"GAM"},
		},
	}

	assert.Equal(t, "['network' = 'GAM']['route' ~ '^bus$|^train$']", q.TagFilter())
	assert.Equal(t, "9.8,-84.2,10,-83.9", q.BBox.String())

	routes := q.Routes()
	assert.True(t, strings.HasPrefix(routes, "[out:json][timeout:300];"))
	assert.Contains(t, routes, "relation['network' = 'GAM']['route' ~ '^bus$|^train$'](9.8,-84.2,10,-83.9)->.routes;")
	assert.Contains(t, routes, "relation[type=route_master](br.routes)->.masters;")

	stops := q.Stops()
	assert.Contains(t, stops, `node(r:"platform")->.nodes;`)
	assert.Contains(t, stops, `rel(bn:"platform")["public_transport"="stop_area"];`)

	around := q.Around(9.93, -84.08, 50)
	assert.Contains(t, around, `way(around:50,9.93,-84.08)["name"]["highway"!~"^(trunk|primary|secondary)$"]["amenity"!="bus_station"];`)
	assert.Contains(t, around, `node(around:50,9.93,-84.08)["name"]["highway"!="bus_stop"];`)
}

func TestQueryBuilder_FallbackTags(t *testing.T) {
	q := QueryBuilder{TimeoutSeconds: 60}
	assert.Equal(t, FallbackTagFilter, q.TagFilter())
	assert.True(t, strings.HasPrefix(q.Routes(), "[out:json][timeout:60];"))
}

func TestClient_Query(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		values, err := url.ParseQuery(string(body))
		assert.NoError(t, err)
		gotQuery = values.Get("data")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleJSON))
	}))
	defer server.Close()

	m := metrics.New()
	client := NewClient(server.URL, WithMetrics(m), WithRateLimit(0))

	r, err := client.Query(context.Background(), "routes", "node(1);out;")
	require.NoError(t, err)
	assertSample(t, r)
	assert.Equal(t, "node(1);out;", gotQuery)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OverpassQueriesTotal.WithLabelValues("routes", "ok")))
}

func TestClient_QueryErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer server.Close()

	m := metrics.New()
	client := NewClient(server.URL, WithMetrics(m))

	_, err := client.Query(context.Background(), "stops", "out;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OverpassQueriesTotal.WithLabelValues("stops", "error")))
}

func TestClient_RespectsContext(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", WithRateLimit(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Query(ctx, "around", "out;")
	assert.Error(t, err)
}

func TestNewHTTPClient(t *testing.T) {
	c := NewHTTPClient()
	assert.Equal(t, 5*time.Minute, c.Timeout)
	assert.NotSame(t, c, NewHTTPClient())

	assert.Equal(t, 5*time.Minute, NewClient("http://127.0.0.1:0").httpClient.Timeout)
	shared := &http.Client{Timeout: time.Second}
	assert.Same(t, shared, NewClient("http://127.0.0.1:0", WithHTTPClient(shared)).httpClient)
}
