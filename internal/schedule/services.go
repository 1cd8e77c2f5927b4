package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OneBusAway/go-gtfs"
)

// ErrUnknownServiceKeyword is returned for service keywords that name no day set or date.
var ErrUnknownServiceKeyword = errors.New("unknown service keyword")

var dayTokens = []string{"mo", "tu", "we", "th", "fr", "sa", "su"}

var dayAliases = map[string]string{
	"weekday":  "mo-fr",
	"weekdays": "mo-fr",
	"saturday": "sa",
	"sunday":   "su",
	"daily":    "mo-su",
	"weekend":  "sa-su",
}

// weekMask has bit i set for day i, Monday first.
type weekMask uint8

func (m weekMask) has(day int) bool { return m&(1<<day) != 0 }

// id renders the mask as its canonical keyword, e.g. "Mo-Fr" or "Mo,We".
func (m weekMask) id() string {
	var runs []string
	for i := 0; i < 7; {
		if !m.has(i) {
			i++
			continue
		}
		j := i
		for j+1 < 7 && m.has(j+1) {
			j++
		}
		start := titleDay(i)
		if j == i {
			runs = append(runs, start)
		} else {
			runs = append(runs, start+"-"+titleDay(j))
		}
		i = j + 1
	}
	return strings.Join(runs, ",")
}

func titleDay(i int) string {
	t := dayTokens[i]
	return strings.ToUpper(t[:1]) + t[1:]
}

func dayIndex(token string) (int, bool) {
	for i, t := range dayTokens {
		if t == token {
			return i, true
		}
	}
	return 0, false
}

func parseWeekMask(keyword string) (weekMask, bool) {
	var mask weekMask
	for _, part := range strings.Split(keyword, ",") {
		part = strings.TrimSpace(part)
		from, to, isRange := strings.Cut(part, "-")
		a, ok := dayIndex(from)
		if !ok {
			return 0, false
		}
		if !isRange {
			mask |= 1 << a
			continue
		}
		b, ok := dayIndex(to)
		if !ok {
			return 0, false
		}
		for d := a; ; d = (d + 1) % 7 {
			mask |= 1 << d
			if d == b {
				break
			}
		}
	}
	return mask, mask != 0
}

func parseLiteralDate(keyword string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, keyword); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// weekdayIndex maps time.Weekday to the Monday-first index.
func weekdayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Calendars derives gtfs.Service values from service keywords and reuses
// them per canonical keyword. A literal date becomes a one-day service and
// is removed from every weekly service running on that weekday.
type Calendars struct {
	start, end time.Time
	byID       map[string]*gtfs.Service
	weekly     map[string]weekMask
	order      []string
	dates      []time.Time
}

// NewCalendars returns Calendars whose weekly services span start to end.
func NewCalendars(start, end time.Time) *Calendars {
	return &Calendars{
		start:  start,
		end:    end,
		byID:   map[string]*gtfs.Service{},
		weekly: map[string]weekMask{},
	}
}

// Resolve returns the service for keyword, creating it on first use.
func (c *Calendars) Resolve(keyword string) (*gtfs.Service, error) {
	key := strings.ToLower(strings.TrimSpace(keyword))
	if alias, ok := dayAliases[key]; ok {
		key = alias
	}

	if date, ok := parseLiteralDate(key); ok {
		return c.literal(date), nil
	}
	mask, ok := parseWeekMask(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServiceKeyword, keyword)
	}
	return c.weeklyService(mask), nil
}

func (c *Calendars) weeklyService(mask weekMask) *gtfs.Service {
	id := mask.id()
	if s, ok := c.byID[id]; ok {
		return s
	}
	s := &gtfs.Service{
		Id:        id,
		Monday:    mask.has(0),
		Tuesday:   mask.has(1),
		Wednesday: mask.has(2),
		Thursday:  mask.has(3),
		Friday:    mask.has(4),
		Saturday:  mask.has(5),
		Sunday:    mask.has(6),
		StartDate: c.start,
		EndDate:   c.end,
	}
	for _, d := range c.dates {
		if mask.has(weekdayIndex(d)) && c.inPeriod(d) {
			s.RemovedDates = append(s.RemovedDates, d)
		}
	}
	c.byID[id] = s
	c.weekly[id] = mask
	c.order = append(c.order, id)
	return s
}

func (c *Calendars) literal(date time.Time) *gtfs.Service {
	id := date.Format("20060102")
	if s, ok := c.byID[id]; ok {
		return s
	}
	s := &gtfs.Service{
		Id:         id,
		StartDate:  date,
		EndDate:    date,
		AddedDates: []time.Time{date},
	}
	c.byID[id] = s
	c.order = append(c.order, id)
	c.dates = append(c.dates, date)

	if c.inPeriod(date) {
		for wid, mask := range c.weekly {
			if mask.has(weekdayIndex(date)) {
				c.byID[wid].RemovedDates = append(c.byID[wid].RemovedDates, date)
			}
		}
	}
	return s
}

func (c *Calendars) inPeriod(d time.Time) bool {
	return !d.Before(c.start) && !d.After(c.end)
}

// Services returns every service created so far in creation order.
func (c *Calendars) Services() []*gtfs.Service {
	out := make([]*gtfs.Service, len(c.order))
	for i, id := range c.order {
		out[i] = c.byID[id]
	}
	return out
}
