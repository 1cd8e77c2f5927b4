package feed

import "github.com/OneBusAway/go-gtfs"

// Summary counts the records of each feed file.
func Summary(static *gtfs.Static) map[string]int {
	if static == nil {
		return map[string]int{}
	}
	stopTimes, dates, points, stations := 0, 0, 0, 0
	for _, t := range static.Trips {
		stopTimes += len(t.StopTimes)
	}
	for _, s := range static.Services {
		dates += len(s.AddedDates) + len(s.RemovedDates)
	}
	for _, sh := range static.Shapes {
		points += len(sh.Points)
	}
	for _, s := range static.Stops {
		if s.Type == gtfs.StopType(1) {
			stations++
		}
	}
	return map[string]int{
		"agencies":       len(static.Agencies),
		"routes":         len(static.Routes),
		"stops":          len(static.Stops) - stations,
		"stations":       stations,
		"trips":          len(static.Trips),
		"stop_times":     stopTimes,
		"services":       len(static.Services),
		"calendar_dates": dates,
		"shapes":         len(static.Shapes),
		"shape_points":   points,
	}
}
