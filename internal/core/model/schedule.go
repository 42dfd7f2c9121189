package model

// EventFormatTesting marks pre-season testing, which has no sessions to
// analyse.
const EventFormatTesting = "testing"

// Event is one weekend of a season's calendar.
type Event struct {
	RoundNumber int    `json:"round_number"`
	Name        string `json:"event_name"`
	Country     string `json:"country"`
	Location    string `json:"location"`
	Date        string `json:"event_date"`
	Format      string `json:"event_format"`
}

// RaceWeekends drops testing events and fills the default format.
func RaceWeekends(events []Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Format == EventFormatTesting {
			continue
		}
		if ev.Format == "" {
			ev.Format = "conventional"
		}
		out = append(out, ev)
	}
	return out
}
