// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindFP1              Kind = "FP1"
	KindFP2              Kind = "FP2"
	KindFP3              Kind = "FP3"
	KindQualifying       Kind = "Q"
	KindSprint           Kind = "S"
	KindSprintQualifying Kind = "SQ"
	KindRace             Kind = "R"
)

var kindNames = map[Kind]string{
	KindFP1:              "FP1",
	KindFP2:              "FP2",
	KindFP3:              "FP3",
	KindQualifying:       "QUALIFYING",
	KindSprint:           "SPRINT",
	KindSprintQualifying: "SPRINT_QUALIFYING",
	KindRace:             "RACE",
}

// Kinds lists every session kind in weekend order.
func Kinds() []Kind {
	return []Kind{KindFP1, KindFP2, KindFP3, KindSprintQualifying, KindSprint, KindQualifying, KindRace}
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Name returns the long form, e.g. RACE for R.
func (k Kind) Name() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return string(k)
}

// ParseKind accepts wire codes (R, SQ) and long names (RACE, sprint_qualifying)
// case-insensitively.
func ParseKind(s string) (Kind, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, " ", "_")
	for k, name := range kindNames {
		if v == string(k) || v == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown session kind %q", s)
}

type Fidelity string

const (
	FidelityReduced Fidelity = "reduced"
	FidelityFull    Fidelity = "full"
)

// SessionKey is the (season, event, kind) triple a dataset is fetched by.
type SessionKey struct {
	Season int
	Event  string
	Kind   Kind
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%d %s %s", k.Season, k.Event, k.Kind.Name())
}

type Driver struct {
	Number       int    `json:"number"`
	Abbreviation string `json:"abbreviation"`
	FullName     string `json:"full_name"`
	TeamName     string `json:"team_name"`
	TeamColor    string `json:"team_color"`
}

type Team struct {
	ID      string   `json:"team_id"`
	Name    string   `json:"name"`
	Color   string   `json:"color"`
	Drivers []string `json:"drivers"`
}

type Lap struct {
	Driver     string        `json:"driver"`
	LapNumber  int           `json:"lap_number"`
	LapTime    time.Duration `json:"lap_time"`
	Sector1    time.Duration `json:"sector1"`
	Sector2    time.Duration `json:"sector2"`
	Sector3    time.Duration `json:"sector3"`
	Compound   string        `json:"compound"`
	TyreLife   int           `json:"tyre_life"`
	Stint      int           `json:"stint"`
	IsAccurate bool          `json:"is_accurate"`
}

type TelemetrySample struct {
	Driver    string  `json:"driver"`
	LapNumber int     `json:"lap_number"`
	Distance  float64 `json:"distance"`
	Speed     float64 `json:"speed"`
	Throttle  float64 `json:"throttle"`
	Brake     bool    `json:"brake"`
	Gear      int     `json:"gear"`
	RPM       float64 `json:"rpm"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type WeatherSample struct {
	Time          time.Duration `json:"time"`
	AirTemp       float64       `json:"air_temp"`
	TrackTemp     float64       `json:"track_temp"`
	Humidity      float64       `json:"humidity"`
	Pressure      float64       `json:"pressure"`
	Rainfall      bool          `json:"rainfall"`
	WindSpeed     float64       `json:"wind_speed"`
	WindDirection float64       `json:"wind_direction"`
}

// Dataset is one fetched session. Once handed out by the session cache it is
// shared read-only; nothing may mutate it.
type Dataset struct {
	Season    int               `json:"season"`
	Event     string            `json:"event"`
	Kind      Kind              `json:"kind"`
	Fidelity  Fidelity          `json:"fidelity"`
	Drivers   []Driver          `json:"drivers"`
	Laps      []Lap             `json:"laps"`
	Telemetry []TelemetrySample `json:"telemetry,omitempty"`
	Weather   []WeatherSample   `json:"weather,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

func (d *Dataset) Key() SessionKey {
	return SessionKey{Season: d.Season, Event: d.Event, Kind: d.Kind}
}

// Teams groups drivers by team name, keeping first-seen order.
func (d *Dataset) Teams() []Team {
	idx := map[string]int{}
	var out []Team
	for _, drv := range d.Drivers {
		if drv.TeamName == "" {
			continue
		}
		i, ok := idx[drv.TeamName]
		if !ok {
			color := drv.TeamColor
			if color == "" {
				color = "FFFFFF"
			}
			if !strings.HasPrefix(color, "#") {
				color = "#" + color
			}
			out = append(out, Team{
				ID:    strings.ReplaceAll(strings.ToLower(drv.TeamName), " ", "_"),
				Name:  drv.TeamName,
				Color: color,
			})
			i = len(out) - 1
			idx[drv.TeamName] = i
		}
		out[i].Drivers = append(out[i].Drivers, drv.Abbreviation)
	}
	return out
}
