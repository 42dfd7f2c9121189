package model

import "fmt"

const (
	DefaultTrackLength = 5000.0
	trackSegments      = 10
	maxTrackPoints     = 500
)

type TrackPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SegmentDefinition struct {
	Name          string  `json:"name"`
	StartDistance float64 `json:"start_distance"`
	EndDistance   float64 `json:"end_distance"`
}

type TrackData struct {
	Name     string              `json:"track_name"`
	Length   float64             `json:"track_length"`
	Path     []TrackPoint        `json:"track_path"`
	Segments []SegmentDefinition `json:"segment_definitions"`
}

// FastestLap is the lap with the lowest positive lap time, accurate laps
// first.
func (d *Dataset) FastestLap() (Lap, bool) {
	var best Lap
	found := false
	for _, l := range d.Laps {
		if l.LapTime <= 0 {
			continue
		}
		switch {
		case !found:
		case l.IsAccurate && !best.IsAccurate:
		case l.IsAccurate == best.IsAccurate && l.LapTime < best.LapTime:
		default:
			continue
		}
		best, found = l, true
	}
	return best, found
}

// Track derives the layout from the fastest lap's telemetry: the X/Y path
// downsampled to about 500 points and the length from its furthest distance.
// Without telemetry the path is empty and the length is DefaultTrackLength.
// The lap is always cut into ten equal segments.
func (d *Dataset) Track() TrackData {
	td := TrackData{Name: d.Event, Length: DefaultTrackLength, Path: []TrackPoint{}}
	if td.Name == "" {
		td.Name = "Unknown"
	}

	if lap, ok := d.FastestLap(); ok {
		var samples []TelemetrySample
		for _, s := range d.Telemetry {
			if s.Driver == lap.Driver && s.LapNumber == lap.LapNumber {
				samples = append(samples, s)
			}
		}
		if len(samples) > 0 {
			step := max(1, len(samples)/maxTrackPoints)
			maxDist := samples[0].Distance
			for i, s := range samples {
				if i%step == 0 {
					td.Path = append(td.Path, TrackPoint{X: s.X, Y: s.Y})
				}
				maxDist = max(maxDist, s.Distance)
			}
			td.Length = maxDist
		}
	}

	seg := td.Length / trackSegments
	td.Segments = make([]SegmentDefinition, trackSegments)
	for i := range td.Segments {
		td.Segments[i] = SegmentDefinition{
			Name:          fmt.Sprintf("Segment %d", i+1),
			StartDistance: float64(i) * seg,
			EndDistance:   float64(i+1) * seg,
		}
	}
	return td
}
