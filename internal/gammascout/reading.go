package gammascout

import "time"

// CPMPerMicroSievertHour converts counts per minute to µSv/h for the
// device's GM tube.
const CPMPerMicroSievertHour = 236.0

// Reading is one logged measurement interval.
type Reading struct {
	End       time.Time `json:"end"`       // interval end, UTC
	Interval  int64     `json:"interval"`  // seconds, always > 0
	Count     int64     `json:"count"`     // impulses in the interval
	Saturated bool      `json:"saturated"` // tube overloaded during the interval
}

// Start is when the interval began.
func (r Reading) Start() time.Time {
	return r.End.Add(-time.Duration(r.Interval) * time.Second)
}

func (r Reading) CountsPerMinute() float64 {
	return float64(r.Count) * 60.0 / float64(r.Interval)
}

func (r Reading) CountsPerSecond() float64 {
	return r.CountsPerMinute() / 60.0
}

func (r Reading) MicroSievertsPerHour() float64 {
	return r.CountsPerMinute() / CPMPerMicroSievertHour
}

// Listener receives readings as a log download decodes them.
type Listener interface {
	ReceiveReading(r Reading)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(r Reading)

func (f ListenerFunc) ReceiveReading(r Reading) { f(r) }
