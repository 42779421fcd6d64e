package stage

import "time"

// Health is the outcome of one GET /health probe against a stage service.
type Health struct {
	Name      string        `json:"name"`
	Ready     bool          `json:"ready"`
	Detail    string        `json:"detail,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Checked records a probe that began at started; a nil err means ready.
func Checked(name string, started time.Time, err error) Health {
	h := Health{
		Name:      name,
		Ready:     err == nil,
		Latency:   time.Since(started),
		CheckedAt: started.UTC(),
	}
	if err != nil {
		h.Detail = err.Error()
	}
	return h
}
