package models

// Result-set size bounds for a prospecting request
const (
	DefaultProspectSize = 25
	MinProspectSize     = 5
	MaxProspectSize     = 200
)

// ProspectRequest carries the caller-supplied parameters of one run
type ProspectRequest struct {
	Prompt    string         `json:"prompt"`
	Size      int            `json:"size"`
	Providers []string       `json:"providers,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
}

// ClampProspectSize applies the default and the [Min, Max] bounds.
// Zero or negative means "not given".
func ClampProspectSize(size int) int {
	if size <= 0 {
		return DefaultProspectSize
	}
	if size < MinProspectSize {
		return MinProspectSize
	}
	if size > MaxProspectSize {
		return MaxProspectSize
	}
	return size
}
