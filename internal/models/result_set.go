package models

import "time"

// Lead is one candidate record produced by a prospecting run
type Lead struct {
	Name          string `json:"name"`
	Title         string `json:"title,omitempty"`
	Company       string `json:"company"`
	Domain        string `json:"domain,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Country       string `json:"country,omitempty"`
	Industry      string `json:"industry,omitempty"`
	EmployeeCount int    `json:"employeeCount,omitempty"`
	LinkedInURL   string `json:"linkedinUrl,omitempty"`
	Source        string `json:"source,omitempty"`
	Score         int    `json:"score"`
}

// ResultSet is the ordered collection of leads a completed job produced.
// Exposed to clients as an "import".
type ResultSet struct {
	ID        string    `json:"id" db:"id"`
	Items     []Lead    `json:"items" db:"items"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ResultSetSummary is the import header without its items
type ResultSetSummary struct {
	ID        string    `json:"id"`
	Total     int       `json:"total"`
	CreatedAt time.Time `json:"createdAt"`
}

// ResultSetPage is a window over a result set's items
type ResultSetPage struct {
	Items  []Lead `json:"items"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Summary returns the header of rs
func (rs *ResultSet) Summary() *ResultSetSummary {
	return &ResultSetSummary{ID: rs.ID, Total: len(rs.Items), CreatedAt: rs.CreatedAt}
}

// Page returns items[offset:offset+limit] with the full item count.
// Out-of-range offsets yield an empty, non-nil slice.
func (rs *ResultSet) Page(limit, offset int) *ResultSetPage {
	return PageOf(rs.Items, limit, offset)
}

// PageOf slices items the same way ResultSet.Page does
func PageOf(items []Lead, limit, offset int) *ResultSetPage {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	total := len(items)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	page := make([]Lead, end-start)
	copy(page, items[start:end])
	return &ResultSetPage{Items: page, Total: total, Limit: limit, Offset: offset}
}
