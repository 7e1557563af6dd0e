package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestJobStatus_CanTransitionTo(t *testing.T) {
	all := []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed}
	legal := map[string]bool{
		"queued->running":    true,
		"queued->failed":     true,
		"running->completed": true,
		"running->failed":    true,
	}

	for _, from := range all {
		for _, to := range all {
			key := fmt.Sprintf("%s->%s", from, to)
			t.Run(key, func(t *testing.T) {
				assert.Equal(t, legal[key], from.CanTransitionTo(to))
			})
		}
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatus("paused").Valid())
}

func TestJob_Clone(t *testing.T) {
	rs := "rs-1"
	job := &Job{ID: "job-1", Status: JobStatusCompleted, ResultSetID: &rs}

	cp := job.Clone()
	*cp.ResultSetID = "changed"

	assert.Equal(t, "rs-1", *job.ResultSetID)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestClampProspectSize(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, DefaultProspectSize},
		{-3, DefaultProspectSize},
		{1, MinProspectSize},
		{5, 5},
		{42, 42},
		{200, 200},
		{5000, MaxProspectSize},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampProspectSize(tt.in), "size %d", tt.in)
	}
}

func TestNextEventTimestamp(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("uses now when it is later", func(t *testing.T) {
		got := NextEventTimestamp(base.Add(time.Second), base)
		assert.Equal(t, base.Add(time.Second), got)
	})

	t.Run("bumps past the previous timestamp", func(t *testing.T) {
		got := NextEventTimestamp(base, base)
		assert.Equal(t, base.Add(time.Microsecond), got)
	})

	t.Run("truncates to microseconds", func(t *testing.T) {
		got := NextEventTimestamp(base.Add(1500*time.Nanosecond), time.Time{})
		assert.Equal(t, base.Add(time.Microsecond), got)
	})
}

func makeLeads(n int) []Lead {
	leads := make([]Lead, n)
	for i := range leads {
		leads[i] = Lead{Name: fmt.Sprintf("lead-%d", i), Company: "Acme"}
	}
	return leads
}

func TestPageOf_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("page is the exact slice of items", prop.ForAll(
		func(n, limit, offset int) bool {
			items := makeLeads(n)
			page := PageOf(items, limit, offset)

			if page.Total != n || page.Limit != limit || page.Offset != offset {
				return false
			}
			start := offset
			if start > n {
				start = n
			}
			end := start + limit
			if end > n {
				end = n
			}
			want := items[start:end]
			if len(page.Items) != len(want) {
				return false
			}
			for i := range want {
				if page.Items[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 60),
		gen.IntRange(1, 200),
		gen.IntRange(0, 80),
	))

	properties.TestingRun(t)
}

func TestFilterSince_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("since keeps exactly the newer suffix in order", prop.ForAll(
		func(n, cut int) bool {
			events := make([]*Event, n)
			for i := range events {
				events[i] = &Event{ID: fmt.Sprintf("ev-%d", i), Timestamp: base.Add(time.Duration(i) * time.Millisecond)}
			}
			if n == 0 {
				return len(FilterSince(events, &base)) == 0
			}
			idx := cut % n
			since := events[idx].Timestamp
			got := FilterSince(events, &since)
			if len(got) != n-idx-1 {
				return false
			}
			for i, ev := range got {
				if ev.ID != events[idx+1+i].ID {
					return false
				}
			}
			return len(FilterSince(events, nil)) == n
		},
		gen.IntRange(0, 30),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
