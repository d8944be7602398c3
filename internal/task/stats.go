package task

import "time"

// Stats aggregates task counts, typically for dashboards and health checks.
type Stats struct {
	Total           int       `json:"total"`
	Pending         int       `json:"pending"`
	Running         int       `json:"running"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	Cancelled       int       `json:"cancelled"`
	OldestUpdatedAt time.Time `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt time.Time `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
	if t.UpdatedAt.After(s.NewestUpdatedAt) {
		s.NewestUpdatedAt = t.UpdatedAt
	}
	if s.OldestUpdatedAt.IsZero() || t.UpdatedAt.Before(s.OldestUpdatedAt) {
		s.OldestUpdatedAt = t.UpdatedAt
	}
}
