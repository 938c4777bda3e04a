// Package session decides when a live class may be joined.
package session

import (
	"fmt"
	"time"

	"github.com/aura-classroom/backend/internal/models"
)

// State is a live session phase. Phases only move forward.
type State string

const (
	StateScheduled State = "SCHEDULED"
	StateJoinable  State = "JOINABLE"
	StateLive      State = "LIVE"
	StateEnded     State = "ENDED"
)

// Schedule is the timing input of the gate.
type Schedule struct {
	Start time.Time
	End   *time.Time
	Ended bool
}

// ScheduleOf extracts the schedule of a live descriptor. ok is false for on-demand videos
// or live videos without a start time.
func ScheduleOf(d *models.VideoDescriptor) (Schedule, bool) {
	if d == nil || !d.IsLive || d.ScheduledStart == nil {
		return Schedule{}, false
	}
	return Schedule{Start: *d.ScheduledStart, End: d.ScheduledEnd, Ended: d.IsEnded}, true
}

// Status is the gate's answer for one instant.
type Status struct {
	State         State  `json:"state"`
	CanJoin       bool   `json:"can_join"`
	HasEnded      bool   `json:"has_ended"`
	TimeToLive    string `json:"time_to_live,omitempty"`
	SecondsToLive int64  `json:"seconds_to_live,omitempty"`
}

// Evaluate computes the session state at now. An explicit end signal wins over time.
func Evaluate(s Schedule, joinWindow time.Duration, now time.Time) Status {
	if joinWindow < 0 {
		joinWindow = 0
	}
	switch {
	case s.Ended || (s.End != nil && !now.Before(*s.End)):
		return Status{State: StateEnded, HasEnded: true}
	case !now.Before(s.Start):
		return Status{State: StateLive, CanJoin: true}
	case !now.Before(s.Start.Add(-joinWindow)):
		return countdown(Status{State: StateJoinable, CanJoin: true}, s.Start.Sub(now))
	default:
		return countdown(Status{State: StateScheduled}, s.Start.Sub(now))
	}
}

func countdown(st Status, remaining time.Duration) Status {
	secs := int64((remaining + time.Second - 1) / time.Second)
	st.SecondsToLive = secs
	st.TimeToLive = FormatCountdown(secs)
	return st
}

// FormatCountdown renders seconds as "HH:MM:SS", prefixed with "Nd " past a day.
func FormatCountdown(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	days := secs / 86400
	h := (secs % 86400) / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	if days > 0 {
		return fmt.Sprintf("%dd %02d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
