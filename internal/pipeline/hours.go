package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/scmhub/calendar"
)

// TradingHours gates polling on a venue's exchange calendar.
type TradingHours struct {
	mic string
	cal *calendar.Calendar
}

// NewTradingHours loads the calendar for an ISO 10383 MIC such as "XNYS".
func NewTradingHours(mic string) (*TradingHours, error) {
	mic = strings.ToLower(strings.TrimSpace(mic))
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		return nil, fmt.Errorf("pipeline: no trading calendar for venue %q", mic)
	}
	return &TradingHours{mic: mic, cal: cal}, nil
}

// Venue returns the MIC the calendar was loaded for.
func (h *TradingHours) Venue() string { return h.mic }

// IsOpen reports whether the venue is in session at t. A nil receiver is
// always open.
func (h *TradingHours) IsOpen(t time.Time) bool {
	if h == nil {
		return true
	}
	if h.cal.Loc != nil {
		t = t.In(h.cal.Loc)
	}
	return h.cal.IsOpen(t)
}
