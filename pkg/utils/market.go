package utils

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// Session describes the regular trading hours of an exchange.
type Session struct {
	Location *time.Location
	Open     time.Duration // offset from local midnight
	Close    time.Duration
}

// DefaultSession returns the NSE cash session, 09:15 - 15:30 IST.
func DefaultSession() Session {
	return Session{
		Location: IndiaLocation,
		Open:     9*time.Hour + 15*time.Minute,
		Close:    15*time.Hour + 30*time.Minute,
	}
}

// NewSession builds a session from a timezone name and "HH:MM" bounds.
func NewSession(timezone, open, close string) (Session, error) {
	loc := IndiaLocation
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return Session{}, fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
		loc = l
	}
	o, err := parseClock(open)
	if err != nil {
		return Session{}, err
	}
	c, err := parseClock(close)
	if err != nil {
		return Session{}, err
	}
	if c <= o {
		return Session{}, fmt.Errorf("session close %s must be after open %s", close, open)
	}
	return Session{Location: loc, Open: o, Close: c}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid session time %q (want HH:MM)", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsTradingDay returns false on weekends.
func (s Session) IsTradingDay(t time.Time) bool {
	wd := t.In(s.Location).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// OpenOn returns the session open for the calendar day of t.
func (s Session) OpenOn(t time.Time) time.Time {
	local := t.In(s.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
	return midnight.Add(s.Open)
}

// CloseOn returns the session close for the calendar day of t.
func (s Session) CloseOn(t time.Time) time.Time {
	local := t.In(s.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
	return midnight.Add(s.Close)
}

// Contains reports whether t falls inside regular trading hours.
func (s Session) Contains(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	open := s.OpenOn(t)
	close := s.CloseOn(t)
	return !t.Before(open) && t.Before(close)
}

// LastOpen returns the most recent session open at or before now.
func (s Session) LastOpen(now time.Time) time.Time {
	open := s.OpenOn(now)
	if now.Before(open) {
		open = s.OpenOn(now.AddDate(0, 0, -1))
	}
	for !s.IsTradingDay(open) {
		open = s.OpenOn(open.AddDate(0, 0, -1))
	}
	return open
}
