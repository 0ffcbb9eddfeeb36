package availability

import (
	"fmt"
	"time"
)

// Template describes the firm's bookable weekday hours.
type Template struct {
	Open            string // HH:MM
	Close           string // HH:MM
	DurationMinutes int
	Weekdays        []time.Weekday
}

// DefaultTemplate is Monday to Friday, 09:00 to 17:00, one hour slots.
var DefaultTemplate = Template{
	Open:            "09:00",
	Close:           "17:00",
	DurationMinutes: 60,
	Weekdays:        []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
}

// Generate lays out slots for days starting at from (inclusive).
func (t Template) Generate(from time.Time, days int) ([]Slot, error) {
	open, err := time.Parse("15:04", t.Open)
	if err != nil {
		return nil, fmt.Errorf("template open time: %w", err)
	}
	closing, err := time.Parse("15:04", t.Close)
	if err != nil {
		return nil, fmt.Errorf("template close time: %w", err)
	}
	if t.DurationMinutes <= 0 || !open.Before(closing) {
		return nil, fmt.Errorf("template must have a positive duration and open before close")
	}

	step := time.Duration(t.DurationMinutes) * time.Minute
	allowed := make(map[time.Weekday]bool, len(t.Weekdays))
	for _, d := range t.Weekdays {
		allowed[d] = true
	}

	var slots []Slot
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		date := day.AddDate(0, 0, i)
		if !allowed[date.Weekday()] {
			continue
		}
		for start := open; !start.Add(step).After(closing); start = start.Add(step) {
			slots = append(slots, Slot{
				Date:            date.Format(DateLayout),
				StartTime:       start.Format("15:04"),
				EndTime:         start.Add(step).Format("15:04"),
				DurationMinutes: t.DurationMinutes,
				IsAvailable:     true,
			})
		}
	}
	return slots, nil
}
