package bizhours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

func window(t *testing.T) Window {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	w, err := NewWindow(8, 17, weekdays, loc)
	require.NoError(t, err)
	return w
}

func at(w Window, day, hour, min int) time.Time {
	// March 2024: the 1st is a Friday, the 4th a Monday.
	return time.Date(2024, 3, day, hour, min, 0, 0, w.Location())
}

func TestAdd(t *testing.T) {
	w := window(t)

	tests := []struct {
		name  string
		start time.Time
		d     time.Duration
		want  time.Time
	}{
		{"inside window", at(w, 4, 8, 30), time.Hour, at(w, 4, 9, 30)},
		{"reaching close exactly stays on close", at(w, 4, 16, 0), time.Hour, at(w, 4, 17, 0)},
		{"friday afternoon rolls over the weekend", at(w, 1, 16, 30), 2 * time.Hour, at(w, 4, 9, 30)},
		{"friday at close", at(w, 1, 17, 0), 2 * time.Hour, at(w, 4, 10, 0)},
		{"before opening", at(w, 4, 6, 0), time.Hour, at(w, 4, 9, 0)},
		{"saturday start", at(w, 2, 11, 0), 30 * time.Minute, at(w, 4, 8, 30)},
		{"multi day span", at(w, 4, 9, 0), 24 * time.Hour, at(w, 6, 15, 0)},
		{"zero duration outside window", at(w, 3, 12, 0), 0, at(w, 4, 8, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.Add(tt.start, tt.d)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestAddAcceptsOtherZones(t *testing.T) {
	w := window(t)
	// 14:30 UTC is 08:30 CST.
	got := w.Add(time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC), time.Hour)
	assert.True(t, got.Equal(at(w, 4, 9, 30)))
}

func TestElapsed(t *testing.T) {
	w := window(t)

	assert.Equal(t, 2*time.Hour, w.Elapsed(at(w, 1, 16, 30), at(w, 4, 9, 30)))
	assert.Equal(t, time.Duration(0), w.Elapsed(at(w, 2, 9, 0), at(w, 3, 18, 0)))
	assert.Equal(t, time.Duration(0), w.Elapsed(at(w, 4, 10, 0), at(w, 4, 9, 0)))
	assert.Equal(t, 18*time.Hour, w.Elapsed(at(w, 4, 8, 0), at(w, 5, 17, 0)))

	start := at(w, 4, 9, 15)
	assert.Equal(t, 13*time.Hour, w.Elapsed(start, w.Add(start, 13*time.Hour)))
}

func TestIsOpenAndNextOpen(t *testing.T) {
	w := window(t)

	assert.True(t, w.IsOpen(at(w, 4, 8, 0)))
	assert.False(t, w.IsOpen(at(w, 4, 17, 0)))
	assert.False(t, w.IsOpen(at(w, 2, 10, 0)))

	assert.True(t, w.NextOpen(at(w, 1, 18, 0)).Equal(at(w, 4, 8, 0)))
	assert.True(t, w.NextOpen(at(w, 4, 10, 0)).Equal(at(w, 4, 10, 0)))
}

func TestValidate(t *testing.T) {
	_, err := NewWindow(17, 8, weekdays, time.UTC)
	assert.Error(t, err)
	_, err = NewWindow(8, 17, nil, time.UTC)
	assert.Error(t, err)
	_, err = NewWindow(8, 17, weekdays, nil)
	assert.Error(t, err)
}
