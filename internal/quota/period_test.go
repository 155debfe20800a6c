package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid-month",
			in:   time.Date(2025, 3, 17, 14, 30, 0, 0, time.UTC),
			want: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "first instant of the month maps to itself",
			in:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "last instant of the month",
			in:   time.Date(2025, 12, 31, 23, 59, 59, 999999999, time.UTC),
			want: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "non-UTC time converted before truncation",
			in:   time.Date(2025, 4, 1, 5, 0, 0, 0, time.FixedZone("UTC+9", 9*3600)),
			want: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, PeriodStart(tt.in).Equal(tt.want))
		})
	}
}

func TestPeriodEnd(t *testing.T) {
	in := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	assert.True(t, PeriodEnd(in).Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))

	// December rolls into the next year.
	dec := time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC)
	assert.True(t, PeriodEnd(dec).Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}
