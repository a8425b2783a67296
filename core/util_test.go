package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCleanString(t *testing.T) {
	assert.Equal(t, "Matrícula", CleanString("  Matrícula \n"))
	assert.Equal(t, "transfer", CleanString(" TransFer ", true))
	assert.Equal(t, "", CleanString("   "))
}

func TestDate(t *testing.T) {
	bogota := time.FixedZone("COT", -5*60*60)
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{name: "midnight", in: time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC), want: time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)},
		{name: "end of day", in: time.Date(2024, 4, 10, 23, 59, 59, 999, time.UTC), want: time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)},
		{name: "other zone", in: time.Date(2024, 4, 10, 21, 0, 0, 0, bogota), want: time.Date(2024, 4, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Date(tt.in))
		})
	}
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		in   time.Time
		n    int
		want time.Time
	}{
		{in: date(2024, 1, 15), n: 1, want: date(2024, 2, 15)},
		{in: date(2024, 1, 31), n: 1, want: date(2024, 2, 29)},
		{in: date(2023, 1, 31), n: 1, want: date(2023, 2, 28)},
		{in: date(2024, 1, 31), n: 2, want: date(2024, 3, 31)},
		{in: date(2024, 3, 31), n: 1, want: date(2024, 4, 30)},
		{in: date(2024, 11, 30), n: 3, want: date(2025, 2, 28)},
		{in: date(2024, 5, 10), n: 0, want: date(2024, 5, 10)},
	}
	for _, tt := range tests {
		t.Run(tt.in.Format("2006-01-02"), func(t *testing.T) {
			assert.Equal(t, tt.want, AddMonths(tt.in, tt.n))
		})
	}
}

func TestOrderBy(t *testing.T) {
	columns := map[string]string{"name": "u.name", "created_at": "u.created_at"}

	assert.Equal(t, "u.name ASC, u.created_at DESC", OrderBy(
		[]DBOrdering{{Field: "name", Ascending: true}, {Field: "created_at"}, {Field: "password"}},
		columns,
	))
	assert.Equal(t, "u.created_at DESC", OrderBy(nil, columns, DBOrdering{Field: "u.created_at"}))
	assert.Equal(t, "", OrderBy([]DBOrdering{{Field: "1; DROP TABLE users"}}, columns))
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
