package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSplitAmount(t *testing.T) {
	tests := []struct {
		total  string
		n      int
		places int32
		want   []string
	}{
		{total: "100000", n: 3, places: 0, want: []string{"33334", "33333", "33333"}},
		{total: "100", n: 4, places: 0, want: []string{"25", "25", "25", "25"}},
		{total: "11", n: 3, places: 0, want: []string{"4", "4", "3"}},
		{total: "3", n: 3, places: 0, want: []string{"1", "1", "1"}},
		{total: "100.00", n: 3, places: 2, want: []string{"33.34", "33.33", "33.33"}},
		{total: "0.05", n: 2, places: 2, want: []string{"0.03", "0.02"}},
	}
	for _, tt := range tests {
		t.Run(tt.total, func(t *testing.T) {
			total := decimal.RequireFromString(tt.total)
			got := splitAmount(total, tt.n, tt.places)

			assert.Len(t, got, tt.n)
			sum := decimal.Zero
			for i, s := range got {
				assert.True(t, s.Equal(decimal.RequireFromString(tt.want[i])), "share %d = %s, want %s", i, s, tt.want[i])
				sum = sum.Add(s)
			}
			assert.True(t, sum.Equal(total), "shares sum to %s", sum)
		})
	}
}

func TestHasPlaces(t *testing.T) {
	tests := []struct {
		amount string
		places int32
		want   bool
	}{
		{amount: "100", places: 0, want: true},
		{amount: "100.00", places: 0, want: true},
		{amount: "100.5", places: 0, want: false},
		{amount: "100.5", places: 2, want: true},
		{amount: "100.505", places: 2, want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hasPlaces(decimal.RequireFromString(tt.amount), tt.places), "hasPlaces(%s, %d)", tt.amount, tt.places)
	}
}

func TestEntry_IsOverdueAt(t *testing.T) {
	due := date(2024, 4, 10)
	entry := Entry{
		Status:          StatusPending,
		DueDate:         &due,
		Amount:          decimal.NewFromInt(100),
		RemainingAmount: decimal.NewFromInt(100),
	}

	assert.False(t, entry.IsOverdueAt(date(2024, 4, 9)))
	assert.False(t, entry.IsOverdueAt(due.Add(23*time.Hour)), "due today")
	assert.True(t, entry.IsOverdueAt(date(2024, 4, 11)))

	noDue := entry
	noDue.DueDate = nil
	assert.False(t, noDue.IsOverdueAt(date(2030, 1, 1)))

	overdue := entry
	overdue.Status = StatusOverdue
	assert.False(t, overdue.IsOverdueAt(date(2024, 4, 11)))
}

func TestEntry_CheckInvariants(t *testing.T) {
	valid := Entry{
		Status:          StatusPending,
		PaymentType:     PaymentSingle,
		OriginalAmount:  decimal.NewFromInt(100),
		DiscountAmount:  decimal.NewNullDecimal(decimal.NewFromInt(10)),
		Amount:          decimal.NewFromInt(90),
		PaidAmount:      decimal.NewFromInt(40),
		RemainingAmount: decimal.NewFromInt(50),
	}
	assert.NoError(t, valid.CheckInvariants())

	tests := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{name: "unknown status", mutate: func(e *Entry) { e.Status = "lost" }},
		{name: "negative paid amount", mutate: func(e *Entry) { e.PaidAmount = decimal.NewFromInt(-1); e.RemainingAmount = decimal.NewFromInt(91) }},
		{name: "overpaid", mutate: func(e *Entry) { e.PaidAmount = decimal.NewFromInt(91); e.RemainingAmount = decimal.NewFromInt(-1) }},
		{name: "remaining drift", mutate: func(e *Entry) { e.RemainingAmount = decimal.NewFromInt(49) }},
		{name: "completed with balance", mutate: func(e *Entry) { e.Status = StatusCompleted }},
		{name: "fully paid but pending", mutate: func(e *Entry) { e.PaidAmount = e.Amount; e.RemainingAmount = decimal.Zero }},
		{name: "discount mismatch", mutate: func(e *Entry) { e.DiscountAmount = decimal.NewNullDecimal(decimal.NewFromInt(5)) }},
		{name: "installment out of range", mutate: func(e *Entry) { e.PlanID = "plan"; e.InstallmentNumber = 4; e.TotalInstallments = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			assert.Error(t, e.CheckInvariants())
		})
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
