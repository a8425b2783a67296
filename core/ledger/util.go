package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
)

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func containsStatus(statuses []Status, st Status) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func containsPaymentType(types []PaymentType, pt PaymentType) bool {
	for _, t := range types {
		if t == pt {
			return true
		}
	}
	return false
}

// splitAmount divides `total` into `n` shares with `places` decimal places.
// Every share gets total/n truncated to `places`; the remaining units are given one by one
// to the first shares, so shares never differ by more than one unit and always sum to `total`.
func splitAmount(total decimal.Decimal, n int, places int32) []decimal.Decimal {
	units := total.Shift(places).Truncate(0)
	count := decimal.NewFromInt(int64(n))
	share := units.Div(count).Truncate(0)
	rem := units.Sub(share.Mul(count)).IntPart()

	shares := make([]decimal.Decimal, n)
	for i := range shares {
		s := share
		if int64(i) < rem {
			s = s.Add(decimal.NewFromInt(1))
		}
		shares[i] = s.Shift(-places)
	}
	return shares
}

// hasPlaces reports whether `d` can be represented with `places` decimal places.
func hasPlaces(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}
