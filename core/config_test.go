package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		places  int32
		wantErr bool
	}{
		{name: "no decimals", places: 0},
		{name: "cents", places: 2},
		{name: "negative", places: -1, wantErr: true},
		{name: "beyond the column scale", places: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := LedgerConfig{Currency: "COP", AmountPlaces: tt.places}.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.NoError(t, NewTestConfig().Ledger.Validate())
}
