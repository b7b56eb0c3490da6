package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeISBN(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plain", raw: "9780441172719", want: "9780441172719"},
		{name: "hyphenated", raw: "978-0-441-17271-9", want: "9780441172719"},
		{name: "spaced", raw: " 978 0553 293357 ", want: "9780553293357"},
		{name: "bad check digit", raw: "9780441172710", wantErr: true},
		{name: "too short", raw: "978044117271", wantErr: true},
		{name: "isbn10", raw: "0441172717", wantErr: true},
		{name: "wrong prefix", raw: "1234567890128", wantErr: true},
		{name: "letters", raw: "97804411727X9", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeISBN(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				assert.False(t, IsISBN13(tt.raw))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, IsISBN13(tt.raw))
		})
	}
}
