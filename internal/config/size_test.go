package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "4096", want: 4096},
		{in: "1", want: 1},
		{in: "64k", want: 64 << 10},
		{in: "64K", want: 64 << 10},
		{in: "4m", want: 4 << 20},
		{in: "4M", want: 4 << 20},
		{in: "1g", want: 1 << 30},
		{in: "16G", want: 16 << 30},
		{in: " 8M ", want: 8 << 20},
		{in: "", wantErr: true},
		{in: "0", wantErr: true},
		{in: "0k", wantErr: true},
		{in: "M", wantErr: true},
		{in: "4T", wantErr: true},
		{in: "4MB", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "1.5G", wantErr: true},
		{in: "18446744073709551616", wantErr: true},
		{in: "17179869184G", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSize)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "1G", FormatSize(1<<30))
	assert.Equal(t, "256M", FormatSize(256<<20))
	assert.Equal(t, "4K", FormatSize(4096))
	assert.Equal(t, "1000", FormatSize(1000))
	assert.Equal(t, "0", FormatSize(0))
}
