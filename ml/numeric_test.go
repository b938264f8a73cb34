package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeFloatsRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		dtype DType
		vals  []float32
	}{
		{"f32", DTypeF32, []float32{1, -2.5, 3.25, 0}},
		{"f16", DTypeF16, []float32{1, -2.5, 0.5, 0}},
		{"bf16", DTypeBF16, []float32{1, -2, 4, 0}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw := EncodeFloats(c.dtype, c.vals)
			got := DecodeFloats(c.dtype, raw)
			require.Len(t, got, len(c.vals))
			assert.Equal(t, c.vals, got)
		})
	}
}

func TestDecodeFloatsUnknownDtype(t *testing.T) {
	assert.Nil(t, DecodeFloats(DTypeQ80, []byte{1, 2, 3, 4}))
}
