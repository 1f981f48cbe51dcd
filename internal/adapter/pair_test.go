package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePair(t *testing.T) {
	testCases := []struct {
		desc     string
		input    string
		expected Pair
		wantErr  bool
	}{
		{"BTC USDT", "BTC/USDT", Pair{"BTC", "USDT"}, false},
		{"lower case", "eth/usdc", Pair{"ETH", "USDC"}, false},
		{"padded", " sol / usdt ", Pair{"SOL", "USDT"}, false},
		{"no separator", "BTCUSDT", Pair{}, true},
		{"empty quote", "BTC/", Pair{}, true},
		{"same asset", "BTC/BTC", Pair{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			p, err := ParsePair(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, p)
			assert.Equal(t, tc.expected.Base+"/"+tc.expected.Quote, p.String())
		})
	}
}

func TestPairZero(t *testing.T) {
	assert.True(t, Pair{}.IsZero())
	assert.Equal(t, "", Pair{}.String())
	assert.False(t, NewPair("btc", "usdt").IsZero())
}
