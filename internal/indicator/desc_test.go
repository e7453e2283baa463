package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSegments(t *testing.T) {
	assert.Equal(t, []string{"RSI=25.31 -> BUY", "StochRSI=12.0"}, SplitSegments(" RSI=25.31 -> BUY |StochRSI=12.0| "))
	assert.Empty(t, SplitSegments(""))
}

func TestExtractMetrics(t *testing.T) {
	segments := SplitSegments("RSI=25.31 -> BUY | StochRSI=12.0 | StochRSI cross -> SELL | WR=-85.5")

	testCases := []struct {
		key    string
		value  string
		action string
	}{
		{"rsi", "25.31", "buy"},
		{"stoch_rsi", "12.0", "sell"},
		{"willr", "-85.5", ""},
		{"macd", "", ""},
		{"", "", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			value, action := ExtractMetrics(tc.key, segments)
			assert.Equal(t, tc.value, value)
			assert.Equal(t, tc.action, action)
		})
	}
}

func TestExtractMetricsArrowVariants(t *testing.T) {
	segments := SplitSegments("RSI <= 30.00 → BUY | WR=-91.2 →SELL")

	value, action := ExtractMetrics("rsi", segments)
	assert.Equal(t, "30.00", value)
	assert.Equal(t, "buy", action)

	value, action = ExtractMetrics("willr", segments)
	assert.Equal(t, "-91.2", value)
	assert.Equal(t, "sell", action)
}

func TestExtractMetricsMalformed(t *testing.T) {
	assert.NotPanics(t, func() {
		value, action := ExtractMetrics("rsi", []string{"RSI=", "-> ", "RSI ->"})
		assert.Equal(t, "", value)
		assert.Equal(t, "", action)
	})
}
