package indicator

// DisplayNames is the indicator registry: canonical key -> display name, as shown by the strategy engine.
var DisplayNames = map[string]string{
	"ma":         "Moving Average (MA)",
	"donchian":   "Donchian Channels (DC)",
	"psar":       "Parabolic SAR (PSAR)",
	"bb":         "Bollinger Bands (BB)",
	"rsi":        "Relative Strength Index (RSI)",
	"volume":     "Volume",
	"stoch_rsi":  "Stochastic RSI (SRSI)",
	"willr":      "Williams %R",
	"macd":       "Moving Average Convergence/Divergence (MACD)",
	"uo":         "Ultimate Oscillator (UO)",
	"adx":        "Average Directional Index (ADX)",
	"dmi":        "Directional Movement Index (DMI)",
	"supertrend": "SuperTrend (ST)",
	"ema":        "Exponential Moving Average (EMA)",
	"stochastic": "Stochastic Oscillator",
}

// aliasSets are the hand-maintained spellings seen in trigger payloads and log lines.
// Tokens are compared after lower-casing and stripping everything but letters and digits.
var aliasSets = map[string][]string{
	"stoch_rsi":  {"stochrsi", "srsi", "stochasticrsi", "stochrsik", "stochrsid"},
	"willr":      {"willr", "williamsr", "williams", "wr", "wpr", "williamspercentr"},
	"rsi":        {"rsi", "relativestrengthindex", "relativestrength"},
	"ma":         {"ma", "sma", "movingaverage"},
	"ema":        {"ema", "exponentialmovingaverage"},
	"bb":         {"bb", "bbands", "bollinger", "bollingerbands"},
	"donchian":   {"donchian", "dc", "donchianchannel", "donchianchannels"},
	"psar":       {"psar", "sar", "parabolicsar"},
	"macd":       {"macd"},
	"uo":         {"uo", "ultimate", "ultimateoscillator"},
	"adx":        {"adx", "averagedirectionalindex"},
	"dmi":        {"dmi", "directionalmovementindex"},
	"supertrend": {"supertrend", "st"},
	"volume":     {"volume"},
	"stochastic": {"stochastic", "stoch", "stochasticoscillator", "kd"},
}
