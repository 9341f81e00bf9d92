// Package indicators implements the technical indicators shared by the risk
// manager and the strategy optimizer. All functions operate on plain float64
// series, newest value last, and return 0 when the series is too short.
package indicators

import "math"

// SMA returns the simple moving average of the last window values.
func SMA(values []float64, window int) float64 {
	if window <= 0 || len(values) < window {
		return 0
	}
	var sum float64
	for i := len(values) - window; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(window)
}

// EMA returns the exponential moving average of the series with the given window.
func EMA(values []float64, window int) float64 {
	if window <= 0 || len(values) < window {
		return 0
	}
	k := 2.0 / (float64(window) + 1.0)
	ema := SMA(values[:window], window)
	for i := window; i < len(values); i++ {
		ema = values[i]*k + ema*(1-k)
	}
	return ema
}

// RSI returns the Relative Strength Index over the given window.
func RSI(closes []float64, window int) float64 {
	if window <= 0 || len(closes) < window+1 {
		return 0
	}
	var gains, losses float64
	for i := len(closes) - window; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// trueRanges returns the true-range series. Element i corresponds to bar i+1
// of the input.
func trueRanges(high, low, close []float64) []float64 {
	n := len(close)
	if n < 2 || len(high) != n || len(low) != n {
		return nil
	}
	trs := make([]float64, n-1)
	for i := 1; i < n; i++ {
		tr := high[i] - low[i]
		if v := math.Abs(high[i] - close[i-1]); v > tr {
			tr = v
		}
		if v := math.Abs(low[i] - close[i-1]); v > tr {
			tr = v
		}
		trs[i-1] = tr
	}
	return trs
}

// ATR returns the average true range over the given period.
func ATR(high, low, close []float64, period int) float64 {
	trs := trueRanges(high, low, close)
	return SMA(trs, period)
}

// ATRSeries returns the rolling ATR for every bar where a full period of true
// ranges is available.
func ATRSeries(high, low, close []float64, period int) []float64 {
	trs := trueRanges(high, low, close)
	if period <= 0 || len(trs) < period {
		return nil
	}
	out := make([]float64, 0, len(trs)-period+1)
	for i := period; i <= len(trs); i++ {
		out = append(out, SMA(trs[:i], period))
	}
	return out
}

// BollingerWidth returns the normalized Bollinger band width
// (upper-lower)/middle for the last window values, using 2 standard deviations.
func BollingerWidth(closes []float64, window int) float64 {
	if window <= 0 || len(closes) < window {
		return 0
	}
	middle := SMA(closes, window)
	if middle == 0 {
		return 0
	}
	var variance float64
	for i := len(closes) - window; i < len(closes); i++ {
		d := closes[i] - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(window))
	return (4 * sd) / middle
}

// ADX returns the Average Directional Index over the given period, in the
// conventional 0-100 range.
func ADX(high, low, close []float64, period int) float64 {
	n := len(close)
	if period <= 0 || n < 2*period+1 || len(high) != n || len(low) != n {
		return 0
	}

	trs := trueRanges(high, low, close)
	plusDM := make([]float64, n-1)
	minusDM := make([]float64, n-1)
	for i := 1; i < n; i++ {
		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i-1] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i-1] = downMove
		}
	}

	// Build the DX series from rolling directional indicators, then average
	// the last period of it.
	dxs := make([]float64, 0, len(trs))
	for i := period; i <= len(trs); i++ {
		atr := SMA(trs[:i], period)
		if atr == 0 {
			continue
		}
		plusDI := 100 * SMA(plusDM[:i], period) / atr
		minusDI := 100 * SMA(minusDM[:i], period) / atr
		sum := plusDI + minusDI
		if sum == 0 {
			continue
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/sum)
	}
	if len(dxs) < period {
		return 0
	}
	return SMA(dxs, period)
}

// Max returns the maximum of the last window values, or 0 for a short series.
func Max(values []float64, window int) float64 {
	if window <= 0 || len(values) == 0 {
		return 0
	}
	start := len(values) - window
	if start < 0 {
		start = 0
	}
	max := values[start]
	for _, v := range values[start+1:] {
		if v > max {
			max = v
		}
	}
	return max
}
