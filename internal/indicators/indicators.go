// Package indicators provides the local technical-indicator fallback used by
// the pre-market scanner when the external compute_indicators capability is
// unavailable (spec: indicator computation is "delegated... when available").
//
// All functions are stateless and deterministic — given the same candle
// slice, they return the same result.
package indicators

import "math"

// Candle represents a single OHLCV bar, exchange-local calendar day.
type Candle struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// ATR computes the Average True Range over the given period.
// True Range = max(high-low, |high-prevClose|, |low-prevClose|).
// Falls back to the last candle's range if there isn't enough history.
func ATR(candles []Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if len(candles) < period+1 {
		last := candles[len(candles)-1]
		return last.High - last.Low
	}

	var totalTR float64
	for i := len(candles) - period; i < len(candles); i++ {
		curr := candles[i]
		prev := candles[i-1]

		tr1 := curr.High - curr.Low
		tr2 := math.Abs(curr.High - prev.Close)
		tr3 := math.Abs(curr.Low - prev.Close)

		totalTR += math.Max(tr1, math.Max(tr2, tr3))
	}

	return totalTR / float64(period)
}

// RSI computes the Relative Strength Index over the given period using
// Wilder smoothing. Returns 50 (neutral) if there isn't enough history.
func RSI(candles []Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gainSum += change
		} else {
			lossSum += math.Abs(change)
		}
	}

	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		var gain, loss float64
		if change > 0 {
			gain = change
		} else {
			loss = math.Abs(change)
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// SMA computes the simple moving average of closing prices over period.
func SMA(candles []Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	var sum float64
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// VWAP computes the volume-weighted average price over the full slice.
func VWAP(candles []Candle) float64 {
	var pv, vol float64
	for _, c := range candles {
		typicalPrice := (c.High + c.Low + c.Close) / 3
		pv += typicalPrice * float64(c.Volume)
		vol += float64(c.Volume)
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// ROC computes the rate of change (fraction, not percent) over period.
func ROC(candles []Candle, period int) float64 {
	if len(candles) < period+1 || period <= 0 {
		return 0
	}

	current := candles[len(candles)-1].Close
	past := candles[len(candles)-1-period].Close
	if past == 0 {
		return 0
	}
	return (current - past) / past
}

// HighestHigh returns the highest high over the last period candles.
func HighestHigh(candles []Candle, period int) float64 {
	if len(candles) == 0 || period <= 0 {
		return 0
	}
	start := len(candles) - period
	if start < 0 {
		start = 0
	}
	highest := candles[start].High
	for i := start + 1; i < len(candles); i++ {
		if candles[i].High > highest {
			highest = candles[i].High
		}
	}
	return highest
}

// LowestLow returns the lowest low over the last period candles.
func LowestLow(candles []Candle, period int) float64 {
	if len(candles) == 0 || period <= 0 {
		return 0
	}
	start := len(candles) - period
	if start < 0 {
		start = 0
	}
	lowest := candles[start].Low
	for i := start + 1; i < len(candles); i++ {
		if candles[i].Low < lowest {
			lowest = candles[i].Low
		}
	}
	return lowest
}

// AverageVolume computes the average volume over the last period candles.
func AverageVolume(candles []Candle, period int) float64 {
	if len(candles) == 0 || period <= 0 {
		return 0
	}
	start := len(candles) - period
	if start < 0 {
		start = 0
	}
	var total float64
	count := 0
	for i := start; i < len(candles); i++ {
		total += float64(candles[i].Volume)
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// Snapshot bundles the indicator set the scanner attaches to a watchlist
// entry as its opaque JSON blob.
type Snapshot struct {
	ATR14       float64 `json:"atr_14"`
	RSI14       float64 `json:"rsi_14"`
	SMA20       float64 `json:"sma_20"`
	SMA50       float64 `json:"sma_50"`
	VWAP        float64 `json:"vwap"`
	ROC10       float64 `json:"roc_10"`
	AvgVolume20 float64 `json:"avg_volume_20"`
}

// Compute builds a Snapshot from the candle history ending at the scanned day.
func Compute(candles []Candle) Snapshot {
	return Snapshot{
		ATR14:       ATR(candles, 14),
		RSI14:       RSI(candles, 14),
		SMA20:       SMA(candles, 20),
		SMA50:       SMA(candles, 50),
		VWAP:        VWAP(candles),
		ROC10:       ROC(candles, 10),
		AvgVolume20: AverageVolume(candles, 20),
	}
}
