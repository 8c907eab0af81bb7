package signal

import (
	"fmt"
	"math"
	"sort"

	"signal-kitchen/internal/domain"
)

const (
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
	bollingerPeriod  = 20
	bollingerStdDevs = 2.0
	rsiPeriod        = 14
	stochPeriod      = 14
	stochKPeriod     = 3
	stochDPeriod     = 3

	returnWindow         = 20
	volatilityZThreshold = 3.0
	volumeWindow         = 20
	volumeZThreshold     = 2.0
	squeezeThreshold     = 0.08
)

// DefaultEMAPeriods always includes the MACD fast/slow periods.
var DefaultEMAPeriods = []int{9, 12, 21, 26, 50}

// AnomalyScorer scores the latest bar of a series in [0, 1].
type AnomalyScorer interface {
	ScoreLatest(series domain.Series) (float64, error)
}

type Engine struct {
	emaPeriods       []int
	anomaly          AnomalyScorer
	anomalyThreshold float64
}

func NewEngine(emaPeriods []int) *Engine {
	if len(emaPeriods) == 0 {
		emaPeriods = DefaultEMAPeriods
	}
	periods := make([]int, 0, len(emaPeriods))
	seen := make(map[int]struct{}, len(emaPeriods))
	for _, p := range emaPeriods {
		if p <= 0 {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		periods = append(periods, p)
	}
	sort.Ints(periods)
	return &Engine{emaPeriods: periods}
}

// WithAnomalyScorer adds an anomaly alert raised when the latest bar scores
// at or above threshold.
func (e *Engine) WithAnomalyScorer(scorer AnomalyScorer, threshold float64) *Engine {
	e.anomaly = scorer
	e.anomalyThreshold = threshold
	return e
}

// Compute derives the indicator set for one bucket. It never fails: fields
// without enough history are left nil.
func (e *Engine) Compute(series domain.Series, tf domain.Timeframe, bucket int64) domain.IndicatorSet {
	closes := series.Closes()
	set := domain.IndicatorSet{
		Asset:     series.Asset,
		Timeframe: tf,
		Bucket:    bucket,
		Points:    len(closes),
		EMA:       make(map[int]*float64, len(e.emaPeriods)),
	}
	if len(closes) > 0 {
		set.Close = ptr(closes[len(closes)-1])
	}

	for _, period := range e.emaPeriods {
		set.EMA[period] = lastFinite(EMASeries(closes, period))
	}

	if len(closes) >= bollingerPeriod {
		upper, mid, lower := BollingerSeries(closes, bollingerPeriod, bollingerStdDevs)
		last := len(closes) - 1
		set.BB = &domain.BollingerBands{Upper: upper[last], Mid: mid[last], Lower: lower[last]}
	}

	if len(closes) >= macdSlowPeriod+macdSignalPeriod {
		macdLine, signalLine := MACDSeries(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
		last := len(closes) - 1
		set.MACD = &domain.MACD{
			MACDLine:   macdLine[last],
			SignalLine: signalLine[last],
			Histogram:  macdLine[last] - signalLine[last],
		}
	}

	k, d := StochRSISeries(closes, rsiPeriod, stochPeriod, stochKPeriod, stochDPeriod)
	if kLast, dLast := lastFinite(k), lastFinite(d); kLast != nil && dLast != nil {
		set.StochRSI = &domain.StochRSI{K: *kLast, D: *dLast}
	}

	set.Alerts = detectAlerts(series)
	if alert, ok := e.detectAnomaly(series); ok {
		set.Alerts = append(set.Alerts, alert)
	}
	return set
}

func (e *Engine) detectAnomaly(series domain.Series) (domain.CircuitBreakerAlert, bool) {
	if e.anomaly == nil || series.Len() < 2 {
		return domain.CircuitBreakerAlert{}, false
	}
	score, err := e.anomaly.ScoreLatest(series)
	if err != nil || score < e.anomalyThreshold {
		return domain.CircuitBreakerAlert{}, false
	}
	closes := series.Closes()
	return domain.CircuitBreakerAlert{
		Kind:      domain.AlertAnomaly,
		Direction: directionOf(closes[len(closes)-2], closes[len(closes)-1]),
		Value:     score,
		Details:   fmt.Sprintf("isolation forest score %.2f", score),
	}, true
}

func detectAlerts(series domain.Series) []domain.CircuitBreakerAlert {
	var alerts []domain.CircuitBreakerAlert
	for _, detect := range []func(domain.Series) (domain.CircuitBreakerAlert, bool){
		detectVolatilitySpike,
		detectVolumeSpike,
		detectBollingerBreakout,
		detectMACDCrossover,
	} {
		if alert, ok := detect(series); ok {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

func detectVolatilitySpike(series domain.Series) (domain.CircuitBreakerAlert, bool) {
	closes := series.Closes()
	if len(closes) < returnWindow+2 {
		return domain.CircuitBreakerAlert{}, false
	}
	absReturns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			return domain.CircuitBreakerAlert{}, false
		}
		absReturns = append(absReturns, math.Abs(closes[i]/closes[i-1]-1))
	}
	window := absReturns[len(absReturns)-1-returnWindow : len(absReturns)-1]
	mean, std := meanStd(window)
	if std == 0 {
		return domain.CircuitBreakerAlert{}, false
	}
	curr := absReturns[len(absReturns)-1]
	z := (curr - mean) / std
	if z < volatilityZThreshold {
		return domain.CircuitBreakerAlert{}, false
	}
	return domain.CircuitBreakerAlert{
		Kind:      domain.AlertVolatilitySpike,
		Direction: directionOf(closes[len(closes)-2], closes[len(closes)-1]),
		Value:     z,
		Details:   fmt.Sprintf("absolute return z-score %.2f", z),
	}, true
}

func detectVolumeSpike(series domain.Series) (domain.CircuitBreakerAlert, bool) {
	if series.Len() < volumeWindow+1 {
		return domain.CircuitBreakerAlert{}, false
	}
	volumes := series.Volumes()
	window := volumes[len(volumes)-1-volumeWindow : len(volumes)-1]
	mean, std := meanStd(window)
	if std == 0 {
		return domain.CircuitBreakerAlert{}, false
	}
	z := (volumes[len(volumes)-1] - mean) / std
	if z < volumeZThreshold {
		return domain.CircuitBreakerAlert{}, false
	}
	closes := series.Closes()
	return domain.CircuitBreakerAlert{
		Kind:      domain.AlertVolumeSpike,
		Direction: directionOf(closes[len(closes)-2], closes[len(closes)-1]),
		Value:     z,
		Details:   fmt.Sprintf("volume z-score %.2f", z),
	}, true
}

func detectBollingerBreakout(series domain.Series) (domain.CircuitBreakerAlert, bool) {
	closes := series.Closes()
	if len(closes) < bollingerPeriod+1 {
		return domain.CircuitBreakerAlert{}, false
	}

	prevIdx := len(closes) - 2
	currIdx := len(closes) - 1

	prevMean, prevStd := meanStd(closes[prevIdx-bollingerPeriod+1 : prevIdx+1])
	currMean, currStd := meanStd(closes[currIdx-bollingerPeriod+1 : currIdx+1])
	if prevMean == 0 || currMean == 0 {
		return domain.CircuitBreakerAlert{}, false
	}

	prevUpper := prevMean + bollingerStdDevs*prevStd
	prevLower := prevMean - bollingerStdDevs*prevStd
	currUpper := currMean + bollingerStdDevs*currStd
	currLower := currMean - bollingerStdDevs*currStd
	prevWidth := (prevUpper - prevLower) / prevMean
	if prevWidth > squeezeThreshold {
		return domain.CircuitBreakerAlert{}, false
	}

	prevClose := closes[prevIdx]
	currClose := closes[currIdx]
	if prevClose <= prevUpper && currClose > currUpper {
		return domain.CircuitBreakerAlert{
			Kind:      domain.AlertBollingerBreakout,
			Direction: domain.DirectionLong,
			Value:     prevWidth,
			Details:   fmt.Sprintf("squeeze breakout above upper band (width %.3f)", prevWidth),
		}, true
	}
	if prevClose >= prevLower && currClose < currLower {
		return domain.CircuitBreakerAlert{
			Kind:      domain.AlertBollingerBreakout,
			Direction: domain.DirectionShort,
			Value:     prevWidth,
			Details:   fmt.Sprintf("squeeze breakdown below lower band (width %.3f)", prevWidth),
		}, true
	}
	return domain.CircuitBreakerAlert{}, false
}

func detectMACDCrossover(series domain.Series) (domain.CircuitBreakerAlert, bool) {
	closes := series.Closes()
	if len(closes) < macdSlowPeriod+macdSignalPeriod+1 {
		return domain.CircuitBreakerAlert{}, false
	}
	macdLine, signalLine := MACDSeries(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
	prevDelta := macdLine[len(macdLine)-2] - signalLine[len(signalLine)-2]
	currDelta := macdLine[len(macdLine)-1] - signalLine[len(signalLine)-1]
	if math.IsNaN(prevDelta) || math.IsNaN(currDelta) {
		return domain.CircuitBreakerAlert{}, false
	}

	if prevDelta <= 0 && currDelta > 0 {
		return domain.CircuitBreakerAlert{
			Kind:      domain.AlertMACDCrossover,
			Direction: domain.DirectionLong,
			Value:     currDelta,
			Details:   fmt.Sprintf("macd bullish crossover (%.4f)", currDelta),
		}, true
	}
	if prevDelta >= 0 && currDelta < 0 {
		return domain.CircuitBreakerAlert{
			Kind:      domain.AlertMACDCrossover,
			Direction: domain.DirectionShort,
			Value:     currDelta,
			Details:   fmt.Sprintf("macd bearish crossover (%.4f)", currDelta),
		}, true
	}
	return domain.CircuitBreakerAlert{}, false
}

func directionOf(prev, curr float64) domain.SignalDirection {
	switch {
	case curr > prev:
		return domain.DirectionLong
	case curr < prev:
		return domain.DirectionShort
	}
	return domain.DirectionHold
}

// EMASeries returns an EMA aligned with values. Entries before index
// period-1 are NaN; the entry at period-1 is the SMA seed.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(values) < period {
		return out
	}

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	out[period-1] = seed / float64(period)

	alpha := 2.0 / (float64(period) + 1.0)
	for i := period; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// MACDSeries returns the macd and signal lines aligned with values, NaN
// where warm-up is incomplete.
func MACDSeries(values []float64, fast, slow, signal int) ([]float64, []float64) {
	fastEMA := EMASeries(values, fast)
	slowEMA := EMASeries(values, slow)
	macdLine := make([]float64, len(values))
	for i := range values {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}

	signalLine := make([]float64, len(values))
	for i := range signalLine {
		signalLine[i] = math.NaN()
	}
	start := firstFinite(macdLine)
	if start < 0 {
		return macdLine, signalLine
	}
	tail := EMASeries(macdLine[start:], signal)
	copy(signalLine[start:], tail)
	return macdLine, signalLine
}

// RSISeries returns Wilder's RSI aligned with values. The first value sits at
// index period; a window with no losses reads 100.
func RSISeries(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		g, l := change(values[i-1], values[i])
		gain += g
		loss += l
	}
	gain /= float64(period)
	loss /= float64(period)
	out[period] = rsiValue(gain, loss)

	for i := period + 1; i < len(values); i++ {
		g, l := change(values[i-1], values[i])
		gain = (gain*float64(period-1) + g) / float64(period)
		loss = (loss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

// StochRSISeries returns %K and %D of the stochastic RSI aligned with values.
// A flat RSI window reads 0 when RSI sits at the low and 100 otherwise.
func StochRSISeries(values []float64, period, stoch, kPeriod, dPeriod int) (k, d []float64) {
	rsi := RSISeries(values, period)
	raw := nanSeries(len(values))
	start := firstFinite(rsi)
	if start >= 0 && stoch > 0 {
		for i := start + stoch - 1; i < len(rsi); i++ {
			lo, hi := rsi[i], rsi[i]
			for _, v := range rsi[i-stoch+1 : i+1] {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			switch {
			case hi > lo:
				raw[i] = (rsi[i] - lo) / (hi - lo) * 100
			case rsi[i] == lo:
				raw[i] = 0
			default:
				raw[i] = 100
			}
		}
	}
	k = SMASeries(raw, kPeriod)
	d = SMASeries(k, dPeriod)
	return k, d
}

// SMASeries averages window values ending at each index. Leading NaNs are
// skipped, so the first result lands window-1 entries after the first finite
// value.
func SMASeries(values []float64, window int) []float64 {
	out := nanSeries(len(values))
	start := firstFinite(values)
	if window <= 0 || start < 0 {
		return out
	}
	var sum float64
	for i := start; i < len(values); i++ {
		sum += values[i]
		if i-start >= window {
			sum -= values[i-window]
		}
		if i-start >= window-1 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

func change(prev, curr float64) (gain, loss float64) {
	if curr > prev {
		return curr - prev, 0
	}
	return 0, prev - curr
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// BollingerSeries returns upper, mid and lower bands aligned with values.
func BollingerSeries(values []float64, window int, mult float64) (upper, mid, lower []float64) {
	upper = make([]float64, len(values))
	mid = make([]float64, len(values))
	lower = make([]float64, len(values))
	for i := range values {
		upper[i], mid[i], lower[i] = math.NaN(), math.NaN(), math.NaN()
		if window <= 0 || i < window-1 {
			continue
		}
		m, s := meanStd(values[i-window+1 : i+1])
		mid[i] = m
		upper[i] = m + mult*s
		lower[i] = m - mult*s
	}
	return upper, mid, lower
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	if len(values) == 1 {
		return mean, 0
	}
	for _, v := range values {
		d := v - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std
}

func firstFinite(values []float64) int {
	for i, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

func lastFinite(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	v := values[len(values)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return ptr(v)
}

func ptr(v float64) *float64 { return &v }
