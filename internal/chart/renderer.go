package chart

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"

	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/signal"
)

const (
	defaultChartWidth  = 960
	defaultChartHeight = 640
	maxChartCandles    = 120
	MimeTypePNG        = "image/png"
)

var (
	colBackground = color.RGBA{R: 250, G: 252, B: 255, A: 255}
	colGrid       = color.RGBA{R: 225, G: 232, B: 240, A: 255}
	colBull       = color.RGBA{R: 18, G: 140, B: 126, A: 255}
	colBear       = color.RGBA{R: 210, G: 61, B: 87, A: 255}
	colWick       = color.RGBA{R: 58, G: 64, B: 90, A: 255}
	colMarker     = color.RGBA{R: 62, G: 106, B: 214, A: 255}
	colFast       = color.RGBA{R: 62, G: 106, B: 214, A: 255}
	colSlow       = color.RGBA{R: 255, G: 149, B: 0, A: 255}
	colBand       = color.RGBA{R: 104, G: 122, B: 146, A: 255}
	colVolume     = color.RGBA{R: 120, G: 139, B: 164, A: 255}
)

var ErrNotEnoughPoints = errors.New("need at least 2 points to render chart")

// Renderer draws the summary chart: candles with EMA12/26 and Bollinger
// overlays on the main pane, MACD (or volume while MACD is warming up) below
// it, a stochastic RSI pane at the bottom once it is available, and a marker
// per circuit-breaker alert.
type Renderer struct {
	width  int
	height int
}

func NewRenderer() *Renderer {
	return &Renderer{width: defaultChartWidth, height: defaultChartHeight}
}

func (r *Renderer) Render(series domain.Series, set domain.IndicatorSet) (*domain.ChartImage, error) {
	points := series.Points
	if len(points) < 2 {
		return nil, ErrNotEnoughPoints
	}
	// Indicators are computed over the full series so the visible window
	// starts warmed up.
	closes := series.Closes()
	ema12 := signal.EMASeries(closes, 12)
	ema26 := signal.EMASeries(closes, 26)
	upper, mid, lower := signal.BollingerSeries(closes, 20, 2)
	macdLine, signalLine := signal.MACDSeries(closes, 12, 26, 9)
	stochK, stochD := signal.StochRSISeries(closes, 14, 14, 3, 3)
	volumes := series.Volumes()

	if len(points) > maxChartCandles {
		cut := len(points) - maxChartCandles
		points = points[cut:]
		ema12, ema26 = ema12[cut:], ema26[cut:]
		upper, mid, lower = upper[cut:], mid[cut:], lower[cut:]
		macdLine, signalLine = macdLine[cut:], signalLine[cut:]
		stochK, stochD = stochK[cut:], stochD[cut:]
		volumes = volumes[cut:]
	}

	img := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	fillRect(img, img.Bounds(), colBackground)

	mainRect, auxRect, stochRect := r.panes(set.StochRSI != nil)
	drawGrid(img, mainRect, 8, 6)
	drawGrid(img, auxRect, 8, 3)

	minP, maxP := priceBounds(points)
	if lo, _ := finiteBounds(lower); lo < minP {
		minP = lo
	}
	if _, hi := finiteBounds(upper); hi > maxP {
		maxP = hi
	}
	drawCandles(img, mainRect, points, minP, maxP)
	drawSeries(img, mainRect, upper, minP, maxP, colBand)
	drawSeries(img, mainRect, mid, minP, maxP, colBand)
	drawSeries(img, mainRect, lower, minP, maxP, colBand)
	drawSeries(img, mainRect, ema12, minP, maxP, colFast)
	drawSeries(img, mainRect, ema26, minP, maxP, colSlow)

	lastX := mapIndexToX(len(points)-1, len(points), mainRect)
	drawLine(img, lastX, mainRect.Min.Y, lastX, mainRect.Max.Y, colMarker)
	drawAlertMarkers(img, mainRect, lastX, set.Alerts)

	if set.MACD != nil {
		drawMACD(img, auxRect, macdLine, signalLine)
	} else {
		minV, maxV := finiteBounds(volumes)
		drawBars(img, auxRect, volumes, math.Min(0, minV), maxV, colVolume)
	}
	if !stochRect.Empty() {
		drawGrid(img, stochRect, 8, 2)
		drawStochRSI(img, stochRect, stochK, stochD)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &domain.ChartImage{
		MimeType: MimeTypePNG,
		Width:    r.width,
		Height:   r.height,
		Bytes:    buf.Bytes(),
	}, nil
}

// panes splits the canvas. The stochastic pane is empty unless requested.
func (r *Renderer) panes(stoch bool) (mainRect, auxRect, stochRect image.Rectangle) {
	if !stoch {
		mainRect = image.Rect(60, 20, r.width-20, (r.height*72)/100)
		auxRect = image.Rect(60, mainRect.Max.Y+16, r.width-20, r.height-30)
		return mainRect, auxRect, image.Rectangle{}
	}
	mainRect = image.Rect(60, 20, r.width-20, (r.height*62)/100)
	auxRect = image.Rect(60, mainRect.Max.Y+12, r.width-20, (r.height*80)/100)
	stochRect = image.Rect(60, auxRect.Max.Y+12, r.width-20, r.height-24)
	return mainRect, auxRect, stochRect
}

func priceBounds(points []domain.PricePoint) (float64, float64) {
	minPrice := points[0].Low
	maxPrice := points[0].High
	for _, p := range points {
		minPrice = math.Min(minPrice, p.Low)
		maxPrice = math.Max(maxPrice, p.High)
	}
	if maxPrice <= minPrice {
		maxPrice = minPrice + 1
	}
	return minPrice, maxPrice
}

func drawCandles(img *image.RGBA, rect image.Rectangle, points []domain.PricePoint, minPrice, maxPrice float64) {
	candleWidth := max(3, (rect.Dx()-10)/len(points)-1)
	for i, p := range points {
		x := mapIndexToX(i, len(points), rect)
		highY := mapValueToY(p.High, minPrice, maxPrice, rect)
		lowY := mapValueToY(p.Low, minPrice, maxPrice, rect)
		drawLine(img, x, highY, x, lowY, colWick)

		openY := mapValueToY(p.Open, minPrice, maxPrice, rect)
		closeY := mapValueToY(p.Close, minPrice, maxPrice, rect)
		top := min(openY, closeY)
		bottom := max(openY, closeY)
		if bottom-top < 2 {
			bottom = top + 2
		}

		bodyColor := colBull
		if p.Close < p.Open {
			bodyColor = colBear
		}
		fillRect(img, image.Rect(x-candleWidth/2, top, x+candleWidth/2+1, bottom+1), bodyColor)
	}
}

func drawMACD(img *image.RGBA, rect image.Rectangle, macdLine, signalLine []float64) {
	hist := make([]float64, len(macdLine))
	for i := range macdLine {
		hist[i] = macdLine[i] - signalLine[i]
	}
	minV, maxV := finiteBounds(macdLine)
	minS, maxS := finiteBounds(signalLine)
	minH, maxH := finiteBounds(hist)
	minV = math.Min(minV, math.Min(minS, minH))
	maxV = math.Max(maxV, math.Max(maxS, maxH))
	drawHorizontalValueLine(img, rect, 0, minV, maxV, colBand)
	drawBars(img, rect, hist, minV, maxV, colVolume)
	drawSeries(img, rect, macdLine, minV, maxV, colFast)
	drawSeries(img, rect, signalLine, minV, maxV, colSlow)
}

// drawStochRSI plots %K and %D on a fixed 0..100 scale with 20/80 guides.
func drawStochRSI(img *image.RGBA, rect image.Rectangle, k, d []float64) {
	drawHorizontalValueLine(img, rect, 80, 0, 100, colBand)
	drawHorizontalValueLine(img, rect, 20, 0, 100, colBand)
	drawSeries(img, rect, k, 0, 100, colFast)
	drawSeries(img, rect, d, 0, 100, colSlow)
}

// drawAlertMarkers stacks one square per alert along the top of the last
// candle, colored by direction.
func drawAlertMarkers(img *image.RGBA, rect image.Rectangle, x int, alerts []domain.CircuitBreakerAlert) {
	const size = 8
	for i, a := range alerts {
		col := colWick
		switch a.Direction {
		case domain.DirectionLong:
			col = colBull
		case domain.DirectionShort:
			col = colBear
		}
		y := rect.Min.Y + 4 + i*(size+4)
		fillRect(img, image.Rect(x-size-2, y, x-2, y+size), col)
	}
}

func drawSeries(img *image.RGBA, rect image.Rectangle, series []float64, minV, maxV float64, col color.RGBA) {
	lastX, lastY := -1, -1
	for i, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			lastX, lastY = -1, -1
			continue
		}
		x := mapIndexToX(i, len(series), rect)
		y := mapValueToY(v, minV, maxV, rect)
		if lastX >= 0 {
			drawLine(img, lastX, lastY, x, y, col)
		}
		lastX, lastY = x, y
	}
}

func drawBars(img *image.RGBA, rect image.Rectangle, series []float64, minV, maxV float64, col color.RGBA) {
	if len(series) == 0 {
		return
	}
	barW := max(1, (rect.Dx()-10)/len(series)-1)
	zeroY := mapValueToY(0, minV, maxV, rect)
	for i, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		x := mapIndexToX(i, len(series), rect)
		y := mapValueToY(v, minV, maxV, rect)
		top := min(y, zeroY)
		bottom := max(y, zeroY)
		fillRect(img, image.Rect(x-barW/2, top, x+barW/2+1, bottom+1), col)
	}
}

func drawGrid(img *image.RGBA, rect image.Rectangle, verticalLines, horizontalLines int) {
	for i := 0; i <= verticalLines; i++ {
		x := rect.Min.X + (rect.Dx()*i)/max(1, verticalLines)
		drawLine(img, x, rect.Min.Y, x, rect.Max.Y, colGrid)
	}
	for i := 0; i <= horizontalLines; i++ {
		y := rect.Min.Y + (rect.Dy()*i)/max(1, horizontalLines)
		drawLine(img, rect.Min.X, y, rect.Max.X, y, colGrid)
	}
}

func drawHorizontalValueLine(img *image.RGBA, rect image.Rectangle, value, minV, maxV float64, col color.RGBA) {
	y := mapValueToY(value, minV, maxV, rect)
	drawLine(img, rect.Min.X, y, rect.Max.X, y, col)
}

func mapIndexToX(idx, total int, rect image.Rectangle) int {
	if total <= 1 {
		return rect.Min.X
	}
	return rect.Min.X + (idx*(rect.Dx()-1))/(total-1)
}

func mapValueToY(value, minV, maxV float64, rect image.Rectangle) int {
	if maxV <= minV {
		return rect.Max.Y
	}
	ratio := (value - minV) / (maxV - minV)
	ratio = math.Max(0, math.Min(1, ratio))
	return rect.Max.Y - int(ratio*float64(rect.Dy()-1))
}

func finiteBounds(values []float64) (float64, float64) {
	minV := math.Inf(1)
	maxV := math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	if math.IsInf(minV, 1) || math.IsInf(maxV, -1) {
		return 0, 1
	}
	if minV == maxV {
		return minV, maxV + 1
	}
	return minV, maxV
}
