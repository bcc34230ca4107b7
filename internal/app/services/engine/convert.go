package engine

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
)

const dateLayout = "2006-01-02"

// ConvertToJobResult normalises an engine result into the stored payload,
// sized to the requested horizon. Longer lists are truncated; shorter lists
// and scalars are extended by a random walk from the last known price. Dates
// missing from the engine are counted from anchor.
func ConvertToJobResult(res Result, in prediction.Input, rng *rand.Rand, anchor time.Time) prediction.ResultPayload {
	horizon := in.Period
	if horizon <= 0 {
		horizon = prediction.DefaultPeriod
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	prices := make([]float64, 0, horizon)
	dates := make([]string, 0, horizon)
	switch res.Kind {
	case ResultList:
		for i, p := range res.Points {
			if i == horizon {
				break
			}
			prices = append(prices, p.Price)
			dates = append(dates, p.Date)
		}
	case ResultScalar:
		prices = append(prices, res.Value)
		dates = append(dates, "")
	}

	last := res.CurrentPrice
	if len(prices) > 0 {
		last = prices[len(prices)-1]
	}
	for day := len(prices) + 1; day <= horizon; day++ {
		volatility := 0.01 * float64(day)
		change := uniform(rng, -volatility, volatility*1.5)
		last = last * (1 + change)
		prices = append(prices, last)
		dates = append(dates, "")
	}

	forecastDate := res.Timestamp
	if forecastDate == "" {
		forecastDate = anchor.UTC().Format(time.RFC3339)
	}

	return prediction.ResultPayload{
		Symbol:        in.Symbol(),
		ForecastDate:  forecastDate,
		Source:        prediction.SourceEngine,
		ModelType:     res.ModelType,
		Forecasts:     buildForecasts(prices, dates, res.CurrentPrice, anchor),
		EngineDetails: engineDetails(res),
	}
}

func engineDetails(res Result) *prediction.EngineDetails {
	details := &prediction.EngineDetails{
		ModelType:    res.ModelType,
		FeaturesUsed: append(json.RawMessage(nil), res.FeaturesUsed...),
	}
	switch res.Kind {
	case ResultList:
		details.RawPredictions = make([]prediction.RawPoint, 0, len(res.Points))
		for _, p := range res.Points {
			details.RawPredictions = append(details.RawPredictions, prediction.RawPoint{Date: p.Date, Price: p.Price})
		}
	case ResultScalar:
		value := res.Value
		details.RawPrediction = &value
	}
	return details
}

// ErrFallbackFailed is returned when the synthetic predictor has nothing to
// work from.
var ErrFallbackFailed = errors.New("fallback prediction failed")

// Fallback produces a synthetic forecast: each day moves uniformly between -5%
// and +10% from the previous one, starting at the input's current price. The
// same seed always yields the same prices.
func Fallback(in prediction.Input, seed int64, anchor time.Time) (prediction.ResultPayload, error) {
	if in.Period <= 0 {
		return prediction.ResultPayload{}, errors.Join(ErrFallbackFailed, errors.New("horizon must be positive"))
	}
	if in.CurrentPrice <= 0 || math.IsNaN(in.CurrentPrice) || math.IsInf(in.CurrentPrice, 0) {
		return prediction.ResultPayload{}, errors.Join(ErrFallbackFailed, errors.New("current price must be positive"))
	}

	rng := rand.New(rand.NewSource(seed))
	prices := make([]float64, 0, in.Period)
	dates := make([]string, in.Period)
	price := in.CurrentPrice
	for day := 1; day <= in.Period; day++ {
		price = price * (1 + uniform(rng, -0.05, 0.10))
		prices = append(prices, price)
	}

	return prediction.ResultPayload{
		Symbol:       in.Symbol(),
		ForecastDate: anchor.UTC().Format(time.RFC3339),
		Source:       prediction.SourceFallback,
		Forecasts:    buildForecasts(prices, dates, in.CurrentPrice, anchor),
	}, nil
}

// SeedFor derives a stable random seed from a job id.
func SeedFor(jobID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64())
}

func buildForecasts(prices []float64, dates []string, current float64, anchor time.Time) []prediction.Forecast {
	forecasts := make([]prediction.Forecast, 0, len(prices))
	prev := current
	for i, price := range prices {
		day := i + 1
		date := dates[i]
		if date == "" {
			date = anchor.UTC().AddDate(0, 0, day).Format(dateLayout)
		}
		forecasts = append(forecasts, prediction.Forecast{
			DayIndex:           day,
			Date:               date,
			Price:              round2(price),
			ChangeFromPrevious: percentChange(prev, price),
			ChangeFromCurrent:  percentChange(current, price),
		})
		prev = price
	}
	return forecasts
}

func percentChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return round2((to - from) / from * 100)
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
