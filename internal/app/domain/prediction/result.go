package prediction

import "encoding/json"

// Result sources.
const (
	SourceEngine   = "engine"
	SourceFallback = "fallback"
)

// Forecast is one day of a prediction. Changes are percentages:
// ChangeFromPrevious against the prior day (the current price for day one),
// ChangeFromCurrent against the price the forecast started from.
type Forecast struct {
	DayIndex           int     `json:"day_index"`
	Date               string  `json:"date"`
	Price              float64 `json:"price"`
	ChangeFromPrevious float64 `json:"change_from_previous"`
	ChangeFromCurrent  float64 `json:"change_from_current"`
}

// ResultPayload is the canonical shape stored on a DONE job.
type ResultPayload struct {
	Symbol       string     `json:"symbol"`
	ForecastDate string     `json:"forecast_date"`
	Source       string     `json:"source"`
	ModelType    string     `json:"model_type,omitempty"`
	Forecasts    []Forecast `json:"forecasts"`

	// EngineDetails is set only for engine results.
	EngineDetails *EngineDetails `json:"engine_details,omitempty"`
}

// EngineDetails records the engine's answer before it was fitted to the
// requested horizon.
type EngineDetails struct {
	ModelType      string          `json:"model_type,omitempty"`
	FeaturesUsed   json.RawMessage `json:"features_used,omitempty"`
	RawPredictions []RawPoint      `json:"raw_predictions,omitempty"`
	RawPrediction  *float64        `json:"raw_prediction,omitempty"`
}

// RawPoint is one dated price as returned by the engine.
type RawPoint struct {
	Date  string  `json:"date,omitempty"`
	Price float64 `json:"price"`
}

// ErrorPayload is stored on a job that ends in ERROR.
type ErrorPayload struct {
	Error string `json:"error"`
}
