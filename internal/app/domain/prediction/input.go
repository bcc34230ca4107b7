package prediction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	DefaultCoin         = "btc"
	DefaultPeriod       = 7
	DefaultCurrentPrice = 50000.0
	MaxPeriod           = 365
)

// ErrInvalidInput marks a malformed job input payload.
var ErrInvalidInput = errors.New("invalid prediction input")

// Input is the typed view of a job's opaque input payload. Unknown keys are
// preserved in the stored payload and ignored here.
type Input struct {
	Coin         string
	Period       int
	CurrentPrice float64
}

// Symbol renders the trading pair shown in results.
func (in Input) Symbol() string {
	return strings.ToUpper(in.Coin) + "/USD"
}

// ParseInput extracts the prediction parameters from a raw payload, applying
// defaults for absent keys.
func ParseInput(raw json.RawMessage) (Input, error) {
	in := Input{Coin: DefaultCoin, Period: DefaultPeriod, CurrentPrice: DefaultCurrentPrice}
	if len(raw) == 0 {
		return in, nil
	}
	if !gjson.ValidBytes(raw) {
		return Input{}, fmt.Errorf("%w: not valid json", ErrInvalidInput)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Input{}, fmt.Errorf("%w: expected an object", ErrInvalidInput)
	}

	if coin := doc.Get("coin"); coin.Exists() {
		if coin.Type != gjson.String || strings.TrimSpace(coin.Str) == "" {
			return Input{}, fmt.Errorf("%w: coin must be a non-empty string", ErrInvalidInput)
		}
		in.Coin = strings.ToLower(strings.TrimSpace(coin.Str))
	}

	if period := doc.Get("period"); period.Exists() {
		if period.Type != gjson.Number || period.Num != float64(int(period.Num)) {
			return Input{}, fmt.Errorf("%w: period must be an integer", ErrInvalidInput)
		}
		p := int(period.Num)
		if p < 1 || p > MaxPeriod {
			return Input{}, fmt.Errorf("%w: period must be between 1 and %d", ErrInvalidInput, MaxPeriod)
		}
		in.Period = p
	}

	if price := doc.Get("current_price"); price.Exists() {
		if price.Type != gjson.Number || price.Num <= 0 {
			return Input{}, fmt.Errorf("%w: current_price must be a positive number", ErrInvalidInput)
		}
		in.CurrentPrice = price.Num
	}

	return in, nil
}
