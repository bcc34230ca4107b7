package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/metrics"
	"github.com/R3E-Network/prediction_layer/internal/httputil"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
	"github.com/tidwall/gjson"
)

// ErrEngineUnavailable wraps every way a call to the engine can fail: network,
// timeout, non-2xx status or an unusable body.
var ErrEngineUnavailable = errors.New("prediction engine unavailable")

// DefaultTimeout bounds a single engine call when none is configured.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// Predictor produces a forecast for a model.
type Predictor interface {
	Predict(ctx context.Context, modelType string, in prediction.Input) (Result, error)
}

// Client calls the external prediction engine over HTTP.
type Client struct {
	client  *http.Client
	base    *url.URL
	timeout time.Duration
	log     *logger.Logger
}

var _ Predictor = (*Client)(nil)

// NewClient constructs a client for the engine rooted at baseURL.
func NewClient(client *http.Client, baseURL string, timeout time.Duration, log *logger.Logger) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("engine base url required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse engine base url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logger.NewDefault("engine-client")
	}
	return &Client{client: client, base: parsed, timeout: timeout, log: log}, nil
}

type predictRequest struct {
	Crypto    string `json:"crypto"`
	Days      int    `json:"days"`
	ModelType string `json:"model_type"`
}

// Predict asks the engine for a forecast. Any failure is reported as
// ErrEngineUnavailable wrapping the cause.
func (c *Client) Predict(ctx context.Context, modelType string, in prediction.Input) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res, err := c.predict(ctx, modelType, in)
	metrics.RecordEngineCall(err == nil, time.Since(start))
	if err != nil {
		c.log.WithError(err).
			WithField("model_type", modelType).
			WithField("crypto", in.Coin).
			Warn("engine prediction failed")
		return Result{}, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	return res, nil
}

func (c *Client) predict(ctx context.Context, modelType string, in prediction.Input) (Result, error) {
	body, err := json.Marshal(predictRequest{
		Crypto:    strings.ToLower(in.Coin),
		Days:      in.Period,
		ModelType: modelType,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("predict"), bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	payload, err := c.do(req)
	if err != nil {
		return Result{}, err
	}
	res, err := ParseResult(payload)
	if err != nil {
		return Result{}, err
	}
	if res.ModelType == "" {
		res.ModelType = modelType
	}
	return res, nil
}

// ModelInfo returns the engine's /model-info document.
func (c *Client) ModelInfo(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("model-info"), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrEngineUnavailable, err)
	}
	payload, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: model-info is not valid json", ErrEngineUnavailable)
	}
	return json.RawMessage(payload), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, truncated, _ := httputil.ReadAllWithLimit(resp.Body, 4<<10)
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return nil, fmt.Errorf("engine status %d: %s", resp.StatusCode, msg)
	}
	payload, err := httputil.ReadAllStrict(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read engine response: %w", err)
	}
	return payload, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	return u.String()
}

// ParseResult resolves an engine body into a Result. A body with a
// "predictions" array is a list; one with a numeric "prediction" is a scalar.
// Anything else, including empty lists and non-positive prices, is malformed.
func ParseResult(body []byte) (Result, error) {
	if !gjson.ValidBytes(body) {
		return Result{}, fmt.Errorf("malformed engine response: invalid json")
	}
	doc := gjson.ParseBytes(body)

	res := Result{
		Timestamp: doc.Get("timestamp").String(),
		ModelType: doc.Get("model_type").String(),
	}
	if features := doc.Get("features_used"); features.IsObject() {
		res.FeaturesUsed = json.RawMessage(features.Raw)
		if closePrice := features.Get("close"); closePrice.Type == gjson.Number && closePrice.Num > 0 {
			res.CurrentPrice = closePrice.Num
		}
	}

	if list := doc.Get("predictions"); list.IsArray() {
		items := list.Array()
		if len(items) == 0 {
			return Result{}, fmt.Errorf("malformed engine response: empty predictions")
		}
		res.Kind = ResultList
		res.Points = make([]Point, 0, len(items))
		for i, item := range items {
			price := item.Get("price")
			if price.Type != gjson.Number || price.Num <= 0 {
				return Result{}, fmt.Errorf("malformed engine response: prediction %d has no positive price", i)
			}
			res.Points = append(res.Points, Point{Date: item.Get("date").String(), Price: price.Num})
		}
		return res, nil
	}

	if scalar := doc.Get("prediction"); scalar.Type == gjson.Number {
		if scalar.Num <= 0 {
			return Result{}, fmt.Errorf("malformed engine response: non-positive prediction")
		}
		res.Kind = ResultScalar
		res.Value = scalar.Num
		return res, nil
	}

	return Result{}, fmt.Errorf("malformed engine response: neither predictions nor prediction present")
}
