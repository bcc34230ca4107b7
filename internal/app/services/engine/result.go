package engine

import "encoding/json"

// ResultKind tells which shape the engine answered with.
type ResultKind int

const (
	// ResultList carries one point per forecast day.
	ResultList ResultKind = iota + 1
	// ResultScalar carries a single next-day price.
	ResultScalar
)

// Point is one dated price in a list result.
type Point struct {
	Date  string
	Price float64
}

// Result is the engine response resolved into one of its two shapes.
type Result struct {
	Kind   ResultKind
	Points []Point
	Value  float64

	// CurrentPrice is the engine's view of the latest close; zero if absent.
	CurrentPrice float64
	Timestamp    string
	ModelType    string
	// FeaturesUsed is the engine's features_used object, verbatim.
	FeaturesUsed json.RawMessage
}

// ListResult builds a list-shaped result.
func ListResult(points ...Point) Result {
	return Result{Kind: ResultList, Points: points}
}

// ScalarResult builds a scalar-shaped result.
func ScalarResult(value float64) Result {
	return Result{Kind: ResultScalar, Value: value}
}
