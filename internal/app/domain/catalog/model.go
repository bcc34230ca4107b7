package catalog

import "github.com/shopspring/decimal"

// DefaultModelType is used when an item does not name an engine model.
const DefaultModelType = "random_forest"

// Item is a purchasable prediction model.
type Item struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	ModelType   string          `json:"model_type"`
}

// EngineModel returns the engine model identifier for the item.
func (i Item) EngineModel() string {
	if i.ModelType == "" {
		return DefaultModelType
	}
	return i.ModelType
}
