package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
)

// Service provides read access to purchasable models.
type Service struct {
	store storage.CatalogStore
	log   *logger.Logger
}

// New creates a catalog service.
func New(store storage.CatalogStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("catalog")
	}
	return &Service{store: store, log: log}
}

// Get returns an item or an error wrapping storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (catalog.Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return catalog.Item{}, fmt.Errorf("catalog item id: %w", storage.ErrNotFound)
	}
	item, err := s.store.GetCatalogItem(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return catalog.Item{}, err
		}
		return catalog.Item{}, fmt.Errorf("%w: get catalog item: %w", storage.ErrPersistence, err)
	}
	if item.ModelType == "" {
		item.ModelType = catalog.DefaultModelType
	}
	return item, nil
}

// List returns every item.
func (s *Service) List(ctx context.Context) ([]catalog.Item, error) {
	items, err := s.store.ListCatalogItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list catalog items: %w", storage.ErrPersistence, err)
	}
	return items, nil
}

// Seed installs the given items, replacing existing definitions with the same
// id. Used at startup from configuration.
func (s *Service) Seed(ctx context.Context, items []catalog.Item) error {
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("catalog seed requires id and name")
		}
		if !item.Price.IsPositive() {
			return fmt.Errorf("catalog item %s: price must be positive", item.ID)
		}
		if _, err := s.store.UpsertCatalogItem(ctx, item); err != nil {
			return fmt.Errorf("seed catalog item %s: %w", item.ID, err)
		}
	}
	if len(items) > 0 {
		s.log.WithField("count", len(items)).Info("catalog seeded")
	}
	return nil
}
