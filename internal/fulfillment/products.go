package fulfillment

import (
	"context"

	"fulfillment/internal/model"
	"fulfillment/internal/store"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type VariantInput struct {
	Color    string `json:"color" binding:"required"`
	Size     string `json:"size" binding:"required"`
	Quantity int64  `json:"quantity" binding:"min=0"`
}

type ProductInput struct {
	Name     string          `json:"name" binding:"required"`
	Price    decimal.Decimal `json:"price"`
	Variants []VariantInput  `json:"variants" binding:"required,min=1,dive"`
}

// CreateProduct seeds a product with its inventory variants.
func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (*model.Product, error) {
	if in.Name == "" {
		return nil, invalidf("product name is required")
	}
	if !in.Price.IsPositive() {
		return nil, invalidf("price must be > 0")
	}
	if len(in.Variants) == 0 {
		return nil, invalidf("at least one variant is required")
	}
	p := &model.Product{Name: in.Name, Price: in.Price}
	seen := map[[2]string]bool{}
	for _, v := range in.Variants {
		if err := model.ValidateFragment("color", v.Color); err != nil {
			return nil, invalidIdentity(err)
		}
		if err := model.ValidateFragment("size", v.Size); err != nil {
			return nil, invalidIdentity(err)
		}
		if seen[[2]string{v.Color, v.Size}] {
			return nil, invalidf("duplicate variant %s/%s", v.Color, v.Size)
		}
		seen[[2]string{v.Color, v.Size}] = true
		if v.Quantity < 0 {
			return nil, invalidf("quantity for %s/%s must not be negative", v.Color, v.Size)
		}
		p.Variants = append(p.Variants, model.InventoryVariant{Color: v.Color, Size: v.Size, Quantity: v.Quantity})
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if store.IsUniqueViolation(err) {
			return nil, errors.Wrap(ErrInvalidInput, "duplicate variant")
		}
		return nil, errors.Wrap(err, "create product")
	}
	return p, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	var list []model.Product
	if err := s.db.WithContext(ctx).Preload("Variants").Order("id").Find(&list).Error; err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return list, nil
}
