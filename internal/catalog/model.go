package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound    = errors.New("product not found")
	ErrCategoryNotFound   = errors.New("category not found")
	ErrVariantNotFound    = errors.New("variant not found")
	ErrVariantMismatch    = errors.New("variant does not belong to product")
	ErrInvalidListOptions = errors.New("invalid list options")
)

type ProductType string

const (
	ProductTypePhysical ProductType = "physical"
	ProductTypeDigital  ProductType = "digital"
)

type Category struct {
	ID          string  `json:"id" db:"id"`
	Name        string  `json:"name" db:"name"`
	Slug        string  `json:"slug" db:"slug"`
	Description *string `json:"description,omitempty" db:"description"`
}

type Product struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	Price       decimal.Decimal `json:"price" db:"price"`
	CategoryID  string          `json:"category_id" db:"category_id"`
	Image       *string         `json:"image,omitempty" db:"image"`
	Features    types.JSONText  `json:"features" db:"features"`
	Specs       types.JSONText  `json:"specs" db:"specs"`
	Type        ProductType     `json:"type" db:"type"`
	EditionSize *int            `json:"edition_size,omitempty" db:"edition_size"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

type Variant struct {
	ID        string         `json:"id" db:"id"`
	ProductID string         `json:"product_id" db:"product_id"`
	Name      string         `json:"name" db:"name"`
	Options   types.JSONText `json:"options" db:"options"`
	Stock     int            `json:"stock" db:"stock"`
	SKU       *string        `json:"sku,omitempty" db:"sku"`
}

// PricedLine is what the catalog says one cart line costs right now.
type PricedLine struct {
	Product   Product
	Variant   *Variant
	UnitPrice decimal.Decimal
}

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Sort string

const (
	SortNewest    Sort = "newest"
	SortPriceAsc  Sort = "price_asc"
	SortPriceDesc Sort = "price_desc"
	SortName      Sort = "name"
)

var sortClauses = map[Sort]string{
	SortNewest:    "created_at DESC, id",
	SortPriceAsc:  "price ASC, id",
	SortPriceDesc: "price DESC, id",
	SortName:      "name ASC, id",
}

type ListOptions struct {
	Limit    int
	Offset   int
	Sort     Sort
	Type     ProductType
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
}

// Normalize applies defaults and clamps the page size. Unknown sort keys,
// product types and inverted price ranges are rejected.
func (o ListOptions) Normalize() (ListOptions, error) {
	switch {
	case o.Limit <= 0:
		o.Limit = DefaultLimit
	case o.Limit > MaxLimit:
		o.Limit = MaxLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Sort == "" {
		o.Sort = SortNewest
	}
	if _, ok := sortClauses[o.Sort]; !ok {
		return o, fmt.Errorf("%w: unknown sort %q", ErrInvalidListOptions, o.Sort)
	}
	if o.Type != "" && o.Type != ProductTypePhysical && o.Type != ProductTypeDigital {
		return o, fmt.Errorf("%w: unknown product type %q", ErrInvalidListOptions, o.Type)
	}
	if o.MinPrice != nil && o.MaxPrice != nil && o.MinPrice.GreaterThan(*o.MaxPrice) {
		return o, fmt.Errorf("%w: min price %s exceeds max price %s", ErrInvalidListOptions, o.MinPrice, o.MaxPrice)
	}
	return o, nil
}
