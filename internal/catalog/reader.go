package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

type Reader interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProductsByCategory(ctx context.Context, categoryID string, opts ListOptions) ([]Product, error)
	GetCategoryBySlug(ctx context.Context, slug string) (*Category, error)
	ListCategories(ctx context.Context) ([]Category, error)
	ListVariants(ctx context.Context, productID string) ([]Variant, error)
	GetVariant(ctx context.Context, id string) (*Variant, error)
	PriceLine(ctx context.Context, productID string, variantID *string) (*PricedLine, error)
}

type sqlReader struct {
	db *sqlx.DB
}

// NewReader shares the pgx pool with the rest of the service through the
// database/sql adapter so that sqlx can scan into tagged structs.
func NewReader(pool *pgxpool.Pool) Reader {
	return NewReaderFromDB(sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"))
}

func NewReaderFromDB(db *sqlx.DB) Reader {
	return &sqlReader{db: db}
}

const productColumns = `
	id, name, description, price, category_id, image,
	COALESCE(features, '[]'::jsonb) AS features,
	COALESCE(specs, '{}'::jsonb) AS specs,
	type, edition_size, created_at`

const variantColumns = `id, product_id, name, COALESCE(options, '{}'::jsonb) AS options, stock, sku`

func (r *sqlReader) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := r.db.GetContext(ctx, &p, `SELECT `+productColumns+` FROM product WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("catalog: failed to get product %s: %w", id, err)
	}
	return &p, nil
}

func (r *sqlReader) ListProductsByCategory(ctx context.Context, categoryID string, opts ListOptions) ([]Product, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}

	where := []string{"category_id = ?"}
	args := []any{categoryID}
	if opts.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(opts.Type))
	}
	if opts.MinPrice != nil {
		where = append(where, "price >= ?")
		args = append(args, *opts.MinPrice)
	}
	if opts.MaxPrice != nil {
		where = append(where, "price <= ?")
		args = append(args, *opts.MaxPrice)
	}
	args = append(args, opts.Limit, opts.Offset)

	query := r.db.Rebind(`SELECT ` + productColumns + ` FROM product WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + sortClauses[opts.Sort] + ` LIMIT ? OFFSET ?`)

	products := make([]Product, 0, opts.Limit)
	if err := r.db.SelectContext(ctx, &products, query, args...); err != nil {
		log.Error().Err(err).Str("category_id", categoryID).Msg("catalog: failed to list products")
		return nil, fmt.Errorf("catalog: failed to list products for category %s: %w", categoryID, err)
	}
	return products, nil
}

func (r *sqlReader) GetCategoryBySlug(ctx context.Context, slug string) (*Category, error) {
	var c Category
	err := r.db.GetContext(ctx, &c, `SELECT id, name, slug, description FROM category WHERE slug = $1`, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCategoryNotFound
		}
		return nil, fmt.Errorf("catalog: failed to get category %q: %w", slug, err)
	}
	return &c, nil
}

func (r *sqlReader) ListCategories(ctx context.Context) ([]Category, error) {
	categories := make([]Category, 0)
	if err := r.db.SelectContext(ctx, &categories, `SELECT id, name, slug, description FROM category ORDER BY name`); err != nil {
		return nil, fmt.Errorf("catalog: failed to list categories: %w", err)
	}
	return categories, nil
}

func (r *sqlReader) ListVariants(ctx context.Context, productID string) ([]Variant, error) {
	variants := make([]Variant, 0)
	err := r.db.SelectContext(ctx, &variants,
		`SELECT `+variantColumns+` FROM product_variant WHERE product_id = $1 ORDER BY name, id`, productID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list variants for product %s: %w", productID, err)
	}
	return variants, nil
}

func (r *sqlReader) GetVariant(ctx context.Context, id string) (*Variant, error) {
	var v Variant
	err := r.db.GetContext(ctx, &v, `SELECT `+variantColumns+` FROM product_variant WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVariantNotFound
		}
		return nil, fmt.Errorf("catalog: failed to get variant %s: %w", id, err)
	}
	return &v, nil
}

// PriceLine resolves the authoritative unit price for a cart line. Variants
// carry stock but not price, so the unit price is always the product's.
func (r *sqlReader) PriceLine(ctx context.Context, productID string, variantID *string) (*PricedLine, error) {
	return priceLine(ctx, r, productID, variantID)
}

func priceLine(ctx context.Context, r Reader, productID string, variantID *string) (*PricedLine, error) {
	p, err := r.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	line := &PricedLine{Product: *p, UnitPrice: p.Price.Round(2)}
	if variantID == nil || *variantID == "" {
		return line, nil
	}

	v, err := r.GetVariant(ctx, *variantID)
	if err != nil {
		return nil, err
	}
	if v.ProductID != p.ID {
		return nil, fmt.Errorf("%w: variant %s, product %s", ErrVariantMismatch, v.ID, p.ID)
	}
	line.Variant = v
	return line, nil
}
