// Package catalogtest provides a testify mock of the catalog reader.
package catalogtest

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
)

type MockReader struct {
	mock.Mock
}

var _ catalog.Reader = (*MockReader)(nil)

func (m *MockReader) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Product), args.Error(1)
}

func (m *MockReader) ListProductsByCategory(ctx context.Context, categoryID string, opts catalog.ListOptions) ([]catalog.Product, error) {
	args := m.Called(ctx, categoryID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]catalog.Product), args.Error(1)
}

func (m *MockReader) GetCategoryBySlug(ctx context.Context, slug string) (*catalog.Category, error) {
	args := m.Called(ctx, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Category), args.Error(1)
}

func (m *MockReader) ListCategories(ctx context.Context) ([]catalog.Category, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]catalog.Category), args.Error(1)
}

func (m *MockReader) ListVariants(ctx context.Context, productID string) ([]catalog.Variant, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]catalog.Variant), args.Error(1)
}

func (m *MockReader) GetVariant(ctx context.Context, id string) (*catalog.Variant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Variant), args.Error(1)
}

func (m *MockReader) PriceLine(ctx context.Context, productID string, variantID *string) (*catalog.PricedLine, error) {
	args := m.Called(ctx, productID, variantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.PricedLine), args.Error(1)
}
