package checkout_test

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/catalog/catalogtest"
	"github.com/vasiliy-maslov/storefront/internal/checkout"
	"github.com/vasiliy-maslov/storefront/internal/metrics"
	"github.com/vasiliy-maslov/storefront/internal/order/ordertest"
	"github.com/vasiliy-maslov/storefront/internal/payment"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Initialize(ctx context.Context, req payment.InitializeRequest) (*payment.InitializeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.InitializeResult), args.Error(1)
}

func (m *MockGateway) Verify(ctx context.Context, txRef string) (*payment.VerifyResult, error) {
	args := m.Called(ctx, txRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.VerifyResult), args.Error(1)
}

type fixture struct {
	orders  *ordertest.MockRepository
	catalog *catalogtest.MockReader
	gateway *MockGateway
	metrics *metrics.Metrics
	svc     *checkout.Service
}

func newFixture() *fixture {
	f := &fixture{
		orders:  new(ordertest.MockRepository),
		catalog: new(catalogtest.MockReader),
		gateway: new(MockGateway),
		metrics: metrics.New(),
	}
	f.svc = checkout.NewService(f.orders, f.catalog, f.gateway, f.metrics, checkout.Options{
		PublicURL: "https://shop.example.com/",
		Currency:  "ETB",
	})
	return f
}

func (f *fixture) assertExpectations(t mock.TestingT) {
	f.orders.AssertExpectations(t)
	f.catalog.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
}

func (f *fixture) priceProduct(id, price string) {
	f.catalog.On("PriceLine", mock.Anything, id, (*string)(nil)).Return(&catalog.PricedLine{
		Product:   catalog.Product{ID: id, Price: decimal.RequireFromString(price)},
		UnitPrice: decimal.RequireFromString(price),
	}, nil)
}

func (f *fixture) priceVariant(productID, variantID, price string, stock int) {
	f.catalog.On("PriceLine", mock.Anything, productID, mock.MatchedBy(func(v *string) bool {
		return v != nil && *v == variantID
	})).Return(&catalog.PricedLine{
		Product:   catalog.Product{ID: productID, Price: decimal.RequireFromString(price)},
		Variant:   &catalog.Variant{ID: variantID, ProductID: productID, Stock: stock},
		UnitPrice: decimal.RequireFromString(price),
	}, nil)
}

func ptr[T any](v T) *T {
	return &v
}

func newOrderID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}
