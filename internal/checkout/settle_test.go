package checkout_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/storefront/internal/checkout"
	"github.com/vasiliy-maslov/storefront/internal/metrics"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/order/ordertest"
	"github.com/vasiliy-maslov/storefront/internal/payment"
)

var providerData = json.RawMessage(`{"tx_ref":"TX-1","amount":"25.00","currency":"ETB","status":"success"}`)

func TestVerifyAndSettle_MissingReference(t *testing.T) {
	f := newFixture()

	_, err := f.svc.VerifyAndSettle(context.Background(), "")
	var vErr *checkout.ValidationError
	require.ErrorAs(t, err, &vErr)
	f.gateway.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestVerifyAndSettle_MarksPendingOrderPaid(t *testing.T) {
	f := newFixture()
	o := storedOrder(order.StatusPending, nil)
	ref := *o.PaymentRef

	f.gateway.On("Verify", mock.Anything, ref).Return(&payment.VerifyResult{Status: "success", Data: providerData}, nil).Once()
	f.orders.On("GetByPaymentRef", mock.Anything, ref).Return(o, nil).Once()
	f.orders.On("TransitionStatus", mock.Anything, o.ID, order.StatusPending, order.StatusPaid).Return(true, nil).Once()

	s, err := f.svc.VerifyAndSettle(context.Background(), ref)
	require.NoError(t, err)
	f.assertExpectations(t)

	assert.Equal(t, checkout.SettlementSuccess, s.Status)
	assert.True(t, s.Applied)
	assert.Equal(t, o.ID, s.OrderID)
	assert.JSONEq(t, string(providerData), string(s.Data))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Settlements.WithLabelValues("paid")))
}

func TestVerifyAndSettle_SecondVerificationIsNoOp(t *testing.T) {
	f := newFixture()
	o := storedOrder(order.StatusPaid, nil)
	ref := *o.PaymentRef

	f.gateway.On("Verify", mock.Anything, ref).Return(&payment.VerifyResult{Status: "success", Data: providerData}, nil)
	f.orders.On("GetByPaymentRef", mock.Anything, ref).Return(o, nil)

	for range 2 {
		s, err := f.svc.VerifyAndSettle(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, checkout.SettlementSuccess, s.Status)
		assert.False(t, s.Applied)
	}
	f.orders.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyAndSettle_LostRaceReportsNotApplied(t *testing.T) {
	f := newFixture()
	o := storedOrder(order.StatusPending, nil)
	ref := *o.PaymentRef

	f.gateway.On("Verify", mock.Anything, ref).Return(&payment.VerifyResult{Status: "success"}, nil)
	f.orders.On("GetByPaymentRef", mock.Anything, ref).Return(o, nil)
	f.orders.On("TransitionStatus", mock.Anything, o.ID, order.StatusPending, order.StatusPaid).Return(false, nil).Once()

	s, err := f.svc.VerifyAndSettle(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, checkout.SettlementSuccess, s.Status)
	assert.False(t, s.Applied)
}

func TestVerifyAndSettle_FailedOrderNeverAltered(t *testing.T) {
	f := newFixture()
	o := storedOrder(order.StatusFailed, nil)
	ref := *o.PaymentRef

	f.gateway.On("Verify", mock.Anything, ref).Return(&payment.VerifyResult{Status: "success"}, nil)
	f.orders.On("GetByPaymentRef", mock.Anything, ref).Return(o, nil)

	s, err := f.svc.VerifyAndSettle(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, s.Applied)
	f.orders.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyAndSettle_ProviderNotSuccess(t *testing.T) {
	f := newFixture()
	o := storedOrder(order.StatusPending, nil)
	ref := *o.PaymentRef

	f.gateway.On("Verify", mock.Anything, ref).Return(&payment.VerifyResult{Status: "failed"}, nil).Once()

	s, err := f.svc.VerifyAndSettle(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, checkout.SettlementFailed, s.Status)
	assert.False(t, s.Applied)
	f.orders.AssertNotCalled(t, "GetByPaymentRef", mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyAndSettle_UnknownReference(t *testing.T) {
	t.Run("provider_failed", func(t *testing.T) {
		f := newFixture()
		f.gateway.On("Verify", mock.Anything, "TX-unknown").Return(&payment.VerifyResult{Status: "failed"}, nil).Once()

		s, err := f.svc.VerifyAndSettle(context.Background(), "TX-unknown")
		require.NoError(t, err)
		assert.Equal(t, checkout.SettlementFailed, s.Status)
		f.orders.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("provider_success", func(t *testing.T) {
		f := newFixture()
		f.gateway.On("Verify", mock.Anything, "TX-unknown").Return(&payment.VerifyResult{Status: "success", Data: providerData}, nil).Once()
		f.orders.On("GetByPaymentRef", mock.Anything, "TX-unknown").Return(nil, order.ErrOrderNotFound).Once()

		s, err := f.svc.VerifyAndSettle(context.Background(), "TX-unknown")
		require.NoError(t, err)
		assert.Equal(t, checkout.SettlementSuccess, s.Status)
		assert.Equal(t, uuid.Nil, s.OrderID)
		assert.False(t, s.Applied)
		f.orders.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestVerifyAndSettle_GatewayErrorMutatesNothing(t *testing.T) {
	f := newFixture()
	gwErr := &payment.GatewayError{Operation: payment.OperationVerify, StatusCode: 500, Body: "oops"}
	f.gateway.On("Verify", mock.Anything, "TX-1").Return(nil, gwErr).Once()

	_, err := f.svc.VerifyAndSettle(context.Background(), "TX-1")
	require.ErrorIs(t, err, gwErr)
	f.orders.AssertNotCalled(t, "GetByPaymentRef", mock.Anything, mock.Anything)
}

func TestVerifyAndSettle_RepositoryErrorIsReturned(t *testing.T) {
	f := newFixture()
	boom := errors.New("db down")
	f.gateway.On("Verify", mock.Anything, "TX-1").Return(&payment.VerifyResult{Status: "success"}, nil)
	f.orders.On("GetByPaymentRef", mock.Anything, "TX-1").Return(nil, boom)

	_, err := f.svc.VerifyAndSettle(context.Background(), "TX-1")
	require.ErrorIs(t, err, boom)
}

// blockingGateway holds every Verify call until release is closed or the
// call's context ends.
type blockingGateway struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *blockingGateway) Initialize(context.Context, payment.InitializeRequest) (*payment.InitializeResult, error) {
	return nil, errors.New("not used")
}

func (g *blockingGateway) Verify(ctx context.Context, _ string) (*payment.VerifyResult, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	select {
	case <-g.release:
		return &payment.VerifyResult{Status: "success"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestVerifyAndSettle_ConcurrentCallsShareOneRoundTrip(t *testing.T) {
	orders := new(ordertest.MockRepository)
	gateway := &blockingGateway{entered: make(chan struct{}), release: make(chan struct{})}
	svc := checkout.NewService(orders, nil, gateway, metrics.New(), checkout.Options{PublicURL: "https://shop.example.com"})

	o := storedOrder(order.StatusPending, nil)
	ref := *o.PaymentRef
	orders.On("GetByPaymentRef", mock.Anything, ref).Return(o, nil).Once()
	orders.On("TransitionStatus", mock.Anything, o.ID, order.StatusPending, order.StatusPaid).Return(true, nil).Once()

	const callers = 8
	results := make([]*checkout.Settlement, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s, err := svc.VerifyAndSettle(context.Background(), ref)
		assert.NoError(t, err)
		results[0] = s
	}()
	<-gateway.entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := svc.VerifyAndSettle(context.Background(), ref)
			assert.NoError(t, err)
			results[i] = s
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gateway.release)
	wg.Wait()

	assert.Equal(t, int32(1), gateway.calls.Load())
	for _, s := range results {
		require.NotNil(t, s)
		assert.Equal(t, checkout.SettlementSuccess, s.Status)
	}
	orders.AssertExpectations(t)
}

func TestVerifyAndSettle_CallerCancellationDoesNotFailOthers(t *testing.T) {
	orders := new(ordertest.MockRepository)
	gateway := &blockingGateway{entered: make(chan struct{}), release: make(chan struct{})}
	svc := checkout.NewService(orders, nil, gateway, metrics.New(), checkout.Options{PublicURL: "https://shop.example.com"})

	o := storedOrder(order.StatusPending, nil)
	ref := *o.PaymentRef
	orders.On("GetByPaymentRef", mock.Anything, ref).Return(o, nil).Once()
	orders.On("TransitionStatus", mock.Anything, o.ID, order.StatusPending, order.StatusPaid).Return(true, nil).Once()

	browserCtx, closeTab := context.WithCancel(context.Background())
	browserErr := make(chan error, 1)
	go func() {
		_, err := svc.VerifyAndSettle(browserCtx, ref)
		browserErr <- err
	}()
	<-gateway.entered

	type outcome struct {
		settlement *checkout.Settlement
		err        error
	}
	webhook := make(chan outcome, 1)
	go func() {
		s, err := svc.VerifyAndSettle(context.Background(), ref)
		webhook <- outcome{s, err}
	}()
	time.Sleep(50 * time.Millisecond)

	closeTab()
	select {
	case err := <-browserErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(gateway.release)
	got := <-webhook
	require.NoError(t, got.err)
	assert.Equal(t, checkout.SettlementSuccess, got.settlement.Status)
	assert.True(t, got.settlement.Applied)
	assert.Equal(t, int32(1), gateway.calls.Load())
	orders.AssertExpectations(t)
}

func TestVerifyAndSettle_SharedRoundTripIsBounded(t *testing.T) {
	orders := new(ordertest.MockRepository)
	gateway := &blockingGateway{entered: make(chan struct{}), release: make(chan struct{})}
	svc := checkout.NewService(orders, nil, gateway, metrics.New(), checkout.Options{
		PublicURL:     "https://shop.example.com",
		SettleTimeout: 20 * time.Millisecond,
	})

	_, err := svc.VerifyAndSettle(context.Background(), "TX-stuck")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	orders.AssertNotCalled(t, "GetByPaymentRef", mock.Anything, mock.Anything)
}
