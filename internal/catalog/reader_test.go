package catalog_test

import (
	"context"
	"flag"
	"os"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/db/dbtest"
)

var testDB *dbtest.Database

func TestMain(m *testing.M) {
	flag.Parse()

	ctx := context.Background()
	if !testing.Short() {
		var err error
		testDB, err = dbtest.Start(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("TEST SETUP: postgres unavailable, reader tests will be skipped")
		}
	}

	exitCode := m.Run()

	if testDB != nil {
		testDB.Close(ctx)
	}
	os.Exit(exitCode)
}

func seededReader(t *testing.T) catalog.Reader {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres test container not available")
	}
	t.Cleanup(func() { testDB.Reset(t) })

	testDB.InsertCategory(t, "cat-1", "Prints", "prints")
	testDB.InsertCategory(t, "cat-2", "Books", "books")
	testDB.InsertProduct(t, "p1", "cat-1", "Aurora", "10.00", "physical")
	testDB.InsertProduct(t, "p2", "cat-1", "Baobab", "5.50", "digital")
	testDB.InsertProduct(t, "p3", "cat-1", "Cedar", "42.00", "physical")
	testDB.InsertProduct(t, "b1", "cat-2", "Atlas", "30.00", "physical")
	testDB.InsertVariant(t, "v1", "p1", "A3", 3)
	testDB.InsertVariant(t, "v2", "p1", "A2", 0)
	testDB.InsertVariant(t, "vb", "b1", "Hardcover", 9)
	testDB.Exec(t, `UPDATE product SET features = NULL WHERE id = 'p3'`)

	return catalog.NewReader(testDB.Pool)
}

func TestReader_GetProduct(t *testing.T) {
	r := seededReader(t)
	ctx := context.Background()

	p, err := r.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Aurora", p.Name)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, catalog.ProductTypePhysical, p.Type)
	assert.JSONEq(t, `["Signed"]`, string(p.Features))
	assert.JSONEq(t, `{"Format":"A3"}`, string(p.Specs))
	assert.Nil(t, p.Image)

	nullFeatures, err := r.GetProduct(ctx, "p3")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(nullFeatures.Features))

	_, err = r.GetProduct(ctx, "nope")
	require.ErrorIs(t, err, catalog.ErrProductNotFound)
}

func TestReader_ListProductsByCategory(t *testing.T) {
	r := seededReader(t)
	ctx := context.Background()

	byPrice, err := r.ListProductsByCategory(ctx, "cat-1", catalog.ListOptions{Sort: catalog.SortPriceAsc})
	require.NoError(t, err)
	require.Len(t, byPrice, 3)
	assert.Equal(t, []string{"p2", "p1", "p3"}, productIDs(byPrice))

	page, err := r.ListProductsByCategory(ctx, "cat-1", catalog.ListOptions{Sort: catalog.SortName, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3"}, productIDs(page))

	physical, err := r.ListProductsByCategory(ctx, "cat-1", catalog.ListOptions{Type: catalog.ProductTypePhysical, Sort: catalog.SortName})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p3"}, productIDs(physical))

	lo := decimal.RequireFromString("6")
	hi := decimal.RequireFromString("40")
	ranged, err := r.ListProductsByCategory(ctx, "cat-1", catalog.ListOptions{MinPrice: &lo, MaxPrice: &hi})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, productIDs(ranged))

	empty, err := r.ListProductsByCategory(ctx, "cat-unknown", catalog.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = r.ListProductsByCategory(ctx, "cat-1", catalog.ListOptions{Sort: "random"})
	require.ErrorIs(t, err, catalog.ErrInvalidListOptions)
}

func TestReader_Categories(t *testing.T) {
	r := seededReader(t)
	ctx := context.Background()

	categories, err := r.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, categories, 2)
	assert.Equal(t, "Books", categories[0].Name)

	c, err := r.GetCategoryBySlug(ctx, "prints")
	require.NoError(t, err)
	assert.Equal(t, "cat-1", c.ID)

	_, err = r.GetCategoryBySlug(ctx, "posters")
	require.ErrorIs(t, err, catalog.ErrCategoryNotFound)
}

func TestReader_Variants(t *testing.T) {
	r := seededReader(t)
	ctx := context.Background()

	variants, err := r.ListVariants(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, variants, 2)
	assert.Equal(t, "A2", variants[0].Name)
	require.NotNil(t, variants[0].SKU)
	assert.Equal(t, "SKU-v2", *variants[0].SKU)

	v, err := r.GetVariant(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 3, v.Stock)

	_, err = r.GetVariant(ctx, "v-missing")
	require.ErrorIs(t, err, catalog.ErrVariantNotFound)
}

func TestReader_PriceLine(t *testing.T) {
	r := seededReader(t)
	ctx := context.Background()

	line, err := r.PriceLine(ctx, "p1", nil)
	require.NoError(t, err)
	assert.True(t, line.UnitPrice.Equal(decimal.RequireFromString("10.00")))
	assert.Nil(t, line.Variant)

	v1 := "v1"
	line, err = r.PriceLine(ctx, "p1", &v1)
	require.NoError(t, err)
	require.NotNil(t, line.Variant)
	assert.Equal(t, 3, line.Variant.Stock)

	foreign := "vb"
	_, err = r.PriceLine(ctx, "p1", &foreign)
	require.ErrorIs(t, err, catalog.ErrVariantMismatch)

	missing := "v-missing"
	_, err = r.PriceLine(ctx, "p1", &missing)
	require.ErrorIs(t, err, catalog.ErrVariantNotFound)

	_, err = r.PriceLine(ctx, "nope", nil)
	require.ErrorIs(t, err, catalog.ErrProductNotFound)
}

func productIDs(products []catalog.Product) []string {
	ids := make([]string, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	return ids
}
