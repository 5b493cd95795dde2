package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
)

type CatalogHandler struct {
	reader catalog.Reader
}

func NewCatalogHandler(reader catalog.Reader) *CatalogHandler {
	return &CatalogHandler{reader: reader}
}

func (h *CatalogHandler) RegisterRoutes(router chi.Router) {
	router.Route("/api/categories", func(r chi.Router) {
		r.Get("/", h.handleListCategories)
		r.Get("/{slug}", h.handleGetCategory)
		r.Get("/{slug}/products", h.handleListCategoryProducts)
	})
	router.Route("/api/products", func(r chi.Router) {
		r.Get("/{id}", h.handleGetProduct)
		r.Get("/{id}/variants", h.handleListVariants)
	})
}

func (h *CatalogHandler) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.reader.ListCategories(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to list categories")
		respondWithServiceError(w, err)
		return
	}
	if categories == nil {
		categories = []catalog.Category{}
	}
	respondWithJSON(w, http.StatusOK, categories)
}

func (h *CatalogHandler) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	category, err := h.reader.GetCategoryBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, category)
}

func (h *CatalogHandler) handleListCategoryProducts(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r.URL.Query())
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	category, err := h.reader.GetCategoryBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	products, err := h.reader.ListProductsByCategory(r.Context(), category.ID, opts)
	if err != nil {
		if !errors.Is(err, catalog.ErrInvalidListOptions) {
			log.Error().Err(err).Str("category_id", category.ID).Msg("handler: failed to list products")
		}
		respondWithServiceError(w, err)
		return
	}
	if products == nil {
		products = []catalog.Product{}
	}
	respondWithJSON(w, http.StatusOK, products)
}

func (h *CatalogHandler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.reader.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, product)
}

func (h *CatalogHandler) handleListVariants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.reader.GetProduct(r.Context(), id); err != nil {
		respondWithServiceError(w, err)
		return
	}

	variants, err := h.reader.ListVariants(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("product_id", id).Msg("handler: failed to list variants")
		respondWithServiceError(w, err)
		return
	}
	if variants == nil {
		variants = []catalog.Variant{}
	}
	respondWithJSON(w, http.StatusOK, variants)
}

// parseListOptions reads paging and filter parameters. Range checks are left
// to ListOptions.Normalize.
func parseListOptions(q url.Values) (catalog.ListOptions, error) {
	var (
		opts catalog.ListOptions
		err  error
	)
	if v := q.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil {
			return opts, fmt.Errorf("%w: limit %q is not a number", catalog.ErrInvalidListOptions, v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil {
			return opts, fmt.Errorf("%w: offset %q is not a number", catalog.ErrInvalidListOptions, v)
		}
	}
	opts.Sort = catalog.Sort(q.Get("sort"))
	opts.Type = catalog.ProductType(q.Get("type"))

	if opts.MinPrice, err = parsePrice(q, "min_price"); err != nil {
		return opts, err
	}
	if opts.MaxPrice, err = parsePrice(q, "max_price"); err != nil {
		return opts, err
	}
	return opts.Normalize()
}

func parsePrice(q url.Values, key string) (*decimal.Decimal, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a price", catalog.ErrInvalidListOptions, key, v)
	}
	return &d, nil
}
