package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/checkout"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/payment"
)

type ValidationErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to marshal JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("handler: failed to write JSON response")
	}
}

// respondWithServiceError maps err to a status code. Server-side failures get
// a generic message; everything else tells the client what went wrong.
func respondWithServiceError(w http.ResponseWriter, err error) {
	code := mapErrorToStatusCode(err)

	var vErr *checkout.ValidationError
	switch {
	case errors.As(err, &vErr):
		respondWithJSON(w, code, ValidationErrorResponse{Error: vErr.Message, Details: vErr.Details})
	case code == http.StatusInternalServerError:
		respondWithError(w, code, "Internal server error")
	default:
		respondWithError(w, code, err.Error())
	}
}

func mapErrorToStatusCode(err error) int {
	var (
		vErr  *checkout.ValidationError
		gwErr *payment.GatewayError
	)
	switch {
	case errors.As(err, &vErr), errors.Is(err, catalog.ErrInvalidListOptions):
		return http.StatusBadRequest
	case errors.Is(err, checkout.ErrAuthenticationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, catalog.ErrProductNotFound),
		errors.Is(err, catalog.ErrCategoryNotFound),
		errors.Is(err, catalog.ErrVariantNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkout.ErrOrderClosed):
		return http.StatusConflict
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &gwErr), errors.Is(err, payment.ErrMalformedResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func formatValidationErrors(errs validator.ValidationErrors) []string {
	details := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required", "required_without":
			details = append(details, fmt.Sprintf("%s is required", fe.Namespace()))
		case "min":
			details = append(details, fmt.Sprintf("%s must have at least %s element(s)", fe.Namespace(), fe.Param()))
		case "gt":
			details = append(details, fmt.Sprintf("%s must be greater than %s", fe.Namespace(), fe.Param()))
		default:
			details = append(details, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
		}
	}
	return details
}

// validateStruct writes a 400 response and returns false when payload fails
// its validate tags.
func validateStruct(w http.ResponseWriter, v *validator.Validate, payload any) bool {
	err := v.Struct(payload)
	if err == nil {
		return true
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
			Error:   "Validation failed",
			Details: formatValidationErrors(validationErrors),
		})
		return false
	}

	log.Error().Err(err).Type("validation_error_type", err).Msg("handler: unexpected error type during validation")
	respondWithError(w, http.StatusInternalServerError, "Internal validation error")
	return false
}
