package chi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"github.com/kailas-cloud/cardex/internal/domain"
)

// ErrorResponseCode is the machine-readable error code of an ErrorResponse.
type ErrorResponseCode string

// Error codes returned by the API.
const (
	ErrorResponseCodeBadRequest             ErrorResponseCode = "bad_request"
	ErrorResponseCodeValidationFailed       ErrorResponseCode = "validation_failed"
	ErrorResponseCodeBatchTooLarge          ErrorResponseCode = "batch_too_large"
	ErrorResponseCodeUnauthorized           ErrorResponseCode = "unauthorized"
	ErrorResponseCodeNotFound               ErrorResponseCode = "not_found"
	ErrorResponseCodeDuplicateSerial        ErrorResponseCode = "duplicate_serial"
	ErrorResponseCodeRateLimited            ErrorResponseCode = "rate_limited"
	ErrorResponseCodeEmbeddingProviderError ErrorResponseCode = "embedding_provider_error"
	ErrorResponseCodeStorageError           ErrorResponseCode = "storage_error"
	ErrorResponseCodeGraderUnavailable      ErrorResponseCode = "grader_unavailable"
	ErrorResponseCodeNotReady               ErrorResponseCode = "not_ready"
	ErrorResponseCodeImageNotSupported      ErrorResponseCode = "image_not_supported"
	ErrorResponseCodeInternalError          ErrorResponseCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorResponseCode `json:"code"`
	Message string            `json:"message"`
}

// SaveCardsRequest is the body of POST /cards.
type SaveCardsRequest struct {
	Cards []domain.GradeResult `json:"cards"`
}

// CardError reports one card that was not saved.
type CardError struct {
	Id    string            `json:"id"`
	Code  ErrorResponseCode `json:"code"`
	Error string            `json:"error"`
}

// SaveCardsResponse is the body of a successful POST /cards.
type SaveCardsResponse struct {
	Cards  []domain.IndexedCard `json:"cards"`
	Errors []CardError          `json:"errors"`
}

// IndexEntryResponse describes one stored index entry of a card.
type IndexEntryResponse struct {
	Index      string            `json:"index"`
	Type       string            `json:"type"`
	Dimensions int               `json:"dimensions"`
	Metadata   map[string]string `json:"metadata"`
}

// CardEntriesResponse is the body of GET /cards/{id}/entries.
type CardEntriesResponse struct {
	Id      string               `json:"id"`
	Entries []IndexEntryResponse `json:"entries"`
}

// RangeFilter bounds a numeric field.
type RangeFilter struct {
	Gt  *float64 `json:"gt,omitempty"`
	Gte *float64 `json:"gte,omitempty"`
	Lt  *float64 `json:"lt,omitempty"`
	Lte *float64 `json:"lte,omitempty"`
}

// FilterCondition is a match on a tag field or a range on a numeric field.
type FilterCondition struct {
	Key   string       `json:"key"`
	Match *string      `json:"match,omitempty"`
	Range *RangeFilter `json:"range,omitempty"`
}

// FilterExpression is a conjunction of conditions.
type FilterExpression struct {
	Must    *[]FilterCondition `json:"must,omitempty"`
	MustNot *[]FilterCondition `json:"must_not,omitempty"`
}

// TextSearchRequest is the body of POST /search/text.
type TextSearchRequest struct {
	Query   string            `json:"query"`
	TopK    *int              `json:"top_k,omitempty"`
	Filters *FilterExpression `json:"filters,omitempty"`
}

// ImageSearchRequest is the body of POST /search/image.
type ImageSearchRequest struct {
	Image   string            `json:"image"`
	TopK    *int              `json:"top_k,omitempty"`
	Filters *FilterExpression `json:"filters,omitempty"`
}

// SearchResponse is the body of a successful search.
type SearchResponse struct {
	Results []domain.MergedMatch `json:"results"`
}

// GradeImage is one picture submitted for grading.
type GradeImage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// GradeRequest is the body of POST /grade.
type GradeRequest struct {
	Images []GradeImage `json:"images"`
}

// GradeResponse is the body of a successful POST /grade.
type GradeResponse struct {
	Results []domain.GradeResult `json:"results"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// CardId is the path parameter of the /cards/{id} routes.
type CardId = string

// GetCardEntriesParams are the query parameters of GET /cards/{id}/entries.
type GetCardEntriesParams struct {
	// Index restricts the lookup to one index: "text" or "visual".
	Index *string `form:"index,omitempty" json:"index,omitempty"`
}

// ServerInterface is implemented by Server.
type ServerInterface interface {
	// POST /cards
	SaveCards(w http.ResponseWriter, r *http.Request)
	// POST /cards/single
	SaveCard(w http.ResponseWriter, r *http.Request)
	// GET /cards/{id}
	GetCard(w http.ResponseWriter, r *http.Request, id CardId)
	// GET /cards/{id}/entries
	GetCardEntries(w http.ResponseWriter, r *http.Request, id CardId, params GetCardEntriesParams)
	// POST /search/text
	SearchByText(w http.ResponseWriter, r *http.Request)
	// POST /search/image
	SearchByImage(w http.ResponseWriter, r *http.Request)
	// POST /grade
	GradeCards(w http.ResponseWriter, r *http.Request)
	// GET /health
	HealthCheck(w http.ResponseWriter, r *http.Request)
	// GET /metrics
	Metrics(w http.ResponseWriter, r *http.Request)
}

// ChiServerOptions configures HandlerWithOptions.
type ChiServerOptions struct {
	BaseRouter       chi.Router
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// serverInterfaceWrapper binds path and query parameters before calling the handler.
type serverInterfaceWrapper struct {
	handler          ServerInterface
	errorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

func (siw *serverInterfaceWrapper) bindID(w http.ResponseWriter, r *http.Request) (CardId, bool) {
	var id CardId
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.errorHandlerFunc(w, r, fmt.Errorf("invalid format for parameter id: %w", err))
		return "", false
	}
	return id, true
}

func (siw *serverInterfaceWrapper) GetCard(w http.ResponseWriter, r *http.Request) {
	id, ok := siw.bindID(w, r)
	if !ok {
		return
	}
	siw.handler.GetCard(w, r, id)
}

func (siw *serverInterfaceWrapper) GetCardEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := siw.bindID(w, r)
	if !ok {
		return
	}

	var params GetCardEntriesParams
	if err := runtime.BindQueryParameter("form", true, false, "index", r.URL.Query(), &params.Index); err != nil {
		siw.errorHandlerFunc(w, r, fmt.Errorf("invalid format for parameter index: %w", err))
		return
	}
	siw.handler.GetCardEntries(w, r, id, params)
}

// HandlerWithOptions mounts every route of si on options.BaseRouter.
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := &serverInterfaceWrapper{handler: si, errorHandlerFunc: options.ErrorHandlerFunc}

	r.Post("/cards", si.SaveCards)
	r.Post("/cards/single", si.SaveCard)
	r.Get("/cards/{id}", wrapper.GetCard)
	r.Get("/cards/{id}/entries", wrapper.GetCardEntries)
	r.Post("/search/text", si.SearchByText)
	r.Post("/search/image", si.SearchByImage)
	r.Post("/grade", si.GradeCards)
	r.Get("/health", si.HealthCheck)
	r.Get("/metrics", si.Metrics)
	return r
}
