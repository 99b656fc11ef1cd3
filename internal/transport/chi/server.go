package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/cardex/internal/domain"
	dombatch "github.com/kailas-cloud/cardex/internal/domain/batch"
	"github.com/kailas-cloud/cardex/internal/domain/search/filter"
	healthuc "github.com/kailas-cloud/cardex/internal/usecase/health"
	"github.com/kailas-cloud/cardex/internal/version"
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Indices names the two vector indices for the entries endpoint.
type Indices struct {
	Text   string
	Visual string
}

// Server implements ServerInterface.
type Server struct {
	ingest        Ingester
	cards         CardReader
	entries       EntryReader
	search        Searcher
	grader        Grader
	health        HealthReporter
	indices       Indices
	logger        *zap.Logger
	newID         func() string
	errorHandlers []errorHandler
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates an HTTP API server.
func NewServer(
	ingest Ingester,
	cards CardReader,
	entries EntryReader,
	search Searcher,
	health HealthReporter,
	indices Indices,
	logger *zap.Logger,
) *Server {
	s := &Server{
		ingest:  ingest,
		cards:   cards,
		entries: entries,
		search:  search,
		health:  health,
		indices: indices,
		logger:  logger,
		newID:   uuid.NewString,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, ErrorResponseCodeNotFound),
		sentinelHandler(domain.ErrDuplicateSerial, http.StatusConflict, ErrorResponseCodeDuplicateSerial),
		sentinelHandler(domain.ErrBatchTooLarge, http.StatusBadRequest, ErrorResponseCodeBatchTooLarge),
		sentinelHandler(domain.ErrInvalidRecord, http.StatusBadRequest, ErrorResponseCodeValidationFailed),
		sentinelHandler(domain.ErrInvalidImage, http.StatusBadRequest, ErrorResponseCodeValidationFailed),
		sentinelHandler(domain.ErrInvalidQuery, http.StatusBadRequest, ErrorResponseCodeValidationFailed),
		sentinelHandler(domain.ErrRateLimited, http.StatusTooManyRequests, ErrorResponseCodeRateLimited),
		sentinelHandler(domain.ErrNotReady, http.StatusServiceUnavailable, ErrorResponseCodeNotReady),
		sentinelHandler(domain.ErrGraderUnavailable,
			http.StatusServiceUnavailable, ErrorResponseCodeGraderUnavailable),
		sentinelHandler(domain.ErrEmbeddingProviderError,
			http.StatusBadGateway, ErrorResponseCodeEmbeddingProviderError),
		sentinelHandler(domain.ErrIndexUpsert, http.StatusBadGateway, ErrorResponseCodeStorageError),
		sentinelHandler(domain.ErrIndexQuery, http.StatusBadGateway, ErrorResponseCodeStorageError),
		sentinelHandler(domain.ErrDuplicateCheck, http.StatusBadGateway, ErrorResponseCodeStorageError),
		sentinelHandler(domain.ErrImageUpload, http.StatusBadGateway, ErrorResponseCodeStorageError),
		sentinelHandler(domain.ErrCardRecord, http.StatusBadGateway, ErrorResponseCodeStorageError),
	}
	return s
}

// WithGrader enables POST /grade.
func (s *Server) WithGrader(g Grader) *Server {
	s.grader = g
	return s
}

// SaveCards handles POST /cards. Rejected grade results never reach the saga;
// they are reported in errors under a fresh id.
func (s *Server) SaveCards(w http.ResponseWriter, r *http.Request) {
	var req SaveCardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponseCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	records := make([]domain.CardRecord, 0, len(req.Cards))
	var rejected []CardError
	for _, item := range req.Cards {
		if card, ok := item.Card(); ok {
			records = append(records, card)
			continue
		}
		rej, _ := item.Rejection()
		rejected = append(rejected, CardError{
			Id:    s.newID(),
			Code:  ErrorResponseCodeImageNotSupported,
			Error: fmt.Sprintf("%s: %s", rej.ErrorCode, rej.Reason),
		})
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	out, err := s.ingest.SaveCards(ctx, records)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	setEmbeddingHeaders(w, usage)

	resp := SaveCardsResponse{
		Cards:  out.Cards,
		Errors: make([]CardError, 0, len(out.Errors)+len(rejected)),
	}
	if resp.Cards == nil {
		resp.Cards = []domain.IndexedCard{}
	}
	for _, e := range out.Errors {
		resp.Errors = append(resp.Errors, itemErrorToCardError(e))
	}
	resp.Errors = append(resp.Errors, rejected...)

	writeJSON(w, http.StatusCreated, resp)
}

// SaveCard handles POST /cards/single.
func (s *Server) SaveCard(w http.ResponseWriter, r *http.Request) {
	var rec domain.CardRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponseCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	card, err := s.ingest.SaveCard(ctx, rec)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	setEmbeddingHeaders(w, usage)

	w.Header().Set("Location", "/cards/"+card.ID)
	writeJSON(w, http.StatusCreated, card)
}

// GetCard handles GET /cards/{id}.
func (s *Server) GetCard(w http.ResponseWriter, r *http.Request, id CardId) {
	card, err := s.cards.Get(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// GetCardEntries handles GET /cards/{id}/entries.
func (s *Server) GetCardEntries(w http.ResponseWriter, r *http.Request, id CardId, params GetCardEntriesParams) {
	indices := []string{s.indices.Text, s.indices.Visual}
	if params.Index != nil {
		switch *params.Index {
		case "text":
			indices = []string{s.indices.Text}
		case "visual":
			indices = []string{s.indices.Visual}
		default:
			writeError(w, http.StatusBadRequest, ErrorResponseCodeValidationFailed,
				`index must be "text" or "visual"`)
			return
		}
	}

	resp := CardEntriesResponse{Id: id, Entries: []IndexEntryResponse{}}
	for _, index := range indices {
		entries, err := s.entries.Fetch(r.Context(), index, []string{id})
		if err != nil {
			s.handleDomainError(w, err)
			return
		}
		for _, e := range entries {
			resp.Entries = append(resp.Entries, IndexEntryResponse{
				Index:      index,
				Type:       e.Metadata[domain.FieldType],
				Dimensions: len(e.Vector),
				Metadata:   e.Metadata,
			})
		}
	}

	if len(resp.Entries) == 0 {
		writeError(w, http.StatusNotFound, ErrorResponseCodeNotFound, domain.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SearchByText handles POST /search/text.
func (s *Server) SearchByText(w http.ResponseWriter, r *http.Request) {
	var req TextSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponseCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	filters, err := filtersFromRequest(req.Filters)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponseCodeValidationFailed, err.Error())
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	results, err := s.search.SearchByText(ctx, req.Query, derefInt(req.TopK), filters)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	setEmbeddingHeaders(w, usage)
	writeJSON(w, http.StatusOK, searchResponse(results))
}

// SearchByImage handles POST /search/image.
func (s *Server) SearchByImage(w http.ResponseWriter, r *http.Request) {
	var req ImageSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponseCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	filters, err := filtersFromRequest(req.Filters)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponseCodeValidationFailed, err.Error())
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	results, err := s.search.SearchByImage(ctx, req.Image, derefInt(req.TopK), filters)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	setEmbeddingHeaders(w, usage)
	writeJSON(w, http.StatusOK, searchResponse(results))
}

// GradeCards handles POST /grade.
func (s *Server) GradeCards(w http.ResponseWriter, r *http.Request) {
	if s.grader == nil {
		writeError(w, http.StatusServiceUnavailable, ErrorResponseCodeGraderUnavailable,
			domain.ErrGraderUnavailable.Error())
		return
	}

	var req GradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponseCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	images := make([]string, len(req.Images))
	for i, img := range req.Images {
		images[i] = img.Data
	}

	results, err := s.grader.Grade(r.Context(), images)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GradeResponse{Results: results})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:  string(report.Status),
		Version: version.Version,
		Checks:  checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func setEmbeddingHeaders(w http.ResponseWriter, usage *domain.EmbeddingUsage) {
	if usage.Calls() > 0 {
		w.Header().Set("X-Embedding-Tokens", strconv.Itoa(usage.TotalTokens()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorResponseCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	var dup *domain.DuplicateSerialError
	if errors.As(err, &dup) {
		return dup.Error()
	}

	sentinels := []error{
		domain.ErrNotFound,
		domain.ErrBatchTooLarge,
		domain.ErrInvalidImage,
		domain.ErrInvalidRecord,
		domain.ErrInvalidQuery,
		domain.ErrRateLimited,
		domain.ErrNotReady,
		domain.ErrGraderUnavailable,
		domain.ErrEmbeddingProviderError,
		domain.ErrIndexUpsert,
		domain.ErrIndexQuery,
		domain.ErrDuplicateCheck,
		domain.ErrImageUpload,
		domain.ErrCardRecord,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// validationMessage keeps the detail of client-caused errors, which carry no internals.
func validationMessage(err error) (string, bool) {
	for _, s := range []error{domain.ErrInvalidRecord, domain.ErrInvalidImage, domain.ErrInvalidQuery} {
		if errors.Is(err, s) && !errors.Is(err, domain.ErrImageUpload) {
			return err.Error(), true
		}
	}
	return "", false
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorResponseCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	if m, ok := validationMessage(err); ok {
		msg = m
	}
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorResponseCodeInternalError, "internal error")
}

func itemErrorToCardError(e dombatch.ItemError) CardError {
	return CardError{
		Id:    e.ID(),
		Code:  itemErrorCode(e),
		Error: safeDomainMessage(e),
	}
}

func itemErrorCode(err error) ErrorResponseCode {
	switch {
	case errors.Is(err, domain.ErrDuplicateSerial):
		return ErrorResponseCodeDuplicateSerial
	case errors.Is(err, domain.ErrInvalidRecord), errors.Is(err, domain.ErrInvalidImage):
		return ErrorResponseCodeValidationFailed
	case errors.Is(err, domain.ErrDuplicateCheck),
		errors.Is(err, domain.ErrImageUpload),
		errors.Is(err, domain.ErrCardRecord):
		return ErrorResponseCodeStorageError
	default:
		return ErrorResponseCodeInternalError
	}
}

func searchResponse(results []domain.MergedMatch) SearchResponse {
	if results == nil {
		results = []domain.MergedMatch{}
	}
	return SearchResponse{Results: results}
}

func filtersFromRequest(f *FilterExpression) (filter.Expression, error) {
	if f == nil {
		return filter.Expression{}, nil
	}

	must, err := conditionsFromRequest(f.Must)
	if err != nil {
		return filter.Expression{}, err
	}
	mustNot, err := conditionsFromRequest(f.MustNot)
	if err != nil {
		return filter.Expression{}, err
	}

	expr, err := filter.NewExpression(must, mustNot)
	if err != nil {
		return filter.Expression{}, fmt.Errorf("new expression: %w", err)
	}
	return expr, nil
}

func conditionsFromRequest(cs *[]FilterCondition) ([]filter.Condition, error) {
	if cs == nil {
		return nil, nil
	}
	out := make([]filter.Condition, 0, len(*cs))
	for _, c := range *cs {
		cond, err := filterCondition(c)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

func filterCondition(c FilterCondition) (filter.Condition, error) {
	if c.Match != nil && c.Range != nil {
		return filter.Condition{},
			fmt.Errorf("filter condition for %q must have match or range, not both", c.Key)
	}
	if c.Match != nil {
		cond, err := filter.NewMatch(c.Key, *c.Match)
		if err != nil {
			return filter.Condition{}, fmt.Errorf("match filter: %w", err)
		}
		return cond, nil
	}
	if c.Range != nil {
		rf, err := filter.NewRangeFilter(c.Range.Gt, c.Range.Gte, c.Range.Lt, c.Range.Lte)
		if err != nil {
			return filter.Condition{}, fmt.Errorf("range filter: %w", err)
		}
		cond, err := filter.NewRange(c.Key, rf)
		if err != nil {
			return filter.Condition{}, fmt.Errorf("range condition: %w", err)
		}
		return cond, nil
	}
	return filter.Condition{},
		errors.New("filter condition must have either match or range")
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
