package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"salesdash/backend/internal/domain"
	"salesdash/backend/internal/metrics"
	"salesdash/backend/internal/service"
	"salesdash/backend/internal/store"
)

const maxBodyBytes = 1 << 20

const (
	codeValidation       = "validation_error"
	codeStoreUnavailable = "store_unavailable"
	codeConflict         = "conflict"
	codeNotFound         = "not_found"
	codeUnauthorized     = "unauthorized"
	codeRateLimited      = "rate_limited"
	codeMethodNotAllowed = "method_not_allowed"
	codeInternal         = "internal_error"
)

type API struct {
	service       *service.Service
	verifier      *TokenVerifier
	allowedOrigin string
	writeLimiter  *rateLimiter
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

type Options struct {
	AllowedOrigin      string
	WriteRatePerMinute int
	Metrics            *metrics.Metrics
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func New(svc *service.Service, verifier *TokenVerifier, opts Options, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WriteRatePerMinute < 1 {
		opts.WriteRatePerMinute = 30
	}
	return &API{
		service:       svc,
		verifier:      verifier,
		allowedOrigin: opts.AllowedOrigin,
		writeLimiter:  newRateLimiter(opts.WriteRatePerMinute, time.Minute),
		metrics:       opts.Metrics,
		logger:        logger.Named("http"),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.withRequestID, a.withSecurityHeaders, a.withObservability)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed", nil)
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.With(a.limitWrites).Post("/sales", a.handleStoreBatch)
		r.Get("/sales/next-id", a.handleNextSaleID)
		r.Get("/dashboard", a.handleDashboard)
		r.Get("/dashboard/export", a.handleDashboardExport)
		r.Get("/forecast", a.handleForecast)
		r.Get("/history", a.handleHistory)
		r.Get("/barcodes/{barcode}", a.handleLookupBarcode)
		r.With(a.limitWrites).Post("/barcodes", a.handleRegisterBarcode)
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token", nil)
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		userID, err := a.verifier.Verify(token)
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, err.Error(), nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func (a *API) limitWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFromContext(r.Context())
		if !a.writeLimiter.Allow(userID) {
			w.Header().Set("Retry-After", strconv.Itoa(int(a.writeLimiter.window.Seconds())))
			writeErrorCode(w, http.StatusTooManyRequests, codeRateLimited, "too many write requests, retry later", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Ping(r.Context()); err != nil {
		a.logger.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok": false,
			"at": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleStoreBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDecodeError(w, err)
		return
	}

	result, err := a.service.StoreBatch(r.Context(), currentUser(r), req.Items)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleNextSaleID(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.NextSaleID(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	month, err := service.ParseMonth(r.URL.Query().Get("month"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	dashboard, err := a.service.GetDashboard(r.Context(), currentUser(r), month)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (a *API) handleDashboardExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format := strings.ToLower(strings.TrimSpace(query.Get("format")))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		writeErrorCode(w, http.StatusBadRequest, codeValidation, "format must be csv or xlsx", nil)
		return
	}

	month, err := service.ParseMonth(query.Get("month"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	dashboard, err := a.service.GetDashboard(r.Context(), currentUser(r), month)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	filename := exportFilename(dashboard, format)
	switch format {
	case "xlsx":
		payload, err := dashboardToXLSX(dashboard)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	default:
		payload, err := dashboardToCSV(dashboard)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}
}

func (a *API) handleForecast(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetForecast(r.Context(), currentUser(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := a.service.GetSalesHistory(r.Context(), currentUser(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": currentUser(r),
		"items":   rows,
	})
}

func (a *API) handleLookupBarcode(w http.ResponseWriter, r *http.Request) {
	record, err := a.service.LookupBarcode(r.Context(), chi.URLParam(r, "barcode"), currentUser(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleRegisterBarcode(w http.ResponseWriter, r *http.Request) {
	var req domain.BarcodeRegistration
	if err := decodeJSON(r, &req); err != nil {
		a.writeDecodeError(w, err)
		return
	}
	req.UserID = currentUser(r)

	record, err := a.service.RegisterBarcode(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func currentUser(r *http.Request) string {
	userID, _ := UserIDFromContext(r.Context())
	return userID
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func (a *API) writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, codeValidation, "request body too large", nil)
		return
	}
	writeErrorCode(w, http.StatusBadRequest, codeValidation, "invalid JSON body: "+err.Error(), nil)
}

// statusForError maps service and store errors onto the HTTP contract.
func statusForError(err error) (int, string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, codeConflict
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, codeStoreUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)

	var details any
	msg := err.Error()
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		msg = "request failed validation"
		details = verr.Fields
	}

	switch {
	case status == http.StatusServiceUnavailable:
		msg = "storage is temporarily unavailable, retry later"
	case status >= 500:
		a.logger.Error("request failed",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Error(err),
		)
		msg = "internal server error"
	case status == http.StatusNotFound:
		msg = "not found"
	case status == http.StatusConflict:
		msg = "already exists"
	}

	writeErrorCode(w, status, code, msg, details)
}

func writeErrorCode(w http.ResponseWriter, status int, code string, message string, details any) {
	writeJSON(w, status, errorBody{
		Error:   code,
		Message: message,
		Details: details,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
