// Package api serves the public HTTP surface: quotes, reservations, payment
// requests and claim status.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/theqp/primeclaim/internal/allocator"
	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/metrics"
	"github.com/theqp/primeclaim/internal/oracle"
	"github.com/theqp/primeclaim/internal/payments"
	"github.com/theqp/primeclaim/internal/receipts"
)

var ErrInvalidConfig = errors.New("api: invalid config")

const (
	maxBodyBytes       = 16 << 10
	maxReservationTTL  = 24 * time.Hour
	defaultStatsRecent = 10
)

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	// StatsRecent is how many recent paid claims /v1/stats lists.
	StatsRecent int

	Now func() time.Time
	Log *slog.Logger
}

// NewHandler builds the API. payments and receiptStore are optional; their
// routes answer 503 when unset.
func NewHandler(cfg Config, alloc *allocator.Allocator, paymentSvc *payments.Service, receiptStore receipts.Store) (http.Handler, error) {
	if alloc == nil {
		return nil, fmt.Errorf("%w: nil allocator", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.StatsRecent <= 0 {
		cfg.StatsRecent = defaultStatsRecent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	limiter, err := newIPRateLimiter(cfg.RateLimitPerIPPerSecond, cfg.RateLimitBurst, cfg.RateLimitMaxTrackedIPs)
	if err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrInvalidConfig, err)
	}

	h := &handler{
		cfg:      cfg,
		alloc:    alloc,
		payments: paymentSvc,
		receipts: receiptStore,
		limiter:  limiter,
		log:      cfg.Log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /v1/quote", h.handleQuote)
	mux.HandleFunc("POST /v1/reservations", h.handleReserve)
	mux.HandleFunc("POST /v1/payments/{method}", h.handleStartPayment)
	mux.HandleFunc("GET /v1/payments/{reference}", h.handlePaymentStatus)
	mux.HandleFunc("GET /v1/claims", h.handleClaimStatus)
	mux.HandleFunc("GET /v1/primes/{n}", h.handlePrime)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("GET /v1/receipts/{prime}", h.handleReceipt)

	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks and scrapes are never throttled.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientIP(r), h.cfg.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		mux.ServeHTTP(w, r)
	})
	return metrics.InstrumentHandler(limited), nil
}

type handler struct {
	cfg Config

	alloc    *allocator.Allocator
	payments *payments.Service
	receipts receipts.Store
	limiter  *ipRateLimiter
	log      *slog.Logger
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type quoteRequestBody struct {
	Email string `json:"email"`
}

// handleQuote prices the prime the payer would get next. It does not reserve.
func (h *handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[quoteRequestBody](w, r)
	if !ok {
		return
	}
	payer, ok := parseEmail(w, body.Email)
	if !ok {
		return
	}

	var prime uint64
	c, err := h.alloc.ClaimByPayer(r.Context(), payer)
	switch {
	case err == nil && c.Status == claims.StatusPaid:
		h.writeAllocErr(w, &allocator.ClaimedError{Prime: c.Prime, ByPayer: true})
		return
	case err == nil && c.ActiveAt(h.cfg.Now()):
		prime = c.Prime
	case err == nil, errors.Is(err, allocator.ErrNotFound):
		prime, err = h.alloc.FindNextAvailablePrime(r.Context())
		if err != nil {
			h.writeAllocErr(w, err)
			return
		}
	default:
		h.writeAllocErr(w, err)
		return
	}

	q := h.alloc.Quote(r.Context(), prime)
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"email":   payer,
		"quote":   quoteJSON(q),
	})
}

type reserveRequestBody struct {
	Email      string `json:"email"`
	Prime      uint64 `json:"prime"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

func (h *handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[reserveRequestBody](w, r)
	if !ok {
		return
	}
	payer, ok := parseEmail(w, body.Email)
	if !ok {
		return
	}
	if body.TTLSeconds < 0 || time.Duration(body.TTLSeconds)*time.Second > maxReservationTTL {
		writeError(w, http.StatusBadRequest, "invalid_ttl")
		return
	}

	res, err := h.alloc.ReserveSpecificPrime(r.Context(), body.Prime, payer, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		h.writeAllocErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"reservation": reservationJSON(res),
	})
}

type paymentRequestBody struct {
	Email string `json:"email"`
	Prime uint64 `json:"prime,omitempty"`
}

func (h *handler) handleStartPayment(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments_unavailable")
		return
	}
	method, err := claims.ParseMethod(r.PathValue("method"))
	if err != nil || method == claims.MethodFounder {
		writeError(w, http.StatusNotFound, "unsupported_method")
		return
	}
	body, ok := decodeJSONBody[paymentRequestBody](w, r)
	if !ok {
		return
	}
	payer, ok := parseEmail(w, body.Email)
	if !ok {
		return
	}

	var p payments.Payment
	if body.Prime != 0 {
		p, err = h.payments.StartForPrime(r.Context(), method, payer, body.Prime)
	} else {
		p, err = h.payments.Start(r.Context(), method, payer)
	}
	if err != nil {
		h.writeAllocErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"version": "v1",
		"payment": paymentJSON(p),
	})
}

func (h *handler) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments_unavailable")
		return
	}
	ref := strings.TrimSpace(r.PathValue("reference"))
	p, err := h.payments.Get(r.Context(), ref)
	if err != nil {
		h.writeAllocErr(w, err)
		return
	}
	resp := map[string]any{
		"version": "v1",
		"payment": paymentJSON(p),
	}
	if c, err := h.alloc.Claim(r.Context(), p.Prime); err == nil && c.PaymentRef == p.Reference {
		resp["claim"] = claimJSON(c, h.cfg.Now())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	payer, ok := parseEmail(w, r.URL.Query().Get("email"))
	if !ok {
		return
	}
	c, err := h.alloc.ClaimByPayer(r.Context(), payer)
	if errors.Is(err, allocator.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version": "v1",
			"found":   false,
			"email":   payer,
		})
		return
	}
	if err != nil {
		h.writeAllocErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"found":   true,
		"email":   payer,
		"claim":   claimJSON(c, h.cfg.Now()),
	})
}

func (h *handler) handlePrime(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("n")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_number")
		return
	}
	isPrime := h.alloc.IsPrime(n)
	resp := map[string]any{
		"version": "v1",
		"n":       n,
		"isPrime": isPrime,
	}
	if isPrime {
		resp["priceUsd"] = h.alloc.Price(n)
		if idx, ok := h.alloc.PrimeIndex(n); ok {
			resp["index"] = idx
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.alloc.Stats(r.Context(), h.cfg.StatsRecent)
	if err != nil {
		h.writeAllocErr(w, err)
		return
	}
	next, err := h.alloc.FindNextAvailablePrime(r.Context())
	if err != nil {
		h.writeAllocErr(w, err)
		return
	}

	paidBy := make(map[string]int64, len(st.PaidByMethod))
	for m, n := range st.PaidByMethod {
		paidBy[string(m)] = n
	}
	revenue := make(map[string]string, len(st.RevenueByMethod))
	for m, v := range st.RevenueByMethod {
		revenue[string(m)] = v
	}
	recent := make([]map[string]any, 0, len(st.Recent))
	for _, c := range st.Recent {
		recent = append(recent, map[string]any{
			"prime":  c.Prime,
			"method": c.Method,
			"paidAt": c.PaidAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":         "v1",
		"claimed":         st.Claimed,
		"paid":            st.Paid,
		"pending":         st.Pending,
		"paidByMethod":    paidBy,
		"revenueByMethod": revenue,
		"recent":          recent,
		"nextAvailable":   next,
	})
}

func (h *handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if h.receipts == nil {
		writeError(w, http.StatusServiceUnavailable, "receipts_unavailable")
		return
	}
	prime, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("prime")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_number")
		return
	}
	rec, err := h.receipts.Get(r.Context(), prime)
	if err != nil {
		h.writeAllocErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"receipt": rec,
	})
}

// writeAllocErr maps domain errors onto status codes.
func (h *handler) writeAllocErr(w http.ResponseWriter, err error) {
	var claimed *allocator.ClaimedError
	switch {
	case errors.As(err, &claimed):
		writeJSON(w, http.StatusConflict, map[string]any{
			"version":        "v1",
			"error":          "already_claimed",
			"prime":          claimed.Prime,
			"claimedByPayer": claimed.ByPayer,
		})
	case errors.Is(err, allocator.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, "already_claimed")
	case errors.Is(err, allocator.ErrAlreadyReserved):
		writeError(w, http.StatusConflict, "already_reserved")
	case errors.Is(err, allocator.ErrReservationLost):
		writeError(w, http.StatusConflict, "reservation_lost")
	case errors.Is(err, allocator.ErrNotPrime):
		writeError(w, http.StatusUnprocessableEntity, "not_prime")
	case errors.Is(err, allocator.ErrInvalidInput), errors.Is(err, payments.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input")
	case errors.Is(err, payments.ErrUnsupportedMethod):
		writeError(w, http.StatusNotFound, "unsupported_method")
	case errors.Is(err, allocator.ErrNotFound), errors.Is(err, payments.ErrNotFound), errors.Is(err, receipts.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, allocator.ErrAllocationContention):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "allocation_contention")
	case errors.Is(err, payments.ErrQuoteUnavailable), errors.Is(err, oracle.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "quote_unavailable")
	case errors.Is(err, allocator.ErrStoreUnavailable):
		h.log.Error("store unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		h.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func parseEmail(w http.ResponseWriter, raw string) (string, bool) {
	v := claims.NormalizePayer(raw)
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Address != v || addr.Name != "" {
		writeError(w, http.StatusBadRequest, "invalid_email")
		return "", false
	}
	return v, true
}

func quoteJSON(q allocator.Quote) map[string]any {
	amounts := make(map[string]any, len(q.Amounts))
	for cur, conv := range q.Amounts {
		amounts[string(cur)] = map[string]any{
			"amount": conv.Amount,
			"rate":   conv.Rate,
			"source": conv.Source,
		}
	}
	missing := make([]string, 0, len(q.Missing))
	for _, cur := range q.Missing {
		missing = append(missing, string(cur))
	}
	sort.Strings(missing)
	return map[string]any{
		"prime":    q.Prime,
		"priceUsd": q.PriceUSD,
		"amounts":  amounts,
		"missing":  missing,
	}
}

func reservationJSON(res allocator.Reservation) map[string]any {
	out := map[string]any{
		"prime":    res.Prime,
		"email":    res.Payer,
		"priceUsd": res.PriceUSD,
		"inFlight": res.InFlight(),
	}
	if !res.InFlight() {
		out["expiresAt"] = res.ExpiresAt.UTC()
	}
	if res.PaymentRef != "" {
		out["method"] = res.Method
		out["paymentReference"] = res.PaymentRef
	}
	return out
}

func paymentJSON(p payments.Payment) map[string]any {
	out := map[string]any{
		"reference": p.Reference,
		"method":    p.Method,
		"prime":     p.Prime,
		"email":     p.Payer,
		"address":   p.Address,
		"amount":    p.AmountCrypto,
		"amountUsd": p.AmountUSD,
		"rate":      p.Rate,
		"uri":       p.URI,
		"status":    p.Status,
		"createdAt": p.CreatedAt.UTC(),
		"expiresAt": p.ExpiresAt.UTC(),
	}
	if p.ConfirmedAt != nil {
		out["confirmedAt"] = p.ConfirmedAt.UTC()
		out["txHash"] = p.TxHash
		out["confirmations"] = p.Confirmations
	}
	return out
}

func claimJSON(c claims.Claim, now time.Time) map[string]any {
	out := map[string]any{
		"prime":     c.Prime,
		"email":     c.Payer,
		"status":    c.Status.String(),
		"active":    c.ActiveAt(now),
		"claimedAt": c.ClaimedAt.UTC(),
	}
	if c.ExpiresAt != nil {
		out["expiresAt"] = c.ExpiresAt.UTC()
	}
	if c.Method != claims.MethodNone {
		out["method"] = c.Method
	}
	if c.PaidAt != nil {
		out["paidAt"] = c.PaidAt.UTC()
		out["amountPaidUsd"] = c.AmountPaid
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   reason,
	})
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}
