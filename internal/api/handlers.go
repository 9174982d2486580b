package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/auth"
	"github.com/xtrntr/trendex/internal/engine"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/exchange"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/logging"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/settlement"
	"go.uber.org/zap"
)

const (
	defaultDepthLevels = 10
	maxWebhookBody     = 1 << 20
)

type ctxKey struct{}

// DepthCache keeps rendered order book snapshots; the Redis cache implements it
type DepthCache interface {
	Get(ctx context.Context, symbol string, levels int) (exchange.Depth, bool, error)
	Set(ctx context.Context, levels int, d exchange.Depth) error
}

// Deps are the collaborators of the HTTP handlers
type Deps struct {
	Engine      *engine.Engine
	Ledger      *ledger.Ledger
	Payments    *settlement.Payments
	AuthService *auth.AuthService
	Depth       DepthCache
	Logger      *zap.SugaredLogger
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	engine   *engine.Engine
	ledger   *ledger.Ledger
	payments *settlement.Payments
	auth     *auth.AuthService
	depth    DepthCache
	logger   *zap.SugaredLogger
}

// NewHandler creates a new handler
func NewHandler(d Deps) *Handler {
	return &Handler{
		engine:   d.Engine,
		ledger:   d.Ledger,
		payments: d.Payments,
		auth:     d.AuthService,
		depth:    d.Depth,
		logger:   logging.OrNop(d.Logger).Named("api"),
	}
}

// Routes registers every endpoint on r
func (h *Handler) Routes(r chi.Router) {
	r.Get("/orderbook/{symbol}", h.GetOrderBook)
	r.Get("/orderbook/{symbol}/stats", h.GetStats)
	r.Post("/webhooks/{gateway}", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/trades", h.GetUserTrades)
		r.Get("/wallets", h.GetWallets)
		r.Post("/wallets/transfer", h.Transfer)
		r.Get("/wallets/{id}/reconcile", h.Reconcile)
		r.Post("/deposits", h.Deposit)
		r.Post("/withdrawals", h.Withdraw)
	})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.auth.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the authenticated user of a request
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

type placeOrderRequest struct {
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"`
	Type        string           `json:"type"`
	TimeInForce string           `json:"time_in_force"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price"`
	StopPrice   *decimal.Decimal `json:"stop_price"`
	ExpiresAt   *time.Time       `json:"expires_at"`
}

// PlaceOrder handles order placement and matching. A rejected order is a
// result, returned with 422 and the reasons.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	o := models.NewOrder(userID, req.Symbol,
		models.Side(strings.ToUpper(req.Side)),
		models.OrderType(strings.ToUpper(req.Type)),
		models.TimeInForce(strings.ToUpper(req.TimeInForce)),
		req.Quantity, req.Price, req.StopPrice, time.Now().UTC())
	o.ExpiresAt = req.ExpiresAt

	res, err := h.engine.ExecuteOrder(r.Context(), o)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if !res.Accepted {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	orders, err := h.engine.Orders(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(orders))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	o, err := h.engine.Order(r.Context(), id, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	o, err := h.engine.CancelOrder(r.Context(), id, userID, r.URL.Query().Get("reason"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	trades, err := h.engine.Trades(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trades))
}

// GetOrderBook returns the aggregated depth of a symbol. Symbols carry a
// slash, so clients escape it (TREND-AI%2FZAR) or write it as TREND-AI_ZAR.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol, ok := pathSymbol(w, r)
	if !ok {
		return
	}
	levels := defaultDepthLevels
	if v := r.URL.Query().Get("levels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "levels must be a non-negative integer")
			return
		}
		levels = n
	}

	if h.depth != nil {
		d, hit, err := h.depth.Get(r.Context(), symbol, levels)
		if err != nil {
			h.logger.Warnw("depth cache read failed", "symbol", symbol, "error", err)
		}
		if hit {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}

	d := h.engine.Depth(symbol, levels)
	if h.depth != nil {
		if err := h.depth.Set(r.Context(), levels, d); err != nil {
			h.logger.Warnw("depth cache write failed", "symbol", symbol, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	symbol, ok := pathSymbol(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Stats(symbol))
}

func (h *Handler) GetWallets(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	wallets, err := h.ledger.Wallets(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(wallets))
}

type transferRequest struct {
	ToUserID       string          `json:"to_user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ToCurrency     string          `json:"to_currency"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Transfer moves funds to another user, converting when to_currency differs
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ToUserID == "" || req.Currency == "" {
		writeError(w, http.StatusBadRequest, "to_user_id and currency required")
		return
	}

	var opts []ledger.Option
	if req.IdempotencyKey != "" {
		opts = append(opts, ledger.WithIdempotencyKey("transfer:"+userID+":"+req.IdempotencyKey))
	}
	from, to := strings.ToUpper(req.Currency), strings.ToUpper(req.ToCurrency)

	var (
		t   *ledger.Transfer
		err error
	)
	if to == "" || to == from {
		t, err = h.ledger.RecordDoubleEntry(r.Context(), userID, req.ToUserID, req.Amount, from, req.Description, opts...)
	} else {
		t, err = h.ledger.ConvertAndTransfer(r.Context(), userID, req.ToUserID, req.Amount, from, to, req.Description, opts...)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// Reconcile replays one of the caller's wallets against its ledger
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.ledger.ReconcileWallet(r.Context(), id)
	if err == nil && rec.UserID != userID {
		err = exception.NotFound("wallet", id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type paymentRequest struct {
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Gateway     string          `json:"gateway"`
	Destination string          `json:"destination"`
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	intent, err := h.payments.Deposit(r.Context(), userID, strings.ToUpper(req.Currency), req.Amount, req.Gateway)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	intent, err := h.payments.Withdraw(r.Context(), userID, strings.ToUpper(req.Currency), req.Amount, req.Gateway, req.Destination)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

// Webhook receives a gateway's signed payment update
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := h.payments.HandleWebhook(r.Context(), chi.URLParam(r, "gateway"), payload, r.Header.Get("X-Signature"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body := map[string]interface{}{"duplicate": res.Duplicate}
	if res.Transaction != nil {
		body["transaction"] = res.Transaction.ID
		body["status"] = res.Transaction.Status
	}
	writeJSON(w, http.StatusOK, body)
}

// fail maps an error kind to its status code
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *exception.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": exception.ErrValidation.Error(), "errors": verr.Errors})
	case errors.Is(err, exception.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, exception.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, exception.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, exception.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, exception.ErrExternalService):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func pathSymbol(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol, err := url.PathUnescape(chi.URLParam(r, "symbol"))
	if err != nil || symbol == "" {
		writeError(w, http.StatusBadRequest, "Invalid symbol")
		return "", false
	}
	return strings.ToUpper(strings.ReplaceAll(symbol, "_", "/")), true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
