package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/membership/gateway"
	"github.com/GoCodeAlone/membership/store"
)

const maxBodyBytes = 1 << 20

// Handler exposes the billing engine over HTTP.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new billing HTTP handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

// RegisterRoutes registers every billing endpoint on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	h.RegisterAdminRoutes(mux)
	h.RegisterWebhookRoutes(mux)
}

// RegisterAdminRoutes registers the product, subscription and ledger
// endpoints.
func (h *Handler) RegisterAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/products", h.handleListProducts)
	mux.HandleFunc("POST /api/v1/products", h.handleCreateProduct)
	mux.HandleFunc("GET /api/v1/products/{id}", h.handleGetProduct)
	mux.HandleFunc("PUT /api/v1/products/{id}", h.handleUpdateProduct)
	mux.HandleFunc("DELETE /api/v1/products/{id}", h.handleDeleteProduct)
	mux.HandleFunc("GET /api/v1/products/{id}/meta", h.handleListProductMeta)
	mux.HandleFunc("PUT /api/v1/products/{id}/meta/{key}", h.handleSetProductMeta)
	mux.HandleFunc("DELETE /api/v1/products/{id}/meta/{key}", h.handleDeleteProductMeta)

	mux.HandleFunc("POST /api/v1/checkout", h.handleCheckout)
	mux.HandleFunc("POST /api/v1/subscriptions", h.handleCreateSubscription)
	mux.HandleFunc("GET /api/v1/subscriptions", h.handleListSubscriptions)
	mux.HandleFunc("GET /api/v1/subscriptions/{id}", h.handleGetSubscription)
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/{action}", h.handleSubscriptionAction)

	mux.HandleFunc("POST /api/v1/transactions", h.handleRecordTransaction)
	mux.HandleFunc("GET /api/v1/transactions", h.handleListTransactions)
	mux.HandleFunc("GET /api/v1/transactions/count", h.handleCountTransactions)
	mux.HandleFunc("GET /api/v1/transactions/{id}", h.handleGetTransaction)
	mux.HandleFunc("POST /api/v1/transactions/{id}/{action}", h.handleTransactionAction)
}

// RegisterWebhookRoutes registers the gateway callback endpoint. Gateways
// authenticate with their own signatures, not bearer tokens.
func (h *Handler) RegisterWebhookRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/webhooks/{gateway}", h.handleWebhook)
}

// ---------- products ----------

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r.URL.Query())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	out, err := h.engine.ListProducts(r.Context(), page)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": nonNil(out)})
}

func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var p store.Product
	if !h.decode(w, r, &p) {
		return
	}
	p.ID = uuid.Nil
	out, err := h.engine.CreateProduct(r.Context(), &p)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.engine.GetProduct(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var p store.Product
	if !h.decode(w, r, &p) {
		return
	}
	p.ID = id
	out, err := h.engine.UpdateProduct(r.Context(), &p)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.engine.DeleteProduct(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListProductMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	out, err := h.engine.ProductMeta(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meta": nonNil(out)})
}

func (h *Handler) handleSetProductMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Value string `json:"meta_value"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	key := r.PathValue("key")
	if err := h.engine.SetProductMeta(r.Context(), id, key, body.Value); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"meta_key": key, "meta_value": body.Value})
}

func (h *Handler) handleDeleteProductMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.engine.DeleteProductMeta(r.Context(), id, r.PathValue("key")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- subscriptions ----------

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.Checkout(r.Context(), req)
	if err != nil {
		if res == nil {
			h.writeErr(w, err)
			return
		}
		status, msg := h.classify(err)
		writeJSON(w, status, map[string]any{"error": msg, "checkout": res})
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.engine.CreateSubscription(r.Context(), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	f, err := parseSubscriptionFilter(r.URL.Query())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	out, err := h.engine.ListSubscriptions(r.Context(), f)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	total, err := h.engine.CountSubscriptions(r.Context(), f)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": nonNil(out), "total": total})
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sub, err := h.engine.GetSubscription(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleSubscriptionAction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var (
		sub *store.Subscription
		err error
	)
	switch Transition(r.PathValue("action")) {
	case TransitionActivate:
		sub, err = h.engine.Activate(r.Context(), id)
	case TransitionCancel:
		sub, err = h.engine.Cancel(r.Context(), id)
	case TransitionReactivate:
		sub, err = h.engine.Reactivate(r.Context(), id)
	case TransitionExpire:
		sub, err = h.engine.Expire(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown subscription action %q", r.PathValue("action")))
		return
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ---------- transactions ----------

func (h *Handler) handleRecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.engine.RecordTransaction(r.Context(), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := parseTransactionFilter(r.URL.Query())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	out, err := h.engine.ListTransactions(r.Context(), f)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	total, err := h.engine.CountTransactions(r.Context(), f)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": nonNil(out), "total": total})
}

func (h *Handler) handleCountTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := parseTransactionFilter(r.URL.Query())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	n, err := h.engine.CountTransactions(r.Context(), f)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	txn, err := h.engine.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) handleTransactionAction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var (
		txn *store.Transaction
		err error
	)
	switch r.PathValue("action") {
	case "complete":
		var opts CompleteOptions
		if !h.decodeOptional(w, r, &opts) {
			return
		}
		txn, err = h.engine.Complete(r.Context(), id, opts)
	case "fail":
		var body struct {
			Reason string `json:"reason"`
		}
		if !h.decodeOptional(w, r, &body) {
			return
		}
		txn, err = h.engine.Fail(r.Context(), id, body.Reason)
	case "refund":
		txn, err = h.engine.Refund(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown transaction action %q", r.PathValue("action")))
		return
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// ---------- POST /api/v1/webhooks/{gateway} ----------

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	res, err := h.engine.HandleWebhook(r.Context(), r.PathValue("gateway"), r, body)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "action": res.Action, "event_id": res.Event.ID})
}

// ---------- helpers ----------

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// classify maps an engine error to a status and a message safe to show.
// Gateway internals never reach the client.
func (h *Handler) classify(err error) (int, string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.Is(err, store.ErrInvalidFilter), errors.Is(err, gateway.ErrInvalidWebhook):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound), errors.Is(err, gateway.ErrUnknownGateway):
		return http.StatusNotFound, "not found"
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "already exists"
	case gateway.IsDeclined(err):
		return http.StatusPaymentRequired, "payment declined"
	case gateway.IsTransient(err), errors.Is(err, gateway.ErrRetriesExhausted):
		return http.StatusServiceUnavailable, "payment gateway unavailable, please retry"
	}
	return http.StatusInternalServerError, "internal error"
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status, msg := h.classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("billing request failed", "status", status, "error", err)
	}
	writeError(w, status, msg)
}

func parsePagination(q url.Values) (store.Pagination, error) {
	p := store.DefaultPagination()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, invalid("limit", "must be a non-negative integer")
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, invalid("offset", "must be a non-negative integer")
		}
		p.Offset = n
	}
	return p, nil
}

func parseSort(q url.Values) store.Sort {
	desc, _ := strconv.ParseBool(q.Get("desc"))
	return store.Sort{Column: q.Get("sort"), Desc: desc}
}

func parseInt64(q url.Values, key string) (*int64, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, invalid(key, "must be an integer")
	}
	return &n, nil
}

func parseUUID(q url.Values, key string) (*uuid.UUID, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, invalid(key, "must be a UUID")
	}
	return &id, nil
}

func parseTime(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, invalid(key, "must be an RFC 3339 time")
	}
	return &t, nil
}

func parseSubscriptionFilter(q url.Values) (store.SubscriptionFilter, error) {
	f := store.SubscriptionFilter{
		Status:  store.SubscriptionStatus(q.Get("status")),
		Gateway: q.Get("gateway"),
		Sort:    parseSort(q),
	}
	var err error
	if f.UserID, err = parseInt64(q, "user_id"); err != nil {
		return f, err
	}
	if f.ProductID, err = parseUUID(q, "product_id"); err != nil {
		return f, err
	}
	if f.DueBy, err = parseTime(q, "due_by"); err != nil {
		return f, err
	}
	if f.Pagination, err = parsePagination(q); err != nil {
		return f, err
	}
	return f, nil
}

func parseTransactionFilter(q url.Values) (store.TransactionFilter, error) {
	f := store.TransactionFilter{
		Status:  store.TransactionStatus(q.Get("status")),
		Gateway: q.Get("gateway"),
		Sort:    parseSort(q),
	}
	var err error
	if f.UserID, err = parseInt64(q, "user_id"); err != nil {
		return f, err
	}
	if f.ProductID, err = parseUUID(q, "product_id"); err != nil {
		return f, err
	}
	if f.SubscriptionID, err = parseUUID(q, "subscription_id"); err != nil {
		return f, err
	}
	if f.CreatedFrom, err = parseTime(q, "from"); err != nil {
		return f, err
	}
	if f.CreatedTo, err = parseTime(q, "to"); err != nil {
		return f, err
	}
	if f.Pagination, err = parsePagination(q); err != nil {
		return f, err
	}
	return f, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
