package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/McodesM/Trade-Approval-Process/libs/auth"
	"github.com/McodesM/Trade-Approval-Process/libs/httpmiddleware"
	"github.com/McodesM/Trade-Approval-Process/libs/ratelimit"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/service"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/storage"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/validation"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/versioning"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
)

type TradeService interface {
	CreateAndSubmit(ctx context.Context, in service.CreateTradeInput) (*service.TransitionResult, error)
	Approve(ctx context.Context, in service.TransitionInput) (*service.TransitionResult, error)
	Cancel(ctx context.Context, in service.TransitionInput) (*service.TransitionResult, error)
	Update(ctx context.Context, in service.UpdateTradeInput) (*service.TransitionResult, error)
	SendToExecute(ctx context.Context, in service.TransitionInput) (*service.TransitionResult, error)
	Book(ctx context.Context, in service.BookTradeInput) (*service.TransitionResult, error)
	GetTrade(ctx context.Context, id uuid.UUID) (*storage.Trade, error)
	ListTrades(ctx context.Context, filter storage.TradeFilter) ([]storage.Trade, string, error)
	History(ctx context.Context, id uuid.UUID) ([]storage.ActionLog, error)
	Versions(ctx context.Context, id uuid.UUID) ([]storage.TradeVersion, error)
	GetVersion(ctx context.Context, id uuid.UUID, version int) (*storage.TradeVersion, error)
	DiffVersions(ctx context.Context, id uuid.UUID, from, to int) (*service.DiffResult, error)
}

type Handler struct {
	Service TradeService
	Logger  *slog.Logger
	Limiter ratelimit.Limiter
}

type tradeItem struct {
	ID               string   `json:"id"`
	TradingEntity    string   `json:"trading_entity"`
	Counterparty     string   `json:"counterparty"`
	Direction        string   `json:"direction"`
	Style            string   `json:"style"`
	NotionalCurrency string   `json:"notional_currency"`
	NotionalAmount   string   `json:"notional_amount"`
	Underlying       []string `json:"underlying"`
	TradeDate        string   `json:"trade_date"`
	ValueDate        string   `json:"value_date"`
	DeliveryDate     string   `json:"delivery_date"`
	Strike           *string  `json:"strike"`
	RequesterID      string   `json:"requester_id"`
	ApproverID       *string  `json:"approver_id"`
	State            string   `json:"state"`
	Version          int      `json:"version"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

type transitionResponse struct {
	Trade     tradeItem `json:"trade"`
	Action    string    `json:"action"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Note      string    `json:"note"`
}

type listTradesResponse struct {
	Trades     []tradeItem `json:"trades"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type historyItem struct {
	Action    string `json:"action"`
	ActorID   string `json:"actor_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Note      string `json:"note"`
	CreatedAt string `json:"created_at"`
}

type historyResponse struct {
	TradeID string        `json:"trade_id"`
	History []historyItem `json:"history"`
}

type versionItem struct {
	TradeID   string              `json:"trade_id"`
	Version   int                 `json:"version"`
	State     string              `json:"state"`
	Action    string              `json:"action"`
	ActorID   string              `json:"actor_id"`
	Snapshot  versioning.Snapshot `json:"snapshot"`
	CreatedAt string              `json:"created_at"`
}

type versionsResponse struct {
	TradeID  string        `json:"trade_id"`
	Versions []versionItem `json:"versions"`
}

type diffResponse struct {
	TradeID string                            `json:"trade_id"`
	From    int                               `json:"from"`
	To      int                               `json:"to"`
	Diff    map[string]versioning.FieldChange `json:"diff"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Rule    string                  `json:"rule,omitempty"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func New(svc TradeService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

// WithLimiter enables per-actor rate limiting of mutating routes.
func (h *Handler) WithLimiter(limiter ratelimit.Limiter) *Handler {
	h.Limiter = limiter
	return h
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	binding.EnableDecoderDisallowUnknownFields = true

	group := r.Group("/trades", auth.Middleware(jwtSecret))
	group.GET("", h.ListTrades)
	group.GET("/:id", h.GetTrade)
	group.GET("/:id/history", h.History)
	group.GET("/:id/versions", h.Versions)
	group.GET("/:id/versions/:version", h.GetVersion)
	group.GET("/:id/diff", h.Diff)

	mutating := group.Group("")
	if h.Limiter != nil {
		mutating.Use(ratelimit.Middleware(h.Limiter, actorKey, h.Logger))
	}
	mutating.POST("", h.CreateTrade)
	mutating.PATCH("/:id", h.UpdateTrade)
	mutating.POST("/:id/approve", h.Approve)
	mutating.POST("/:id/cancel", h.Cancel)
	mutating.POST("/:id/send-to-execute", h.SendToExecute)
	mutating.POST("/:id/book", h.BookTrade)
}

func actorKey(c *gin.Context) string {
	if actor, ok := auth.ActorID(c); ok {
		return "actor:" + actor
	}
	return ""
}

func (h *Handler) CreateTrade(c *gin.Context) {
	actor, ok := auth.ActorID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	var req validation.CreateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	details, errs := validation.ValidateCreate(req)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	res, err := h.Service.CreateAndSubmit(c.Request.Context(), service.CreateTradeInput{
		ActorID:       actor,
		Details:       details,
		Note:          strings.TrimSpace(req.Note),
		CorrelationID: httpmiddleware.GetRequestID(c),
	})
	if err != nil {
		h.writeServiceError(c, "create trade", err)
		return
	}
	h.writeTransition(c, http.StatusCreated, res)
}

func (h *Handler) Approve(c *gin.Context) {
	h.simpleTransition(c, "approve trade", h.Service.Approve)
}

func (h *Handler) Cancel(c *gin.Context) {
	h.simpleTransition(c, "cancel trade", h.Service.Cancel)
}

func (h *Handler) SendToExecute(c *gin.Context) {
	h.simpleTransition(c, "send trade to execute", h.Service.SendToExecute)
}

func (h *Handler) UpdateTrade(c *gin.Context) {
	in, ok := h.transitionInput(c)
	if !ok {
		return
	}
	var req validation.UpdateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	changes, errs := validation.ValidateUpdate(req)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}
	in.Note = strings.TrimSpace(req.Note)

	res, err := h.Service.Update(c.Request.Context(), service.UpdateTradeInput{TransitionInput: in, Changes: changes})
	if err != nil {
		h.writeServiceError(c, "update trade", err)
		return
	}
	h.writeTransition(c, http.StatusOK, res)
}

func (h *Handler) BookTrade(c *gin.Context) {
	in, ok := h.transitionInput(c)
	if !ok {
		return
	}
	var req validation.BookTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	strike, errs := validation.ValidateBook(req)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}
	in.Note = strings.TrimSpace(req.Note)

	res, err := h.Service.Book(c.Request.Context(), service.BookTradeInput{TransitionInput: in, Strike: strike})
	if err != nil {
		h.writeServiceError(c, "book trade", err)
		return
	}
	h.writeTransition(c, http.StatusOK, res)
}

func (h *Handler) simpleTransition(c *gin.Context, op string, fn func(context.Context, service.TransitionInput) (*service.TransitionResult, error)) {
	in, ok := h.transitionInput(c)
	if !ok {
		return
	}
	if c.Request.ContentLength != 0 {
		var req validation.NoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
			return
		}
		if errs := validation.ValidateNote(req.Note); len(errs) > 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
			return
		}
		in.Note = strings.TrimSpace(req.Note)
	}

	res, err := fn(c.Request.Context(), in)
	if err != nil {
		h.writeServiceError(c, op, err)
		return
	}
	h.writeTransition(c, http.StatusOK, res)
}

// transitionInput collects the actor, trade id and If-Match precondition.
// It writes the error response itself and reports false on failure.
func (h *Handler) transitionInput(c *gin.Context) (service.TransitionInput, bool) {
	actor, ok := auth.ActorID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return service.TransitionInput{}, false
	}
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id", nil)
		return service.TransitionInput{}, false
	}
	expected, err := parseIfMatch(c.GetHeader("If-Match"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid If-Match header", nil)
		return service.TransitionInput{}, false
	}
	return service.TransitionInput{
		TradeID:         id,
		ActorID:         actor,
		ExpectedVersion: expected,
		CorrelationID:   httpmiddleware.GetRequestID(c),
	}, true
}

func (h *Handler) GetTrade(c *gin.Context) {
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id", nil)
		return
	}
	trade, err := h.Service.GetTrade(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, "get trade", err)
		return
	}
	c.Header("ETag", etag(trade.Version))
	c.JSON(http.StatusOK, tradeToItem(*trade))
}

func (h *Handler) ListTrades(c *gin.Context) {
	filter := storage.TradeFilter{
		RequesterID: strings.TrimSpace(c.Query("requester_id")),
		Cursor:      strings.TrimSpace(c.Query("cursor")),
	}
	if raw := strings.TrimSpace(c.Query("state")); raw != "" {
		state, errs := validation.ParseState(raw)
		if len(errs) > 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid state", errs)
			return
		}
		filter.State = state
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
			return
		}
		filter.Limit = n
	}

	trades, next, err := h.Service.ListTrades(c.Request.Context(), filter)
	if err != nil {
		h.writeServiceError(c, "list trades", err)
		return
	}
	items := make([]tradeItem, 0, len(trades))
	for _, t := range trades {
		items = append(items, tradeToItem(t))
	}
	c.JSON(http.StatusOK, listTradesResponse{Trades: items, NextCursor: next})
}

func (h *Handler) History(c *gin.Context) {
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id", nil)
		return
	}
	logs, err := h.Service.History(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, "trade history", err)
		return
	}
	items := make([]historyItem, 0, len(logs))
	for _, l := range logs {
		items = append(items, historyItem{
			Action:    string(l.Action),
			ActorID:   l.ActorID,
			FromState: string(l.FromState),
			ToState:   string(l.ToState),
			Note:      l.Note,
			CreatedAt: formatTime(l.CreatedAt),
		})
	}
	c.JSON(http.StatusOK, historyResponse{TradeID: id.String(), History: items})
}

func (h *Handler) Versions(c *gin.Context) {
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id", nil)
		return
	}
	versions, err := h.Service.Versions(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, "list trade versions", err)
		return
	}
	items := make([]versionItem, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionToItem(v))
	}
	c.JSON(http.StatusOK, versionsResponse{TradeID: id.String(), Versions: items})
}

func (h *Handler) GetVersion(c *gin.Context) {
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id", nil)
		return
	}
	number, err := parseVersion(c.Param("version"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid version", nil)
		return
	}
	v, err := h.Service.GetVersion(c.Request.Context(), id, number)
	if err != nil {
		h.writeServiceError(c, "get trade version", err)
		return
	}
	c.JSON(http.StatusOK, versionToItem(*v))
}

func (h *Handler) Diff(c *gin.Context) {
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id", nil)
		return
	}
	from, errFrom := parseVersion(c.Query("from"))
	to, errTo := parseVersion(c.Query("to"))
	if errFrom != nil || errTo != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "from and to are required version numbers", nil)
		return
	}
	res, err := h.Service.DiffVersions(c.Request.Context(), id, from, to)
	if err != nil {
		h.writeServiceError(c, "diff trade versions", err)
		return
	}
	c.JSON(http.StatusOK, diffResponse{TradeID: id.String(), From: res.FromVersion, To: res.ToVersion, Diff: res.Changes})
}

func (h *Handler) writeTransition(c *gin.Context, status int, res *service.TransitionResult) {
	c.Header("ETag", etag(res.Trade.Version))
	c.JSON(status, transitionResponse{
		Trade:     tradeToItem(*res.Trade),
		Action:    string(res.Log.Action),
		FromState: string(res.Log.FromState),
		ToState:   string(res.Log.ToState),
		Note:      res.Log.Note,
	})
}

func (h *Handler) writeServiceError(c *gin.Context, op string, err error) {
	if werr, ok := workflow.AsError(err); ok {
		resp := errorResponse{Message: werr.Message}
		status := http.StatusBadRequest
		switch werr.Kind {
		case workflow.KindPermissionDenied:
			status, resp.Code = http.StatusForbidden, "FORBIDDEN"
		case workflow.KindValidation:
			resp.Code, resp.Rule = "VALIDATION_FAILED", werr.Rule
		default:
			resp.Code = "INVALID_TRANSITION"
		}
		c.JSON(status, resp)
		return
	}

	switch {
	case errors.Is(err, storage.ErrVersionNotFound):
		writeError(c, http.StatusNotFound, "VERSION_NOT_FOUND", "trade version not found", nil)
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, "TRADE_NOT_FOUND", "trade not found", nil)
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrAlreadyExists):
		writeError(c, http.StatusConflict, "CONFLICT", "trade was modified concurrently; reload and retry", nil)
	case errors.Is(err, storage.ErrInvalidCursor):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor", nil)
	default:
		h.Logger.Error(op+" failed", "error", err, "request_id", httpmiddleware.GetRequestID(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func tradeToItem(t storage.Trade) tradeItem {
	var strike *string
	if t.Strike.Valid {
		v := t.Strike.Decimal.StringFixed(workflow.StrikePlaces)
		strike = &v
	}
	var approver *string
	if t.HasApprover() {
		v := t.ApproverID
		approver = &v
	}
	underlying := t.Underlying
	if underlying == nil {
		underlying = []string{}
	}
	return tradeItem{
		ID:               t.ID.String(),
		TradingEntity:    t.TradingEntity,
		Counterparty:     t.Counterparty,
		Direction:        string(t.Direction),
		Style:            t.Style,
		NotionalCurrency: t.NotionalCurrency,
		NotionalAmount:   t.NotionalAmount.StringFixed(workflow.NotionalPlaces),
		Underlying:       underlying,
		TradeDate:        t.TradeDate.Format(time.DateOnly),
		ValueDate:        t.ValueDate.Format(time.DateOnly),
		DeliveryDate:     t.DeliveryDate.Format(time.DateOnly),
		Strike:           strike,
		RequesterID:      t.RequesterID,
		ApproverID:       approver,
		State:            string(t.State),
		Version:          t.Version,
		CreatedAt:        formatTime(t.CreatedAt),
		UpdatedAt:        formatTime(t.UpdatedAt),
	}
}

func versionToItem(v storage.TradeVersion) versionItem {
	return versionItem{
		TradeID:   v.TradeID.String(),
		Version:   v.Version,
		State:     string(v.State),
		Action:    string(v.Action),
		ActorID:   v.ActorID,
		Snapshot:  v.Snapshot,
		CreatedAt: formatTime(v.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func parseVersion(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.New("version must be positive")
	}
	return n, nil
}

// parseIfMatch accepts `"3"`, `W/"3"` or `3`. An absent header yields 0.
func parseIfMatch(header string) (int, error) {
	v := strings.TrimSpace(header)
	if v == "" {
		return 0, nil
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	return parseVersion(v)
}

func etag(version int) string {
	return `"` + strconv.Itoa(version) + `"`
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}
