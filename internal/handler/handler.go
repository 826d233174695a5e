// Package handler содержит HTTP-обработчики административного API SMM-панели.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/akhalidy/smmpanel-system/internal/middleware"
	"github.com/akhalidy/smmpanel-system/internal/model"
	"github.com/akhalidy/smmpanel-system/internal/pricing"
	"github.com/akhalidy/smmpanel-system/internal/provider"
	"github.com/akhalidy/smmpanel-system/internal/repository"
	"github.com/akhalidy/smmpanel-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreatePricingRule(ctx context.Context, rule *model.PricingRule) (int64, error)
	UpdatePricingRule(ctx context.Context, rule *model.PricingRule) error
	DeletePricingRule(ctx context.Context, id int64) error
	GetPricingRule(ctx context.Context, id int64) (*model.PricingRule, error)
	ListPricingRules(ctx context.Context) ([]model.PricingRule, error)
	PricingStats(ctx context.Context) (*model.PricingStats, error)
	QuotePrice(ctx context.Context, serviceID int64, basePrice float64, rankID int64, categoryID *int64) *model.PriceQuote

	ListRanks(ctx context.Context) ([]model.Rank, error)
	ResyncRanks(ctx context.Context) (int64, error)

	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	RefreshOrder(ctx context.Context, orderID int64) (*model.Order, error)

	ProviderServices(ctx context.Context) ([]provider.Service, error)
	ProviderBalance(ctx context.Context) (*provider.Balance, error)
}

// Handler реализует HTTP-обработчики административного API SMM-панели.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type ruleRequest struct {
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	RefID      *int64     `json:"ref_id,omitempty"`
	RankID     *int64     `json:"rank_id,omitempty"`
	Percentage float64    `json:"percentage"`
	FixedFee   float64    `json:"fixed_fee"`
	Active     bool       `json:"active"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
}

func (req ruleRequest) toModel() *model.PricingRule {
	return &model.PricingRule{
		Name:       req.Name,
		Scope:      model.PricingScope(req.Scope),
		RefID:      req.RefID,
		RankID:     req.RankID,
		Percentage: req.Percentage,
		FixedFee:   req.FixedFee,
		Active:     req.Active,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
	}
}

type ruleResponse struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	RefID      *int64     `json:"ref_id,omitempty"`
	RankID     *int64     `json:"rank_id,omitempty"`
	Percentage float64    `json:"percentage"`
	FixedFee   float64    `json:"fixed_fee"`
	Active     bool       `json:"active"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	CreatedAt  string     `json:"created_at"`
	UpdatedAt  string     `json:"updated_at"`
}

func toRuleResponse(rule model.PricingRule) ruleResponse {
	return ruleResponse{
		ID:         rule.ID,
		Name:       rule.Name,
		Scope:      string(rule.Scope),
		RefID:      rule.RefID,
		RankID:     rule.RankID,
		Percentage: rule.Percentage,
		FixedFee:   rule.FixedFee,
		Active:     rule.Active,
		StartsAt:   rule.StartsAt,
		EndsAt:     rule.EndsAt,
		CreatedAt:  rule.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  rule.UpdatedAt.Format(time.RFC3339),
	}
}

// CreatePricingRule создаёт ценовое правило.
func (h *Handler) CreatePricingRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rule := req.toModel()

	id, err := h.service.CreatePricingRule(r.Context(), rule)
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidRule) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create pricing rule error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	rule.ID = id
	writeJSON(w, http.StatusCreated, toRuleResponse(*rule))
}

// ListPricingRules возвращает все ценовые правила.
func (h *Handler) ListPricingRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ListPricingRules(r.Context())
	if err != nil {
		h.logger.Error("list pricing rules error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, toRuleResponse(rule))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetPricingRule возвращает ценовое правило по идентификатору.
func (h *Handler) GetPricingRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rule, err := h.service.GetPricingRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get pricing rule error", zap.Error(err), zap.Int64("ruleID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toRuleResponse(*rule))
}

// UpdatePricingRule обновляет ценовое правило.
func (h *Handler) UpdatePricingRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rule := req.toModel()
	rule.ID = id

	if err := h.service.UpdatePricingRule(r.Context(), rule); err != nil {
		switch {
		case errors.Is(err, pricing.ErrInvalidRule):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrRuleNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("update pricing rule error", zap.Error(err), zap.Int64("ruleID", id))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toRuleResponse(*rule))
}

// DeletePricingRule удаляет ценовое правило.
func (h *Handler) DeletePricingRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeletePricingRule(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("delete pricing rule error", zap.Error(err), zap.Int64("ruleID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PreviewPrice рассчитывает цену услуги без размещения заказа.
func (h *Handler) PreviewPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	serviceID, err := strconv.ParseInt(q.Get("service_id"), 10, 64)
	if err != nil || serviceID <= 0 {
		http.Error(w, "service_id is required", http.StatusBadRequest)
		return
	}

	basePrice, err := strconv.ParseFloat(q.Get("base_price"), 64)
	if err != nil || basePrice < 0 {
		http.Error(w, "base_price is required", http.StatusBadRequest)
		return
	}

	rankID, err := strconv.ParseInt(q.Get("rank_id"), 10, 64)
	if err != nil || rankID <= 0 {
		http.Error(w, "rank_id is required", http.StatusBadRequest)
		return
	}

	var categoryID *int64
	if raw := q.Get("category_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "category_id is invalid", http.StatusBadRequest)
			return
		}
		categoryID = &id
	}

	quote := h.service.QuotePrice(r.Context(), serviceID, basePrice, rankID, categoryID)
	writeJSON(w, http.StatusOK, quote)
}

// PricingStats возвращает сводную статистику по ценовым правилам.
func (h *Handler) PricingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.PricingStats(r.Context())
	if err != nil {
		h.logger.Error("pricing stats error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type rankResponse struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Emoji              string   `json:"emoji,omitempty"`
	MinPurchases       int      `json:"min_purchases"`
	DiscountPercentage float64  `json:"discount_percentage"`
	Features           []string `json:"features,omitempty"`
	Active             bool     `json:"active"`
}

// ListRanks возвращает каталог рангов.
func (h *Handler) ListRanks(w http.ResponseWriter, r *http.Request) {
	ranks, err := h.service.ListRanks(r.Context())
	if err != nil {
		h.logger.Error("list ranks error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]rankResponse, 0, len(ranks))
	for _, rank := range ranks {
		resp = append(resp, rankResponse{
			ID:                 rank.ID,
			Name:               rank.Name,
			Emoji:              rank.Emoji,
			MinPurchases:       rank.MinPurchases,
			DiscountPercentage: rank.DiscountPercentage,
			Features:           rank.Features,
			Active:             rank.Active,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type resyncResponse struct {
	Updated int64 `json:"updated"`
}

// ResyncRanks пересчитывает ранги всех пользователей из счётчиков покупок.
func (h *Handler) ResyncRanks(w http.ResponseWriter, r *http.Request) {
	updated, err := h.service.ResyncRanks(r.Context())
	if err != nil {
		h.logger.Error("resync ranks error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resyncResponse{Updated: updated})
}

type orderResponse struct {
	ID          int64   `json:"id"`
	ProviderID  string  `json:"provider_id"`
	UserID      int64   `json:"user_id"`
	ServiceID   int64   `json:"service_id"`
	ServiceName string  `json:"service_name,omitempty"`
	Link        string  `json:"link,omitempty"`
	Quantity    int     `json:"quantity"`
	Amount      float64 `json:"amount"`
	Remains     int     `json:"remains"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		ID:          o.ID,
		ProviderID:  o.ProviderID,
		UserID:      o.UserID,
		ServiceID:   o.ServiceID,
		ServiceName: o.ServiceName,
		Link:        o.Link,
		Quantity:    o.Quantity,
		Amount:      o.Amount,
		Remains:     o.Remains,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   o.UpdatedAt.Format(time.RFC3339),
	}
}

// GetOrder возвращает заказ по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.Int64("orderID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

// ListOrders возвращает заказы указанного пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	orders, err := h.service.ListOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}

	writeJSON(w, http.StatusOK, resp)
}

// RefreshOrder сверяет заказ с провайдером вне планового цикла.
func (h *Handler) RefreshOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.RefreshOrder(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrOrderNotSyncable):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("refresh order error", zap.Error(err), zap.Int64("orderID", id))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

// ProviderServices возвращает каталог услуг провайдера.
func (h *Handler) ProviderServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.service.ProviderServices(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrProviderNotConfigured) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("provider services error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, services)
}

// ProviderBalance возвращает баланс аккаунта у провайдера.
func (h *Handler) ProviderBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.ProviderBalance(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrProviderNotConfigured) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("provider balance error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}
