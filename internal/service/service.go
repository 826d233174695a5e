// Package service реализует бизнес-логику SMM-панели.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akhalidy/smmpanel-system/internal/model"
	"github.com/akhalidy/smmpanel-system/internal/pricing"
	"github.com/akhalidy/smmpanel-system/internal/provider"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	GetUser(ctx context.Context, id int64) (*model.User, error)
	CreditBalance(ctx context.Context, userID int64, amount float64) error
	ChargeBalance(ctx context.Context, userID int64, amount float64) error

	CreateOrder(ctx context.Context, o *model.Order) (int64, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	ListActiveOrders(ctx context.Context) ([]model.Order, error)
	UpdateOrderStatusAndRemains(ctx context.Context, orderID int64, status model.OrderStatus, remains int) error

	ListRanks(ctx context.Context) ([]model.Rank, error)
	AdvanceUserPurchases(ctx context.Context, userID int64, ranks []model.Rank) (*model.RankEvent, error)
	ResyncUserRanks(ctx context.Context) (int64, error)

	CreatePricingRule(ctx context.Context, rule *model.PricingRule) (int64, error)
	UpdatePricingRule(ctx context.Context, rule *model.PricingRule) error
	DeletePricingRule(ctx context.Context, id int64) error
	GetPricingRule(ctx context.Context, id int64) (*model.PricingRule, error)
	ListPricingRules(ctx context.Context) ([]model.PricingRule, error)
	PricingStats(ctx context.Context) (*model.PricingStats, error)
}

// Provider описывает контракт клиента внешней SMM-панели.
type Provider interface {
	Services(ctx context.Context) ([]provider.Service, error)
	CreateOrder(ctx context.Context, serviceID int64, link string, quantity int) (string, error)
	OrderStatus(ctx context.Context, providerID string) (*provider.OrderState, error)
	OrdersStatus(ctx context.Context, providerIDs []string) (map[string]provider.OrderState, error)
	AccountBalance(ctx context.Context) (*provider.Balance, error)
}

// Service содержит бизнес-логику SMM-панели.
type Service struct {
	repo          Repository
	provider      Provider
	resolver      *pricing.Resolver
	logger        *zap.SugaredLogger
	syncInterval  time.Duration
	syncBatchSize int
}

// NewService создаёт новый сервис с указанными репозиторием, клиентом
// провайдера и резолвером цен.
func NewService(repo Repository, prov Provider, resolver *pricing.Resolver, logger *zap.SugaredLogger, syncInterval time.Duration, syncBatchSize int) *Service {
	if syncInterval <= 0 {
		syncInterval = 300 * time.Second
	}
	if syncBatchSize <= 0 {
		syncBatchSize = 50
	}

	return &Service{
		repo:          repo,
		provider:      prov,
		resolver:      resolver,
		logger:        logger,
		syncInterval:  syncInterval,
		syncBatchSize: syncBatchSize,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// NewOrder описывает параметры размещаемого заказа.
type NewOrder struct {
	UserID      int64
	ServiceID   int64
	ServiceName string
	CategoryID  *int64
	Link        string
	Quantity    int
	BasePrice   float64
}

// PlaceOrder рассчитывает цену заказа, списывает средства и отправляет заказ
// провайдеру. Если провайдер недоступен, заказ сохраняется как локальный и
// ожидает ручной обработки.
func (s *Service) PlaceOrder(ctx context.Context, in NewOrder) (*model.Order, *model.PriceQuote, error) {
	user, err := s.repo.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, nil, err
	}

	quote := s.resolver.Quote(ctx, in.ServiceID, in.BasePrice, user.RankID, in.CategoryID)

	if err := s.repo.ChargeBalance(ctx, in.UserID, quote.FinalPrice); err != nil {
		return nil, nil, err
	}

	providerID := ""
	if s.provider != nil {
		id, err := s.provider.CreateOrder(ctx, in.ServiceID, in.Link, in.Quantity)
		if err != nil {
			s.logger.Warnw("provider order submission failed, storing local order",
				"userID", in.UserID, "serviceID", in.ServiceID, "error", err)
		} else {
			providerID = id
		}
	}
	if providerID == "" {
		providerID = model.LocalOrderPrefix + uuid.NewString()
	}

	order := &model.Order{
		ProviderID:  providerID,
		UserID:      in.UserID,
		ServiceID:   in.ServiceID,
		ServiceName: in.ServiceName,
		Link:        in.Link,
		Quantity:    in.Quantity,
		Amount:      quote.FinalPrice,
		Remains:     in.Quantity,
		Status:      model.StatusPending,
	}

	id, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		// Заказ не записан — возвращаем списанные средства.
		if refundErr := s.repo.CreditBalance(ctx, in.UserID, quote.FinalPrice); refundErr != nil {
			s.logger.Errorw("refund after failed order insert failed",
				"userID", in.UserID, "amount", quote.FinalPrice, "error", refundErr)
		}
		return nil, nil, err
	}
	order.ID = id

	return order, quote, nil
}

// ProviderServices возвращает каталог услуг провайдера.
func (s *Service) ProviderServices(ctx context.Context) ([]provider.Service, error) {
	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}
	return s.provider.Services(ctx)
}

// ProviderBalance возвращает баланс аккаунта у провайдера.
func (s *Service) ProviderBalance(ctx context.Context) (*provider.Balance, error) {
	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}
	return s.provider.AccountBalance(ctx)
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrdersByUser возвращает список заказов пользователя.
func (s *Service) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

// QuotePrice рассчитывает цену услуги для указанного ранга.
func (s *Service) QuotePrice(ctx context.Context, serviceID int64, basePrice float64, rankID int64, categoryID *int64) *model.PriceQuote {
	return s.resolver.Quote(ctx, serviceID, basePrice, rankID, categoryID)
}

// AdvanceRank увеличивает счётчик завершённых покупок пользователя и приводит
// его ранг в соответствие счётчику. Вызывается ровно один раз на каждый переход
// заказа в completed; защита от повторного вызова лежит на вызывающей стороне.
func (s *Service) AdvanceRank(ctx context.Context, userID int64) (*model.RankEvent, error) {
	ranks, err := s.repo.ListRanks(ctx)
	if err != nil {
		return nil, err
	}

	event, err := s.repo.AdvanceUserPurchases(ctx, userID, ranks)
	if err != nil {
		return nil, err
	}

	if event.Changed() {
		s.logger.Infow("user rank changed",
			"userID", userID,
			"purchases", event.Purchases,
			"upgraded", event.Upgraded())
	}

	return event, nil
}

// ResyncRanks пересчитывает ранги всех пользователей из счётчиков покупок.
func (s *Service) ResyncRanks(ctx context.Context) (int64, error) {
	return s.repo.ResyncUserRanks(ctx)
}

// ListRanks возвращает каталог рангов.
func (s *Service) ListRanks(ctx context.Context) ([]model.Rank, error) {
	return s.repo.ListRanks(ctx)
}

// CreatePricingRule проверяет и сохраняет ценовое правило.
func (s *Service) CreatePricingRule(ctx context.Context, rule *model.PricingRule) (int64, error) {
	if err := pricing.ValidateRule(rule); err != nil {
		return 0, err
	}

	id, err := s.repo.CreatePricingRule(ctx, rule)
	if err != nil {
		return 0, err
	}

	s.resolver.Cache().Invalidate()
	return id, nil
}

// UpdatePricingRule обновляет ценовое правило.
func (s *Service) UpdatePricingRule(ctx context.Context, rule *model.PricingRule) error {
	if err := pricing.ValidateRule(rule); err != nil {
		return err
	}

	if err := s.repo.UpdatePricingRule(ctx, rule); err != nil {
		return err
	}

	s.resolver.Cache().Invalidate()
	return nil
}

// DeletePricingRule удаляет ценовое правило.
func (s *Service) DeletePricingRule(ctx context.Context, id int64) error {
	if err := s.repo.DeletePricingRule(ctx, id); err != nil {
		return err
	}

	s.resolver.Cache().Invalidate()
	return nil
}

// GetPricingRule возвращает ценовое правило по идентификатору.
func (s *Service) GetPricingRule(ctx context.Context, id int64) (*model.PricingRule, error) {
	return s.repo.GetPricingRule(ctx, id)
}

// ListPricingRules возвращает все ценовые правила.
func (s *Service) ListPricingRules(ctx context.Context) ([]model.PricingRule, error) {
	return s.repo.ListPricingRules(ctx)
}

// PricingStats возвращает сводную статистику по ценовым правилам.
func (s *Service) PricingStats(ctx context.Context) (*model.PricingStats, error) {
	return s.repo.PricingStats(ctx)
}
