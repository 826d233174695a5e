package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/akhalidy/smmpanel-system/internal/model"
	"github.com/akhalidy/smmpanel-system/internal/pricing"
	"github.com/akhalidy/smmpanel-system/internal/provider"
	"github.com/akhalidy/smmpanel-system/internal/repository"
)

type stubRepo struct {
	users  map[int64]*model.User
	orders map[int64]*model.Order
	ranks  []model.Rank
	rules  []model.PricingRule

	listActiveErr error
	createOrderID int64

	orderUpdates  int
	advanceCalls  map[int64]int
	resyncCalls   int
	createdRules  int
	invalidations int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:  make(map[int64]*model.User),
		orders: make(map[int64]*model.Order),
		ranks: []model.Rank{
			{ID: 6, Name: "New", MinPurchases: 0, Active: true},
			{ID: 5, Name: "Bronze", MinPurchases: 25, Active: true},
			{ID: 4, Name: "Silver", MinPurchases: 50, DiscountPercentage: 20, Active: true},
			{ID: 3, Name: "Gold", MinPurchases: 75, DiscountPercentage: 15, Active: true},
			{ID: 2, Name: "Diamond", MinPurchases: 100, DiscountPercentage: 10, Active: true},
			{ID: 1, Name: "VIP", MinPurchases: 200, DiscountPercentage: 5, Active: true},
		},
		advanceCalls:  make(map[int64]int),
		createOrderID: 1000,
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *stubRepo) CreditBalance(ctx context.Context, userID int64, amount float64) error {
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Balance += amount
	return nil
}

func (s *stubRepo) ChargeBalance(ctx context.Context, userID int64, amount float64) error {
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	if u.Balance < amount {
		return repository.ErrInsufficientBalance
	}
	u.Balance -= amount
	return nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	s.createOrderID++
	copied := *o
	copied.ID = s.createOrderID
	s.orders[copied.ID] = &copied
	return copied.ID, nil
}

func (s *stubRepo) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (s *stubRepo) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	var res []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (s *stubRepo) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	if s.listActiveErr != nil {
		return nil, s.listActiveErr
	}
	var res []model.Order
	for _, o := range s.orders {
		if o.Status.Active() {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (s *stubRepo) UpdateOrderStatusAndRemains(ctx context.Context, orderID int64, status model.OrderStatus, remains int) error {
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if remains < 0 {
		remains = 0
	}
	if remains > o.Quantity {
		remains = o.Quantity
	}
	o.Status = status
	o.Remains = remains
	s.orderUpdates++
	return nil
}

func (s *stubRepo) ListRanks(ctx context.Context) ([]model.Rank, error) {
	return s.ranks, nil
}

func (s *stubRepo) GetRank(ctx context.Context, id int64) (*model.Rank, error) {
	for i := range s.ranks {
		if s.ranks[i].ID == id {
			return &s.ranks[i], nil
		}
	}
	return nil, repository.ErrRankNotFound
}

func (s *stubRepo) AdvanceUserPurchases(ctx context.Context, userID int64, ranks []model.Rank) (*model.RankEvent, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}

	s.advanceCalls[userID]++
	u.CompletedPurchases++

	event := &model.RankEvent{UserID: userID, Purchases: u.CompletedPurchases}
	for i := range ranks {
		if ranks[i].ID == u.RankID {
			event.OldRank = &ranks[i]
		}
	}

	newRank := model.ResolveRank(ranks, u.CompletedPurchases)
	event.NewRank = newRank
	if newRank != nil {
		u.RankID = newRank.ID
	}

	return event, nil
}

func (s *stubRepo) ResyncUserRanks(ctx context.Context) (int64, error) {
	s.resyncCalls++
	var changed int64
	for _, u := range s.users {
		if r := model.ResolveRank(s.ranks, u.CompletedPurchases); r != nil && r.ID != u.RankID {
			u.RankID = r.ID
			changed++
		}
	}
	return changed, nil
}

func (s *stubRepo) FindActiveRules(ctx context.Context, scope model.PricingScope, refID, rankID *int64) ([]model.PricingRule, error) {
	var res []model.PricingRule
	for _, r := range s.rules {
		if r.Scope != scope {
			continue
		}
		if !matchID(r.RefID, refID) || !matchID(r.RankID, rankID) {
			continue
		}
		res = append(res, r)
	}
	return res, nil
}

func matchID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *stubRepo) CreatePricingRule(ctx context.Context, rule *model.PricingRule) (int64, error) {
	s.createdRules++
	copied := *rule
	copied.ID = int64(s.createdRules)
	copied.Active = true
	s.rules = append(s.rules, copied)
	return copied.ID, nil
}

func (s *stubRepo) UpdatePricingRule(ctx context.Context, rule *model.PricingRule) error { return nil }
func (s *stubRepo) DeletePricingRule(ctx context.Context, id int64) error                { return nil }

func (s *stubRepo) GetPricingRule(ctx context.Context, id int64) (*model.PricingRule, error) {
	return nil, repository.ErrRuleNotFound
}

func (s *stubRepo) ListPricingRules(ctx context.Context) ([]model.PricingRule, error) {
	return s.rules, nil
}

func (s *stubRepo) PricingStats(ctx context.Context) (*model.PricingStats, error) {
	return &model.PricingStats{}, nil
}

type stubProvider struct {
	states    map[string]provider.OrderState
	failIDs   map[string]bool
	createID  string
	createErr error

	services []provider.Service
	balance  *provider.Balance

	batches [][]string
}

func (p *stubProvider) Services(ctx context.Context) ([]provider.Service, error) {
	return p.services, nil
}

func (p *stubProvider) AccountBalance(ctx context.Context) (*provider.Balance, error) {
	if p.balance == nil {
		return nil, errors.New("balance unavailable")
	}
	return p.balance, nil
}

func (p *stubProvider) CreateOrder(ctx context.Context, serviceID int64, link string, quantity int) (string, error) {
	if p.createErr != nil {
		return "", p.createErr
	}
	return p.createID, nil
}

func (p *stubProvider) OrderStatus(ctx context.Context, providerID string) (*provider.OrderState, error) {
	state, ok := p.states[providerID]
	if !ok {
		return nil, errors.New("order not found")
	}
	return &state, nil
}

func (p *stubProvider) OrdersStatus(ctx context.Context, providerIDs []string) (map[string]provider.OrderState, error) {
	p.batches = append(p.batches, providerIDs)

	for _, id := range providerIDs {
		if p.failIDs[id] {
			return nil, errors.New("request timeout")
		}
	}

	res := make(map[string]provider.OrderState)
	for _, id := range providerIDs {
		if state, ok := p.states[id]; ok {
			res[id] = state
		}
	}
	return res, nil
}

func newTestService(repo *stubRepo, prov Provider) *Service {
	logger := zap.NewNop().Sugar()
	resolver := pricing.NewResolver(repo, repo, pricing.NewRuleCache(), logger)
	return NewService(repo, prov, resolver, logger, 100*time.Millisecond, 2)
}

func TestAdvanceRank_ThresholdCrossing(t *testing.T) {
	repo := newStubRepo()
	repo.users[7] = &model.User{ID: 7, CompletedPurchases: 24, RankID: 6}

	svc := newTestService(repo, nil)

	event, err := svc.AdvanceRank(context.Background(), 7)
	if err != nil {
		t.Fatalf("AdvanceRank error: %v", err)
	}
	if event.Purchases != 25 {
		t.Fatalf("purchases = %d, want 25", event.Purchases)
	}
	if !event.Changed() || !event.Upgraded() {
		t.Fatalf("expected upgrade at 25 purchases, got %+v", event)
	}
	if event.NewRank.ID != 5 {
		t.Fatalf("new rank = %d, want 5", event.NewRank.ID)
	}

	// Следующая покупка порога не пересекает: счётчик растёт, ранг не меняется.
	event, err = svc.AdvanceRank(context.Background(), 7)
	if err != nil {
		t.Fatalf("AdvanceRank error: %v", err)
	}
	if event.Purchases != 26 {
		t.Fatalf("purchases = %d, want 26", event.Purchases)
	}
	if event.Changed() {
		t.Fatalf("rank must not change at 26 purchases, got %+v", event)
	}
}

func TestResyncRanks(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, CompletedPurchases: 120, RankID: 6}
	repo.users[2] = &model.User{ID: 2, CompletedPurchases: 3, RankID: 6}

	svc := newTestService(repo, nil)

	changed, err := svc.ResyncRanks(context.Background())
	if err != nil {
		t.Fatalf("ResyncRanks error: %v", err)
	}
	if changed != 1 {
		t.Fatalf("changed = %d, want 1", changed)
	}
	if repo.users[1].RankID != 2 {
		t.Fatalf("user 1 rank = %d, want 2", repo.users[1].RankID)
	}
	// Счётчики покупок не изменяются.
	if repo.users[1].CompletedPurchases != 120 || repo.users[2].CompletedPurchases != 3 {
		t.Fatalf("resync must not touch purchase counters")
	}
}

func TestPlaceOrder_ChargesFinalPrice(t *testing.T) {
	repo := newStubRepo()
	repo.users[3] = &model.User{ID: 3, Balance: 100, RankID: 4} // Silver, скидка 20%

	prov := &stubProvider{createID: "555001"}
	svc := newTestService(repo, prov)

	order, quote, err := svc.PlaceOrder(context.Background(), NewOrder{
		UserID:      3,
		ServiceID:   42,
		ServiceName: "Instagram Followers",
		Link:        "https://example.com/profile",
		Quantity:    1000,
		BasePrice:   50,
	})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}

	if quote.FinalPrice != 40 {
		t.Fatalf("FinalPrice = %v, want 40", quote.FinalPrice)
	}
	if repo.users[3].Balance != 60 {
		t.Fatalf("balance = %v, want 60", repo.users[3].Balance)
	}
	if order.ProviderID != "555001" {
		t.Fatalf("providerID = %q, want 555001", order.ProviderID)
	}
	if order.Status != model.StatusPending || order.Remains != 1000 {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestPlaceOrder_ProviderFailureStoresLocalOrder(t *testing.T) {
	repo := newStubRepo()
	repo.users[3] = &model.User{ID: 3, Balance: 100, RankID: 6}

	prov := &stubProvider{createErr: errors.New("provider down")}
	svc := newTestService(repo, prov)

	order, _, err := svc.PlaceOrder(context.Background(), NewOrder{
		UserID:    3,
		ServiceID: 42,
		Link:      "https://example.com/profile",
		Quantity:  100,
		BasePrice: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}

	if !strings.HasPrefix(order.ProviderID, model.LocalOrderPrefix) {
		t.Fatalf("providerID = %q, want %s prefix", order.ProviderID, model.LocalOrderPrefix)
	}
	if order.Syncable() {
		t.Fatalf("local order must not be syncable")
	}
	if repo.users[3].Balance != 90 {
		t.Fatalf("balance = %v, want 90", repo.users[3].Balance)
	}
}

func TestPlaceOrder_InsufficientBalance(t *testing.T) {
	repo := newStubRepo()
	repo.users[3] = &model.User{ID: 3, Balance: 5, RankID: 6}

	svc := newTestService(repo, &stubProvider{createID: "1"})

	_, _, err := svc.PlaceOrder(context.Background(), NewOrder{
		UserID:    3,
		ServiceID: 42,
		Quantity:  100,
		BasePrice: 10,
	})
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(repo.orders) != 0 {
		t.Fatalf("order must not be stored on failed charge")
	}
}

func TestProviderServices(t *testing.T) {
	prov := &stubProvider{services: []provider.Service{
		{ID: "1", Name: "Followers", Category: "Instagram"},
	}}
	svc := newTestService(newStubRepo(), prov)

	services, err := svc.ProviderServices(context.Background())
	if err != nil {
		t.Fatalf("ProviderServices error: %v", err)
	}
	if len(services) != 1 || services[0].Name != "Followers" {
		t.Fatalf("unexpected services: %+v", services)
	}
}

func TestProviderBalance(t *testing.T) {
	prov := &stubProvider{balance: &provider.Balance{Balance: "42.50", Currency: "USD"}}
	svc := newTestService(newStubRepo(), prov)

	balance, err := svc.ProviderBalance(context.Background())
	if err != nil {
		t.Fatalf("ProviderBalance error: %v", err)
	}
	if balance.Currency != "USD" {
		t.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestProviderOperations_NotConfigured(t *testing.T) {
	svc := newTestService(newStubRepo(), nil)

	if _, err := svc.ProviderServices(context.Background()); !errors.Is(err, ErrProviderNotConfigured) {
		t.Fatalf("ProviderServices error = %v, want ErrProviderNotConfigured", err)
	}
	if _, err := svc.ProviderBalance(context.Background()); !errors.Is(err, ErrProviderNotConfigured) {
		t.Fatalf("ProviderBalance error = %v, want ErrProviderNotConfigured", err)
	}
}

func TestCreatePricingRule_InvalidatesCache(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, nil)

	// Прогреваем кэш пустой выборкой.
	quote := svc.QuotePrice(context.Background(), 1, 100, 6, nil)
	if quote.FinalPrice != 100 {
		t.Fatalf("FinalPrice = %v, want 100", quote.FinalPrice)
	}

	_, err := svc.CreatePricingRule(context.Background(), &model.PricingRule{
		Name:       "global markup",
		Scope:      model.ScopeGlobal,
		Percentage: 15,
	})
	if err != nil {
		t.Fatalf("CreatePricingRule error: %v", err)
	}

	quote = svc.QuotePrice(context.Background(), 1, 100, 6, nil)
	if quote.FinalPrice != 115 {
		t.Fatalf("FinalPrice = %v, want 115: cache must be invalidated on rule creation", quote.FinalPrice)
	}
}

func TestCreatePricingRule_Validation(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, nil)

	_, err := svc.CreatePricingRule(context.Background(), &model.PricingRule{
		Name:       "bad",
		Scope:      model.ScopeGlobal,
		Percentage: 2000,
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if repo.createdRules != 0 {
		t.Fatalf("invalid rule must not be stored")
	}
}
