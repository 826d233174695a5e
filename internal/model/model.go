// Package model содержит доменные сущности SMM-панели.
package model

import (
	"strings"
	"time"
)

// LocalOrderPrefix помечает заказы, которые не были отправлены провайдеру
// и обрабатываются вручную. Такие заказы никогда не синхронизируются.
const LocalOrderPrefix = "LOCAL-"

// IsLocalOrderID сообщает, является ли идентификатор провайдера локальным.
func IsLocalOrderID(providerID string) bool {
	return strings.HasPrefix(providerID, LocalOrderPrefix)
}

// OrderStatus описывает внутренний статус заказа.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusInProgress OrderStatus = "in_progress"
	StatusProcessing OrderStatus = "processing"
	StatusPartial    OrderStatus = "partial"
	StatusCompleted  OrderStatus = "completed"
	StatusCanceled   OrderStatus = "canceled"
	StatusRefunded   OrderStatus = "refunded"
	StatusFailed     OrderStatus = "failed"
	// StatusUnknown присваивается статусам провайдера, отсутствующим в словаре.
	// Такой статус никогда не записывается в хранилище.
	StatusUnknown OrderStatus = "unknown"
)

// statusVocabulary — закрытый словарь статусов провайдера.
var statusVocabulary = map[string]OrderStatus{
	"pending":     StatusPending,
	"in_progress": StatusInProgress,
	"processing":  StatusProcessing,
	"partial":     StatusPartial,
	"completed":   StatusCompleted,
	"canceled":    StatusCanceled,
	"refunded":    StatusRefunded,
	"failed":      StatusFailed,
}

// NormalizeStatus приводит сырой статус провайдера к внутреннему словарю.
// Пустая строка трактуется как pending, неизвестный статус — как StatusUnknown.
func NormalizeStatus(raw string) OrderStatus {
	if raw == "" {
		return StatusPending
	}

	cleaned := strings.ToLower(strings.TrimSpace(raw))
	cleaned = strings.ReplaceAll(cleaned, " ", "_")

	if s, ok := statusVocabulary[cleaned]; ok {
		return s
	}
	return StatusUnknown
}

// Active сообщает, подлежит ли заказ в этом статусе синхронизации с провайдером.
func (s OrderStatus) Active() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusProcessing:
		return true
	}
	return false
}

// Order описывает заказ пользователя на услугу провайдера.
type Order struct {
	ID          int64
	ProviderID  string // пусто или LOCAL-* — заказ не синхронизируется
	UserID      int64
	ServiceID   int64
	ServiceName string
	Link        string
	Quantity    int
	Amount      float64
	Remains     int
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Syncable сообщает, можно ли сверять заказ с провайдером.
func (o Order) Syncable() bool {
	return o.ProviderID != "" && !IsLocalOrderID(o.ProviderID)
}

// Rank описывает ранг пользователя с порогом покупок и скидкой.
type Rank struct {
	ID                 int64
	Name               string
	Emoji              string
	MinPurchases       int
	DiscountPercentage float64
	Features           []string
	Active             bool
}

// ResolveRank выбирает ранг по числу завершённых покупок: просматривает активные
// ранги по убыванию порога и возвращает первый, чей порог достигнут. При пустом
// каталоге возвращает nil.
func ResolveRank(ranks []Rank, purchases int) *Rank {
	var best *Rank
	for i := range ranks {
		r := &ranks[i]
		if !r.Active {
			continue
		}
		if purchases < r.MinPurchases {
			continue
		}
		if best == nil || r.MinPurchases > best.MinPurchases {
			best = r
		}
	}
	return best
}

// User описывает пользователя панели.
type User struct {
	ID                 int64
	Balance            float64
	CompletedPurchases int
	RankID             int64
	CreatedAt          time.Time
}

// RankEvent описывает результат продвижения пользователя по рангам.
type RankEvent struct {
	UserID    int64
	Purchases int
	OldRank   *Rank
	NewRank   *Rank
}

// Changed сообщает, изменился ли ранг пользователя.
func (e RankEvent) Changed() bool {
	if e.OldRank == nil || e.NewRank == nil {
		return e.OldRank != e.NewRank
	}
	return e.OldRank.ID != e.NewRank.ID
}

// Upgraded сообщает, поднялся ли пользователь на ранг с большим порогом.
func (e RankEvent) Upgraded() bool {
	return e.Changed() && e.OldRank != nil && e.NewRank != nil &&
		e.NewRank.MinPurchases > e.OldRank.MinPurchases
}

// PricingScope описывает область действия ценового правила.
type PricingScope string

const (
	ScopeGlobal   PricingScope = "global"
	ScopeCategory PricingScope = "category"
	ScopeService  PricingScope = "service"
)

// Valid сообщает, известна ли область действия.
func (s PricingScope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeCategory, ScopeService:
		return true
	}
	return false
}

// PricingRule описывает ценовое правило с процентной надбавкой и фиксированным сбором.
type PricingRule struct {
	ID         int64
	Name       string
	Scope      PricingScope
	RefID      *int64 // id категории или услуги, nil для global
	RankID     *int64 // nil — правило действует для всех рангов
	Percentage float64
	FixedFee   float64
	Active     bool
	StartsAt   *time.Time
	EndsAt     *time.Time
	CreatedBy  *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ActiveAt сообщает, действует ли правило в указанный момент времени.
// Незаданные границы окна считаются открытыми.
func (r PricingRule) ActiveAt(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.StartsAt != nil && now.Before(*r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && now.After(*r.EndsAt) {
		return false
	}
	return true
}

// AppliedRule описывает применённую к цене корректировку.
type AppliedRule struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Scope      string  `json:"scope"`
	Percentage float64 `json:"percentage"`
	FixedFee   float64 `json:"fixed_fee"`
}

// PriceQuote описывает результат расчёта цены услуги.
type PriceQuote struct {
	BasePrice       float64       `json:"base_price"`
	FinalPrice      float64       `json:"final_price"`
	TotalPercentage float64       `json:"total_percentage"`
	TotalFixedFee   float64       `json:"total_fixed_fee"`
	AppliedRules    []AppliedRule `json:"applied_rules"`
	Savings         float64       `json:"savings"`
	RankDiscount    float64       `json:"rank_discount"`
	RankName        string        `json:"rank_name"`
}

// PricingStats содержит сводную статистику по ценовым правилам.
type PricingStats struct {
	ActiveRules       int64            `json:"active_rules"`
	ScopeStats        map[string]int64 `json:"scope_stats"`
	AveragePercentage float64          `json:"average_percentage"`
}
