// Package pricing реализует расчёт цены услуги по ценовым правилам и рангам.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/akhalidy/smmpanel-system/internal/model"
)

// RuleSource описывает выборку действующих ценовых правил.
type RuleSource interface {
	FindActiveRules(ctx context.Context, scope model.PricingScope, refID, rankID *int64) ([]model.PricingRule, error)
}

// RankSource описывает доступ к каталогу рангов.
type RankSource interface {
	GetRank(ctx context.Context, id int64) (*model.Rank, error)
}

// Resolver вычисляет итоговую цену услуги. Скидка ранга применяется всегда,
// поверх неё — ровно одно ценовое правило: первое найденное по порядку
// приоритетов от самого специфичного к самому общему.
type Resolver struct {
	rules  RuleSource
	ranks  RankSource
	cache  *RuleCache
	logger *zap.SugaredLogger
}

// NewResolver создаёт резолвер цен с read-through кэшем правил.
func NewResolver(rules RuleSource, ranks RankSource, cache *RuleCache, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{
		rules:  rules,
		ranks:  ranks,
		cache:  cache,
		logger: logger,
	}
}

// Cache возвращает кэш правил резолвера для синхронной инвалидации.
func (r *Resolver) Cache() *RuleCache {
	return r.cache
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Quote вычисляет цену услуги для пользователя указанного ранга. Ошибки
// выборки ранга или правил деградируют до отсутствия корректировки: цена
// для покупателя должна быть вычислима всегда.
func (r *Resolver) Quote(ctx context.Context, serviceID int64, basePrice float64, rankID int64, categoryID *int64) *model.PriceQuote {
	quote := &model.PriceQuote{BasePrice: basePrice}

	rank, err := r.ranks.GetRank(ctx, rankID)
	if err != nil {
		r.logger.Warnw("rank lookup failed, pricing without rank discount", "rankID", rankID, "error", err)
	} else {
		quote.RankName = rank.Name
		if rank.DiscountPercentage > 0 {
			quote.RankDiscount = rank.DiscountPercentage
			quote.TotalPercentage -= rank.DiscountPercentage
			quote.AppliedRules = append(quote.AppliedRules, model.AppliedRule{
				ID:         fmt.Sprintf("rank_%d", rank.ID),
				Name:       fmt.Sprintf("%s rank discount", rank.Name),
				Scope:      "rank_discount",
				Percentage: -rank.DiscountPercentage,
			})
		}
	}

	type lookup struct {
		scope  model.PricingScope
		refID  *int64
		rankID *int64
	}

	// Порядок приоритетов: услуга+ранг > услуга > категория+ранг > категория >
	// глобально+ранг > глобально. Уровни категории пропускаются без категории.
	lookups := []lookup{
		{model.ScopeService, &serviceID, &rankID},
		{model.ScopeService, &serviceID, nil},
	}
	if categoryID != nil {
		lookups = append(lookups,
			lookup{model.ScopeCategory, categoryID, &rankID},
			lookup{model.ScopeCategory, categoryID, nil},
		)
	}
	lookups = append(lookups,
		lookup{model.ScopeGlobal, nil, &rankID},
		lookup{model.ScopeGlobal, nil, nil},
	)

	for _, l := range lookups {
		rules, err := r.findRules(ctx, l.scope, l.refID, l.rankID)
		if err != nil {
			r.logger.Warnw("rule lookup failed, tier skipped",
				"scope", l.scope, "error", err)
			continue
		}
		rules = filterActive(rules, time.Now())
		if len(rules) == 0 {
			continue
		}

		rule := rules[0]
		quote.TotalPercentage += rule.Percentage
		quote.TotalFixedFee += rule.FixedFee
		quote.AppliedRules = append(quote.AppliedRules, model.AppliedRule{
			ID:         fmt.Sprintf("%d", rule.ID),
			Name:       rule.Name,
			Scope:      string(rule.Scope),
			Percentage: rule.Percentage,
			FixedFee:   rule.FixedFee,
		})
		break
	}

	final := basePrice
	if quote.TotalPercentage != 0 {
		final = basePrice * (1 + quote.TotalPercentage/100)
	}
	final += quote.TotalFixedFee
	final = round4(final)

	// Суммарная скидка может превысить 100%; отрицательная цена не выставляется,
	// но арифметика остаётся видимой в TotalPercentage и TotalFixedFee.
	if final < 0 {
		final = 0
	}

	quote.FinalPrice = final
	if final < basePrice {
		quote.Savings = round4(basePrice - final)
	}

	return quote
}

// filterActive применяет окно активации в момент расчёта. Хранилище и кэш
// отдают выборку целиком, включая правила с ещё не открытым или уже истёкшим
// окном: только так правило с будущим starts_at вступает в силу без
// инвалидации кэша.
func filterActive(rules []model.PricingRule, now time.Time) []model.PricingRule {
	active := rules[:0:0]
	for _, rule := range rules {
		if rule.ActiveAt(now) {
			active = append(active, rule)
		}
	}
	return active
}

func (r *Resolver) findRules(ctx context.Context, scope model.PricingScope, refID, rankID *int64) ([]model.PricingRule, error) {
	key := cacheKey(scope, refID, rankID)
	if rules, ok := r.cache.get(key); ok {
		return rules, nil
	}

	rules, err := r.rules.FindActiveRules(ctx, scope, refID, rankID)
	if err != nil {
		return nil, err
	}

	r.cache.put(key, rules)
	return rules, nil
}

// ErrInvalidRule возвращается при нарушении ограничений ценового правила.
var ErrInvalidRule = errors.New("invalid pricing rule")

// ValidateRule проверяет ценовое правило перед сохранением.
func ValidateRule(rule *model.PricingRule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: rule name is required", ErrInvalidRule)
	}
	if !rule.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, rule.Scope)
	}
	if rule.Scope == model.ScopeGlobal && rule.RefID != nil {
		return fmt.Errorf("%w: global rule must not have a ref id", ErrInvalidRule)
	}
	if rule.Scope != model.ScopeGlobal && rule.RefID == nil {
		return fmt.Errorf("%w: %s rule requires a ref id", ErrInvalidRule, rule.Scope)
	}
	if rule.Percentage < -90 || rule.Percentage > 1000 {
		return fmt.Errorf("%w: percentage %v out of range [-90, 1000]", ErrInvalidRule, rule.Percentage)
	}
	if rule.FixedFee < 0 {
		return fmt.Errorf("%w: fixed fee must not be negative", ErrInvalidRule)
	}
	if rule.StartsAt != nil && rule.EndsAt != nil && rule.EndsAt.Before(*rule.StartsAt) {
		return fmt.Errorf("%w: ends_at must not precede starts_at", ErrInvalidRule)
	}
	return nil
}
