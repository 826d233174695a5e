package pricing

import (
	"strconv"
	"sync"

	"github.com/akhalidy/smmpanel-system/internal/model"
)

// RuleCache хранит результаты выборок ценовых правил по точному ключу
// (scope, ref_id, rank_id). Кэшируются и пустые выборки. Invalidate вызывается
// синхронно из всех операций изменения правил: после его возврата читатели
// получают свежие данные.
type RuleCache struct {
	mu      sync.RWMutex
	entries map[string][]model.PricingRule
}

// NewRuleCache создаёт пустой кэш правил.
func NewRuleCache() *RuleCache {
	return &RuleCache{entries: make(map[string][]model.PricingRule)}
}

func cacheKey(scope model.PricingScope, refID, rankID *int64) string {
	key := string(scope)
	for _, id := range []*int64{refID, rankID} {
		key += "|"
		if id != nil {
			key += strconv.FormatInt(*id, 10)
		}
	}
	return key
}

func (c *RuleCache) get(key string) ([]model.PricingRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rules, ok := c.entries[key]
	return rules, ok
}

func (c *RuleCache) put(key string, rules []model.PricingRule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = rules
}

// Invalidate очищает кэш. Вызывается при любом изменении ценовых правил.
func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string][]model.PricingRule)
}
