package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/akhalidy/smmpanel-system/internal/model"
)

const ruleColumns = `id, name, scope, ref_id, rank_id, percentage, fixed_fee, is_active, starts_at, ends_at, created_by, created_at, updated_at`

func scanRule(row pgx.Row) (*model.PricingRule, error) {
	var (
		rule  model.PricingRule
		scope string
	)
	err := row.Scan(&rule.ID, &rule.Name, &scope, &rule.RefID, &rule.RankID,
		&rule.Percentage, &rule.FixedFee, &rule.Active, &rule.StartsAt, &rule.EndsAt,
		&rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Scope = model.PricingScope(scope)
	return &rule, nil
}

func collectRules(rows pgx.Rows) ([]model.PricingRule, error) {
	var rules []model.PricingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pricing rule: %w", err)
		}
		rules = append(rules, *rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rules, nil
}

// FindActiveRules возвращает включённые правила для точной комбинации
// (scope, ref_id, rank_id); nil-параметры сопоставляются с NULL. Окно
// активации здесь не проверяется: выборка попадает в кэш, и правило с ещё
// не открытым starts_at осело бы в нём пустым результатом до первой
// инвалидации. Окно применяется в момент расчёта цены. Правила упорядочены
// от новых к старым: при нескольких правилах одного уровня побеждает
// созданное последним.
func (r *PostgresRepository) FindActiveRules(ctx context.Context, scope model.PricingScope, refID, rankID *int64) ([]model.PricingRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ruleColumns+`
		 FROM pricing_rules
		 WHERE is_active
		   AND scope = $1
		   AND ref_id IS NOT DISTINCT FROM $2
		   AND rank_id IS NOT DISTINCT FROM $3
		 ORDER BY created_at DESC, id DESC`,
		string(scope), refID, rankID,
	)
	if err != nil {
		return nil, fmt.Errorf("select active rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

// CreatePricingRule сохраняет новое ценовое правило и возвращает его идентификатор.
func (r *PostgresRepository) CreatePricingRule(ctx context.Context, rule *model.PricingRule) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO pricing_rules (name, scope, ref_id, rank_id, percentage, fixed_fee, is_active, starts_at, ends_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		rule.Name, string(rule.Scope), rule.RefID, rule.RankID, rule.Percentage,
		rule.FixedFee, rule.Active, rule.StartsAt, rule.EndsAt, rule.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert pricing rule: %w", err)
	}

	return id, nil
}

// UpdatePricingRule обновляет изменяемые поля ценового правила.
func (r *PostgresRepository) UpdatePricingRule(ctx context.Context, rule *model.PricingRule) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE pricing_rules
		 SET name = $2, percentage = $3, fixed_fee = $4, is_active = $5,
		     starts_at = $6, ends_at = $7, updated_at = $8
		 WHERE id = $1`,
		rule.ID, rule.Name, rule.Percentage, rule.FixedFee, rule.Active,
		rule.StartsAt, rule.EndsAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update pricing rule: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}

	return nil
}

// DeletePricingRule удаляет ценовое правило.
func (r *PostgresRepository) DeletePricingRule(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM pricing_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pricing rule: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}

	return nil
}

// GetPricingRule возвращает ценовое правило по идентификатору.
func (r *PostgresRepository) GetPricingRule(ctx context.Context, id int64) (*model.PricingRule, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM pricing_rules WHERE id = $1`, id)

	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("get pricing rule: %w", err)
	}

	return rule, nil
}

// ListPricingRules возвращает все ценовые правила, новые первыми.
func (r *PostgresRepository) ListPricingRules(ctx context.Context) ([]model.PricingRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM pricing_rules ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("select pricing rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

// PricingStats возвращает сводную статистику по активным ценовым правилам.
func (r *PostgresRepository) PricingStats(ctx context.Context) (*model.PricingStats, error) {
	stats := &model.PricingStats{ScopeStats: map[string]int64{}}

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(percentage), 0)
		 FROM pricing_rules WHERE is_active`,
	).Scan(&stats.ActiveRules, &stats.AveragePercentage)
	if err != nil {
		return nil, fmt.Errorf("count active rules: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT scope, COUNT(*) FROM pricing_rules WHERE is_active GROUP BY scope`)
	if err != nil {
		return nil, fmt.Errorf("count rules by scope: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			scope string
			count int64
		)
		if err := rows.Scan(&scope, &count); err != nil {
			return nil, fmt.Errorf("scan scope stats: %w", err)
		}
		stats.ScopeStats[scope] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stats, nil
}
