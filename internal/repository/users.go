package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/akhalidy/smmpanel-system/internal/model"
)

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, balance, completed_purchases, COALESCE(rank_id, 0), created_at
		 FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Balance, &u.CompletedPurchases, &u.RankID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreditBalance пополняет баланс пользователя.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID int64, amount float64) error {
	if amount <= 0 {
		return errors.New("credit amount must be positive")
	}

	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// ChargeBalance списывает сумму с баланса пользователя. Строка пользователя
// блокируется, чтобы параллельные списания не увели баланс в минус.
func (r *PostgresRepository) ChargeBalance(ctx context.Context, userID int64, amount float64) error {
	if amount < 0 {
		return errors.New("charge amount must not be negative")
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balance float64
		err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		if balance < amount {
			return ErrInsufficientBalance
		}

		_, err = tx.Exec(ctx, `UPDATE users SET balance = balance - $2 WHERE id = $1`, userID, amount)
		if err != nil {
			return fmt.Errorf("charge balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

const rankColumns = `id, name, emoji, min_purchases, discount_percentage, features, is_active`

func scanRank(row pgx.Row) (*model.Rank, error) {
	var (
		rank     model.Rank
		features string
	)
	err := row.Scan(&rank.ID, &rank.Name, &rank.Emoji, &rank.MinPurchases,
		&rank.DiscountPercentage, &features, &rank.Active)
	if err != nil {
		return nil, err
	}
	if features != "" {
		rank.Features = strings.Split(features, ",")
	}
	return &rank, nil
}

// ListRanks возвращает каталог рангов по возрастанию порога покупок.
func (r *PostgresRepository) ListRanks(ctx context.Context) ([]model.Rank, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+rankColumns+` FROM ranks ORDER BY min_purchases`)
	if err != nil {
		return nil, fmt.Errorf("select ranks: %w", err)
	}
	defer rows.Close()

	var ranks []model.Rank
	for rows.Next() {
		rank, err := scanRank(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rank: %w", err)
		}
		ranks = append(ranks, *rank)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ranks, nil
}

// GetRank возвращает ранг по идентификатору.
func (r *PostgresRepository) GetRank(ctx context.Context, id int64) (*model.Rank, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+rankColumns+` FROM ranks WHERE id = $1`, id)

	rank, err := scanRank(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRankNotFound
		}
		return nil, fmt.Errorf("get rank: %w", err)
	}

	return rank, nil
}

// AdvanceUserPurchases увеличивает счётчик завершённых покупок на единицу и
// приводит ранг пользователя в соответствие новому значению счётчика. Счётчик
// и ранг записываются в одной транзакции.
func (r *PostgresRepository) AdvanceUserPurchases(ctx context.Context, userID int64, ranks []model.Rank) (*model.RankEvent, error) {
	var event *model.RankEvent

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			purchases int
			oldRankID int64
		)
		err = tx.QueryRow(ctx,
			`UPDATE users
			 SET completed_purchases = completed_purchases + 1
			 WHERE id = $1
			 RETURNING completed_purchases, COALESCE(rank_id, 0)`,
			userID,
		).Scan(&purchases, &oldRankID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("increment purchases: %w", err)
		}

		newRank := model.ResolveRank(ranks, purchases)
		if newRank != nil && newRank.ID != oldRankID {
			_, err = tx.Exec(ctx, `UPDATE users SET rank_id = $2 WHERE id = $1`, userID, newRank.ID)
			if err != nil {
				return fmt.Errorf("update rank: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		event = &model.RankEvent{
			UserID:    userID,
			Purchases: purchases,
			OldRank:   rankByID(ranks, oldRankID),
			NewRank:   newRank,
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return event, nil
}

func rankByID(ranks []model.Rank, id int64) *model.Rank {
	for i := range ranks {
		if ranks[i].ID == id {
			return &ranks[i]
		}
	}
	return nil
}

// ResyncUserRanks пересчитывает ранг каждого пользователя из счётчика
// завершённых покупок. Счётчики не изменяются, поэтому операцию можно
// запускать в любой момент, в том числе параллельно с живым продвижением.
func (r *PostgresRepository) ResyncUserRanks(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users u
		 SET rank_id = sub.rank_id
		 FROM (
		     SELECT u2.id AS user_id,
		            (SELECT r2.id
		             FROM ranks r2
		             WHERE r2.is_active AND r2.min_purchases <= u2.completed_purchases
		             ORDER BY r2.min_purchases DESC
		             LIMIT 1) AS rank_id
		     FROM users u2
		 ) sub
		 WHERE u.id = sub.user_id
		   AND sub.rank_id IS NOT NULL
		   AND (u.rank_id IS NULL OR u.rank_id <> sub.rank_id)`,
	)
	if err != nil {
		return 0, fmt.Errorf("resync ranks: %w", err)
	}

	return cmdTag.RowsAffected(), nil
}
