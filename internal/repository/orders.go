package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/akhalidy/smmpanel-system/internal/model"
)

// CreateOrder сохраняет новый заказ и возвращает его идентификатор.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	var providerID *string
	if o.ProviderID != "" {
		providerID = &o.ProviderID
	}

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (provider_id, user_id, service_id, service_name, link, quantity, amount, remains, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $6, $8)
		 RETURNING id`,
		providerID, o.UserID, o.ServiceID, o.ServiceName, o.Link, o.Quantity, o.Amount, string(o.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}

	return id, nil
}

const orderColumns = `id, COALESCE(provider_id, ''), user_id, service_id, service_name, link, quantity, amount, remains, status, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.ProviderID, &o.UserID, &o.ServiceID, &o.ServiceName,
		&o.Link, &o.Quantity, &o.Amount, &o.Remains, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// GetOrder возвращает заказ по внутреннему идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// ListOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListActiveOrders возвращает заказы в активных статусах для синхронизации
// с провайдером. Терминальные статусы исключаются, чтобы объём опроса не рос
// неограниченно.
func (r *PostgresRepository) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status IN ($1, $2, $3)
		 ORDER BY created_at`,
		string(model.StatusPending),
		string(model.StatusProcessing),
		string(model.StatusInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("select active orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// UpdateOrderStatusAndRemains записывает статус и остаток одним оператором.
// Остаток зажимается в границы [0, quantity] на стороне БД, чтобы испорченное
// значение провайдера не могло нарушить инвариант.
func (r *PostgresRepository) UpdateOrderStatusAndRemains(ctx context.Context, orderID int64, status model.OrderStatus, remains int) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $2,
			     remains = LEAST(GREATEST($3, 0), quantity),
			     updated_at = $4
			 WHERE id = $1`,
			orderID, string(status), remains, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrOrderNotFound
		}
		return nil
	})
}
