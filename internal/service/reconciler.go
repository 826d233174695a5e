package service

import (
	"context"
	"errors"
	"time"

	"github.com/akhalidy/smmpanel-system/internal/model"
	"github.com/akhalidy/smmpanel-system/internal/provider"
)

// ErrOrderNotSyncable возвращается при попытке сверить локальный заказ,
// у которого нет идентификатора провайдера.
var ErrOrderNotSyncable = errors.New("order has no provider id")

// ErrProviderNotConfigured возвращается операциями, которым нужен клиент
// провайдера, когда он не настроен.
var ErrProviderNotConfigured = errors.New("provider client not configured")

// StartOrderSync запускает цикл сверки заказов с провайдером и блокируется до
// отмены контекста. Следующий проход планируется только после завершения
// текущего: медленный проход сдвигает расписание, а не накладывается на него.
func (s *Service) StartOrderSync(ctx context.Context) {
	if s.provider == nil {
		return
	}

	s.logger.Infow("order sync started", "interval", s.syncInterval, "batchSize", s.syncBatchSize)

	timer := time.NewTimer(s.syncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("order sync stopped")
			return
		case <-timer.C:
		}

		s.syncActiveOrders(ctx)
		timer.Reset(s.syncInterval)
	}
}

// syncActiveOrders выполняет один проход сверки: активные заказы разбиваются
// на пакеты, состояние каждого пакета запрашивается одним вызовом API. Ошибка
// пакета не прерывает остальные пакеты прохода.
func (s *Service) syncActiveOrders(ctx context.Context) {
	start := time.Now()

	orders, err := s.repo.ListActiveOrders(ctx)
	if err != nil {
		s.logger.Warnw("list active orders failed", "error", err)
		return
	}

	syncable := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		if o.Syncable() {
			syncable = append(syncable, o)
		}
	}
	if len(syncable) == 0 {
		return
	}

	updated := 0
	for i := 0; i < len(syncable); i += s.syncBatchSize {
		if ctx.Err() != nil {
			return
		}

		end := i + s.syncBatchSize
		if end > len(syncable) {
			end = len(syncable)
		}
		updated += s.syncBatch(ctx, syncable[i:end])
	}

	s.logger.Infow("order sync pass finished",
		"active", len(syncable),
		"updated", updated,
		"elapsed", time.Since(start))
}

func (s *Service) syncBatch(ctx context.Context, batch []model.Order) int {
	ids := make([]string, 0, len(batch))
	for _, o := range batch {
		ids = append(ids, o.ProviderID)
	}

	states, err := s.provider.OrdersStatus(ctx, ids)
	if err != nil {
		s.logger.Warnw("batch status request failed", "size", len(ids), "error", err)
		return 0
	}

	updated := 0
	for i := range batch {
		o := &batch[i]

		state, ok := states[o.ProviderID]
		if !ok {
			continue
		}
		if state.Error != "" {
			// Локальное состояние не трогаем: известный статус не откатывается
			// из-за временной ошибки провайдера.
			s.logger.Warnw("provider reported order error",
				"orderID", o.ID, "providerID", o.ProviderID, "error", state.Error)
			continue
		}

		changed, err := s.applyOrderState(ctx, o, state)
		if err != nil {
			s.logger.Warnw("apply order state failed", "orderID", o.ID, "error", err)
			continue
		}
		if changed {
			updated++
		}
	}

	return updated
}

// applyOrderState применяет ответ провайдера к локальному заказу. Остаток
// обрабатывается раньше статуса, потому что провайдер может прислать
// противоречивое состояние (например, completed с ненулевым остатком):
// нулевой остаток принудительно завершает заказ, ненулевой остаток снимает
// преждевременный completed обратно в processing. Статус и остаток
// записываются одним оператором.
func (s *Service) applyOrderState(ctx context.Context, o *model.Order, state provider.OrderState) (bool, error) {
	remains := state.Remains.Int()
	if remains < 0 {
		remains = 0
	}
	if remains > o.Quantity {
		remains = o.Quantity
	}

	reported := model.NormalizeStatus(state.Status)

	newStatus := o.Status
	switch {
	case remains == 0:
		if o.Status != model.StatusCompleted && o.Status != model.StatusPartial {
			newStatus = model.StatusCompleted
		}
	case o.Status == model.StatusCompleted:
		newStatus = model.StatusProcessing
	default:
		if reported == model.StatusUnknown {
			s.logger.Warnw("unmapped provider status, keeping local status",
				"orderID", o.ID, "providerStatus", state.Status)
		} else {
			newStatus = reported
		}
	}

	if newStatus == o.Status && remains == o.Remains {
		return false, nil
	}

	// Статус до записи снимается заранее: репозиторий может разделять память
	// с переданным заказом, и после записи o.Status уже не отражает переход.
	wasCompleted := o.Status == model.StatusCompleted

	if err := s.repo.UpdateOrderStatusAndRemains(ctx, o.ID, newStatus, remains); err != nil {
		return false, err
	}

	// Продвижение ранга срабатывает только на переходе в completed, а не на
	// повторном наблюдении уже завершённого заказа.
	if newStatus == model.StatusCompleted && !wasCompleted {
		if _, err := s.AdvanceRank(ctx, o.UserID); err != nil {
			s.logger.Warnw("rank advancement failed", "userID", o.UserID, "error", err)
		}
	}

	o.Status = newStatus
	o.Remains = remains

	return true, nil
}

// RefreshOrder сверяет один заказ с провайдером вне планового цикла.
func (s *Service) RefreshOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !o.Syncable() {
		return nil, ErrOrderNotSyncable
	}
	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	state, err := s.provider.OrderStatus(ctx, o.ProviderID)
	if err != nil {
		return nil, err
	}

	if _, err := s.applyOrderState(ctx, o, *state); err != nil {
		return nil, err
	}

	return o, nil
}
