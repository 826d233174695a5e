package service

import (
	"context"
	"testing"
	"time"

	"github.com/akhalidy/smmpanel-system/internal/model"
	"github.com/akhalidy/smmpanel-system/internal/provider"
)

func activeOrder(id int64, providerID string, userID int64, quantity int, status model.OrderStatus, remains int) *model.Order {
	return &model.Order{
		ID:         id,
		ProviderID: providerID,
		UserID:     userID,
		ServiceID:  1,
		Quantity:   quantity,
		Remains:    remains,
		Status:     status,
	}
}

func TestApplyOrderState_RemainsZeroForcesCompleted(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusProcessing, 100)

	svc := newTestService(repo, &stubProvider{})

	// Провайдер рапортует partial с нулевым остатком: остаток главнее.
	changed, err := svc.applyOrderState(context.Background(), repo.orders[10], provider.OrderState{
		Status:  "Partial",
		Remains: "0",
	})
	if err != nil {
		t.Fatalf("applyOrderState error: %v", err)
	}
	if !changed {
		t.Fatalf("expected a write")
	}

	o := repo.orders[10]
	if o.Status != model.StatusCompleted || o.Remains != 0 {
		t.Fatalf("order = %+v, want completed with remains 0", o)
	}
	if repo.advanceCalls[1] != 1 {
		t.Fatalf("advance calls = %d, want 1", repo.advanceCalls[1])
	}
}

func TestApplyOrderState_DemotesReopenedOrder(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusCompleted, 0)

	svc := newTestService(repo, &stubProvider{})

	changed, err := svc.applyOrderState(context.Background(), repo.orders[10], provider.OrderState{
		Status:  "Completed",
		Remains: "30",
	})
	if err != nil {
		t.Fatalf("applyOrderState error: %v", err)
	}
	if !changed {
		t.Fatalf("expected a write")
	}

	o := repo.orders[10]
	if o.Status != model.StatusProcessing || o.Remains != 30 {
		t.Fatalf("order = %+v, want processing with remains 30", o)
	}
	if repo.advanceCalls[1] != 0 {
		t.Fatalf("demotion must not advance rank")
	}
}

func TestApplyOrderState_Idempotent(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusProcessing, 100)

	svc := newTestService(repo, &stubProvider{})

	state := provider.OrderState{Status: "Completed", Remains: "0"}

	if _, err := svc.applyOrderState(context.Background(), repo.orders[10], state); err != nil {
		t.Fatalf("first apply error: %v", err)
	}
	writes := repo.orderUpdates

	// Повторное применение того же ответа не порождает ни записи, ни
	// повторного продвижения ранга.
	changed, err := svc.applyOrderState(context.Background(), repo.orders[10], state)
	if err != nil {
		t.Fatalf("second apply error: %v", err)
	}
	if changed {
		t.Fatalf("second apply must be a no-op")
	}
	if repo.orderUpdates != writes {
		t.Fatalf("writes = %d, want %d", repo.orderUpdates, writes)
	}
	if repo.advanceCalls[1] != 1 {
		t.Fatalf("advance calls = %d, want 1", repo.advanceCalls[1])
	}
	if repo.users[1].CompletedPurchases != 1 {
		t.Fatalf("purchases = %d, want 1", repo.users[1].CompletedPurchases)
	}
}

func TestApplyOrderState_ClampsRemainsToQuantity(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusProcessing, 100)

	svc := newTestService(repo, &stubProvider{})

	_, err := svc.applyOrderState(context.Background(), repo.orders[10], provider.OrderState{
		Status:  "In progress",
		Remains: "250",
	})
	if err != nil {
		t.Fatalf("applyOrderState error: %v", err)
	}

	o := repo.orders[10]
	if o.Remains != 100 {
		t.Fatalf("remains = %d, want clamp to quantity 100", o.Remains)
	}
	if o.Status != model.StatusInProgress {
		t.Fatalf("status = %q, want in_progress", o.Status)
	}
}

func TestApplyOrderState_UnknownStatusKeepsLocal(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusProcessing, 100)

	svc := newTestService(repo, &stubProvider{})

	_, err := svc.applyOrderState(context.Background(), repo.orders[10], provider.OrderState{
		Status:  "awaiting moderation",
		Remains: "40",
	})
	if err != nil {
		t.Fatalf("applyOrderState error: %v", err)
	}

	o := repo.orders[10]
	if o.Status != model.StatusProcessing {
		t.Fatalf("unknown provider status must not replace local status, got %q", o.Status)
	}
	if o.Remains != 40 {
		t.Fatalf("remains = %d, want 40", o.Remains)
	}
}

func TestApplyOrderState_MalformedRemainsMeansDelivered(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusProcessing, 100)

	svc := newTestService(repo, &stubProvider{})

	_, err := svc.applyOrderState(context.Background(), repo.orders[10], provider.OrderState{
		Status:  "Processing",
		Remains: "n/a",
	})
	if err != nil {
		t.Fatalf("applyOrderState error: %v", err)
	}

	o := repo.orders[10]
	if o.Status != model.StatusCompleted || o.Remains != 0 {
		t.Fatalf("order = %+v, want completed: malformed remains reads as delivered", o)
	}
}

func TestSyncActiveOrders_SkipsLocalOrders(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusPending, 100)
	repo.orders[11] = activeOrder(11, model.LocalOrderPrefix+"abc", 1, 100, model.StatusPending, 100)
	repo.orders[12] = activeOrder(12, "", 1, 100, model.StatusPending, 100)

	prov := &stubProvider{states: map[string]provider.OrderState{
		"901": {Status: "In progress", Remains: "50"},
	}}
	svc := newTestService(repo, prov)

	svc.syncActiveOrders(context.Background())

	if len(prov.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(prov.batches))
	}
	if len(prov.batches[0]) != 1 || prov.batches[0][0] != "901" {
		t.Fatalf("batch ids = %v, want [901]", prov.batches[0])
	}
	if repo.orders[11].Status != model.StatusPending || repo.orders[12].Status != model.StatusPending {
		t.Fatalf("local orders must stay untouched")
	}
}

func TestSyncActiveOrders_TerminalOrdersNotPolled(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusCompleted, 0)
	repo.orders[11] = activeOrder(11, "902", 1, 100, model.StatusPartial, 20)
	repo.orders[12] = activeOrder(12, "903", 1, 100, model.StatusCanceled, 100)

	prov := &stubProvider{}
	svc := newTestService(repo, prov)

	svc.syncActiveOrders(context.Background())

	if len(prov.batches) != 0 {
		t.Fatalf("terminal orders must not be polled, got batches %v", prov.batches)
	}
}

func TestSyncActiveOrders_BatchErrorDoesNotStopOtherBatches(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	// Размер пакета в тестовом сервисе — 2: заказы лягут в два пакета.
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusPending, 100)
	repo.orders[11] = activeOrder(11, "902", 1, 100, model.StatusPending, 100)
	repo.orders[12] = activeOrder(12, "903", 1, 100, model.StatusPending, 100)

	prov := &stubProvider{
		failIDs: map[string]bool{"901": true},
		states: map[string]provider.OrderState{
			"902": {Status: "In progress", Remains: "10"},
			"903": {Status: "In progress", Remains: "20"},
		},
	}
	svc := newTestService(repo, prov)

	svc.syncActiveOrders(context.Background())

	if len(prov.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(prov.batches))
	}

	// Хотя бы один заказ из пакета без ошибки должен обновиться.
	updated := 0
	for _, o := range repo.orders {
		if o.Status == model.StatusInProgress {
			updated++
		}
	}
	if updated == 0 {
		t.Fatalf("orders from the healthy batch must still be updated")
	}
}

func TestSyncBatch_EntryErrorLeavesOrderUntouched(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusProcessing, 60)

	prov := &stubProvider{states: map[string]provider.OrderState{
		"901": {Error: "Incorrect order ID"},
	}}
	svc := newTestService(repo, prov)

	updated := svc.syncBatch(context.Background(), []model.Order{*repo.orders[10]})

	if updated != 0 {
		t.Fatalf("updated = %d, want 0", updated)
	}
	o := repo.orders[10]
	if o.Status != model.StatusProcessing || o.Remains != 60 {
		t.Fatalf("order with entry error must stay untouched, got %+v", o)
	}
}

func TestRefreshOrder(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusProcessing, 100)

	prov := &stubProvider{states: map[string]provider.OrderState{
		"901": {Status: "Completed", Remains: "0"},
	}}
	svc := newTestService(repo, prov)

	o, err := svc.RefreshOrder(context.Background(), 10)
	if err != nil {
		t.Fatalf("RefreshOrder error: %v", err)
	}
	if o.Status != model.StatusCompleted || o.Remains != 0 {
		t.Fatalf("order = %+v, want completed", o)
	}
	if repo.advanceCalls[1] != 1 {
		t.Fatalf("advance calls = %d, want 1", repo.advanceCalls[1])
	}
}

func TestRefreshOrder_LocalOrder(t *testing.T) {
	repo := newStubRepo()
	repo.orders[10] = activeOrder(10, model.LocalOrderPrefix+"abc", 1, 100, model.StatusPending, 100)

	svc := newTestService(repo, &stubProvider{})

	_, err := svc.RefreshOrder(context.Background(), 10)
	if err == nil {
		t.Fatalf("expected error for local order")
	}
}

func TestStartOrderSync_NoProvider(t *testing.T) {
	svc := newTestService(newStubRepo(), nil)

	done := make(chan struct{})
	go func() {
		svc.StartOrderSync(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartOrderSync must return without provider client")
	}
}

func TestStartOrderSync_StopsOnCancel(t *testing.T) {
	repo := newStubRepo()
	repo.users[1] = &model.User{ID: 1, RankID: 6}
	repo.orders[10] = activeOrder(10, "901", 1, 100, model.StatusPending, 100)

	prov := &stubProvider{states: map[string]provider.OrderState{
		"901": {Status: "In progress", Remains: "50"},
	}}
	svc := newTestService(repo, prov)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.StartOrderSync(ctx)
		close(done)
	}()

	// Даём циклу выполнить хотя бы один проход, затем останавливаем.
	time.Sleep(250 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("StartOrderSync did not stop on cancellation")
	}

	if len(prov.batches) == 0 {
		t.Fatalf("expected at least one sync pass before cancellation")
	}
}
