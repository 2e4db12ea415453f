package payment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"golemmarket/crypto"
	"golemmarket/market/model"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	l := New(db)
	if err := l.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return l
}

func testOwner(t *testing.T) crypto.NodeID {
	t.Helper()
	return crypto.MustNodeID(make([]byte, 20))
}

func TestSpendFromAllocationDebitsAndRecordsExpenditure(t *testing.T) {
	l := testLedger(t)
	owner := testOwner(t)
	now := time.Now().UTC()

	alloc, err := l.CreateAllocation(context.Background(), owner, "erc20", "0xabc", model.AmountFromUint64(100), nil)
	if err != nil {
		t.Fatalf("create allocation: %v", err)
	}

	expenditure, err := l.SpendFromAllocation(context.Background(), owner, alloc.ID, "agreement-1", "", model.AmountFromUint64(40), now)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if !expenditure.Amount.Equal(model.AmountFromUint64(40)) {
		t.Fatalf("expected expenditure amount 40, got %s", expenditure.Amount.Dec())
	}

	var reloaded model.Allocation
	if err := l.db.First(&reloaded, "id = ?", alloc.ID).Error; err != nil {
		t.Fatalf("reload allocation: %v", err)
	}
	if !reloaded.Spent.Equal(model.AmountFromUint64(40)) {
		t.Fatalf("expected spent=40, got %s", reloaded.Spent.Dec())
	}
	if !reloaded.Available.Equal(model.AmountFromUint64(60)) {
		t.Fatalf("expected available=60, got %s", reloaded.Available.Dec())
	}
	if !reloaded.Invariant() {
		t.Fatalf("expected spent+available==total to hold")
	}
}

func TestSpendFromAllocationRejectsOverspend(t *testing.T) {
	l := testLedger(t)
	owner := testOwner(t)
	now := time.Now().UTC()

	alloc, err := l.CreateAllocation(context.Background(), owner, "erc20", "0xabc", model.AmountFromUint64(100), nil)
	if err != nil {
		t.Fatalf("create allocation: %v", err)
	}

	if _, err := l.SpendFromAllocation(context.Background(), owner, alloc.ID, "agreement-1", "", model.AmountFromUint64(200), now); err == nil {
		t.Fatalf("expected overspend to be rejected")
	}
}

func TestSpendFromAllocationRejectsAfterRelease(t *testing.T) {
	l := testLedger(t)
	owner := testOwner(t)
	now := time.Now().UTC()

	alloc, err := l.CreateAllocation(context.Background(), owner, "erc20", "0xabc", model.AmountFromUint64(100), nil)
	if err != nil {
		t.Fatalf("create allocation: %v", err)
	}
	if err := l.Release(context.Background(), owner, alloc.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.SpendFromAllocation(context.Background(), owner, alloc.ID, "agreement-1", "", model.AmountFromUint64(10), now); err == nil {
		t.Fatalf("expected spend against a released allocation to be rejected")
	}
}

func TestScheduleOrderDebitsThenRecordsOrder(t *testing.T) {
	l := testLedger(t)
	owner := testOwner(t)
	now := time.Now().UTC()

	alloc, err := l.CreateAllocation(context.Background(), owner, "erc20", "0xabc", model.AmountFromUint64(100), nil)
	if err != nil {
		t.Fatalf("create allocation: %v", err)
	}

	order, err := l.ScheduleOrder(context.Background(), owner, alloc.ID, ScheduleOrderParams{
		Driver:      "erc20",
		Platform:    "erc20-mainnet",
		PayerAddr:   "0xabc",
		PayeeAddr:   "0xdef",
		Amount:      model.AmountFromUint64(30),
		InvoiceID:   "inv-1",
		AgreementID: "agreement-1",
	}, now)
	if err != nil {
		t.Fatalf("schedule order: %v", err)
	}
	if order.State != model.OrderPending {
		t.Fatalf("expected Pending order, got %s", order.State)
	}

	var reloaded model.Allocation
	if err := l.db.First(&reloaded, "id = ?", alloc.ID).Error; err != nil {
		t.Fatalf("reload allocation: %v", err)
	}
	if !reloaded.Available.Equal(model.AmountFromUint64(70)) {
		t.Fatalf("expected available=70 after scheduling the order, got %s", reloaded.Available.Dec())
	}
}

func TestScheduleOrderFailsWhenAllocationExhausted(t *testing.T) {
	l := testLedger(t)
	owner := testOwner(t)
	now := time.Now().UTC()

	alloc, err := l.CreateAllocation(context.Background(), owner, "erc20", "0xabc", model.AmountFromUint64(10), nil)
	if err != nil {
		t.Fatalf("create allocation: %v", err)
	}

	if _, err := l.ScheduleOrder(context.Background(), owner, alloc.ID, ScheduleOrderParams{
		Amount: model.AmountFromUint64(50),
	}, now); err == nil {
		t.Fatalf("expected order scheduling to fail when it would overspend the allocation")
	}
}

func TestTransitionOrderFollowsLifecycle(t *testing.T) {
	l := testLedger(t)
	owner := testOwner(t)
	now := time.Now().UTC()

	alloc, err := l.CreateAllocation(context.Background(), owner, "erc20", "0xabc", model.AmountFromUint64(100), nil)
	if err != nil {
		t.Fatalf("create allocation: %v", err)
	}
	order, err := l.ScheduleOrder(context.Background(), owner, alloc.ID, ScheduleOrderParams{Amount: model.AmountFromUint64(10)}, now)
	if err != nil {
		t.Fatalf("schedule order: %v", err)
	}

	if err := l.TransitionOrder(context.Background(), order.ID, model.OrderPaid); err == nil {
		t.Fatalf("expected Pending -> Paid to be rejected (must pass through Sent)")
	}
	if err := l.TransitionOrder(context.Background(), order.ID, model.OrderSent); err != nil {
		t.Fatalf("transition to sent: %v", err)
	}
	if err := l.TransitionOrder(context.Background(), order.ID, model.OrderPaid); err != nil {
		t.Fatalf("transition to paid: %v", err)
	}
}

func TestCreateBatchOrderAggregatesPerPayeeItems(t *testing.T) {
	l := testLedger(t)
	now := time.Now().UTC()

	batch, err := l.CreateBatchOrder(context.Background(), "erc20", "erc20-mainnet", "0xabc", []BatchItemAmount{
		{PayeeAddr: "0x1", Amount: model.AmountFromUint64(5)},
		{PayeeAddr: "0x2", Amount: model.AmountFromUint64(7)},
	}, now)
	if err != nil {
		t.Fatalf("create batch order: %v", err)
	}
	if len(batch.Items) != 2 {
		t.Fatalf("expected 2 batch items, got %d", len(batch.Items))
	}

	if err := l.TransitionBatchItem(context.Background(), batch.Items[0].ID, model.OrderSent, ""); err != nil {
		t.Fatalf("transition item 0 to sent: %v", err)
	}
	if err := l.TransitionBatchItem(context.Background(), batch.Items[1].ID, model.OrderSent, ""); err != nil {
		t.Fatalf("transition item 1 to sent: %v", err)
	}
	if err := l.TransitionBatchItem(context.Background(), batch.Items[0].ID, model.OrderPaid, ""); err != nil {
		t.Fatalf("transition item 0 to paid: %v", err)
	}
	if err := l.TransitionBatchItem(context.Background(), batch.Items[1].ID, model.OrderFailed, "insufficient gas"); err != nil {
		t.Fatalf("transition item 1 to failed: %v", err)
	}

	var items []model.BatchOrderItem
	if err := l.db.Where("batch_order_id = ?", batch.ID).Order("payee_addr").Find(&items).Error; err != nil {
		t.Fatalf("reload items: %v", err)
	}
	if items[0].State != model.OrderPaid {
		t.Fatalf("expected item 0 Paid, got %s", items[0].State)
	}
	if items[1].State != model.OrderFailed || items[1].FailureReason != "insufficient gas" {
		t.Fatalf("expected item 1 Failed with reason, got %+v", items[1])
	}
}
