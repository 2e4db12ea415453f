package payment

import (
	"context"
	"os"
	"testing"
	"time"

	"golemmarket/market/model"
)

func TestExportSettledWritesPaidOrdersAndBatchItems(t *testing.T) {
	l := testLedger(t)
	owner := testOwner(t)
	now := time.Now().UTC()

	alloc, err := l.CreateAllocation(context.Background(), owner, "erc20", "0xabc", model.AmountFromUint64(100), nil)
	if err != nil {
		t.Fatalf("create allocation: %v", err)
	}
	order, err := l.ScheduleOrder(context.Background(), owner, alloc.ID, ScheduleOrderParams{
		Driver: "erc20", Platform: "erc20-mainnet", PayerAddr: "0xabc", PayeeAddr: "0xdef",
		Amount: model.AmountFromUint64(10), InvoiceID: "inv-1",
	}, now)
	if err != nil {
		t.Fatalf("schedule order: %v", err)
	}
	if err := l.TransitionOrder(context.Background(), order.ID, model.OrderSent); err != nil {
		t.Fatalf("transition to sent: %v", err)
	}
	if err := l.TransitionOrder(context.Background(), order.ID, model.OrderPaid); err != nil {
		t.Fatalf("transition to paid: %v", err)
	}

	batch, err := l.CreateBatchOrder(context.Background(), "erc20", "erc20-mainnet", "0xabc", []BatchItemAmount{
		{PayeeAddr: "0x1", Amount: model.AmountFromUint64(5)},
	}, now)
	if err != nil {
		t.Fatalf("create batch order: %v", err)
	}
	if err := l.TransitionBatchItem(context.Background(), batch.Items[0].ID, model.OrderSent, ""); err != nil {
		t.Fatalf("transition item to sent: %v", err)
	}
	if err := l.TransitionBatchItem(context.Background(), batch.Items[0].ID, model.OrderPaid, ""); err != nil {
		t.Fatalf("transition item to paid: %v", err)
	}

	path := t.TempDir() + "/settled.parquet"
	exporter := NewExporter(l)
	count, err := exporter.ExportSettled(context.Background(), path, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("export settled: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 settled rows (1 order + 1 batch item), got %d", count)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat parquet file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected a non-empty parquet file")
	}
}

func TestExportSettledSkipsUnpaidOrders(t *testing.T) {
	l := testLedger(t)
	owner := testOwner(t)
	now := time.Now().UTC()

	alloc, err := l.CreateAllocation(context.Background(), owner, "erc20", "0xabc", model.AmountFromUint64(100), nil)
	if err != nil {
		t.Fatalf("create allocation: %v", err)
	}
	if _, err := l.ScheduleOrder(context.Background(), owner, alloc.ID, ScheduleOrderParams{
		Amount: model.AmountFromUint64(10),
	}, now); err != nil {
		t.Fatalf("schedule order: %v", err)
	}

	path := t.TempDir() + "/settled.parquet"
	exporter := NewExporter(l)
	count, err := exporter.ExportSettled(context.Background(), path, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("export settled: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no settled rows while the order is still Pending, got %d", count)
	}
}
