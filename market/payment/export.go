package payment

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"golemmarket/market/model"
)

// settledOrderRow is the flat Parquet schema one settled pay_order row is
// projected onto for offline ledger analytics.
type settledOrderRow struct {
	OrderID      string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AllocationID string  `parquet:"name=allocation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Driver       string  `parquet:"name=driver, type=BYTE_ARRAY, convertedtype=UTF8"`
	Platform     string  `parquet:"name=platform, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayerAddr    string  `parquet:"name=payer_addr, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayeeAddr    string  `parquet:"name=payee_addr, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       string  `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	InvoiceID    string  `parquet:"name=invoice_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt    string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	BatchItem    bool    `parquet:"name=batch_item, type=BOOLEAN"`
}

// Exporter periodically writes settled (Paid) Order and BatchOrderItem rows
// to a Parquet file for offline ledger analytics (SPEC_FULL §C).
type Exporter struct {
	ledger *Ledger
}

// NewExporter builds an Exporter atop an already-migrated Ledger.
func NewExporter(l *Ledger) *Exporter {
	return &Exporter{ledger: l}
}

// ExportSettled writes every pay_order and pay_batch_order_item row in the
// Paid state, created at or after since, to a new Parquet file at path.
func (e *Exporter) ExportSettled(ctx context.Context, path string, since time.Time) (int, error) {
	var orders []model.Order
	if err := e.ledger.db.WithContext(ctx).
		Where("state = ? AND created_at >= ?", model.OrderPaid, since).
		Find(&orders).Error; err != nil {
		return 0, fmt.Errorf("payment: load settled orders: %w", err)
	}

	var items []model.BatchOrderItem
	if err := e.ledger.db.WithContext(ctx).
		Preload("BatchOrder").
		Where("state = ?", model.OrderPaid).
		Find(&items).Error; err != nil {
		return 0, fmt.Errorf("payment: load settled batch items: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("payment: create parquet file: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settledOrderRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("payment: parquet schema: %w", err)
	}
	pw.RowGroupSize = 64 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	count := 0
	for _, o := range orders {
		row := &settledOrderRow{
			OrderID:      o.ID.String(),
			AllocationID: o.AllocationID.String(),
			Driver:       o.Driver,
			Platform:     o.Platform,
			PayerAddr:    o.PayerAddr,
			PayeeAddr:    o.PayeeAddr,
			Amount:       o.Amount.Dec(),
			InvoiceID:    o.InvoiceID,
			CreatedAt:    o.CreatedAt.Format(time.RFC3339),
			BatchItem:    false,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return count, fmt.Errorf("payment: parquet write order: %w", err)
		}
		count++
	}
	for _, item := range items {
		if item.CreatedAt.Before(since) {
			continue
		}
		row := &settledOrderRow{
			OrderID:      item.ID.String(),
			AllocationID: item.BatchOrder.ID.String(),
			Driver:       item.BatchOrder.Driver,
			Platform:     item.BatchOrder.Platform,
			PayerAddr:    item.BatchOrder.PayerAddr,
			PayeeAddr:    item.PayeeAddr,
			Amount:       item.Amount.Dec(),
			CreatedAt:    item.CreatedAt.Format(time.RFC3339),
			BatchItem:    true,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return count, fmt.Errorf("payment: parquet write batch item: %w", err)
		}
		count++
	}

	if err := pw.WriteStop(); err != nil {
		file.Close()
		return count, fmt.Errorf("payment: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return count, fmt.Errorf("payment: close parquet file: %w", err)
	}
	return count, nil
}
