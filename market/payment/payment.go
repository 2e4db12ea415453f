// Package payment implements the Allocation & Order Ledger (spec.md §4.8):
// transactional fund earmarking against a payment platform address, and the
// Orders/BatchOrders scheduled against it.
package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"golemmarket/crypto"
	"golemmarket/market/errkind"
	"golemmarket/market/model"
	"golemmarket/observability/metrics"
)

// Ledger is the Allocation & Order Ledger. Safe for concurrent use; every
// mutating operation runs inside its own transaction.
type Ledger struct {
	db *gorm.DB
}

// New wraps an already-migrated *gorm.DB.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Migrate creates or updates the underlying tables.
func (l *Ledger) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(
		&model.Allocation{}, &model.Expenditure{},
		&model.Order{}, &model.BatchOrder{}, &model.BatchOrderItem{},
	)
}

// CreateAllocation inserts a new Allocation with spent=0, available=total.
func (l *Ledger) CreateAllocation(ctx context.Context, owner crypto.NodeID, platform, address string, total model.Amount, timeout *time.Time) (model.Allocation, error) {
	alloc := model.Allocation{
		ID:        uuid.New(),
		Owner:     owner,
		Platform:  platform,
		Address:   address,
		Total:     total,
		Spent:     model.AmountFromUint64(0),
		Available: total,
		Timeout:   timeout,
	}
	if err := l.db.WithContext(ctx).Create(&alloc).Error; err != nil {
		metrics.Payment().RecordAllocation("rejected")
		return model.Allocation{}, errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: create allocation")
	}
	metrics.Payment().RecordAllocation("created")
	return alloc, nil
}

// Release marks an Allocation as released: `released ⇒ no new spend`.
func (l *Ledger) Release(ctx context.Context, owner crypto.NodeID, allocID uuid.UUID) error {
	res := l.db.WithContext(ctx).Model(&model.Allocation{}).
		Where("id = ? AND owner = ?", allocID, owner).
		Update("released", true)
	if res.Error != nil {
		return errkind.IntegrityError(errkind.CodeIOFailure, res.Error, "payment: release allocation")
	}
	if res.RowsAffected == 0 {
		return errkind.ValidationError(errkind.CodeNotFound, "payment: allocation %s not found", allocID)
	}
	metrics.Payment().RecordAllocation("released")
	return nil
}

// SpendFromAllocation implements spend_from_allocation (spec.md §4.8): a
// single transaction that reads the Allocation under the owner key, fails
// if amount exceeds available or the Allocation is released, debits
// spent/available, and accumulates an Expenditure row.
func (l *Ledger) SpendFromAllocation(ctx context.Context, owner crypto.NodeID, allocID uuid.UUID, agreementID, activityID string, amount model.Amount, now time.Time) (model.Expenditure, error) {
	var expenditure model.Expenditure
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var alloc model.Allocation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&alloc, "id = ? AND owner = ?", allocID, owner).Error
		if err == gorm.ErrRecordNotFound {
			return errkind.ValidationError(errkind.CodeNotFound, "payment: allocation %s not found", allocID)
		}
		if err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: lookup allocation")
		}
		if alloc.Released {
			return errkind.StateError(errkind.CodeInvalidTransition, "payment: allocation %s is released", allocID)
		}
		if amount.GreaterThan(alloc.Available) {
			return errkind.StateError(errkind.CodeConstraintViolation, "payment: amount exceeds available balance on allocation %s", allocID)
		}

		alloc.Spent = alloc.Spent.Add(amount)
		alloc.Available = alloc.Available.Sub(amount)
		if !alloc.Invariant() {
			return errkind.IntegrityError(errkind.CodeIOFailure, nil, "payment: allocation %s violated spent+available==total", allocID)
		}
		if err := tx.Save(&alloc).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: persist allocation debit")
		}

		expenditure = model.Expenditure{
			ID:           uuid.New(),
			AllocationID: allocID,
			Owner:        owner,
			AgreementID:  agreementID,
			ActivityID:   activityID,
			Amount:       amount,
			CreatedAt:    now,
		}
		if err := tx.Create(&expenditure).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: record expenditure")
		}
		return nil
	})
	if err != nil {
		return model.Expenditure{}, err
	}
	return expenditure, nil
}

// ScheduleOrderParams names an Order's payment-driver-facing fields.
type ScheduleOrderParams struct {
	Driver      string
	Platform    string
	PayerAddr   string
	PayeeAddr   string
	Amount      model.Amount
	InvoiceID   string
	DebitNoteID string
	AgreementID string
	ActivityID  string
}

// ScheduleOrder implements Order creation (spec.md §4.8): calls
// SpendFromAllocation first, then records the Order in Pending state.
func (l *Ledger) ScheduleOrder(ctx context.Context, owner crypto.NodeID, allocID uuid.UUID, p ScheduleOrderParams, now time.Time) (model.Order, error) {
	if _, err := l.SpendFromAllocation(ctx, owner, allocID, p.AgreementID, p.ActivityID, p.Amount, now); err != nil {
		return model.Order{}, err
	}

	order := model.Order{
		ID:           uuid.New(),
		AllocationID: allocID,
		Driver:       p.Driver,
		Platform:     p.Platform,
		PayerAddr:    p.PayerAddr,
		PayeeAddr:    p.PayeeAddr,
		Amount:       p.Amount,
		InvoiceID:    p.InvoiceID,
		DebitNoteID:  p.DebitNoteID,
		State:        model.OrderPending,
		CreatedAt:    now,
	}
	if err := l.db.WithContext(ctx).Create(&order).Error; err != nil {
		return model.Order{}, errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: create order")
	}
	return order, nil
}

// TransitionOrder moves an Order between the states named in spec.md §4.8
// (Pending -> Sent -> {Paid, Failed}, or Pending -> Failed).
func (l *Ledger) TransitionOrder(ctx context.Context, orderID uuid.UUID, to model.OrderState) error {
	var order model.Order
	if err := l.db.WithContext(ctx).First(&order, "id = ?", orderID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return errkind.ValidationError(errkind.CodeNotFound, "payment: order %s not found", orderID)
		}
		return errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: lookup order")
	}
	if !model.CanTransitionOrder(order.State, to) {
		return errkind.StateError(errkind.CodeInvalidTransition, "payment: order %s cannot transition %s -> %s", orderID, order.State, to)
	}
	if err := l.db.WithContext(ctx).Model(&order).Update("state", to).Error; err != nil {
		return errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: persist order transition")
	}
	metrics.Payment().RecordBatchState(string(to))
	if to == model.OrderPaid {
		metrics.Payment().RecordSettled(order.PayeeAddr)
	}
	return nil
}

// BatchItemAmount names one payee's contribution to a new BatchOrder.
type BatchItemAmount struct {
	PayeeAddr string
	Amount    model.Amount
}

// CreateBatchOrder aggregates payee amounts under a single (payer_addr,
// platform) batch (spec.md §4.8), giving each payee its own per-item
// send/paid state per SPEC_FULL §D.4 rather than a single aggregate flag.
func (l *Ledger) CreateBatchOrder(ctx context.Context, driver, platform, payerAddr string, items []BatchItemAmount, now time.Time) (model.BatchOrder, error) {
	batch := model.BatchOrder{
		ID:        uuid.New(),
		PayerAddr: payerAddr,
		Platform:  platform,
		Driver:    driver,
		CreatedAt: now,
	}
	for _, item := range items {
		batch.Items = append(batch.Items, model.BatchOrderItem{
			ID:           uuid.New(),
			BatchOrderID: batch.ID,
			PayeeAddr:    item.PayeeAddr,
			Amount:       item.Amount,
			State:        model.OrderPending,
			CreatedAt:    now,
		})
	}
	if err := l.db.WithContext(ctx).Create(&batch).Error; err != nil {
		return model.BatchOrder{}, errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: create batch order")
	}
	metrics.Payment().RecordBatchState(string(model.OrderPending))
	return batch, nil
}

// TransitionBatchItem moves one payee's BatchOrderItem to a new state,
// recording a failure reason when transitioning to Failed.
func (l *Ledger) TransitionBatchItem(ctx context.Context, itemID uuid.UUID, to model.OrderState, failureReason string) error {
	var item model.BatchOrderItem
	if err := l.db.WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return errkind.ValidationError(errkind.CodeNotFound, "payment: batch order item %s not found", itemID)
		}
		return errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: lookup batch order item")
	}
	if !model.CanTransitionOrder(item.State, to) {
		return errkind.StateError(errkind.CodeInvalidTransition, "payment: batch order item %s cannot transition %s -> %s", itemID, item.State, to)
	}
	updates := map[string]any{"state": to}
	if to == model.OrderFailed {
		updates["failure_reason"] = failureReason
	}
	if err := l.db.WithContext(ctx).Model(&item).Updates(updates).Error; err != nil {
		return errkind.IntegrityError(errkind.CodeIOFailure, err, "payment: persist batch order item transition")
	}
	metrics.Payment().RecordBatchState(string(to))
	if to == model.OrderPaid {
		metrics.Payment().RecordSettled(item.PayeeAddr)
	}
	return nil
}
