package model

import (
	"time"

	"github.com/google/uuid"

	"golemmarket/crypto"
)

// Allocation tracks funds earmarked for Agreements against a single payment
// platform address (spec.md §4.8).
type Allocation struct {
	ID        uuid.UUID     `gorm:"primaryKey;type:uuid"`
	Owner     crypto.NodeID `gorm:"type:varchar(96);index"`
	Platform  string        `gorm:"size:64"`
	Address   string        `gorm:"size:128"`
	Total     Amount        `gorm:"type:varchar(80)"`
	Spent     Amount        `gorm:"type:varchar(80)"`
	Available Amount        `gorm:"type:varchar(80)"`
	Timeout   *time.Time
	Released  bool `gorm:"index"`
}

func (Allocation) TableName() string { return "pay_allocation" }

// Invariant checks `spent + available == total`. SpendFromAllocation checks
// it after debiting and aborts the transaction when it does not hold.
func (a *Allocation) Invariant() bool {
	return a.Spent.Add(a.Available).Equal(a.Total)
}

// Expenditure is a single debit recorded against an Allocation, keyed by
// (owner, alloc, agreement, activity?).
type Expenditure struct {
	ID           uuid.UUID     `gorm:"primaryKey;type:uuid"`
	AllocationID uuid.UUID     `gorm:"type:uuid;index"`
	Owner        crypto.NodeID `gorm:"type:varchar(96);index"`
	AgreementID  string        `gorm:"size:64;index"`
	ActivityID   string        `gorm:"size:64"`
	Amount       Amount        `gorm:"type:varchar(80)"`
	CreatedAt    time.Time
}

func (Expenditure) TableName() string { return "pay_allocation_expenditure" }

// OrderState is shared by Order and each BatchOrderItem.
type OrderState string

const (
	OrderPending OrderState = "pending"
	OrderSent    OrderState = "sent"
	OrderPaid    OrderState = "paid"
	OrderFailed  OrderState = "failed"
)

// orderTransitions enumerates the per-payee batch order lifecycle recovered
// from the original implementation (SPEC_FULL §D.4): Pending -> Sent ->
// {Paid, Failed}, plus Pending -> Failed for an item that is never sent.
var orderTransitions = map[OrderState]map[OrderState]bool{
	OrderPending: {OrderSent: true, OrderFailed: true},
	OrderSent:    {OrderPaid: true, OrderFailed: true},
}

// CanTransitionOrder reports whether the per-payee batch item may move from
// `from` to `to`.
func CanTransitionOrder(from, to OrderState) bool {
	targets, ok := orderTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Order instructs the payment driver to pay a single payee from an
// Allocation on a given platform.
type Order struct {
	ID           uuid.UUID `gorm:"primaryKey;type:uuid"`
	AllocationID uuid.UUID `gorm:"type:uuid;index"`
	Driver       string    `gorm:"size:32"`
	Platform     string    `gorm:"size:64"`
	PayerAddr    string    `gorm:"size:128"`
	PayeeAddr    string    `gorm:"size:128"`
	Amount       Amount    `gorm:"type:varchar(80)"`
	InvoiceID    string    `gorm:"size:64"`
	DebitNoteID  string    `gorm:"size:64"`
	State        OrderState `gorm:"size:16;index"`
	CreatedAt    time.Time
}

func (Order) TableName() string { return "pay_order" }

// BatchOrder aggregates payee amounts under a single (payer_addr, platform)
// batch, recovered from the original implementation's batch payment driver
// (SPEC_FULL §D.4).
type BatchOrder struct {
	ID        uuid.UUID `gorm:"primaryKey;type:uuid"`
	PayerAddr string    `gorm:"size:128;index"`
	Platform  string    `gorm:"size:64"`
	Driver    string    `gorm:"size:32"`
	CreatedAt time.Time
	Items     []BatchOrderItem `gorm:"foreignKey:BatchOrderID"`
}

func (BatchOrder) TableName() string { return "pay_batch_order" }

// BatchOrderItem tracks one payee's amount and send/paid state within a
// BatchOrder.
type BatchOrderItem struct {
	ID            uuid.UUID  `gorm:"primaryKey;type:uuid"`
	BatchOrderID  uuid.UUID  `gorm:"type:uuid;index"`
	BatchOrder    BatchOrder `gorm:"foreignKey:BatchOrderID"`
	PayeeAddr     string     `gorm:"size:128"`
	Amount        Amount     `gorm:"type:varchar(80)"`
	State         OrderState `gorm:"size:16;index"`
	FailureReason string     `gorm:"size:256"`
	CreatedAt     time.Time
}

func (BatchOrderItem) TableName() string { return "pay_batch_order_item" }
