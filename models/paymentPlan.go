package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentPlan struct {
	ID               int                  `gorm:"primary_key" json:"id"`
	TenantId         string               `gorm:"size:64;index;not null" json:"tenant_id"`
	InvoiceId        *int                 `gorm:"index" json:"invoice_id"`
	TotalAmount      decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	InstallmentCount int                  `gorm:"not null" json:"installment_count"`
	PaidAmount       decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"paid_amount"`
	RemainingAmount  decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"remaining_amount"`
	Status           PaymentPlanStatus    `gorm:"size:20;index;not null" json:"status"`
	Installments     []PaymentInstallment `gorm:"foreignKey:PaymentPlanId" json:"installments"`
	CreatedAt        time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type PaymentInstallment struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"size:64;index;not null" json:"tenant_id"`
	PaymentPlanId int             `gorm:"index;not null" json:"payment_plan_id"`
	Sequence      int             `gorm:"not null" json:"sequence"`
	DueDate       time.Time       `gorm:"not null" json:"due_date"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	PaidAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"paid_amount"`
	PaidAt        *time.Time      `json:"paid_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentPlan) RecordType() EntityType { return EntityPaymentPlan }
func (p PaymentPlan) GetID() int           { return p.ID }
func (p PaymentPlan) GetTenantId() string  { return p.TenantId }
func (p PaymentPlan) GetStatus() string    { return string(p.Status) }

var (
	ErrInvalidInstallmentCount = errors.New("installment count must be at least 1")
	ErrInvalidPlanTotal        = errors.New("payment plan total must be positive")
	ErrOverpayment             = errors.New("payment exceeds remaining amount")
)

// SplitInstallments divides total into count amounts truncated to 2 decimals; the last one
// absorbs the remainder so the amounts always sum to total (1000/3 -> 333.33, 333.33, 333.34).
func SplitInstallments(total decimal.Decimal, count int) ([]decimal.Decimal, error) {
	if count < 1 {
		return nil, ErrInvalidInstallmentCount
	}
	if !total.IsPositive() {
		return nil, ErrInvalidPlanTotal
	}
	base := total.Div(decimal.NewFromInt(int64(count))).Truncate(2)
	out := make([]decimal.Decimal, count)
	allocated := decimal.Zero
	for i := 0; i < count-1; i++ {
		out[i] = base
		allocated = allocated.Add(base)
	}
	out[count-1] = total.Sub(allocated)
	return out, nil
}

// BuildInstallments schedules the split amounts starting at firstDue, every intervalMonths.
func BuildInstallments(total decimal.Decimal, count int, firstDue time.Time, intervalMonths int) ([]PaymentInstallment, error) {
	amounts, err := SplitInstallments(total, count)
	if err != nil {
		return nil, err
	}
	if intervalMonths < 1 {
		intervalMonths = 1
	}
	rows := make([]PaymentInstallment, count)
	for i, amount := range amounts {
		rows[i] = PaymentInstallment{
			Sequence: i + 1,
			DueDate:  firstDue.AddDate(0, i*intervalMonths, 0),
			Amount:   amount,
		}
	}
	return rows, nil
}

// ApplyPayment allocates amount to the earliest unpaid installments and keeps
// PaidAmount + RemainingAmount == TotalAmount. Installments must be ordered by Sequence.
func (p *PaymentPlan) ApplyPayment(amount decimal.Decimal, at time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("payment amount must be positive")
	}
	if amount.GreaterThan(p.TotalAmount.Sub(p.PaidAmount)) {
		return ErrOverpayment
	}
	left := amount
	for i := range p.Installments {
		if !left.IsPositive() {
			break
		}
		inst := &p.Installments[i]
		due := inst.Amount.Sub(inst.PaidAmount)
		if !due.IsPositive() {
			continue
		}
		pay := due
		if left.LessThan(due) {
			pay = left
		}
		inst.PaidAmount = inst.PaidAmount.Add(pay)
		if inst.PaidAmount.Equal(inst.Amount) {
			paidAt := at
			inst.PaidAt = &paidAt
		}
		left = left.Sub(pay)
	}
	p.PaidAmount = p.PaidAmount.Add(amount)
	p.RemainingAmount = p.TotalAmount.Sub(p.PaidAmount)
	return nil
}

func (p PaymentPlan) IsFullyPaid() bool {
	return !p.RemainingAmount.IsPositive()
}
