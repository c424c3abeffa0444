package services

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/diewo77/go-crm/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestComputeTotalsLineAndInvoiceDiscounts(t *testing.T) {
	svc := NewInvoiceService()
	inv := &models.Invoice{
		Discount: 50,
		Items: []models.InvoiceItem{
			{Quantity: 2, UnitPrice: 100, VATRate: 0.2, Discount: 20}, // 180 + 36 VAT
			{Quantity: 1, UnitPrice: 120, VATRate: 0.1},               // 120 + 12 VAT
		},
	}
	tot := svc.ComputeTotals(inv)
	if !almostEqual(tot.Subtotal, 300) {
		t.Fatalf("subtotal: %v", tot.Subtotal)
	}
	if !almostEqual(tot.Discount, 50) {
		t.Fatalf("discount: %v", tot.Discount)
	}
	// VAT reduced proportionally: 48 * 250/300 = 40
	if !almostEqual(tot.VAT, 40) {
		t.Fatalf("vat: %v", tot.VAT)
	}
	if !almostEqual(tot.Total, 290) {
		t.Fatalf("total: %v", tot.Total)
	}
}

func TestComputeTotalsDiscountCaps(t *testing.T) {
	svc := NewInvoiceService()
	inv := &models.Invoice{
		Discount: 10000, // larger than subtotal
		Items: []models.InvoiceItem{
			{Quantity: 1, UnitPrice: 100, VATRate: 0.2, Discount: 500}, // line discount >= line: line becomes 0
			{Quantity: 1, UnitPrice: 80, VATRate: 0.2},
		},
	}
	tot := svc.ComputeTotals(inv)
	if !almostEqual(tot.Subtotal, 80) {
		t.Fatalf("subtotal: %v", tot.Subtotal)
	}
	if !almostEqual(tot.Discount, 80) {
		t.Fatalf("invoice discount must cap at subtotal: %v", tot.Discount)
	}
	if !almostEqual(tot.Total, 0) {
		t.Fatalf("total: %v", tot.Total)
	}
}

func TestComputeTotalsPaidAndBalance(t *testing.T) {
	svc := NewInvoiceService()
	inv := &models.Invoice{
		Items:    []models.InvoiceItem{{Quantity: 1, UnitPrice: 200, VATRate: 0}},
		Payments: []models.Payment{{ID: 1, Amount: 150}, {ID: 2, Amount: 100}},
		Refunds:  []models.Refund{{PaymentID: 2, Amount: 30}},
	}
	tot := svc.ComputeTotals(inv)
	if !almostEqual(tot.Paid, 220) {
		t.Fatalf("paid: %v", tot.Paid)
	}
	if !almostEqual(tot.Balance, -20) {
		t.Fatalf("overpayment should yield negative balance: %v", tot.Balance)
	}
}

func TestComputeTotalsNil(t *testing.T) {
	svc := NewInvoiceService()
	tot := svc.ComputeTotals(nil)
	if tot.Total != 0 || tot.Balance != 0 {
		t.Fatalf("nil invoice must compute to zero: %#v", tot)
	}
}

func TestNextNumberSequence(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Invoice{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := NewInvoiceService()
	at := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	first, err := svc.NextNumber(db, at)
	if err != nil {
		t.Fatalf("next number: %v", err)
	}
	if first != "INV-2026-0001" {
		t.Fatalf("got %s", first)
	}
	if err := db.Create(&models.Invoice{Number: first, Status: models.InvoiceFinal, AccountID: 1, ContactID: 1}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.NextNumber(db, at)
	if err != nil {
		t.Fatalf("next number: %v", err)
	}
	if second != "INV-2026-0002" {
		t.Fatalf("got %s", second)
	}
	// A new year restarts the sequence.
	next, err := svc.NextNumber(db, at.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("next number: %v", err)
	}
	if next != "INV-2027-0001" {
		t.Fatalf("got %s", next)
	}
}

func TestRefundableAmount(t *testing.T) {
	svc := NewInvoiceService()
	p := &models.Payment{ID: 3, Amount: 100}
	refunds := []models.Refund{{PaymentID: 3, Amount: 40}, {PaymentID: 4, Amount: 99}}
	if got := svc.RefundableAmount(p, refunds); !almostEqual(got, 60) {
		t.Fatalf("refundable: %v", got)
	}
}
