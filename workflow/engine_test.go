package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/activity"
	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/ledger"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/notify"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	owner    = guard.Actor{ActorId: "u-1", ActorName: "Aye", TenantId: "tenant-a", Role: guard.RoleOwner}
	member   = guard.Actor{ActorId: "u-2", ActorName: "Bo", TenantId: "tenant-a", Role: guard.RoleMember}
	outsider = guard.Actor{ActorId: "u-9", ActorName: "Zaw", TenantId: "tenant-b", Role: guard.RoleOwner}
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func setup(t *testing.T) (*gorm.DB, *Engine) {
	t.Helper()
	db := testDB(t)
	seed(t, db, &models.TeamMember{TenantId: "tenant-a", Name: "Manager", Email: "manager@example.com", Role: "MANAGER"})
	return db, NewEngine(Deps{DB: db})
}

func seed(t *testing.T, db *gorm.DB, rec any) {
	t.Helper()
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("seed %T: %v", rec, err)
	}
}

func seedProduct(t *testing.T, db *gorm.DB, sku, stock, minStock string) models.Product {
	t.Helper()
	p := models.Product{TenantId: "tenant-a", Sku: sku, Name: sku, Stock: d(stock), MinStock: d(minStock)}
	seed(t, db, &p)
	return p
}

func seedQuote(t *testing.T, db *gorm.DB, status models.QuoteStatus, productId int, qty string) models.Quote {
	t.Helper()
	q := models.Quote{
		TenantId:      "tenant-a",
		QuoteNumber:   "Q-100",
		CustomerName:  "Acme",
		CustomerEmail: "buyer@acme.test",
		Total:         d("500"),
		Status:        status,
		Items: []models.QuoteItem{
			{TenantId: "tenant-a", ProductId: productId, Quantity: d(qty), UnitPrice: d("100"), Total: d("500")},
		},
	}
	seed(t, db, &q)
	return q
}

func ledgerReq(productId int, qty string) ledger.Request {
	return ledger.Request{ProductId: productId, Quantity: d(qty)}
}

func activityEntry(tenantId string, entityId int) activity.Entry {
	return activity.Entry{TenantId: tenantId, Entity: models.EntityDeal, EntityId: entityId, Action: "note", Description: "called the customer"}
}

func reloadProduct(t *testing.T, db *gorm.DB, id int) models.Product {
	t.Helper()
	var p models.Product
	if err := db.First(&p, id).Error; err != nil {
		t.Fatalf("reload product: %v", err)
	}
	return p
}

func count(t *testing.T, db *gorm.DB, model any, cond string, args ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if cond != "" {
		q = q.Where(cond, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", model, err)
	}
	return n
}

func mustTransition(t *testing.T, e *Engine, actor guard.Actor, et models.EntityType, id int, target string) *TransitionResult {
	t.Helper()
	res, err := e.RequestTransition(context.Background(), actor, TransitionRequest{EntityType: et, EntityId: id, TargetStatus: target})
	if err != nil {
		t.Fatalf("%s %d -> %s: %v", et, id, target, err)
	}
	return res
}

func resultFor(t *testing.T, results []AutomationResult, action string) AutomationResult {
	t.Helper()
	for _, r := range results {
		if r.Action == action {
			return r
		}
	}
	t.Fatalf("no result for %s in %+v", action, results)
	return AutomationResult{}
}

func TestQuoteToPayment_EndToEnd(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	q := seedQuote(t, db, models.QuoteStatusSent, p.ID, "5")

	accepted := mustTransition(t, e, owner, models.EntityQuote, q.ID, "ACCEPTED")
	spawn := resultFor(t, accepted.AutomationResults, "spawn_invoice_and_reserve")
	if spawn.Status != ActionSucceeded || spawn.RecordRef == nil || spawn.RecordRef.Entity != models.EntityInvoice {
		t.Fatalf("expected invoice to be spawned, got %+v", spawn)
	}
	if got := reloadProduct(t, db, p.ID); !got.ReservedQuantity.Equal(d("5")) || !got.Stock.Equal(d("20")) {
		t.Fatalf("accept should reserve 5 of 20, got stock=%s reserved=%s", got.Stock, got.ReservedQuantity)
	}
	invoiceId := spawn.RecordRef.Id

	sent := mustTransition(t, e, owner, models.EntityInvoice, invoiceId, "SENT")
	ship := resultFor(t, sent.AutomationResults, "create_pending_shipment")
	if ship.Status != ActionSucceeded || ship.RecordRef == nil {
		t.Fatalf("expected pending shipment, got %+v", ship)
	}

	approved := mustTransition(t, e, owner, models.EntityShipment, ship.RecordRef.Id, "APPROVED")
	for _, name := range []string{"fulfil_invoice_lines", "mark_invoice_shipped", "log_shipment_activity"} {
		if r := resultFor(t, approved.AutomationResults, name); r.Status != ActionSucceeded {
			t.Fatalf("%s should succeed, got %+v", name, r)
		}
	}
	if r := resultFor(t, approved.AutomationResults, "check_low_stock"); r.Status != ActionSkipped {
		t.Fatalf("no product is under its minimum, got %+v", r)
	}
	if got := reloadProduct(t, db, p.ID); !got.Stock.Equal(d("15")) || !got.ReservedQuantity.Equal(d("0")) {
		t.Fatalf("approve should ship 5 and consume the reservation, got stock=%s reserved=%s", got.Stock, got.ReservedQuantity)
	}
	var inv models.Invoice
	db.First(&inv, invoiceId)
	if inv.Status != models.InvoiceStatusShipped {
		t.Fatalf("invoice should follow the shipment to SHIPPED, got %s", inv.Status)
	}

	paid := mustTransition(t, e, owner, models.EntityInvoice, invoiceId, "PAID")
	income := resultFor(t, paid.AutomationResults, "record_payment_income")
	if income.Status != ActionSucceeded {
		t.Fatalf("expected payment income, got %+v", income)
	}
	var entry models.FinanceEntry
	if err := db.Where("source_entity = ? AND source_id = ?", models.EntityInvoice, invoiceId).First(&entry).Error; err != nil {
		t.Fatalf("finance entry: %v", err)
	}
	if entry.Type != models.FinanceEntryPaymentIncome || !entry.Amount.Equal(d("500")) {
		t.Fatalf("unexpected finance entry %+v", entry)
	}
	if n := count(t, db, &models.TransitionEvent{}, "tenant_id = ?", "tenant-a"); n != 5 {
		t.Fatalf("expected one outbox event per committed transition (5), got %d", n)
	}
}

func TestQuoteAccept_RedispatchIsIdempotent(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	q := seedQuote(t, db, models.QuoteStatusSent, p.ID, "5")
	mustTransition(t, e, owner, models.EntityQuote, q.ID, "ACCEPTED")

	results, err := e.Redispatch(context.Background(), owner, models.EntityQuote, q.ID)
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if results[0].Status != ActionSkipped || results[0].RecordRef == nil {
		t.Fatalf("second run should skip with the existing invoice, got %+v", results[0])
	}
	if n := count(t, db, &models.Invoice{}, "quote_id = ?", q.ID); n != 1 {
		t.Fatalf("expected exactly one invoice, got %d", n)
	}
	if n := count(t, db, &models.StockMovement{}, "type = ?", models.MovementReserve); n != 1 {
		t.Fatalf("expected one RESERVE movement, got %d", n)
	}
	if got := reloadProduct(t, db, p.ID); !got.ReservedQuantity.Equal(d("5")) {
		t.Fatalf("reserved must stay 5, got %s", got.ReservedQuantity)
	}
}

func TestQuoteAccept_InsufficientStockFailsActionOnly(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	q := seedQuote(t, db, models.QuoteStatusSent, p.ID, "50")

	res := mustTransition(t, e, owner, models.EntityQuote, q.ID, "ACCEPTED")
	r := res.AutomationResults[0]
	var insufficient *utils.InsufficientStockError
	if r.Status != ActionFailed || !errors.As(r.Err, &insufficient) {
		t.Fatalf("expected FAILED with insufficient stock, got %+v", r)
	}
	var quote models.Quote
	db.First(&quote, q.ID)
	if quote.Status != models.QuoteStatusAccepted {
		t.Fatalf("the transition itself must stay committed, got %s", quote.Status)
	}
	if n := count(t, db, &models.Invoice{}, ""); n != 0 {
		t.Fatalf("invoice creation must roll back with the reservation, got %d", n)
	}
	if n := count(t, db, &models.ActivityLog{}, "action = ? AND entity_id = ?", "automation_failed", q.ID); n != 1 {
		t.Fatalf("failure should be written to the activity log, got %d", n)
	}
}

func TestContract_TerminalStatusIsImmutable(t *testing.T) {
	db, e := setup(t)
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := models.Contract{TenantId: "tenant-a", Title: "Support", Value: d("1200"), EndDate: &end, Status: models.ContractStatusExpired}
	seed(t, db, &c)
	snapshot := func() string {
		var row models.Contract
		db.First(&row, c.ID)
		b, _ := json.Marshal(row)
		return string(b)
	}
	before := snapshot()

	_, err := e.RequestTransition(context.Background(), owner, TransitionRequest{EntityType: models.EntityContract, EntityId: c.ID, TargetStatus: "ACTIVE"})
	var immutable *utils.ImmutableStateError
	if !errors.As(err, &immutable) || immutable.Status != "EXPIRED" {
		t.Fatalf("expected ImmutableStateError, got %v", err)
	}
	_, err = e.UpdateFields(context.Background(), owner, models.EntityContract, c.ID, map[string]any{"title": "Changed"})
	if !errors.As(err, &immutable) {
		t.Fatalf("field edits on EXPIRED should be rejected, got %v", err)
	}
	if after := snapshot(); after != before {
		t.Fatalf("record changed:\nbefore %s\nafter  %s", before, after)
	}
}

func TestShipment_Rejections(t *testing.T) {
	db, e := setup(t)
	s := models.Shipment{TenantId: "tenant-a", InvoiceId: 1, Status: models.ShipmentStatusApproved}
	seed(t, db, &s)

	cases := []struct {
		target  string
		reason  string
		allowed []string
	}{
		{"DELIVERED", utils.ReasonInvalidStatusTransition, []string{"IN_TRANSIT"}},
		{"APPROVED", utils.ReasonNotAStatusChange, []string{"IN_TRANSIT"}},
		{"SHIPPED", utils.ReasonInvalidStatusTransition, []string{"IN_TRANSIT"}},
	}
	for _, tc := range cases {
		_, err := e.RequestTransition(context.Background(), owner, TransitionRequest{EntityType: models.EntityShipment, EntityId: s.ID, TargetStatus: tc.target})
		var invalid *utils.InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: expected InvalidTransitionError, got %v", tc.target, err)
		}
		if invalid.Reason != tc.reason || invalid.Current != "APPROVED" || strings.Join(invalid.Allowed, ",") != strings.Join(tc.allowed, ",") {
			t.Fatalf("%s: unexpected rejection %+v", tc.target, invalid)
		}
	}
}

func TestApprovalTargetNeedsApproveCapability(t *testing.T) {
	db, e := setup(t)
	s := models.Shipment{TenantId: "tenant-a", InvoiceId: 1, Status: models.ShipmentStatusPending}
	seed(t, db, &s)

	_, err := e.RequestTransition(context.Background(), member, TransitionRequest{EntityType: models.EntityShipment, EntityId: s.ID, TargetStatus: "APPROVED"})
	var authErr *utils.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("member cannot approve shipments, got %v", err)
	}
	var row models.Shipment
	db.First(&row, s.ID)
	if row.Status != models.ShipmentStatusPending {
		t.Fatalf("status must not change, got %s", row.Status)
	}
}

func TestReturnOrder_DeleteRules(t *testing.T) {
	db, e := setup(t)
	done := models.ReturnOrder{TenantId: "tenant-a", Status: models.ReturnOrderStatusCompleted}
	draft := models.ReturnOrder{TenantId: "tenant-a", Status: models.ReturnOrderStatusDraft,
		Items: []models.ReturnOrderItem{{TenantId: "tenant-a", ProductId: 1, Quantity: d("1")}}}
	seed(t, db, &done)
	seed(t, db, &draft)

	_, err := e.RequestTransition(context.Background(), owner, TransitionRequest{EntityType: models.EntityReturnOrder, EntityId: done.ID, TargetStatus: models.StatusDelete})
	var rejected *utils.DeleteRejectedError
	if !errors.As(err, &rejected) || !strings.Contains(err.Error(), utils.ReasonCannotDelete) {
		t.Fatalf("expected CANNOT_DELETE, got %v", err)
	}
	if n := count(t, db, &models.ReturnOrder{}, "id = ?", done.ID); n != 1 {
		t.Fatalf("completed return order must remain")
	}

	res := mustTransition(t, e, owner, models.EntityReturnOrder, draft.ID, models.StatusDelete)
	if res.ToStatus != models.StatusDelete {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := count(t, db, &models.ReturnOrder{}, "id = ?", draft.ID); n != 0 {
		t.Fatalf("draft return order should be gone")
	}
	if n := count(t, db, &models.ReturnOrderItem{}, "return_order_id = ?", draft.ID); n != 0 {
		t.Fatalf("lines should be deleted with the order, got %d", n)
	}
}

func TestCrossTenantRecordIsNotFound(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	q := seedQuote(t, db, models.QuoteStatusSent, p.ID, "5")

	_, err := e.RequestTransition(context.Background(), outsider, TransitionRequest{EntityType: models.EntityQuote, EntityId: q.ID, TargetStatus: "ACCEPTED"})
	var notFound *utils.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("another tenant's record must look absent, got %v", err)
	}
	_, err = e.RequestTransition(context.Background(), guard.Actor{ActorId: "x", Role: guard.RoleOwner}, TransitionRequest{EntityType: models.EntityQuote, EntityId: q.ID, TargetStatus: "ACCEPTED"})
	var authErr *utils.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("actor without tenant must be rejected, got %v", err)
	}
}

func TestSuperTenantActsInRecordTenant(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	q := seedQuote(t, db, models.QuoteStatusSent, p.ID, "5")
	ops := guard.Actor{ActorId: "ops", ActorName: "Ops", Role: guard.RoleOwner, IsSuperTenant: true}

	res := mustTransition(t, e, ops, models.EntityQuote, q.ID, "ACCEPTED")
	ref := res.AutomationResults[0].RecordRef
	var inv models.Invoice
	if err := db.First(&inv, ref.Id).Error; err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if inv.TenantId != "tenant-a" {
		t.Fatalf("dependent records must land in the record's tenant, got %q", inv.TenantId)
	}
}

func TestDealWon_CreatesOneContract(t *testing.T) {
	db, e := setup(t)
	deal := models.Deal{TenantId: "tenant-a", Title: "Fleet renewal", Value: d("9000"), Status: models.DealStatusNegotiation}
	seed(t, db, &deal)

	res := mustTransition(t, e, owner, models.EntityDeal, deal.ID, "WON")
	if r := res.AutomationResults[0]; r.Status != ActionSucceeded || r.RecordRef.Entity != models.EntityContract {
		t.Fatalf("expected draft contract, got %+v", r)
	}
	again, err := e.Redispatch(context.Background(), owner, models.EntityDeal, deal.ID)
	if err != nil || again[0].Status != ActionSkipped {
		t.Fatalf("redispatch should skip, got %+v %v", again, err)
	}
	var contracts []models.Contract
	db.Where("deal_id = ?", deal.ID).Find(&contracts)
	if len(contracts) != 1 || contracts[0].Status != models.ContractStatusDraft || contracts[0].Title != "Contract: Fleet renewal" {
		t.Fatalf("expected one draft contract, got %+v", contracts)
	}
}

func TestDealLostAndQuoteDeclined_CreateTasks(t *testing.T) {
	db, e := setup(t)
	deal := models.Deal{TenantId: "tenant-a", Title: "Lost one", Status: models.DealStatusNegotiation}
	seed(t, db, &deal)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	q := seedQuote(t, db, models.QuoteStatusSent, p.ID, "1")

	mustTransition(t, e, owner, models.EntityDeal, deal.ID, "LOST")
	mustTransition(t, e, owner, models.EntityQuote, q.ID, "DECLINED")

	if n := count(t, db, &models.Task{}, "kind = ? AND source_id = ?", models.TaskKindLossAnalysis, deal.ID); n != 1 {
		t.Fatalf("expected a loss analysis task, got %d", n)
	}
	if n := count(t, db, &models.Task{}, "kind = ? AND source_id = ?", models.TaskKindQuoteRevision, q.ID); n != 1 {
		t.Fatalf("expected a quote revision task, got %d", n)
	}
}

func TestReturnApproved_RestocksOnce(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	ro := models.ReturnOrder{TenantId: "tenant-a", Status: models.ReturnOrderStatusPending,
		Items: []models.ReturnOrderItem{{TenantId: "tenant-a", ProductId: p.ID, Quantity: d("2")}}}
	seed(t, db, &ro)

	res := mustTransition(t, e, owner, models.EntityReturnOrder, ro.ID, "APPROVED")
	if res.AutomationResults[0].Status != ActionSucceeded {
		t.Fatalf("expected restock, got %+v", res.AutomationResults[0])
	}
	again, _ := e.Redispatch(context.Background(), owner, models.EntityReturnOrder, ro.ID)
	if again[0].Status != ActionSkipped {
		t.Fatalf("second restock should skip, got %+v", again[0])
	}
	if got := reloadProduct(t, db, p.ID); !got.Stock.Equal(d("22")) {
		t.Fatalf("expected stock 22, got %s", got.Stock)
	}
}

func TestInvoiceCancel_ReleasesReservations(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	q := seedQuote(t, db, models.QuoteStatusSent, p.ID, "5")
	invoiceId := mustTransition(t, e, owner, models.EntityQuote, q.ID, "ACCEPTED").AutomationResults[0].RecordRef.Id

	res := mustTransition(t, e, owner, models.EntityInvoice, invoiceId, "CANCELLED")
	if r := res.AutomationResults[0]; r.Status != ActionSucceeded {
		t.Fatalf("expected release, got %+v", r)
	}
	if got := reloadProduct(t, db, p.ID); !got.ReservedQuantity.IsZero() || !got.Stock.Equal(d("20")) {
		t.Fatalf("cancel should release the reservation, got stock=%s reserved=%s", got.Stock, got.ReservedQuantity)
	}
}

func TestDeleteDraftInvoice_ReleasesAndRemovesLines(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	q := seedQuote(t, db, models.QuoteStatusSent, p.ID, "5")
	invoiceId := mustTransition(t, e, owner, models.EntityQuote, q.ID, "ACCEPTED").AutomationResults[0].RecordRef.Id

	if _, err := e.DeleteRecord(context.Background(), owner, models.EntityInvoice, invoiceId); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := count(t, db, &models.InvoiceItem{}, "invoice_id = ?", invoiceId); n != 0 {
		t.Fatalf("items should be deleted, got %d", n)
	}
	if got := reloadProduct(t, db, p.ID); !got.ReservedQuantity.IsZero() {
		t.Fatalf("reservation should be released, got %s", got.ReservedQuantity)
	}
}

func TestAddInvoiceItem_PurchaseReceivesSalesReserves(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	purchase := models.Invoice{TenantId: "tenant-a", Type: models.InvoiceTypePurchase, Status: models.InvoiceStatusDraft}
	sales := models.Invoice{TenantId: "tenant-a", Type: models.InvoiceTypeSales, Status: models.InvoiceStatusDraft}
	seed(t, db, &purchase)
	seed(t, db, &sales)

	res, err := e.AddInvoiceItem(context.Background(), owner, purchase.ID, InvoiceItemInput{ProductId: p.ID, Quantity: d("10"), UnitPrice: d("3")})
	if err != nil {
		t.Fatalf("add purchase item: %v", err)
	}
	if res.AutomationResults[0].Status != ActionSucceeded || !res.Invoice.Total.Equal(d("30")) {
		t.Fatalf("unexpected purchase result %+v", res)
	}
	if _, err := e.AddInvoiceItem(context.Background(), owner, sales.ID, InvoiceItemInput{ProductId: p.ID, Quantity: d("4"), UnitPrice: d("5")}); err != nil {
		t.Fatalf("add sales item: %v", err)
	}
	if got := reloadProduct(t, db, p.ID); !got.Stock.Equal(d("30")) || !got.ReservedQuantity.Equal(d("4")) {
		t.Fatalf("expected stock=30 reserved=4, got %s/%s", got.Stock, got.ReservedQuantity)
	}

	paid := models.Invoice{TenantId: "tenant-a", Status: models.InvoiceStatusPaid}
	seed(t, db, &paid)
	_, err = e.AddInvoiceItem(context.Background(), owner, paid.ID, InvoiceItemInput{ProductId: p.ID, Quantity: d("1")})
	var immutable *utils.ImmutableStateError
	if !errors.As(err, &immutable) {
		t.Fatalf("paid invoices are immutable, got %v", err)
	}
}

func TestPurchaseInvoice_DeleteAndCancelReverseReceipts(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	draft := models.Invoice{TenantId: "tenant-a", Type: models.InvoiceTypePurchase, Status: models.InvoiceStatusDraft}
	sent := models.Invoice{TenantId: "tenant-a", Type: models.InvoiceTypePurchase, Status: models.InvoiceStatusSent}
	seed(t, db, &draft)
	seed(t, db, &sent)

	if _, err := e.AddInvoiceItem(context.Background(), owner, draft.ID, InvoiceItemInput{ProductId: p.ID, Quantity: d("10"), UnitPrice: d("3")}); err != nil {
		t.Fatalf("add purchase item: %v", err)
	}
	if _, err := e.DeleteRecord(context.Background(), owner, models.EntityInvoice, draft.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := reloadProduct(t, db, p.ID); !got.Stock.Equal(d("20")) {
		t.Fatalf("delete should take the receipt back, got stock %s", got.Stock)
	}
	if n := count(t, db, &models.StockMovement{}, "reason = ? AND related_id = ?", models.StockReasonReversal, draft.ID); n != 1 {
		t.Fatalf("expected one reversal movement, got %d", n)
	}

	if _, err := e.AddInvoiceItem(context.Background(), owner, sent.ID, InvoiceItemInput{ProductId: p.ID, Quantity: d("5"), UnitPrice: d("3")}); err != nil {
		t.Fatalf("add purchase item: %v", err)
	}
	res := mustTransition(t, e, owner, models.EntityInvoice, sent.ID, "CANCELLED")
	if r := resultFor(t, res.AutomationResults, "release_invoice_reservations"); r.Status != ActionSucceeded {
		t.Fatalf("expected the receipt reversed, got %+v", r)
	}
	if got := reloadProduct(t, db, p.ID); !got.Stock.Equal(d("20")) {
		t.Fatalf("cancel should take the receipt back, got stock %s", got.Stock)
	}

	again, err := e.Redispatch(context.Background(), owner, models.EntityInvoice, sent.ID)
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if r := resultFor(t, again, "release_invoice_reservations"); r.Status != ActionSkipped {
		t.Fatalf("a second run must not reverse again, got %+v", r)
	}
	if got := reloadProduct(t, db, p.ID); !got.Stock.Equal(d("20")) {
		t.Fatalf("redispatch changed stock to %s", got.Stock)
	}
}

func TestAddInvoiceItem_RejectsShippedSalesInvoice(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "20", "0")
	shipped := models.Invoice{TenantId: "tenant-a", Type: models.InvoiceTypeSales, Status: models.InvoiceStatusShipped, Total: d("0")}
	approved := models.Invoice{TenantId: "tenant-a", Type: models.InvoiceTypeSales, Status: models.InvoiceStatusSent, Total: d("0")}
	seed(t, db, &shipped)
	seed(t, db, &approved)
	seed(t, db, &models.Shipment{TenantId: "tenant-a", InvoiceId: approved.ID, Status: models.ShipmentStatusApproved})

	for _, inv := range []models.Invoice{shipped, approved} {
		_, err := e.AddInvoiceItem(context.Background(), owner, inv.ID, InvoiceItemInput{ProductId: p.ID, Quantity: d("7"), UnitPrice: d("3")})
		var ve *utils.ValidationError
		if !errors.As(err, &ve) || ve.Fields["invoice_id"] != "already_shipped" {
			t.Fatalf("invoice %s: expected already_shipped, got %v", inv.Status, err)
		}
		var fresh models.Invoice
		if err := db.First(&fresh, inv.ID).Error; err != nil || !fresh.Total.IsZero() {
			t.Fatalf("total must not change, got %s %v", fresh.Total, err)
		}
		if n := count(t, db, &models.InvoiceItem{}, "invoice_id = ?", inv.ID); n != 0 {
			t.Fatalf("no line should be stored, got %d", n)
		}
	}
	if got := reloadProduct(t, db, p.ID); !got.Stock.Equal(d("20")) || !got.ReservedQuantity.IsZero() {
		t.Fatalf("stock must not move, got %s/%s", got.Stock, got.ReservedQuantity)
	}
}

func TestCreateTask_ValidatesInput(t *testing.T) {
	db, e := setup(t)
	_, _, err := e.factory.CreateTask(context.Background(), "tenant-a", TaskInput{Kind: models.TaskKindQuoteRevision, SourceEntity: models.EntityQuote, SourceId: 4})
	var ve *utils.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("a task without a title should be rejected, got %v", err)
	}
	if n := count(t, db, &models.Task{}, ""); n != 0 {
		t.Fatalf("no task should be stored, got %d", n)
	}
}

func TestDecrement_LowStockNotifiesOnce(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "10", "8")

	res, err := e.DecrementStock(context.Background(), owner, ledgerReq(p.ID, "5"))
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if len(res.AutomationResults) != 1 || res.AutomationResults[0].Status != ActionSucceeded {
		t.Fatalf("expected a low-stock alert, got %+v", res.AutomationResults)
	}
	res, err = e.DecrementStock(context.Background(), owner, ledgerReq(p.ID, "1"))
	if err != nil {
		t.Fatalf("second decrement: %v", err)
	}
	if len(res.AutomationResults) != 0 {
		t.Fatalf("alert already sent for this drop, got %+v", res.AutomationResults)
	}
	if n := count(t, db, &models.NotificationLog{}, "tenant_id = ?", "tenant-a"); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
	if got := reloadProduct(t, db, p.ID); got.LowStockNotifiedAt == nil || !got.Stock.Equal(d("4")) {
		t.Fatalf("unexpected product %+v", got)
	}
}

func TestStockAPI_RequiresTenantAndCapability(t *testing.T) {
	db, e := setup(t)
	p := seedProduct(t, db, "SKU-1", "10", "0")
	viewer := guard.Actor{ActorId: "v", TenantId: "tenant-a", Role: guard.RoleViewer}

	_, err := e.ReserveStock(context.Background(), viewer, ledgerReq(p.ID, "1"))
	var authErr *utils.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("viewer cannot reserve, got %v", err)
	}
	if _, err := e.ReserveStock(context.Background(), owner, ledgerReq(p.ID, "20")); err == nil {
		t.Fatalf("reserving more than stock must fail")
	}
	if _, err := e.IncrementStock(context.Background(), outsider, ledgerReq(p.ID, "1")); err == nil {
		t.Fatalf("other tenants must not see the product")
	}
}

func TestPaymentPlan_CompletesWhenFullyPaid(t *testing.T) {
	db, e := setup(t)
	plan, err := e.CreatePaymentPlan(context.Background(), owner, PaymentPlanInput{
		TotalAmount:      d("1000"),
		InstallmentCount: 3,
		FirstDueDate:     time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
		IntervalMonths:   1,
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if plan.Status != models.PaymentPlanStatusActive || len(plan.Installments) != 3 || !plan.Installments[2].Amount.Equal(d("333.34")) {
		t.Fatalf("unexpected plan %+v", plan)
	}

	res, err := e.RecordInstallmentPayment(context.Background(), owner, plan.ID, PaymentInput{Amount: d("400")})
	if err != nil || res.Completed || !res.Plan.RemainingAmount.Equal(d("600")) {
		t.Fatalf("partial payment: %+v %v", res, err)
	}
	_, err = e.RecordInstallmentPayment(context.Background(), owner, plan.ID, PaymentInput{Amount: d("700")})
	var invalid *utils.ValidationError
	if !errors.As(err, &invalid) || invalid.Fields["amount"] != "exceeds_remaining" {
		t.Fatalf("overpayment should be rejected, got %v", err)
	}
	res, err = e.RecordInstallmentPayment(context.Background(), owner, plan.ID, PaymentInput{Amount: d("600")})
	if err != nil || !res.Completed {
		t.Fatalf("final payment: %+v %v", res, err)
	}
	if res.Plan.Status != models.PaymentPlanStatusCompleted || resultFor(t, res.AutomationResults, "record_plan_completion_activity").Status != ActionSucceeded {
		t.Fatalf("plan should complete with its automation, got %+v", res)
	}
	var insts []models.PaymentInstallment
	db.Where("payment_plan_id = ?", plan.ID).Order("sequence ASC").Find(&insts)
	for _, inst := range insts {
		if !inst.PaidAmount.Equal(inst.Amount) || inst.PaidAt == nil {
			t.Fatalf("every installment should be paid, got %+v", inst)
		}
	}
}

func TestSweeps(t *testing.T) {
	db, e := setup(t)
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	past, future := now.AddDate(0, 0, -3), now.AddDate(0, 0, 3)
	overdue := models.Invoice{TenantId: "tenant-a", InvoiceNumber: "INV-1", CustomerEmail: "c@example.com", Total: d("100"), DueDate: &past, Status: models.InvoiceStatusSent}
	notDue := models.Invoice{TenantId: "tenant-a", Total: d("100"), DueDate: &future, Status: models.InvoiceStatusSent}
	settled := models.Invoice{TenantId: "tenant-b", Total: d("100"), AmountPaid: d("100"), DueDate: &past, Status: models.InvoiceStatusShipped}
	contract := models.Contract{TenantId: "tenant-b", Title: "Lease", EndDate: &past, Status: models.ContractStatusActive}
	seed(t, db, &overdue)
	seed(t, db, &notDue)
	seed(t, db, &settled)
	seed(t, db, &contract)

	report, err := e.SweepOverdueInvoices(context.Background(), now)
	if err != nil {
		t.Fatalf("sweep invoices: %v", err)
	}
	if report.Scanned != 1 || report.Transitioned != 1 || report.Items[0].EntityId != overdue.ID {
		t.Fatalf("only the unpaid past-due invoice should move, got %+v", report)
	}
	if r := resultFor(t, report.Items[0].AutomationResults, "notify_customer_overdue"); r.Status != ActionSucceeded {
		t.Fatalf("customer should be notified, got %+v", r)
	}
	if n := count(t, db, &models.Task{}, "kind = ? AND source_id = ?", models.TaskKindPaymentReminder, overdue.ID); n != 1 {
		t.Fatalf("expected a payment reminder task, got %d", n)
	}
	if again, _ := e.SweepOverdueInvoices(context.Background(), now); again.Scanned != 0 {
		t.Fatalf("second sweep should find nothing, got %+v", again)
	}

	creport, err := e.SweepExpiredContracts(context.Background(), now)
	if err != nil || creport.Transitioned != 1 {
		t.Fatalf("sweep contracts: %+v %v", creport, err)
	}
	var task models.Task
	if err := db.Where("kind = ? AND source_id = ?", models.TaskKindRenewal, contract.ID).First(&task).Error; err != nil || task.TenantId != "tenant-b" {
		t.Fatalf("renewal task should exist in tenant-b: %+v %v", task, err)
	}
}

type blockingNotifier struct{}

func (blockingNotifier) Notify(ctx context.Context, tenantId string, target notify.Target, channel models.NotificationChannel, payload notify.Payload) notify.Result {
	<-ctx.Done()
	return notify.Result{Reason: ctx.Err().Error()}
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(ctx context.Context, tenantId string, target notify.Target, channel models.NotificationChannel, payload notify.Payload) notify.Result {
	panic("provider exploded")
}

func TestActionFailuresDoNotStopLaterActions(t *testing.T) {
	for name, n := range map[string]Notifier{"timeout": blockingNotifier{}, "panic": panickingNotifier{}} {
		t.Run(name, func(t *testing.T) {
			db := testDB(t)
			e := NewEngine(Deps{DB: db, Notifier: n, ActionTimeout: 50 * time.Millisecond})
			inv := models.Invoice{TenantId: "tenant-a", CustomerEmail: "c@example.com", Total: d("10"), Status: models.InvoiceStatusSent}
			seed(t, db, &inv)

			start := time.Now()
			res := mustTransition(t, e, owner, models.EntityInvoice, inv.ID, "OVERDUE")
			if time.Since(start) > 2*time.Second {
				t.Fatalf("action timeout should bound the dispatch")
			}
			if r := resultFor(t, res.AutomationResults, "create_payment_reminder_task"); r.Status != ActionSucceeded {
				t.Fatalf("task action should succeed, got %+v", r)
			}
			r := resultFor(t, res.AutomationResults, "notify_customer_overdue")
			var se *utils.SideEffectError
			if r.Status != ActionFailed || !errors.As(r.Err, &se) || se.Action != "notify_customer_overdue" {
				t.Fatalf("notify should fail as a side effect, got %+v", r)
			}
			var row models.Invoice
			db.First(&row, inv.ID)
			if row.Status != models.InvoiceStatusOverdue {
				t.Fatalf("transition must stay committed, got %s", row.Status)
			}
		})
	}
}

func TestStatusCAS_RevalidatesAgainstConcurrentWrite(t *testing.T) {
	db, e := setup(t)
	inv := models.Invoice{TenantId: "tenant-a", Total: d("10"), Status: models.InvoiceStatusSent}
	seed(t, db, &inv)
	e.beforeStatusWrite = func(tx *gorm.DB, attempt int) {
		if attempt == 1 {
			tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).Update("status", models.InvoiceStatusCancelled)
		}
	}

	_, err := e.RequestTransition(context.Background(), owner, TransitionRequest{EntityType: models.EntityInvoice, EntityId: inv.ID, TargetStatus: "PAID"})
	var immutable *utils.ImmutableStateError
	if !errors.As(err, &immutable) || immutable.Status != "CANCELLED" {
		t.Fatalf("re-validation should see CANCELLED, got %v", err)
	}
	if n := count(t, db, &models.TransitionEvent{}, ""); n != 0 {
		t.Fatalf("no event for a transition that never committed, got %d", n)
	}
}

func TestStatusCAS_ExhaustedRetriesIsConflict(t *testing.T) {
	db := testDB(t)
	e := NewEngine(Deps{DB: db, TransitionMaxRetries: 2})
	inv := models.Invoice{TenantId: "tenant-a", Total: d("10"), Status: models.InvoiceStatusSent}
	seed(t, db, &inv)
	e.beforeStatusWrite = func(tx *gorm.DB, attempt int) {
		// every status it flips to still allows PAID, so only the retry budget stops it
		next := models.InvoiceStatusShipped
		if attempt%2 == 0 {
			next = models.InvoiceStatusOverdue
		}
		tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).Update("status", next)
	}
	_, err := e.RequestTransition(context.Background(), owner, TransitionRequest{EntityType: models.EntityInvoice, EntityId: inv.ID, TargetStatus: "PAID"})
	var conflict *utils.ConcurrencyConflictError
	if !errors.As(err, &conflict) || conflict.Attempts != 2 {
		t.Fatalf("expected conflict after 2 attempts, got %v", err)
	}
}

func TestUpdateFields(t *testing.T) {
	db, e := setup(t)
	s := models.Shipment{TenantId: "tenant-a", InvoiceId: 1, Status: models.ShipmentStatusPending}
	seed(t, db, &s)

	rec, err := e.UpdateFields(context.Background(), owner, models.EntityShipment, s.ID, map[string]any{"carrier": " DHL ", "shipping_cost": "12.50"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got := rec.(*models.Shipment)
	if got.Carrier != "DHL" || !got.ShippingCost.Equal(d("12.5")) {
		t.Fatalf("unexpected shipment %+v", got)
	}
	_, err = e.UpdateFields(context.Background(), owner, models.EntityShipment, s.ID, map[string]any{"status": "DELIVERED", "invoice_id": 7})
	var invalid *utils.ValidationError
	if !errors.As(err, &invalid) || invalid.Fields["status"] != "use_transition" || invalid.Fields["invoice_id"] != "not_editable" {
		t.Fatalf("expected per-field rejections, got %v", err)
	}
}

func TestRecordActivityAndTimeline(t *testing.T) {
	_, e := setup(t)
	e.RecordActivity(context.Background(), owner, activityEntry("tenant-b", 42))
	e.RecordActivity(context.Background(), owner, activityEntry("", 42))

	rows, err := e.Timeline(context.Background(), owner, models.EntityDeal, 42)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(rows) != 2 || rows[0].TenantId != "tenant-a" || rows[0].ActorId != "u-1" {
		t.Fatalf("entries must be forced into the actor's tenant, got %+v", rows)
	}
	if other, _ := e.Timeline(context.Background(), outsider, models.EntityDeal, 42); len(other) != 0 {
		t.Fatalf("other tenants must not see the timeline, got %+v", other)
	}
}
