package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/records_backend/activity"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/ledger"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/notify"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"gorm.io/gorm"
)

// Dedupe key bases for automation-driven ledger calls; ledger.Line.DedupeKey appends the line.
func invoiceKey(invoiceId int, op string) string {
	return fmt.Sprintf("invoice:%d:%s", invoiceId, op)
}

func returnOrderKey(returnOrderId int, op string) string {
	return fmt.Sprintf("return_order:%d:%s", returnOrderId, op)
}

func recordAs[T any](rec models.StatusRecord) (*T, error) {
	v, ok := any(rec).(*T)
	if !ok {
		return nil, fmt.Errorf("unexpected record type %T", rec)
	}
	return v, nil
}

func (e *Engine) note(ctx context.Context, ac guard.AuthorizedContext, t models.EntityType, id int, action, description string, meta any) {
	e.activity.Record(ctx, activity.Entry{
		TenantId:    ac.TenantId,
		Entity:      t,
		EntityId:    id,
		Action:      action,
		Description: description,
		Meta:        meta,
		ActorId:     ac.ActorId,
		ActorName:   ac.ActorName,
	})
}

// Quote → ACCEPTED. The invoice, its items and every line reservation commit together.
func (e *Engine) spawnInvoiceAndReserve(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	quote, err := recordAs[models.Quote](rec)
	if err != nil {
		return outcome{}, err
	}
	var (
		inv      *models.Invoice
		created  bool
		reserved int
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inv, created, err = e.factory.WithDB(tx).CreateInvoiceFromQuote(ctx, ac.TenantId, quote)
		if err != nil {
			return err
		}
		reserved, err = e.reserveLines(ctx, tx, ac, inv, inv.Items)
		return err
	})
	if err != nil {
		return outcome{}, err
	}
	ref := &RecordRef{Entity: models.EntityInvoice, Id: inv.ID}
	if !created {
		return skipWith(ref, "invoice %d already exists for quote %d", inv.ID, quote.ID)
	}
	e.note(ctx, ac, models.EntityQuote, quote.ID, "invoice_created",
		fmt.Sprintf("Invoice %s created from accepted quote", inv.InvoiceNumber), map[string]int{"invoice_id": inv.ID})
	e.note(ctx, ac, models.EntityInvoice, inv.ID, "created_from_quote",
		fmt.Sprintf("Created from quote %d", quote.ID), map[string]int{"quote_id": quote.ID})
	return done(ref, "invoice %d created, %d line(s) reserved", inv.ID, reserved)
}

func (e *Engine) reserveLines(ctx context.Context, db *gorm.DB, ac guard.AuthorizedContext, inv *models.Invoice, items []models.InvoiceItem) (int, error) {
	lines, err := ledger.ExpandLines(ctx, db, ac.Scope(), items)
	if err != nil {
		return 0, err
	}
	lg := e.ledger.WithDB(db)
	base := invoiceKey(inv.ID, "reserve")
	for i, ln := range lines {
		if _, err := lg.Reserve(ctx, ac, ledger.Request{
			ProductId:     ln.ProductId,
			Quantity:      ln.Quantity,
			RelatedEntity: models.EntityInvoice,
			RelatedId:     inv.ID,
			RelatedLineId: ln.LineId,
			DedupeKey:     ln.DedupeKey(base),
		}); err != nil {
			return i, err
		}
	}
	return len(lines), nil
}

// releaseReservations gives back every reservation the invoice still holds. Lines that were
// already fulfilled keep theirs consumed.
func (e *Engine) releaseReservations(ctx context.Context, db *gorm.DB, ac guard.AuthorizedContext, invoiceId int) (int, error) {
	scope := ac.Scope()
	reserves, err := models.FindRecords[models.StockMovement](ctx, db, scope, func(q *gorm.DB) *gorm.DB {
		return q.Where("related_entity = ? AND related_id = ? AND type = ?", models.EntityInvoice, invoiceId, models.MovementReserve).Order("id ASC")
	})
	if err != nil {
		return 0, err
	}
	lg := e.ledger.WithDB(db)
	reserveBase := invoiceKey(invoiceId, "reserve")
	released := 0
	for _, m := range reserves {
		suffix := fmt.Sprintf(":movement:%d", m.ID)
		if m.DedupeKey != nil && strings.HasPrefix(*m.DedupeKey, reserveBase) {
			suffix = strings.TrimPrefix(*m.DedupeKey, reserveBase)
		}
		fulfilled, err := lg.HasMovement(ctx, scope, invoiceKey(invoiceId, "fulfil")+suffix)
		if err != nil {
			return released, err
		}
		if fulfilled {
			continue
		}
		res, err := lg.Release(ctx, ac, ledger.Request{
			ProductId:     m.ProductId,
			Quantity:      m.Quantity,
			RelatedEntity: models.EntityInvoice,
			RelatedId:     invoiceId,
			RelatedLineId: m.RelatedLineId,
			DedupeKey:     invoiceKey(invoiceId, "release") + suffix,
		})
		if err != nil {
			return released, err
		}
		if !res.Replayed {
			released++
		}
	}
	return released, nil
}

// reverseReceipts takes back the stock a purchase invoice received. Each receipt is reversed
// under its own key so a retried delete or cancel changes nothing twice.
func (e *Engine) reverseReceipts(ctx context.Context, db *gorm.DB, ac guard.AuthorizedContext, invoiceId int) (int, error) {
	receipts, err := models.FindRecords[models.StockMovement](ctx, db, ac.Scope(), func(q *gorm.DB) *gorm.DB {
		return q.Where("related_entity = ? AND related_id = ? AND type = ? AND reason = ?",
			models.EntityInvoice, invoiceId, models.MovementIn, models.StockReasonPurchase).Order("id ASC")
	})
	if err != nil {
		return 0, err
	}
	lg := e.ledger.WithDB(db)
	receiveBase := invoiceKey(invoiceId, "receive")
	reversed := 0
	for _, m := range receipts {
		suffix := fmt.Sprintf(":movement:%d", m.ID)
		if m.DedupeKey != nil && strings.HasPrefix(*m.DedupeKey, receiveBase) {
			suffix = strings.TrimPrefix(*m.DedupeKey, receiveBase)
		}
		res, err := lg.Decrement(ctx, ac, ledger.Request{
			ProductId:     m.ProductId,
			Quantity:      m.Quantity,
			Reason:        models.StockReasonReversal,
			RelatedEntity: models.EntityInvoice,
			RelatedId:     invoiceId,
			RelatedLineId: m.RelatedLineId,
			DedupeKey:     invoiceKey(invoiceId, "reverse") + suffix,
		})
		if err != nil {
			return reversed, err
		}
		if !res.Replayed {
			reversed++
		}
	}
	return reversed, nil
}

// holdsReservation reports whether the line was reserved and the reservation is still open.
func (e *Engine) holdsReservation(ctx context.Context, scope models.TenantScope, invoiceId int, ln ledger.Line) (bool, error) {
	reserved, err := e.ledger.HasMovement(ctx, scope, ln.DedupeKey(invoiceKey(invoiceId, "reserve")))
	if err != nil || !reserved {
		return false, err
	}
	released, err := e.ledger.HasMovement(ctx, scope, ln.DedupeKey(invoiceKey(invoiceId, "release")))
	return !released, err
}

// Quote → DECLINED
func (e *Engine) createRevisionTask(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	quote, err := recordAs[models.Quote](rec)
	if err != nil {
		return outcome{}, err
	}
	due := e.now().AddDate(0, 0, 3)
	task, created, err := e.factory.CreateTask(ctx, ac.TenantId, TaskInput{
		Kind:         models.TaskKindQuoteRevision,
		Title:        "Revise quote " + quoteLabel(quote),
		Description:  fmt.Sprintf("%s declined the quote. Prepare a revised offer.", fallback(quote.CustomerName, "The customer")),
		SourceEntity: models.EntityQuote,
		SourceId:     quote.ID,
		DueDate:      &due,
	})
	return taskOutcome(task, created, err)
}

// Deal → WON
func (e *Engine) createDraftContract(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	deal, err := recordAs[models.Deal](rec)
	if err != nil {
		return outcome{}, err
	}
	contract, created, err := e.factory.CreateDraftContract(ctx, ac.TenantId, deal)
	if err != nil {
		return outcome{}, err
	}
	ref := &RecordRef{Entity: models.EntityContract, Id: contract.ID}
	if !created {
		return skipWith(ref, "contract %d already exists for deal %d", contract.ID, deal.ID)
	}
	e.note(ctx, ac, models.EntityDeal, deal.ID, "contract_created", "Draft contract created", map[string]int{"contract_id": contract.ID})
	return done(ref, "draft contract %d created", contract.ID)
}

// Deal → LOST
func (e *Engine) createLossAnalysisTask(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	deal, err := recordAs[models.Deal](rec)
	if err != nil {
		return outcome{}, err
	}
	due := e.now().AddDate(0, 0, 7)
	task, created, err := e.factory.CreateTask(ctx, ac.TenantId, TaskInput{
		Kind:         models.TaskKindLossAnalysis,
		Title:        "Analyse lost deal " + deal.Title,
		Description:  fmt.Sprintf("Deal worth %s was lost. Record the reason and next steps.", utils.Money(deal.Value)),
		SourceEntity: models.EntityDeal,
		SourceId:     deal.ID,
		DueDate:      &due,
	})
	return taskOutcome(task, created, err)
}

// Invoice → PAID
func (e *Engine) recordPaymentIncome(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	inv, err := recordAs[models.Invoice](rec)
	if err != nil {
		return outcome{}, err
	}
	if inv.Type == models.InvoiceTypePurchase {
		return skip("purchase invoice %d is not income", inv.ID)
	}
	amount := inv.AmountPaid
	if !amount.IsPositive() {
		amount = inv.Total
	}
	if !amount.IsPositive() {
		return skip("invoice %d has nothing paid", inv.ID)
	}
	entry, created, err := e.factory.CreateFinanceEntry(ctx, ac.TenantId, FinanceInput{
		Type:         models.FinanceEntryPaymentIncome,
		SourceEntity: models.EntityInvoice,
		SourceId:     inv.ID,
		Amount:       amount,
		Description:  "Payment received for invoice " + fallback(inv.InvoiceNumber, fmt.Sprint(inv.ID)),
	})
	return financeOutcome(entry, created, err)
}

// Invoice → SENT
func (e *Engine) createPendingShipment(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	inv, err := recordAs[models.Invoice](rec)
	if err != nil {
		return outcome{}, err
	}
	if inv.Type == models.InvoiceTypePurchase {
		return skip("purchase invoice %d is not shipped", inv.ID)
	}
	shipment, created, err := e.factory.CreatePendingShipment(ctx, ac.TenantId, inv)
	if err != nil {
		return outcome{}, err
	}
	ref := &RecordRef{Entity: models.EntityShipment, Id: shipment.ID}
	if !created {
		return skipWith(ref, "shipment %d already exists for invoice %d", shipment.ID, inv.ID)
	}
	e.note(ctx, ac, models.EntityInvoice, inv.ID, "shipment_created", "Pending shipment created", map[string]int{"shipment_id": shipment.ID})
	return done(ref, "pending shipment %d created", shipment.ID)
}

// Invoice → CANCELLED
func (e *Engine) releaseInvoiceReservations(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	inv, err := recordAs[models.Invoice](rec)
	if err != nil {
		return outcome{}, err
	}
	if inv.Type == models.InvoiceTypePurchase {
		n, err := e.reverseReceipts(ctx, e.db, ac, inv.ID)
		if err != nil {
			return outcome{}, err
		}
		if n == 0 {
			return skip("purchase invoice %d has no receipts to reverse", inv.ID)
		}
		return done(nil, "%d receipt(s) reversed", n)
	}
	n, err := e.releaseReservations(ctx, e.db, ac, inv.ID)
	if err != nil {
		return outcome{}, err
	}
	if n == 0 {
		return skip("invoice %d has no open reservations", inv.ID)
	}
	return done(nil, "%d reservation(s) released", n)
}

// Invoice → OVERDUE
func (e *Engine) createPaymentReminderTask(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	inv, err := recordAs[models.Invoice](rec)
	if err != nil {
		return outcome{}, err
	}
	due := e.now().AddDate(0, 0, 1)
	task, created, err := e.factory.CreateTask(ctx, ac.TenantId, TaskInput{
		Kind:         models.TaskKindPaymentReminder,
		Title:        "Follow up overdue invoice " + fallback(inv.InvoiceNumber, fmt.Sprint(inv.ID)),
		Description:  fmt.Sprintf("%s still owes %s.", fallback(inv.CustomerName, "The customer"), utils.Money(inv.Outstanding())),
		SourceEntity: models.EntityInvoice,
		SourceId:     inv.ID,
		DueDate:      &due,
	})
	return taskOutcome(task, created, err)
}

func (e *Engine) notifyCustomerOverdue(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	inv, err := recordAs[models.Invoice](rec)
	if err != nil {
		return outcome{}, err
	}
	if inv.Type == models.InvoiceTypePurchase {
		return skip("purchase invoice %d has no customer to remind", inv.ID)
	}
	channel, recipient := models.ChannelEmail, inv.CustomerEmail
	if recipient == "" {
		channel, recipient = models.ChannelSMS, inv.CustomerPhone
	}
	if recipient == "" {
		return skip("invoice %d has no customer contact", inv.ID)
	}
	number := fallback(inv.InvoiceNumber, fmt.Sprint(inv.ID))
	body := fmt.Sprintf("Invoice %s is overdue. Outstanding amount: %s.", number, utils.Money(inv.Outstanding()))
	res := e.notifier.Notify(ctx, ac.TenantId, notify.Target{Recipient: recipient}, channel, notify.Payload{
		Subject:   "Invoice " + number + " is overdue",
		Body:      body,
		DedupeKey: invoiceKey(inv.ID, "overdue"),
	})
	if !res.Delivered {
		return outcome{}, fmt.Errorf("overdue notice not delivered: %s", res.Reason)
	}
	if allDuplicates(res) {
		return skip("overdue notice already sent")
	}
	return done(nil, "overdue notice sent by %s%s", strings.ToLower(string(channel)), mockSuffix(res))
}

// Shipment → APPROVED. Lines with an open reservation consume it; the rest only lower stock.
func (e *Engine) fulfilInvoiceLines(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	shipment, err := recordAs[models.Shipment](rec)
	if err != nil {
		return outcome{}, err
	}
	inv, lines, err := e.invoiceLines(ctx, ac, shipment.InvoiceId)
	if err != nil {
		return outcome{}, err
	}
	ref := &RecordRef{Entity: models.EntityInvoice, Id: inv.ID}
	if inv.Type == models.InvoiceTypePurchase {
		return skipWith(ref, "purchase invoice %d is received, not shipped", inv.ID)
	}
	if len(lines) == 0 {
		return skipWith(ref, "invoice %d has no stock lines", inv.ID)
	}
	var errs []error
	decremented := 0
	for _, ln := range lines {
		consume, err := e.holdsReservation(ctx, ac.Scope(), inv.ID, ln)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res, err := e.ledger.Decrement(ctx, ac, ledger.Request{
			ProductId:          ln.ProductId,
			Quantity:           ln.Quantity,
			Reason:             models.StockReasonSale,
			RelatedEntity:      models.EntityInvoice,
			RelatedId:          inv.ID,
			RelatedLineId:      ln.LineId,
			DedupeKey:          ln.DedupeKey(invoiceKey(inv.ID, "fulfil")),
			ConsumeReservation: consume,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("product %d: %w", ln.ProductId, err))
			continue
		}
		if !res.Replayed {
			decremented++
		}
	}
	if err := errors.Join(errs...); err != nil {
		return outcome{}, err
	}
	if decremented == 0 {
		return skipWith(ref, "invoice %d lines already fulfilled", inv.ID)
	}
	return done(ref, "%d line(s) decremented", decremented)
}

func (e *Engine) invoiceLines(ctx context.Context, ac guard.AuthorizedContext, invoiceId int) (*models.Invoice, []ledger.Line, error) {
	inv, err := models.FetchRecord[models.Invoice](ctx, e.db, ac.Scope(), invoiceId, "Items")
	if err != nil {
		return nil, nil, err
	}
	lines, err := ledger.ExpandLines(ctx, e.db, ac.Scope(), inv.Items)
	if err != nil {
		return nil, nil, err
	}
	return inv, lines, nil
}

// The invoice status follows the shipment without running invoice automations.
func (e *Engine) markInvoiceShipped(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	shipment, err := recordAs[models.Shipment](rec)
	if err != nil {
		return outcome{}, err
	}
	inv, err := models.FetchStatusRecord(ctx, e.db, ac.Scope(), models.EntityInvoice, shipment.InvoiceId)
	if err != nil {
		return outcome{}, err
	}
	ref := refOf(inv)
	status := inv.GetStatus()
	if status == string(models.InvoiceStatusShipped) || status == string(models.InvoiceStatusPaid) {
		return skipWith(ref, "invoice %d is already %s", inv.GetID(), status)
	}
	if !containsStatus(e.validator.Allowed(models.EntityInvoice, status), string(models.InvoiceStatusShipped)) {
		return skipWith(ref, "invoice %d is %s and cannot be marked shipped", inv.GetID(), status)
	}
	if _, err := e.applyTransition(ctx, ac, inv, string(models.InvoiceStatusShipped), false); err != nil {
		return outcome{}, err
	}
	return done(ref, "invoice %d marked shipped", inv.GetID())
}

func (e *Engine) logShipmentActivity(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	shipment, err := recordAs[models.Shipment](rec)
	if err != nil {
		return outcome{}, err
	}
	meta := map[string]any{"shipment_id": shipment.ID, "invoice_id": shipment.InvoiceId, "carrier": shipment.Carrier}
	e.note(ctx, ac, models.EntityShipment, shipment.ID, "shipment_approved", "Shipment approved and stock released from the warehouse", meta)
	e.note(ctx, ac, models.EntityInvoice, shipment.InvoiceId, "shipped", fmt.Sprintf("Shipment %d approved", shipment.ID), meta)
	return done(nil, "activity written on shipment %d and invoice %d", shipment.ID, shipment.InvoiceId)
}

// check_low_stock raises the product LOW_STOCK trigger for shipped products that fell under
// their minimum and have not been alerted yet.
func (e *Engine) checkLowStock(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	shipment, err := recordAs[models.Shipment](rec)
	if err != nil {
		return outcome{}, err
	}
	_, lines, err := e.invoiceLines(ctx, ac, shipment.InvoiceId)
	if err != nil {
		return outcome{}, err
	}
	ids := make([]int, 0, len(lines))
	for _, ln := range lines {
		ids = append(ids, ln.ProductId)
	}
	ids = utils.UniqueSlice(ids)
	if len(ids) == 0 {
		return skip("no products shipped")
	}
	products, err := models.FindRecords[models.Product](ctx, e.db, ac.Scope(), func(q *gorm.DB) *gorm.DB {
		return q.Where("id IN ?", ids).Order("id ASC")
	})
	if err != nil {
		return outcome{}, err
	}

	var raised []string
	var errs []error
	for i := range products {
		p := &products[i]
		if !p.BelowMinStock() || p.LowStockNotifiedAt != nil {
			continue
		}
		raised = append(raised, p.Sku)
		for _, r := range e.dispatch(ctx, ac, p) {
			if r.Status == ActionFailed {
				errs = append(errs, r.Err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return outcome{}, err
	}
	if len(raised) == 0 {
		return skip("no product below minimum stock")
	}
	sort.Strings(raised)
	return done(nil, "low stock raised for %s", strings.Join(raised, ", "))
}

// Product → LOW_STOCK. low_stock_notified_at is claimed first so one drop alerts once.
func (e *Engine) notifyLowStock(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	p, err := recordAs[models.Product](rec)
	if err != nil {
		return outcome{}, err
	}
	scope := ac.Scope()
	product, err := models.FetchRecord[models.Product](ctx, e.db, scope, p.ID)
	if err != nil {
		return outcome{}, err
	}
	if !product.BelowMinStock() {
		return skip("product %d is back above minimum stock", product.ID)
	}
	claimed, err := e.ledger.MarkLowStockNotified(ctx, scope, product.ID, e.now())
	if err != nil {
		return outcome{}, err
	}
	if !claimed {
		return skip("low-stock alert for product %d already sent", product.ID)
	}

	res := e.notifier.Notify(ctx, ac.TenantId, notify.Target{Role: e.lowStockRole}, models.ChannelEmail, notify.Payload{
		Subject: "Low stock: " + product.Name,
		Body: fmt.Sprintf("%s (%s) is at %s, below the minimum of %s.",
			product.Name, product.Sku, product.Stock.String(), product.MinStock.String()),
	})
	if !res.Delivered {
		// give the claim back so the next drop retries
		if _, uerr := models.UpdateWhere(ctx, e.db, scope, &models.Product{}, map[string]any{"low_stock_notified_at": nil}, "id = ?", product.ID); uerr != nil {
			err = errors.Join(err, uerr)
		}
		return outcome{}, errors.Join(fmt.Errorf("low-stock alert not delivered: %s", res.Reason), err)
	}
	e.note(ctx, ac, models.EntityProduct, product.ID, "low_stock_alert",
		fmt.Sprintf("Stock %s is below minimum %s", product.Stock.String(), product.MinStock.String()),
		map[string]any{"role": e.lowStockRole, "mock": res.Mock})
	return done(&RecordRef{Entity: models.EntityProduct, Id: product.ID}, "low-stock alert sent to %s%s", strings.ToLower(e.lowStockRole), mockSuffix(res))
}

// Shipment → DELIVERED
func (e *Engine) recordShippingCost(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	shipment, err := recordAs[models.Shipment](rec)
	if err != nil {
		return outcome{}, err
	}
	if !shipment.ShippingCost.IsPositive() {
		return skip("shipment %d has no shipping cost", shipment.ID)
	}
	entry, created, err := e.factory.CreateFinanceEntry(ctx, ac.TenantId, FinanceInput{
		Type:         models.FinanceEntryShippingExpense,
		SourceEntity: models.EntityShipment,
		SourceId:     shipment.ID,
		Amount:       shipment.ShippingCost,
		Description:  strings.TrimSpace("Shipping cost " + shipment.Carrier + " " + shipment.TrackingNumber),
	})
	return financeOutcome(entry, created, err)
}

// ReturnOrder → APPROVED
func (e *Engine) restockReturnedItems(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	ro, err := recordAs[models.ReturnOrder](rec)
	if err != nil {
		return outcome{}, err
	}
	lines, err := ledger.ExpandLines(ctx, e.db, ac.Scope(), ro.Items)
	if err != nil {
		return outcome{}, err
	}
	if len(lines) == 0 {
		return skip("return order %d has no lines", ro.ID)
	}
	var errs []error
	restocked := 0
	for _, ln := range lines {
		res, err := e.ledger.Increment(ctx, ac, ledger.Request{
			ProductId:     ln.ProductId,
			Quantity:      ln.Quantity,
			Reason:        models.StockReasonReturn,
			RelatedEntity: models.EntityReturnOrder,
			RelatedId:     ro.ID,
			RelatedLineId: ln.LineId,
			DedupeKey:     ln.DedupeKey(returnOrderKey(ro.ID, "restock")),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("product %d: %w", ln.ProductId, err))
			continue
		}
		if !res.Replayed {
			restocked++
		}
	}
	if err := errors.Join(errs...); err != nil {
		return outcome{}, err
	}
	if restocked == 0 {
		return skip("return order %d already restocked", ro.ID)
	}
	return done(nil, "%d line(s) restocked", restocked)
}

// InvoiceItem → CREATED. Purchases receive stock; open sales invoices reserve it.
func (e *Engine) applyInvoiceItemStock(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	item, err := recordAs[models.InvoiceItem](rec)
	if err != nil {
		return outcome{}, err
	}
	inv, err := models.FetchRecord[models.Invoice](ctx, e.db, ac.Scope(), item.InvoiceId)
	if err != nil {
		return outcome{}, err
	}
	items := []models.InvoiceItem{*item}

	if inv.Type == models.InvoiceTypePurchase {
		lines, err := ledger.ExpandLines(ctx, e.db, ac.Scope(), items)
		if err != nil {
			return outcome{}, err
		}
		var errs []error
		for _, ln := range lines {
			if _, err := e.ledger.Increment(ctx, ac, ledger.Request{
				ProductId:     ln.ProductId,
				Quantity:      ln.Quantity,
				Reason:        models.StockReasonPurchase,
				RelatedEntity: models.EntityInvoice,
				RelatedId:     inv.ID,
				RelatedLineId: ln.LineId,
				DedupeKey:     ln.DedupeKey(invoiceKey(inv.ID, "receive")),
			}); err != nil {
				errs = append(errs, fmt.Errorf("product %d: %w", ln.ProductId, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return outcome{}, err
		}
		return done(&RecordRef{Entity: models.EntityProduct, Id: item.ProductId}, "received %s into stock", item.Quantity.String())
	}

	switch inv.Status {
	case models.InvoiceStatusDraft, models.InvoiceStatusSent, models.InvoiceStatusOverdue:
	default:
		return skip("invoice %d is %s; nothing to reserve", inv.ID, inv.Status)
	}
	n, err := e.reserveLines(ctx, e.db, ac, inv, items)
	if err != nil {
		return outcome{}, err
	}
	return done(&RecordRef{Entity: models.EntityProduct, Id: item.ProductId}, "%d line(s) reserved", n)
}

// Contract → EXPIRED
func (e *Engine) createRenewalTask(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	contract, err := recordAs[models.Contract](rec)
	if err != nil {
		return outcome{}, err
	}
	due := e.now().AddDate(0, 0, 7)
	task, created, err := e.factory.CreateTask(ctx, ac.TenantId, TaskInput{
		Kind:         models.TaskKindRenewal,
		Title:        "Renewal outreach for " + contract.Title,
		Description:  fmt.Sprintf("Contract worth %s has expired. Contact the customer about renewal.", utils.Money(contract.Value)),
		SourceEntity: models.EntityContract,
		SourceId:     contract.ID,
		DueDate:      &due,
	})
	return taskOutcome(task, created, err)
}

// PaymentPlan → COMPLETED
func (e *Engine) recordPlanCompletionActivity(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error) {
	plan, err := recordAs[models.PaymentPlan](rec)
	if err != nil {
		return outcome{}, err
	}
	meta := map[string]any{"payment_plan_id": plan.ID, "total_amount": plan.TotalAmount.String()}
	e.note(ctx, ac, models.EntityPaymentPlan, plan.ID, "payment_plan_completed", "All installments paid", meta)
	if plan.InvoiceId != nil {
		e.note(ctx, ac, models.EntityInvoice, *plan.InvoiceId, "payment_plan_completed",
			fmt.Sprintf("Payment plan %d fully paid", plan.ID), meta)
	}
	return done(nil, "payment plan %d completed", plan.ID)
}

func taskOutcome(task *models.Task, created bool, err error) (outcome, error) {
	if err != nil {
		return outcome{}, err
	}
	ref := &RecordRef{Entity: models.EntityTask, Id: task.ID}
	if !created {
		return skipWith(ref, "task %d already exists", task.ID)
	}
	return done(ref, "task %d created", task.ID)
}

func financeOutcome(entry *models.FinanceEntry, created bool, err error) (outcome, error) {
	if err != nil {
		return outcome{}, err
	}
	ref := &RecordRef{Entity: models.EntityFinance, Id: entry.ID}
	if !created {
		return skipWith(ref, "finance entry %d already recorded", entry.ID)
	}
	return done(ref, "finance entry %d recorded for %s", entry.ID, utils.Money(entry.Amount))
}

func allDuplicates(res notify.Result) bool {
	if len(res.Deliveries) == 0 {
		return false
	}
	for _, d := range res.Deliveries {
		if !d.Duplicate {
			return false
		}
	}
	return true
}

func mockSuffix(res notify.Result) string {
	if res.Mock {
		return " (mock delivery)"
	}
	return ""
}

func quoteLabel(q *models.Quote) string {
	return fallback(q.QuoteNumber, fmt.Sprint(q.ID))
}

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func containsStatus(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
