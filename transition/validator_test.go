package transition

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
)

var approver = guard.AuthorizedContext{TenantId: "t1", Role: guard.RoleManager,
	Capabilities: []guard.Capability{guard.CapabilityRead, guard.CapabilityUpdate, guard.CapabilityApprove}}

var member = guard.AuthorizedContext{TenantId: "t1", Role: guard.RoleMember,
	Capabilities: []guard.Capability{guard.CapabilityRead, guard.CapabilityUpdate}}

func TestValidate_Table(t *testing.T) {
	v := New()
	cases := []struct {
		name    string
		entity  models.EntityType
		current string
		target  string
		ok      bool
		reason  string
	}{
		{"deal forward", models.EntityDeal, "NEGOTIATION", "WON", true, ""},
		{"deal skip", models.EntityDeal, "LEAD", "WON", false, utils.ReasonInvalidStatusTransition},
		{"quote accept", models.EntityQuote, "SENT", "ACCEPTED", true, ""},
		{"quote accepted frozen", models.EntityQuote, "ACCEPTED", "DECLINED", false, utils.ReasonImmutableState},
		{"shipment approve from pending", models.EntityShipment, "PENDING", "APPROVED", true, ""},
		{"shipment approve from draft", models.EntityShipment, "DRAFT", "APPROVED", true, ""},
		{"shipment approved back to draft", models.EntityShipment, "APPROVED", "DRAFT", false, utils.ReasonInvalidStatusTransition},
		{"shipment approved back to pending", models.EntityShipment, "APPROVED", "PENDING", false, utils.ReasonInvalidStatusTransition},
		{"shipment approved cancelled", models.EntityShipment, "APPROVED", "CANCELLED", false, utils.ReasonInvalidStatusTransition},
		{"shipment approved again", models.EntityShipment, "APPROVED", "APPROVED", false, utils.ReasonNotAStatusChange},
		{"contract activate", models.EntityContract, "DRAFT", "ACTIVE", true, ""},
		{"contract terminate", models.EntityContract, "ACTIVE", "TERMINATED", true, ""},
		{"contract expired", models.EntityContract, "EXPIRED", "ACTIVE", false, utils.ReasonImmutableState},
		{"contract terminated same", models.EntityContract, "TERMINATED", "TERMINATED", false, utils.ReasonImmutableState},
		{"contract unknown target", models.EntityContract, "ACTIVE", "ARCHIVED", false, utils.ReasonInvalidStatusTransition},
		{"return order completed delete", models.EntityReturnOrder, "COMPLETED", models.StatusDelete, false, utils.ReasonCannotDelete},
		{"return order draft delete", models.EntityReturnOrder, "DRAFT", models.StatusDelete, true, ""},
		{"invoice sent paid", models.EntityInvoice, "SENT", "PAID", true, ""},
		{"invoice paid", models.EntityInvoice, "PAID", "OVERDUE", false, utils.ReasonImmutableState},
		{"plan completed", models.EntityPaymentPlan, "ACTIVE", "COMPLETED", true, ""},
	}
	for _, tc := range cases {
		d, err := v.Validate(tc.entity, tc.current, tc.target, approver)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if d.OK != tc.ok || d.Reason != tc.reason {
			t.Fatalf("%s: expected ok=%v reason=%q, got ok=%v reason=%q", tc.name, tc.ok, tc.reason, d.OK, d.Reason)
		}
	}
}

func TestValidate_RejectionCarriesAllowed(t *testing.T) {
	d, err := New().Validate(models.EntityShipment, "APPROVED", "CANCELLED", approver)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(d.Allowed) != 1 || d.Allowed[0] != "IN_TRANSIT" {
		t.Fatalf("expected allowed [IN_TRANSIT], got %v", d.Allowed)
	}
	var ite *utils.InvalidTransitionError
	if !errors.As(d.Err(), &ite) || ite.Current != "APPROVED" {
		t.Fatalf("expected InvalidTransitionError, got %v", d.Err())
	}
}

func TestValidate_ErrMapping(t *testing.T) {
	v := New()
	d, _ := v.Validate(models.EntityContract, "EXPIRED", "TERMINATED", approver)
	var ise *utils.ImmutableStateError
	if !errors.As(d.Err(), &ise) || ise.Status != "EXPIRED" {
		t.Fatalf("expected ImmutableStateError, got %v", d.Err())
	}
	d, _ = v.Validate(models.EntityReturnOrder, "COMPLETED", models.StatusDelete, approver)
	var dre *utils.DeleteRejectedError
	if !errors.As(d.Err(), &dre) {
		t.Fatalf("expected DeleteRejectedError, got %v", d.Err())
	}
}

func TestValidate_ApprovalNeedsCapability(t *testing.T) {
	v := New()
	for _, tc := range []struct {
		entity  models.EntityType
		current string
		target  string
	}{
		{models.EntityShipment, "PENDING", "APPROVED"},
		{models.EntityReturnOrder, "PENDING", "APPROVED"},
		{models.EntityContract, "DRAFT", "ACTIVE"},
	} {
		_, err := v.Validate(tc.entity, tc.current, tc.target, member)
		var ae *utils.AuthorizationError
		if !errors.As(err, &ae) {
			t.Fatalf("%s -> %s without approve: expected AuthorizationError, got %v", tc.entity, tc.target, err)
		}
	}
	if _, err := v.Validate(models.EntityShipment, "APPROVED", "IN_TRANSIT", member); err != nil {
		t.Fatalf("non-approval target should not need approve: %v", err)
	}
}

func TestValidate_UnknownInput(t *testing.T) {
	v := New()
	if _, err := v.Validate(models.EntityProduct, "X", "Y", approver); err == nil {
		t.Fatalf("entity without graph should be a validation error")
	}
	if _, err := v.Validate(models.EntityDeal, "ARCHIVED", "WON", approver); err == nil {
		t.Fatalf("unknown current status should be a validation error")
	}
}

func TestCanEditAndDelete(t *testing.T) {
	v := New()
	if err := v.CanEdit(models.EntityContract, "EXPIRED"); err == nil {
		t.Fatalf("expired contract must not be editable")
	}
	if err := v.CanEdit(models.EntityContract, "ACTIVE"); err != nil {
		t.Fatalf("active contract should be editable: %v", err)
	}
	if err := v.CanDelete(models.EntityContract, "ACTIVE"); err == nil {
		t.Fatalf("contract deletion is only allowed from DRAFT")
	}
	if err := v.CanDelete(models.EntityShipment, "APPROVED"); err == nil {
		t.Fatalf("approved shipment must not be deletable")
	}
	if err := v.CanDelete(models.EntityReturnOrder, "APPROVED"); err == nil {
		t.Fatalf("approved return order must not be deletable")
	}
	if err := v.CanDelete(models.EntityDeal, "LEAD"); err != nil {
		t.Fatalf("lead deal should be deletable: %v", err)
	}
}
