package guard

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
)

func TestAuthorize_RequiresTenant(t *testing.T) {
	g := New(nil)
	_, err := g.Authorize(Actor{ActorId: "u1", Role: RoleOwner}, Operation{EntityType: models.EntityDeal, Capability: CapabilityRead})
	var ae *utils.AuthorizationError
	if !errors.As(err, &ae) || ae.Reason != "tenant required" {
		t.Fatalf("expected tenant required AuthorizationError, got %v", err)
	}
}

func TestAuthorize_CapabilityMatrix(t *testing.T) {
	g := New(nil)
	cases := []struct {
		role   Role
		entity models.EntityType
		cap    Capability
		ok     bool
	}{
		{RoleOwner, models.EntityContract, CapabilityDelete, true},
		{RoleManager, models.EntityShipment, CapabilityApprove, true},
		{RoleManager, models.EntityShipment, CapabilityDelete, false},
		{RoleMember, models.EntityQuote, CapabilityUpdate, true},
		{RoleMember, models.EntityContract, CapabilityUpdate, false},
		{RoleMember, models.EntityShipment, CapabilityApprove, false},
		{RoleViewer, models.EntityInvoice, CapabilityRead, true},
		{RoleViewer, models.EntityInvoice, CapabilityUpdate, false},
		{Role("UNKNOWN"), models.EntityInvoice, CapabilityRead, false},
	}
	for _, tc := range cases {
		actor := Actor{ActorId: "u1", TenantId: "t1", Role: tc.role}
		_, err := g.Authorize(actor, Operation{EntityType: tc.entity, Capability: tc.cap})
		if tc.ok && err != nil {
			t.Fatalf("%s %s %s: expected allowed, got %v", tc.role, tc.entity, tc.cap, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s %s %s: expected rejection", tc.role, tc.entity, tc.cap)
		}
	}
}

func TestAuthorize_GrantsOverrideRole(t *testing.T) {
	g := New(nil)
	actor := Actor{
		ActorId:  "u1",
		TenantId: "t1",
		Role:     RoleViewer,
		Grants:   map[models.EntityType][]Capability{models.EntityShipment: {CapabilityRead, CapabilityUpdate, CapabilityApprove}},
	}
	ac, err := g.Authorize(actor, Operation{EntityType: models.EntityShipment, Capability: CapabilityUpdate})
	if err != nil {
		t.Fatalf("grant should allow update: %v", err)
	}
	if !ac.Has(CapabilityApprove) {
		t.Fatalf("granted capabilities should be carried on the context")
	}
}

func TestForRecord_CrossTenantRejected(t *testing.T) {
	ac := AuthorizedContext{TenantId: "t1", ActorId: "u1", Role: RoleOwner}
	if _, err := ac.ForRecord("t2"); err == nil {
		t.Fatalf("expected cross-tenant rejection")
	}
	bound, err := ac.ForRecord("t1")
	if err != nil || bound.TenantId != "t1" {
		t.Fatalf("same tenant should bind, got %+v %v", bound, err)
	}
}

func TestSuperTenant_ScopeAndBinding(t *testing.T) {
	g := New(nil)
	ac, err := g.Authorize(Actor{ActorId: "ops", IsSuperTenant: true}, Operation{EntityType: models.EntityInvoice, Capability: CapabilityUpdate})
	if err != nil {
		t.Fatalf("super-tenant should be authorized: %v", err)
	}
	if !ac.Scope().All {
		t.Fatalf("super-tenant scope must omit the tenant filter")
	}
	ctx := ac.WithContext(context.Background())
	if v, _ := appctx.GetBool(ctx, appctx.ContextKeySuperTenant); !v {
		t.Fatalf("super-tenant flag should be on the context")
	}

	bound, err := ac.ForRecord("t9")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if bound.TenantId != "t9" || bound.Scope().All {
		t.Fatalf("bound context must write under the record tenant, got %+v", bound)
	}
	ctx = bound.WithContext(context.Background())
	if appctx.TenantId(ctx) != "t9" {
		t.Fatalf("bound tenant should be on the context")
	}
}
