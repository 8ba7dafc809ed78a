// Package guard turns a session actor into an AuthorizedContext that every
// store call and every ledger write is scoped by.
package guard

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
)

type Capability string

const (
	CapabilityRead    Capability = "read"
	CapabilityUpdate  Capability = "update"
	CapabilityDelete  Capability = "delete"
	CapabilityApprove Capability = "approve"
)

type Role string

const (
	RoleOwner   Role = "OWNER"
	RoleManager Role = "MANAGER"
	RoleMember  Role = "MEMBER"
	RoleViewer  Role = "VIEWER"
	RoleSystem  Role = "SYSTEM"
)

// Actor is what the session provider knows about the caller.
type Actor struct {
	ActorId       string
	ActorName     string
	TenantId      string
	Role          Role
	IsSuperTenant bool
	// Grants, when set for an entity type, replace the role's capabilities for it.
	Grants map[models.EntityType][]Capability
}

// Operation is what the caller wants to do.
type Operation struct {
	EntityType models.EntityType
	Capability Capability
}

type AuthorizedContext struct {
	TenantId      string
	ActorId       string
	ActorName     string
	Role          Role
	IsSuperTenant bool
	Capabilities  []Capability
}

type Guard struct {
	policy Policy
}

func New(policy Policy) *Guard {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Guard{policy: policy}
}

// Authorize checks tenant presence and the capability for the entity type.
func (g *Guard) Authorize(actor Actor, op Operation) (*AuthorizedContext, error) {
	tenantId := strings.TrimSpace(actor.TenantId)
	if tenantId == "" && !actor.IsSuperTenant {
		return nil, &utils.AuthorizationError{
			EntityType: string(op.EntityType),
			Capability: string(op.Capability),
			Reason:     "tenant required",
		}
	}
	caps := g.capabilities(actor, op.EntityType)
	if !hasCapability(caps, op.Capability) {
		return nil, &utils.AuthorizationError{
			TenantId:   tenantId,
			EntityType: string(op.EntityType),
			Capability: string(op.Capability),
			Reason:     "missing capability",
		}
	}
	return &AuthorizedContext{
		TenantId:      tenantId,
		ActorId:       actor.ActorId,
		ActorName:     actor.ActorName,
		Role:          actor.Role,
		IsSuperTenant: actor.IsSuperTenant,
		Capabilities:  caps,
	}, nil
}

func (g *Guard) capabilities(actor Actor, t models.EntityType) []Capability {
	if grants, ok := actor.Grants[t]; ok {
		return grants
	}
	if actor.IsSuperTenant {
		return allCapabilities
	}
	return g.policy.Capabilities(actor.Role, t)
}

func (a AuthorizedContext) Has(c Capability) bool {
	if a.Role == RoleSystem {
		return true
	}
	return hasCapability(a.Capabilities, c)
}

// Scope returns the store filter for this context.
func (a AuthorizedContext) Scope() models.TenantScope {
	if a.IsSuperTenant && a.TenantId == "" {
		return models.TenantScope{All: true}
	}
	return models.TenantScope{TenantId: a.TenantId}
}

// ForRecord binds the context to the tenant that owns a loaded record. Super-tenant
// contexts adopt the record's tenant so dependent writes land there; other actors must match.
//
// Records fetched through Scope never belong to another tenant: a cross-tenant id is a
// NotFoundError (404) before ForRecord runs, so the record's existence does not leak. The
// AuthorizationError below is a backstop for a caller that loads a record without the
// actor's scope; no engine path does that for a tenant-bound actor today.
func (a AuthorizedContext) ForRecord(recordTenant string) (AuthorizedContext, error) {
	if a.IsSuperTenant {
		bound := a
		bound.TenantId = recordTenant
		bound.IsSuperTenant = false
		return bound, nil
	}
	if recordTenant != a.TenantId {
		return a, &utils.AuthorizationError{TenantId: a.TenantId, Reason: "record belongs to another tenant"}
	}
	return a, nil
}

// WithContext stamps tenant and actor onto ctx for the gorm tenant guard plugin and logs.
func (a AuthorizedContext) WithContext(ctx context.Context) context.Context {
	ctx = appctx.Set(ctx, appctx.ContextKeyTenantId, a.TenantId)
	ctx = appctx.Set(ctx, appctx.ContextKeyActorId, a.ActorId)
	ctx = appctx.Set(ctx, appctx.ContextKeyActorName, a.ActorName)
	ctx = appctx.Set(ctx, appctx.ContextKeyRole, string(a.Role))
	return appctx.Set(ctx, appctx.ContextKeySuperTenant, a.IsSuperTenant && a.TenantId == "")
}

// System is the context automations act under once bound to a tenant.
func System(tenantId string) AuthorizedContext {
	return AuthorizedContext{
		TenantId:     tenantId,
		ActorId:      "system",
		ActorName:    "System",
		Role:         RoleSystem,
		Capabilities: allCapabilities,
	}
}

// SystemActor is used by sweeps that act on behalf of every tenant.
func SystemActor() Actor {
	return Actor{ActorId: "system", ActorName: "System", Role: RoleSystem, IsSuperTenant: true}
}

func hasCapability(caps []Capability, c Capability) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}
