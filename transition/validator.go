// Package transition holds the per-entity status graphs. It never touches storage.
package transition

import (
	"sort"

	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
)

type graph struct {
	edges     map[string][]string
	immutable map[string]bool
	// deletable lists statuses a record may be deleted from; nil means any non-immutable status.
	deletable map[string]bool
	// approvals are targets that need the approve capability.
	approvals map[string]bool
}

func set(values ...string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

var graphs = map[models.EntityType]graph{
	models.EntityDeal: {
		edges: map[string][]string{
			"LEAD":        {"CONTACTED"},
			"CONTACTED":   {"DEMO"},
			"DEMO":        {"PROPOSAL"},
			"PROPOSAL":    {"NEGOTIATION"},
			"NEGOTIATION": {"WON", "LOST"},
		},
		immutable: set("WON"),
	},
	models.EntityQuote: {
		edges: map[string][]string{
			"DRAFT": {"SENT"},
			"SENT":  {"ACCEPTED", "DECLINED"},
		},
		immutable: set("ACCEPTED"),
		deletable: set("DRAFT", "SENT", "DECLINED"),
	},
	models.EntityInvoice: {
		edges: map[string][]string{
			"DRAFT":   {"SENT", "CANCELLED"},
			"SENT":    {"SHIPPED", "PAID", "OVERDUE", "CANCELLED"},
			"SHIPPED": {"PAID", "OVERDUE"},
			"OVERDUE": {"PAID", "CANCELLED"},
		},
		immutable: set("PAID", "CANCELLED"),
		deletable: set("DRAFT"),
	},
	models.EntityShipment: {
		edges: map[string][]string{
			"DRAFT":      {"PENDING", "APPROVED", "CANCELLED"},
			"PENDING":    {"APPROVED", "CANCELLED"},
			"APPROVED":   {"IN_TRANSIT"},
			"IN_TRANSIT": {"DELIVERED"},
		},
		immutable: set("DELIVERED", "CANCELLED"),
		deletable: set("DRAFT", "PENDING"),
		approvals: set("APPROVED"),
	},
	models.EntityContract: {
		edges: map[string][]string{
			"DRAFT":  {"ACTIVE"},
			"ACTIVE": {"EXPIRED", "TERMINATED"},
		},
		immutable: set("EXPIRED", "TERMINATED"),
		deletable: set("DRAFT"),
		approvals: set("ACTIVE"),
	},
	models.EntityReturnOrder: {
		edges: map[string][]string{
			"DRAFT":    {"PENDING"},
			"PENDING":  {"APPROVED"},
			"APPROVED": {"COMPLETED"},
		},
		immutable: set("COMPLETED"),
		deletable: set("DRAFT", "PENDING"),
		approvals: set("APPROVED"),
	},
	models.EntityPaymentPlan: {
		edges: map[string][]string{
			"DRAFT":  {"ACTIVE"},
			"ACTIVE": {"COMPLETED", "DEFAULTED", "CANCELLED"},
		},
		immutable: set("COMPLETED", "CANCELLED"),
	},
}

// Decision is the validator outcome. Allowed is always the legal next statuses from current.
type Decision struct {
	OK         bool
	Reason     string
	Allowed    []string
	EntityType models.EntityType
	Current    string
	Target     string
}

// Err converts a rejected decision into the matching typed error; nil when OK.
func (d Decision) Err() error {
	if d.OK {
		return nil
	}
	switch d.Reason {
	case utils.ReasonImmutableState:
		return &utils.ImmutableStateError{EntityType: string(d.EntityType), Status: d.Current}
	case utils.ReasonCannotDelete:
		return &utils.DeleteRejectedError{EntityType: string(d.EntityType), Status: d.Current}
	default:
		return &utils.InvalidTransitionError{
			EntityType: string(d.EntityType),
			Current:    d.Current,
			Target:     d.Target,
			Allowed:    d.Allowed,
			Reason:     d.Reason,
		}
	}
}

// Capabilities is what the validator needs to know about the caller.
type Capabilities interface {
	Has(c guard.Capability) bool
}

type Validator struct{}

func New() *Validator { return &Validator{} }

// Validate checks current -> target. A target of models.StatusDelete is a deletion check.
// Missing approve capability on an approval target returns an AuthorizationError.
func (v *Validator) Validate(t models.EntityType, current, target string, caps Capabilities) (Decision, error) {
	g, ok := graphs[t]
	if !ok {
		return Decision{}, utils.NewValidationError("entity", "status_graph")
	}
	d := Decision{EntityType: t, Current: current, Target: target, Allowed: g.allowed(current)}

	if _, known := g.statuses()[current]; !known {
		return Decision{}, utils.NewValidationError("status", "unknown_status")
	}
	if target == models.StatusDelete {
		if g.canDelete(current) {
			d.OK = true
		} else {
			d.Reason = utils.ReasonCannotDelete
		}
		return d, nil
	}
	_, knownTarget := g.statuses()[target]
	switch {
	case g.immutable[current]:
		d.Reason = utils.ReasonImmutableState
	case !knownTarget:
		d.Reason = utils.ReasonInvalidStatusTransition
	case current == target:
		d.Reason = utils.ReasonNotAStatusChange
	case !contains(d.Allowed, target):
		d.Reason = utils.ReasonInvalidStatusTransition
	default:
		if g.approvals[target] && (caps == nil || !caps.Has(guard.CapabilityApprove)) {
			return d, &utils.AuthorizationError{EntityType: string(t), Capability: string(guard.CapabilityApprove), Reason: "approval required for " + target}
		}
		d.OK = true
	}
	return d, nil
}

// CanEdit reports whether non-status fields may be changed in status.
func (v *Validator) CanEdit(t models.EntityType, status string) error {
	g, ok := graphs[t]
	if !ok {
		return nil
	}
	if g.immutable[status] {
		return &utils.ImmutableStateError{EntityType: string(t), Status: status}
	}
	return nil
}

func (v *Validator) CanDelete(t models.EntityType, status string) error {
	g, ok := graphs[t]
	if !ok {
		return nil
	}
	if !g.canDelete(status) {
		return &utils.DeleteRejectedError{EntityType: string(t), Status: status}
	}
	return nil
}

// Allowed lists the legal next statuses.
func (v *Validator) Allowed(t models.EntityType, current string) []string {
	return graphs[t].allowed(current)
}

// Statuses lists every known status of t, sorted.
func (v *Validator) Statuses(t models.EntityType) []string {
	var out []string
	for s := range graphs[t].statuses() {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (g graph) allowed(current string) []string {
	if g.immutable[current] {
		return []string{}
	}
	next := g.edges[current]
	out := make([]string, len(next))
	copy(out, next)
	return out
}

func (g graph) canDelete(status string) bool {
	if g.immutable[status] {
		return false
	}
	if g.deletable == nil {
		return true
	}
	return g.deletable[status]
}

func (g graph) statuses() map[string]struct{} {
	out := map[string]struct{}{}
	for from, tos := range g.edges {
		out[from] = struct{}{}
		for _, to := range tos {
			out[to] = struct{}{}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
