package guard

import "bitbucket.org/mmdatafocus/records_backend/models"

var allCapabilities = []Capability{CapabilityRead, CapabilityUpdate, CapabilityDelete, CapabilityApprove}

// Policy maps a role to the capabilities it holds on an entity type.
type Policy map[Role]map[models.EntityType][]Capability

// wildcard row applies to entity types a role has no explicit row for.
const wildcard models.EntityType = "*"

func DefaultPolicy() Policy {
	return Policy{
		RoleOwner: {
			wildcard: allCapabilities,
		},
		RoleSystem: {
			wildcard: allCapabilities,
		},
		RoleManager: {
			wildcard:                 {CapabilityRead, CapabilityUpdate, CapabilityApprove},
			models.EntityInvoiceItem: {CapabilityRead, CapabilityUpdate, CapabilityDelete},
			models.EntityQuote:       {CapabilityRead, CapabilityUpdate, CapabilityDelete, CapabilityApprove},
			models.EntityDeal:        {CapabilityRead, CapabilityUpdate, CapabilityDelete, CapabilityApprove},
		},
		RoleMember: {
			wildcard:              {CapabilityRead, CapabilityUpdate},
			models.EntityContract: {CapabilityRead},
		},
		RoleViewer: {
			wildcard: {CapabilityRead},
		},
	}
}

func (p Policy) Capabilities(role Role, t models.EntityType) []Capability {
	rows, ok := p[role]
	if !ok {
		return nil
	}
	if caps, ok := rows[t]; ok {
		return caps
	}
	return rows[wildcard]
}
