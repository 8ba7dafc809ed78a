package notify

import (
	"context"

	"bitbucket.org/mmdatafocus/records_backend/models"
	"gorm.io/gorm"
)

// Directory resolves a role to the addresses of its active members for a channel.
type Directory interface {
	Recipients(ctx context.Context, tenantId, role string, channel models.NotificationChannel) ([]string, error)
}

type TeamDirectory struct {
	db *gorm.DB
}

func NewTeamDirectory(db *gorm.DB) *TeamDirectory {
	return &TeamDirectory{db: db}
}

func (t *TeamDirectory) Recipients(ctx context.Context, tenantId, role string, channel models.NotificationChannel) ([]string, error) {
	if t == nil || t.db == nil {
		return nil, nil
	}
	members, err := models.FindRecords[models.TeamMember](ctx, t.db, models.ScopeFor(tenantId), func(q *gorm.DB) *gorm.DB {
		return q.Where("role = ? AND is_active = ?", role, true).Order("id ASC")
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range members {
		addr := m.Phone
		if channel == models.ChannelEmail {
			addr = m.Email
		}
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out, nil
}
