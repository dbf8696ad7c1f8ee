package defense

import (
	"context"
	"time"

	"github.com/inercia/warden/internal/models"
)

// Store is the durable record store the defense components depend on.
// Lookups return models.ErrNotFound for missing records, except ActiveBlock
// which returns nil when the IP has no block in effect.
type Store interface {
	InsertAttempt(ctx context.Context, a *models.IntrusionAttempt) error
	// CountAttemptsSince counts attempts by ip and attack type created at or after since.
	CountAttemptsSince(ctx context.Context, ip string, attackType models.AttackType, since time.Time) (int, error)
	RecentAttempts(ctx context.Context, limit int) ([]models.IntrusionAttempt, error)

	InsertBlock(ctx context.Context, b *models.IPBlock) error
	// ActiveBlock returns the newest block for ip that is active and unexpired at now.
	ActiveBlock(ctx context.Context, ip string, now time.Time) (*models.IPBlock, error)
	ListActiveBlocks(ctx context.Context, now time.Time) ([]models.IPBlock, error)
	// DeactivateBlocks flips every active block row for ip to inactive.
	DeactivateBlocks(ctx context.Context, ip string) (int64, error)
	// DeactivateExpiredBlocks flips active rows whose expiry is at or before now.
	DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int64, error)

	InsertAlert(ctx context.Context, a *models.SecurityAlert) error
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.SecurityAlert, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error

	Overview(ctx context.Context, now time.Time) (*models.SecurityOverview, error)
}
