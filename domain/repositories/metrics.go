package repositories

import (
	"context"

	"github.com/satriahrh/tutur/domain/entities"
)

// MetricsSink receives one structured record per finished turn
type MetricsSink interface {
	Export(ctx context.Context, record entities.TurnRecord) error
}
