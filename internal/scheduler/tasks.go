package scheduler

import (
	"context"
	"time"

	"github.com/dropDatabas3/credgate/internal/metrics"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
)

const (
	TaskKeyRotation  = "key_rotation"
	TaskRefreshSweep = "refresh_sweep"
)

// Rotator lo satisface *jwt.KeyRing.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// Sweeper lo satisface *refresh.Store.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// KeyRotationTask rota la clave de firma cada `days` días. Una rotación
// fallida conserva la clave actual y se reintenta en el próximo tick.
func KeyRotationTask(r Rotator, days int) Task {
	return Task{
		Name:     TaskKeyRotation,
		Interval: time.Duration(days) * 24 * time.Hour,
		Timeout:  2 * time.Minute,
		Run: func(ctx context.Context) error {
			err := r.Rotate(ctx)
			metrics.KeyRotations.WithLabelValues(metrics.Result(err)).Inc()
			return err
		},
	}
}

// RefreshSweepTask borra refresh tokens vencidos cada `minutes` minutos.
func RefreshSweepTask(s Sweeper, minutes int) Task {
	return Task{
		Name:       TaskRefreshSweep,
		Interval:   time.Duration(minutes) * time.Minute,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			n, err := s.SweepExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.From(ctx).Info("expired refresh tokens swept",
					logger.Component("scheduler"), logger.Task(TaskRefreshSweep), logger.Count(n))
			}
			return nil
		},
	}
}
