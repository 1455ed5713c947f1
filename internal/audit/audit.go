// Package audit registra eventos de seguridad (revocaciones, rotaciones de
// clave) en un logger dedicado para poder enrutarlos a otro sink.
package audit

import (
	"context"

	"github.com/dropDatabas3/credgate/internal/observability/logger"
)

const (
	EventFamilyRevoked  = "refresh.family_revoked"
	EventSubjectRevoked = "refresh.subject_revoked"
	EventKeyRotated     = "keys.rotated"
)

// Log escribe el evento en el logger "audit" derivado de ctx.
func Log(ctx context.Context, event string, fields ...logger.Field) {
	fields = append([]logger.Field{logger.String("event", event)}, fields...)
	logger.From(ctx).Named("audit").Info("audit event", fields...)
}
