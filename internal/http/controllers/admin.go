package controllers

import (
	"context"
	"net/http"

	"github.com/dropDatabas3/credgate/internal/http/dto"
	httperrors "github.com/dropDatabas3/credgate/internal/http/errors"
	"github.com/dropDatabas3/credgate/internal/jwt"
	"github.com/dropDatabas3/credgate/internal/metrics"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
)

// KeyRotator lo satisface *jwt.KeyRing.
type KeyRotator interface {
	Rotate(ctx context.Context) error
	PublicMaterial() []jwt.PublicKey
}

type KeysController struct {
	ring KeyRotator
}

func NewKeysController(ring KeyRotator) *KeysController {
	return &KeysController{ring: ring}
}

// Rotate maneja POST /v1/admin/keys/rotate.
func (c *KeysController) Rotate(w http.ResponseWriter, r *http.Request) {
	err := c.ring.Rotate(r.Context())
	metrics.KeyRotations.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		logger.From(r.Context()).Error("manual key rotation failed", logger.Op("KeysController.Rotate"), logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrInternalServerError.WithCause(err))
		return
	}

	keys := c.ring.PublicMaterial()
	resp := dto.RotateKeysResponse{KID: keys[0].KID}
	if len(keys) > 1 {
		resp.PreviousKID = keys[1].KID
	}
	writeJSON(w, http.StatusOK, resp)
}
