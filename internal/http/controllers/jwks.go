package controllers

import (
	"encoding/json"
	"net/http"

	httperrors "github.com/dropDatabas3/credgate/internal/http/errors"
	"github.com/dropDatabas3/credgate/internal/jwt"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
)

// KeyPublisher lo satisface *jwt.KeyRing.
type KeyPublisher interface {
	JWKS() jwt.JWKS
}

// JWKSController maneja /.well-known/jwks.json.
type JWKSController struct {
	keys KeyPublisher
}

func NewJWKSController(keys KeyPublisher) *JWKSController {
	return &JWKSController{keys: keys}
}

// Get maneja GET/HEAD. El set cambia en cada rotación, por eso no-store.
func (c *JWKSController) Get(w http.ResponseWriter, r *http.Request) {
	log := logger.From(r.Context()).With(logger.Layer("controller"), logger.Op("JWKSController.Get"))

	data, err := json.Marshal(c.keys.JWKS())
	if err != nil {
		log.Error("failed to encode JWKS", logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrInternalServerError.WithCause(err))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
