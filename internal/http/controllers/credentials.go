package controllers

import (
	"context"
	"net/http"

	"github.com/dropDatabas3/credgate/internal/http/dto"
	httperrors "github.com/dropDatabas3/credgate/internal/http/errors"
	"github.com/dropDatabas3/credgate/internal/validator"
)

// CredentialValidator lo satisface *validator.Validator.
type CredentialValidator interface {
	Validate(ctx context.Context, bearer string) (*validator.NormalizedClaims, error)
}

type CredentialsController struct {
	validator CredentialValidator
}

func NewCredentialsController(v CredentialValidator) *CredentialsController {
	return &CredentialsController{validator: v}
}

// Validate maneja POST /v1/credentials/validate. La credencial viene en el
// body o, si falta, en Authorization.
func (c *CredentialsController) Validate(w http.ResponseWriter, r *http.Request) {
	var req dto.ValidateRequest
	if err := readJSON(w, r, &req); err != nil {
		httperrors.WriteError(w, err)
		return
	}
	bearer := req.Credential
	if bearer == "" {
		bearer = r.Header.Get("Authorization")
	}

	claims, err := c.validator.Validate(r.Context(), bearer)
	if err != nil {
		code := validator.CodeOf(err)
		if code == "" {
			code = validator.CodeInvalidCredential
		}
		httperrors.WriteError(w, httperrors.ErrCredentialRejected.WithDetail(string(code)).WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, claims)
}
