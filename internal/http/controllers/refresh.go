package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/credgate/internal/http/dto"
	httperrors "github.com/dropDatabas3/credgate/internal/http/errors"
	"github.com/dropDatabas3/credgate/internal/jwt"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
	"github.com/dropDatabas3/credgate/internal/refresh"
)

// RefreshStore lo satisface *refresh.Store.
type RefreshStore interface {
	Issue(ctx context.Context, owner refresh.Owner, lifetime time.Duration) (string, error)
	ValidateAndRotate(ctx context.Context, plaintext string) (refresh.Owner, string, error)
	Revoke(ctx context.Context, plaintext string) (bool, error)
	RevokeAllForSubject(ctx context.Context, subjectID string) (int, error)
}

// AccessIssuer lo satisface *jwt.Issuer.
type AccessIssuer interface {
	Issue(claims jwt.Claims) (string, error)
	AccessTTL() time.Duration
}

type RefreshController struct {
	store  RefreshStore
	issuer AccessIssuer
}

// NewRefreshController; con issuer nil /v1/refresh no emite access tokens.
func NewRefreshController(store RefreshStore, issuer AccessIssuer) *RefreshController {
	return &RefreshController{store: store, issuer: issuer}
}

// Refresh maneja POST /v1/refresh.
func (c *RefreshController) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("RefreshController.Refresh"))

	var req dto.RefreshRequest
	if err := readJSON(w, r, &req); err != nil {
		httperrors.WriteError(w, err)
		return
	}
	if req.RefreshToken == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("refresh_token is required"))
		return
	}

	owner, next, err := c.store.ValidateAndRotate(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, refresh.ErrDenied) {
			httperrors.WriteError(w, httperrors.ErrInvalidRefreshToken)
			return
		}
		log.Error("refresh failed", logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithCause(err))
		return
	}

	resp := dto.RefreshResponse{
		RefreshToken: next,
		SubjectID:    owner.SubjectID,
		FamilyID:     owner.FamilyID,
		Claims:       owner.Claims,
	}
	if c.issuer != nil && owner.SubjectID != "" {
		access, err := c.issuer.Issue(accessClaims(owner))
		if err != nil {
			log.Error("access token signing failed", logger.Err(err), logger.FamilyID(owner.FamilyID))
			httperrors.WriteError(w, httperrors.ErrInternalServerError.WithCause(err))
			return
		}
		resp.AccessToken = access
		resp.TokenType = "Bearer"
		resp.ExpiresIn = int64(c.issuer.AccessTTL().Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// Revoke maneja POST /v1/refresh/revoke (logout). Responde 204 exista o no
// el token.
func (c *RefreshController) Revoke(w http.ResponseWriter, r *http.Request) {
	var req dto.RevokeRequest
	if err := readJSON(w, r, &req); err != nil {
		httperrors.WriteError(w, err)
		return
	}
	if req.RefreshToken == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("refresh_token is required"))
		return
	}
	if _, err := c.store.Revoke(r.Context(), req.RefreshToken); err != nil {
		logger.From(r.Context()).Error("refresh revoke failed", logger.Op("RefreshController.Revoke"), logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Issue maneja POST /v1/refresh/issue (admin): primer token de una familia.
func (c *RefreshController) Issue(w http.ResponseWriter, r *http.Request) {
	var req dto.IssueRequest
	if err := readJSON(w, r, &req); err != nil {
		httperrors.WriteError(w, err)
		return
	}
	if req.SubjectID == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("subject is required"))
		return
	}
	if req.TTLSeconds < 0 {
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("ttl_seconds must be positive"))
		return
	}
	familyID := req.FamilyID
	if familyID == "" {
		familyID = uuid.NewString()
	}

	tok, err := c.store.Issue(r.Context(), refresh.Owner{
		SubjectID: req.SubjectID,
		Claims:    req.Claims,
		FamilyID:  familyID,
	}, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		logger.From(r.Context()).Error("refresh issue failed", logger.Op("RefreshController.Issue"), logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	writeJSON(w, http.StatusCreated, dto.IssueResponse{RefreshToken: tok, FamilyID: familyID})
}

// RevokeSubject maneja DELETE /v1/subjects/{subjectID}/refresh-tokens.
func (c *RefreshController) RevokeSubject(w http.ResponseWriter, r *http.Request, subjectID string) {
	if subjectID == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("subject is required"))
		return
	}
	n, err := c.store.RevokeAllForSubject(r.Context(), subjectID)
	if err != nil {
		logger.From(r.Context()).Error("subject revoke failed", logger.Op("RefreshController.RevokeSubject"),
			logger.SubjectID(subjectID), logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, dto.RevokeSubjectResponse{SubjectID: subjectID, Revoked: n})
}

// accessClaims lleva name/email del owner a sus claims estándar y el resto a
// custom.
func accessClaims(o refresh.Owner) jwt.Claims {
	c := jwt.Claims{RegisteredClaims: jwtv5.RegisteredClaims{Subject: o.SubjectID}}
	custom := make(map[string]any, len(o.Claims))
	for k, v := range o.Claims {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				c.Name = s
				continue
			}
		case "email":
			if s, ok := v.(string); ok {
				c.Email = s
				continue
			}
		}
		custom[k] = v
	}
	if len(custom) > 0 {
		c.Custom = custom
	}
	return c
}
