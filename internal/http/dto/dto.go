// Package dto define los cuerpos de request/response de la API HTTP.
package dto

type ValidateRequest struct {
	Credential string `json:"credential"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RefreshResponse struct {
	RefreshToken string         `json:"refresh_token"`
	SubjectID    string         `json:"subject"`
	FamilyID     string         `json:"family_id"`
	Claims       map[string]any `json:"claims,omitempty"`
	AccessToken  string         `json:"access_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	ExpiresIn    int64          `json:"expires_in,omitempty"`
}

type RevokeRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type IssueRequest struct {
	SubjectID  string         `json:"subject"`
	Claims     map[string]any `json:"claims,omitempty"`
	FamilyID   string         `json:"family_id,omitempty"`
	TTLSeconds int64          `json:"ttl_seconds,omitempty"`
}

type IssueResponse struct {
	RefreshToken string `json:"refresh_token"`
	FamilyID     string `json:"family_id"`
}

type RevokeSubjectResponse struct {
	SubjectID string `json:"subject"`
	Revoked   int    `json:"revoked"`
}

type RotateKeysResponse struct {
	KID         string `json:"kid"`
	PreviousKID string `json:"previous_kid,omitempty"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
