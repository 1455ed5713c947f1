package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"
)

// ErrDenied es el único rechazo que ve quien presenta un token: inexistente,
// vencido y reutilizado son indistinguibles.
var ErrDenied = errors.New("refresh: denied")

// ErrInvalidOwner lo devuelve Issue cuando el owner no tiene sujeto.
var ErrInvalidOwner = errors.New("refresh: owner subject is required")

// Owner es la metadata opaca que pasa de un token a su sucesor. Los claims se
// guardan en su forma JSON en todos los backends: los números vuelven como
// float64 y los structs como map[string]any.
type Owner struct {
	SubjectID string         `json:"sub"`
	Claims    map[string]any `json:"claims,omitempty"`
	FamilyID  string         `json:"family_id"`
}

func (o Owner) clone() Owner {
	o.Claims = maps.Clone(o.Claims)
	return o
}

// normalizeClaims pasa los claims por JSON para que el backend en memoria
// devuelva los mismos tipos que decodifican Redis y Postgres.
func normalizeClaims(claims map[string]any) (map[string]any, error) {
	if len(claims) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Record es lo que un backend persiste por token. El plaintext nunca.
type Record struct {
	Digest    string
	Owner     Owner
	IssuedAt  time.Time
	ExpiresAt time.Time
	// TTL es la política de vida; los sucesores heredan la misma.
	TTL time.Duration
}

// Outcome de un intento de rotación, solo para logs y métricas.
type Outcome string

const (
	OutcomeRotated  Outcome = "rotated"
	OutcomeNotFound Outcome = "not_found"
	OutcomeExpired  Outcome = "expired"
	OutcomeReplay   Outcome = "replay"
)

// RotateResult lo devuelve Backend.Rotate. Owner viene en todos los outcomes
// salvo OutcomeNotFound; Revoked cuenta los registros que borró un replay.
type RotateResult struct {
	Outcome Outcome
	Owner   Owner
	Revoked int
}

// Backend aplica las transiciones de forma atómica por familia.
type Backend interface {
	// Insert guarda rec y apunta su familia a él.
	Insert(ctx context.Context, rec Record) error

	// Rotate busca digest en el instante now. Un registro vencido se borra
	// (el vencimiento se mira antes que el puntero de la familia). Uno que no
	// es el digest actual de su familia la revoca. Si no, un sucesor con
	// nextDigest y el mismo TTL pasa a ser el actual.
	Rotate(ctx context.Context, digest, nextDigest string, now time.Time) (RotateResult, error)

	// Delete borra el registro actual de la familia y limpia el puntero. Los
	// gastados quedan para seguir detectando un replay; para ellos, y para
	// digests desconocidos, Delete devuelve false.
	Delete(ctx context.Context, digest string) (bool, error)

	// DeleteSubject borra todos los registros del sujeto en todas sus
	// familias y devuelve cuántos estaban vivos.
	DeleteSubject(ctx context.Context, subjectID string) (int, error)

	// Sweep borra los registros con ExpiresAt estrictamente anterior a now y
	// devuelve cuántos estaban vivos. Los gastados no cuentan.
	Sweep(ctx context.Context, now time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
