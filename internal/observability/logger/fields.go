package logger

import (
	"time"

	"go.uber.org/zap"
)

// Field es un alias para no importar zap en cada paquete.
type Field = zap.Field

// ─── HTTP ───

func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Method(v string) zap.Field    { return zap.String("method", v) }
func Path(v string) zap.Field      { return zap.String("path", v) }
func Status(v int) zap.Field       { return zap.Int("status", v) }
func Bytes(v int) zap.Field        { return zap.Int("bytes", v) }
func ClientIP(v string) zap.Field  { return zap.String("client_ip", v) }

// DurationMs registra una duración en milisegundos.
func DurationMs(d time.Duration) zap.Field { return zap.Int64("duration_ms", d.Milliseconds()) }

// ─── Credenciales ───

// KID identifica una clave de firma.
func KID(v string) zap.Field { return zap.String("kid", v) }

// PreviousKID es la clave que pasó a verificación únicamente tras una rotación.
func PreviousKID(v string) zap.Field { return zap.String("previous_kid", v) }

func FamilyID(v string) zap.Field  { return zap.String("family_id", v) }
func SubjectID(v string) zap.Field { return zap.String("subject_id", v) }

// CredentialKind es "signed" u "opaque-key".
func CredentialKind(v string) zap.Field { return zap.String("credential_kind", v) }

// Code es el código de diagnóstico de una denegación.
func Code(v string) zap.Field { return zap.String("code", v) }

// Outcome es el resultado interno de una operación de refresh.
func Outcome(v string) zap.Field { return zap.String("outcome", v) }

// Task nombra una tarea del scheduler.
func Task(v string) zap.Field { return zap.String("task", v) }

// ─── Sistema ───

func Component(v string) zap.Field { return zap.String("component", v) }
func Op(v string) zap.Field        { return zap.String("op", v) }

// Layer es la capa: handler, service, store.
func Layer(v string) zap.Field { return zap.String("layer", v) }
func Err(err error) zap.Field  { return zap.Error(err) }
func Count(v int) zap.Field    { return zap.Int("count", v) }

func String(key, v string) zap.Field  { return zap.String(key, v) }
func Any(key string, v any) zap.Field { return zap.Any(key, v) }
