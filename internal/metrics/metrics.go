// Package metrics contiene los collectors de Prometheus del núcleo de
// credenciales. Viven aparte para que jwt, refresh, validator y scheduler
// registren sin importar la capa HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "credgate"

var (
	// Validations por tipo de credencial y resultado (ok | código de denegación).
	Validations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Credenciales validadas por tipo y resultado",
	}, []string{"kind", "result"})

	// RefreshOutcomes: issued | rotated | not_found | expired | replay | revoked | error.
	RefreshOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_outcomes_total",
		Help:      "Resultados de operaciones sobre refresh tokens",
	}, []string{"outcome"})

	FamilyRevocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_family_revocations_total",
		Help:      "Familias revocadas por reuso de un refresh token",
	})

	RefreshSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_swept_total",
		Help:      "Refresh tokens expirados eliminados por el sweep",
	})

	// KeyRotations: ok | error.
	KeyRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_rotations_total",
		Help:      "Rotaciones de clave de firma por resultado",
	}, []string{"result"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Duración de las tareas programadas",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"task", "result"})

	// RemoteJWKSFetches: ok | error.
	RemoteJWKSFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_jwks_fetches_total",
		Help:      "Descargas del JWKS remoto por resultado",
	}, []string{"result"})

	APIKeyCalls = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "apikey_call_duration_seconds",
		Help:      "Latencia del servicio externo de API keys",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Validations, RefreshOutcomes, FamilyRevocations, RefreshSwept,
		KeyRotations, TaskDuration, RemoteJWKSFetches, APIKeyCalls,
		HTTPRequests, HTTPDuration, HTTPInflight, RateLimited,
	}
}

// Register registra los collectors en reg (el registerer por defecto si es
// nil). Ignora los que ya estaban registrados.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := RegisterCollector(reg, c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCollector registra c ignorando duplicados.
func RegisterCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

// ObserveTask registra un tick del scheduler.
func ObserveTask(task string, d time.Duration, err error) {
	TaskDuration.WithLabelValues(task, result(err)).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Result mapea err a la etiqueta ok | error que usan los collectors.
func Result(err error) string { return result(err) }
