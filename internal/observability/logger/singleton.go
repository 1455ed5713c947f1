package logger

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	once     sync.Once
	instance atomic.Pointer[zap.Logger]
)

// Init inicializa el singleton. Solo la primera llamada tiene efecto.
func Init(cfg Config) {
	once.Do(func() {
		instance.Store(build(cfg))
	})
}

// Replace reemplaza el logger del proceso. Lo usan el CLI y los tests; Init
// después de Replace no hace nada.
func Replace(l *zap.Logger) {
	once.Do(func() {})
	instance.Store(l)
}

// L retorna el logger global; si Init no fue llamado usa dev/info.
func L() *zap.Logger {
	if l := instance.Load(); l != nil {
		return l
	}
	Init(Config{Env: "dev", Level: "info"})
	return instance.Load()
}

// Named retorna un logger hijo con nombre.
func Named(name string) *zap.Logger { return L().Named(name) }

// With retorna un logger con campos adicionales.
func With(fields ...zap.Field) *zap.Logger { return L().With(fields...) }

// Sync flushea buffers pendientes. Llamar con defer en main.
func Sync() error {
	if l := instance.Load(); l != nil {
		return l.Sync()
	}
	return nil
}
