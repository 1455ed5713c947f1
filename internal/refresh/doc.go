// Package refresh emite refresh tokens de un solo uso y contiene el robo.
//
// Cada token pertenece a una familia: el linaje de rotaciones sucesivas que
// nace de un login. Una familia apunta a exactamente un digest vivo. Rotar
// mueve el puntero al sucesor y conserva el registro gastado (hasta su propio
// vencimiento) para reconocerlo si se vuelve a presentar. Presentar un token
// gastado revoca la familia entera, sucesor legítimo incluido, y obliga al
// sujeto a volver a loguearse.
//
// Store aplica la política (generación, hash, logs, métricas) y delega cada
// transición en un Backend, que debe aplicarla de forma atómica por familia:
// MemoryBackend con un mutex, RedisBackend con scripts Lua y PostgresBackend
// con locks de fila dentro de una transacción.
package refresh
