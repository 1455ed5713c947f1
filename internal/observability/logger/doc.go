// Package logger expone el logger zap del proceso y sus variantes por request.
//
// Init se llama una vez desde main. El código con contexto usa From(ctx) para
// que los campos que inyecta el middleware HTTP (request_id, method, path)
// viajen en cada línea; sin contexto se usa L().
//
//	logger.Init(logger.Config{Env: "prod", Level: "info", ServiceName: "credgate"})
//	defer logger.Sync()
//
//	log := logger.From(ctx).With(logger.Component("refresh"), logger.Op("rotate"))
//	log.Error("refresh family revoked", logger.FamilyID(id), logger.Count(n))
package logger
