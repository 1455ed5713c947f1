// Package migrations embebe las migraciones del esquema Postgres.
package migrations

import "embed"

// FS tiene las migraciones versionadas, con nombre {version}_{name}.sql.
//
//go:embed *.sql
var FS embed.FS

// Dir es el directorio dentro de FS donde están las migraciones.
const Dir = "."
