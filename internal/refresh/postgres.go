package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/credgate/internal/store"
	migrations "github.com/dropDatabas3/credgate/migrations/postgres"
)

const defaultPostgresSweepBatch = 200

// PostgresBackend guarda el estado en las tablas refresh_family y
// refresh_token. Cada transición corre en una transacción que bloquea la fila
// de la familia antes que cualquier fila de token: las transiciones de una
// misma familia se serializan y no pueden hacer deadlock entre sí.
type PostgresBackend struct {
	pool       *pgxpool.Pool
	owned      bool
	sweepBatch int
}

// NewPostgresBackend usa pool sin adueñarse de él.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool, sweepBatch: defaultPostgresSweepBatch}
}

// OpenPostgres conecta a dsn y se adueña del pool. Con migrate aplica las
// migraciones pendientes antes de volver.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, migrate bool) (*PostgresBackend, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("refresh postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("refresh postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("refresh postgres: ping: %w", err)
	}
	if migrate {
		if _, err := store.NewMigrator(migrations.FS, migrations.Dir).Run(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("refresh postgres: migrate: %w", err)
		}
	}
	b := NewPostgresBackend(pool)
	b.owned = true
	return b, nil
}

// Pool expone el pool para el collector de métricas.
func (b *PostgresBackend) Pool() *pgxpool.Pool {
	if b == nil {
		return nil
	}
	return b.pool
}

func (b *PostgresBackend) Insert(ctx context.Context, rec Record) error {
	own, err := json.Marshal(rec.Owner)
	if err != nil {
		return fmt.Errorf("refresh postgres: encode owner: %w", err)
	}
	err = pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO refresh_family (family_id, subject_id, current_digest, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (family_id) DO UPDATE SET current_digest = EXCLUDED.current_digest`,
			rec.Owner.FamilyID, rec.Owner.SubjectID, rec.Digest, rec.IssuedAt,
		); err != nil {
			return err
		}
		return insertToken(ctx, tx, rec.Digest, rec.Owner, own, rec.IssuedAt, rec.ExpiresAt, ttlOf(rec))
	})
	if err != nil {
		return fmt.Errorf("refresh postgres: insert: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Rotate(ctx context.Context, digest, nextDigest string, now time.Time) (RotateResult, error) {
	var res RotateResult
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		fam, current, err := lockFamilyOf(ctx, tx, digest)
		if err != nil {
			return err
		}
		if fam == "" {
			res = RotateResult{Outcome: OutcomeNotFound}
			return nil
		}

		var (
			own       []byte
			expiresAt time.Time
			ttlMs     int64
		)
		err = tx.QueryRow(ctx, `
			SELECT owner, expires_at, ttl_ms FROM refresh_token
			WHERE digest = $1 FOR UPDATE`, digest,
		).Scan(&own, &expiresAt, &ttlMs)
		if errors.Is(err, pgx.ErrNoRows) {
			res = RotateResult{Outcome: OutcomeNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		var owner Owner
		if err := json.Unmarshal(own, &owner); err != nil {
			return fmt.Errorf("decode owner: %w", err)
		}

		if !now.Before(expiresAt) {
			res = RotateResult{Outcome: OutcomeExpired, Owner: owner}
			return deleteToken(ctx, tx, fam, digest, current)
		}

		if current == nil || *current != digest {
			tag, err := tx.Exec(ctx, `DELETE FROM refresh_token WHERE family_id = $1`, fam)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM refresh_family WHERE family_id = $1`, fam); err != nil {
				return err
			}
			res = RotateResult{Outcome: OutcomeReplay, Owner: owner, Revoked: int(tag.RowsAffected())}
			return nil
		}

		ttl := time.Duration(ttlMs) * time.Millisecond
		if err := insertToken(ctx, tx, nextDigest, owner, own, now, now.Add(ttl), ttl); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE refresh_family SET current_digest = $2 WHERE family_id = $1`, fam, nextDigest,
		); err != nil {
			return err
		}
		res = RotateResult{Outcome: OutcomeRotated, Owner: owner}
		return nil
	})
	if err != nil {
		return RotateResult{}, fmt.Errorf("refresh postgres: rotate: %w", err)
	}
	return res, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, digest string) (bool, error) {
	var existed bool
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		fam, current, err := lockFamilyOf(ctx, tx, digest)
		if err != nil || fam == "" || current == nil || *current != digest {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM refresh_token WHERE digest = $1`, digest)
		if err != nil {
			return err
		}
		existed = tag.RowsAffected() > 0
		_, err = tx.Exec(ctx, `UPDATE refresh_family SET current_digest = NULL WHERE family_id = $1`, fam)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("refresh postgres: delete: %w", err)
	}
	return existed, nil
}

func (b *PostgresBackend) DeleteSubject(ctx context.Context, subjectID string) (int, error) {
	var live int
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT f.current_digest IS NOT NULL
			   AND EXISTS (SELECT 1 FROM refresh_token t WHERE t.digest = f.current_digest)
			FROM refresh_family f
			WHERE f.subject_id = $1
			ORDER BY f.family_id
			FOR UPDATE`, subjectID)
		if err != nil {
			return err
		}
		flags, err := pgx.CollectRows(rows, pgx.RowTo[bool])
		if err != nil {
			return err
		}
		for _, ok := range flags {
			if ok {
				live++
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM refresh_family WHERE subject_id = $1`, subjectID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM refresh_token WHERE subject_id = $1`, subjectID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("refresh postgres: delete subject: %w", err)
	}
	return live, nil
}

// Sweep trabaja en lotes de familias y saltea las que otra transacción tiene
// tomadas; las levanta un sweep posterior. También borra las familias que se
// quedaron sin tokens (logout o vencimiento al presentarse).
func (b *PostgresBackend) Sweep(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		var (
			locked int
			n      int
		)
		err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
				SELECT f.family_id FROM refresh_family f
				WHERE EXISTS (
					SELECT 1 FROM refresh_token t
					WHERE t.family_id = f.family_id AND t.expires_at < $1
				) OR NOT EXISTS (
					SELECT 1 FROM refresh_token t WHERE t.family_id = f.family_id
				)
				ORDER BY f.family_id
				LIMIT $2
				FOR UPDATE SKIP LOCKED`, now, b.sweepBatch)
			if err != nil {
				return err
			}
			fams, err := pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				return err
			}
			locked = len(fams)
			if locked == 0 {
				return nil
			}

			rows, err = tx.Query(ctx, `
				DELETE FROM refresh_token
				WHERE family_id = ANY($1) AND expires_at < $2
				RETURNING digest`, fams, now)
			if err != nil {
				return err
			}
			digests, err := pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				return err
			}

			// Solo cuenta como vivo el token actual de cada familia.
			tag, err := tx.Exec(ctx, `
				UPDATE refresh_family SET current_digest = NULL
				WHERE family_id = ANY($1) AND current_digest = ANY($2)`, fams, digests)
			if err != nil {
				return err
			}
			n = int(tag.RowsAffected())

			_, err = tx.Exec(ctx, `
				DELETE FROM refresh_family f
				WHERE f.family_id = ANY($1)
				  AND NOT EXISTS (SELECT 1 FROM refresh_token t WHERE t.family_id = f.family_id)`, fams)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("refresh postgres: sweep: %w", err)
		}
		total += n
		if locked < b.sweepBatch {
			return total, nil
		}
	}
}

func (b *PostgresBackend) Ping(ctx context.Context) error { return b.pool.Ping(ctx) }

func (b *PostgresBackend) Close() error {
	if b.owned && b.pool != nil {
		b.pool.Close()
	}
	return nil
}

// lockFamilyOf bloquea la fila de la familia de digest y devuelve su id y el
// puntero actual. Un id vacío significa que el token (o su familia) no existe.
func lockFamilyOf(ctx context.Context, tx pgx.Tx, digest string) (string, *string, error) {
	var fam string
	err := tx.QueryRow(ctx, `SELECT family_id FROM refresh_token WHERE digest = $1`, digest).Scan(&fam)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	var current *string
	err = tx.QueryRow(ctx,
		`SELECT current_digest FROM refresh_family WHERE family_id = $1 FOR UPDATE`, fam,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return fam, current, nil
}

func deleteToken(ctx context.Context, tx pgx.Tx, fam, digest string, current *string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM refresh_token WHERE digest = $1`, digest); err != nil {
		return err
	}
	if current != nil && *current == digest {
		_, err := tx.Exec(ctx, `UPDATE refresh_family SET current_digest = NULL WHERE family_id = $1`, fam)
		return err
	}
	return nil
}

func insertToken(ctx context.Context, tx pgx.Tx, digest string, owner Owner, own []byte, issuedAt, expiresAt time.Time, ttl time.Duration) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO refresh_token (digest, family_id, subject_id, owner, issued_at, expires_at, ttl_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		digest, owner.FamilyID, owner.SubjectID, own, issuedAt, expiresAt, ttl.Milliseconds(),
	)
	return err
}

func ttlOf(rec Record) time.Duration {
	if rec.TTL > 0 {
		return rec.TTL
	}
	return rec.ExpiresAt.Sub(rec.IssuedAt)
}
