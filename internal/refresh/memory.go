package refresh

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend guarda los registros en proceso. Un único mutex protege todos
// los mapas y solo se toma para operar sobre ellos, nunca para I/O ni para
// generar aleatorios.
type MemoryBackend struct {
	mu        sync.Mutex
	records   map[string]*Record             // digest -> record
	families  map[string]string              // family id -> current digest
	byFamily  map[string]map[string]struct{} // family id -> digests
	bySubject map[string]map[string]struct{} // subject id -> digests
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:   make(map[string]*Record),
		families:  make(map[string]string),
		byFamily:  make(map[string]map[string]struct{}),
		bySubject: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryBackend) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(rec)
	return nil
}

func (m *MemoryBackend) Rotate(ctx context.Context, digest, nextDigest string, now time.Time) (RotateResult, error) {
	if err := ctx.Err(); err != nil {
		return RotateResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[digest]
	if !ok {
		return RotateResult{Outcome: OutcomeNotFound}, nil
	}
	owner := rec.Owner.clone()

	if !now.Before(rec.ExpiresAt) {
		m.removeLocked(rec)
		return RotateResult{Outcome: OutcomeExpired, Owner: owner}, nil
	}

	fid := rec.Owner.FamilyID
	if m.families[fid] != digest {
		n := m.revokeFamilyLocked(fid)
		return RotateResult{Outcome: OutcomeReplay, Owner: owner, Revoked: n}, nil
	}

	// El registro gastado queda hasta su vencimiento para detectar un replay.
	m.insertLocked(Record{
		Digest:    nextDigest,
		Owner:     rec.Owner,
		IssuedAt:  now,
		ExpiresAt: now.Add(rec.TTL),
		TTL:       rec.TTL,
	})
	return RotateResult{Outcome: OutcomeRotated, Owner: owner}, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, digest string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[digest]
	if !ok || m.families[rec.Owner.FamilyID] != digest {
		return false, nil
	}
	m.removeLocked(rec)
	return true, nil
}

func (m *MemoryBackend) DeleteSubject(ctx context.Context, subjectID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	live := 0
	for d := range m.bySubject[subjectID] {
		rec := m.records[d]
		if rec == nil {
			continue
		}
		if m.families[rec.Owner.FamilyID] == d {
			live++
		}
		m.removeLocked(rec)
	}
	return live, nil
}

func (m *MemoryBackend) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, rec := range m.records {
		if !rec.ExpiresAt.Before(now) {
			continue
		}
		if m.families[rec.Owner.FamilyID] == rec.Digest {
			n++
		}
		m.removeLocked(rec)
	}
	return n, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }
func (m *MemoryBackend) Close() error               { return nil }

// Len devuelve cuántos registros (vivos y gastados) hay.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryBackend) insertLocked(rec Record) {
	r := rec
	m.records[r.Digest] = &r
	m.families[r.Owner.FamilyID] = r.Digest
	addIndex(m.byFamily, r.Owner.FamilyID, r.Digest)
	addIndex(m.bySubject, r.Owner.SubjectID, r.Digest)
}

func (m *MemoryBackend) removeLocked(rec *Record) {
	fid := rec.Owner.FamilyID
	delete(m.records, rec.Digest)
	if m.families[fid] == rec.Digest {
		delete(m.families, fid)
	}
	dropIndex(m.byFamily, fid, rec.Digest)
	dropIndex(m.bySubject, rec.Owner.SubjectID, rec.Digest)
}

func (m *MemoryBackend) revokeFamilyLocked(fid string) int {
	n := 0
	for d := range m.byFamily[fid] {
		if rec := m.records[d]; rec != nil {
			m.removeLocked(rec)
			n++
		}
	}
	delete(m.families, fid)
	delete(m.byFamily, fid)
	return n
}

func addIndex(idx map[string]map[string]struct{}, key, digest string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[digest] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, digest string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, digest)
	if len(set) == 0 {
		delete(idx, key)
	}
}
