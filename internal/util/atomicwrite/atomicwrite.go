// Package atomicwrite escribe archivos de forma que un lector nunca ve un
// contenido a medias: tmp en el mismo directorio, fsync y rename.
package atomicwrite

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteFile reemplaza path con data. Si algo falla, el archivo anterior queda intacto.
func WriteFile(path string, data []byte, perm fs.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("atomicwrite: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicwrite: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("atomicwrite: chmod temp: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("atomicwrite: write temp: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("atomicwrite: fsync temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("atomicwrite: close temp: %w", err)
	}

	// Windows: rename sobre un destino bloqueado falla; remove + rename como fallback.
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			err = fmt.Errorf("atomicwrite: rename: %v (after remove: %w)", err, err2)
			return err
		}
		err = nil
	}
	return nil
}
