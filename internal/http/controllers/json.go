// Package controllers implementa los handlers HTTP de credgate.
package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	httperrors "github.com/dropDatabas3/credgate/internal/http/errors"
)

const maxBodyBytes = 1 << 20

// readJSON decodifica el body de forma tolerante (campos desconocidos se
// ignoran). Un body vacío deja v sin tocar.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httperrors.ErrBodyTooLarge
		}
		return httperrors.ErrInvalidJSON.WithCause(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
