package util

// MaskToken deja visibles los primeros 4 y los últimos 2 caracteres de un
// secreto para poder correlacionarlo en logs sin exponerlo.
func MaskToken(s string) string {
	r := []rune(s)
	switch {
	case len(r) == 0:
		return ""
	case len(r) <= 8:
		return "***"
	}
	return string(r[:4]) + "…" + string(r[len(r)-2:])
}
