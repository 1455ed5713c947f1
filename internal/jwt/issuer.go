package jwt

import "time"

// Issuer firma access tokens con la clave que el ring tenga como actual.
type Issuer struct {
	codec *Codec
	ring  *KeyRing
}

func NewIssuer(codec *Codec, ring *KeyRing) *Issuer {
	return &Issuer{codec: codec, ring: ring}
}

// Issue firma claims con la clave actual.
func (i *Issuer) Issue(claims Claims) (string, error) {
	return i.codec.Sign(claims, i.ring.Current())
}

// AccessTTL es la vida que Issue da a tokens sin vencimiento explícito.
func (i *Issuer) AccessTTL() time.Duration { return i.codec.accessTTL }
