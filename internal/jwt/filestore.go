package jwt

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dropDatabas3/credgate/internal/security/secretbox"
	"github.com/dropDatabas3/credgate/internal/util/atomicwrite"
)

const ringFile = "keyring.json"

// FileKeyStore persiste el ring en <dir>/keyring.json. Ambas claves viven en un
// único archivo para que una rotación se escriba (o no) de una sola vez.
// Las privadas van cifradas con secretbox; la pública se guarda en PEM para
// inspección.
type FileKeyStore struct {
	dir string
	box *secretbox.Box
	mu  sync.Mutex
}

type keyFileEntry struct {
	KID           string    `json:"kid"`
	Algorithm     string    `json:"algorithm"`
	PrivateKeyEnc string    `json:"private_key_enc"`
	PublicKeyPEM  string    `json:"public_key_pem"`
	CreatedAt     time.Time `json:"created_at"`
}

type ringFileData struct {
	Current  *keyFileEntry `json:"current"`
	Previous *keyFileEntry `json:"previous,omitempty"`
	SavedAt  time.Time     `json:"saved_at"`
}

func NewFileKeyStore(dir string, box *secretbox.Box) (*FileKeyStore, error) {
	if dir == "" {
		return nil, errors.New("jwt: key directory is required")
	}
	if box == nil {
		return nil, errors.New("jwt: file key store needs a secretbox")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("jwt: create keys directory: %w", err)
	}
	return &FileKeyStore{dir: dir, box: box}, nil
}

func (s *FileKeyStore) path() string { return filepath.Join(s.dir, ringFile) }

// Load implements KeyPersister.
func (s *FileKeyStore) Load(_ context.Context) (*SigningKey, *SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", ringFile, err)
	}

	var data ringFileData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", ringFile, err)
	}
	if data.Current == nil {
		return nil, nil, fmt.Errorf("%s has no current key", ringFile)
	}

	cur, err := s.decode(data.Current)
	if err != nil {
		return nil, nil, fmt.Errorf("current key: %w", err)
	}
	var prev *SigningKey
	if data.Previous != nil {
		if prev, err = s.decode(data.Previous); err != nil {
			return nil, nil, fmt.Errorf("previous key: %w", err)
		}
	}
	return cur, prev, nil
}

// Save implements KeyPersister.
func (s *FileKeyStore) Save(_ context.Context, current, previous *SigningKey) error {
	if current == nil {
		return errors.New("jwt: cannot save a ring without a current key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data := ringFileData{SavedAt: time.Now().UTC()}
	var err error
	if data.Current, err = s.encode(current); err != nil {
		return err
	}
	if previous != nil {
		if data.Previous, err = s.encode(previous); err != nil {
			return err
		}
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ringFile, err)
	}
	return atomicwrite.WriteFile(s.path(), b, 0o600)
}

func (s *FileKeyStore) encode(k *SigningKey) (*keyFileEntry, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key %s: %w", k.KID, err)
	}
	enc, err := s.box.Seal(der)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key %s: %w", k.KID, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key %s: %w", k.KID, err)
	}
	return &keyFileEntry{
		KID:           k.KID,
		Algorithm:     k.Alg,
		PrivateKeyEnc: enc,
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		CreatedAt:     k.CreatedAt,
	}, nil
}

func (s *FileKeyStore) decode(e *keyFileEntry) (*SigningKey, error) {
	der, err := s.box.Open(e.PrivateKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", e.KID, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", e.KID, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s is not an RSA key", e.KID)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", e.KID, err)
	}
	alg := e.Algorithm
	if alg == "" {
		alg = AlgRS256
	}
	return &SigningKey{KID: e.KID, Alg: alg, CreatedAt: e.CreatedAt, priv: priv}, nil
}
