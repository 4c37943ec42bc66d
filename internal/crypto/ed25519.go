// Package crypto provides the ed25519 signing collaborator used for votes,
// proposals and discovery announcements.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	cmtcrypto "github.com/cometbft/cometbft/crypto"
	"github.com/cometbft/cometbft/crypto/ed25519"
	cmtjson "github.com/cometbft/cometbft/libs/json"

	"consensus-core/internal/validator"
)

var ErrInvalidKey = errors.New("invalid ed25519 key")

// Ed25519Signer signs with a local private key. Its identity is the raw
// 32-byte public key.
type Ed25519Signer struct {
	priv ed25519.PrivKey
	pub  ed25519.PubKey
	id   validator.ID
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(priv ed25519.PrivKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(priv))
	}
	pub, ok := priv.PubKey().(ed25519.PubKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	id, err := validator.IDFromBytes(pub.Bytes())
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{priv: priv, pub: pub, id: id}, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() *Ed25519Signer {
	s, err := NewEd25519Signer(ed25519.GenPrivKey())
	if err != nil {
		// GenPrivKey always yields a well-formed key
		panic(err)
	}
	return s
}

// SignerFromSecret derives a deterministic key from secret. Test and devnet use only.
func SignerFromSecret(secret []byte) *Ed25519Signer {
	s, err := NewEd25519Signer(ed25519.GenPrivKeyFromSecret(secret))
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Ed25519Signer) ID() validator.ID { return s.id }

func (s *Ed25519Signer) PubKey() []byte { return append([]byte(nil), s.pub...) }

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return s.priv.Sign(msg)
}

// PrivKeyHex is used by keygen output.
func (s *Ed25519Signer) PrivKeyHex() string {
	return hex.EncodeToString(s.priv)
}

// Ed25519Verifier checks signatures against raw 32-byte public keys.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(pubKey, msg, sig []byte) bool {
	if len(pubKey) != ed25519.PubKeySize {
		return false
	}
	return ed25519.PubKey(pubKey).VerifySignature(msg, sig)
}

type keyFile struct {
	PubKey  cmtcrypto.PubKey  `json:"pub_key"`
	PrivKey cmtcrypto.PrivKey `json:"priv_key"`
}

// SaveKey writes the signer's key pair as amino-style JSON with mode 0600.
func SaveKey(path string, s *Ed25519Signer) error {
	bz, err := cmtjson.MarshalIndent(keyFile{PubKey: s.pub, PrivKey: s.priv}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if err := os.WriteFile(path, bz, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// LoadKey reads a key file written by SaveKey.
func LoadKey(path string) (*Ed25519Signer, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := cmtjson.Unmarshal(bz, &kf); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	priv, ok := kf.PrivKey.(ed25519.PrivKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, kf.PrivKey)
	}
	return NewEd25519Signer(priv)
}

// LoadOrGenerateKey loads path if it exists, otherwise generates a key and
// saves it there. An empty path yields an ephemeral key.
func LoadOrGenerateKey(path string) (*Ed25519Signer, error) {
	if path == "" {
		return GenerateSigner(), nil
	}
	if _, err := os.Stat(path); err == nil {
		return LoadKey(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s := GenerateSigner()
	if err := SaveKey(path, s); err != nil {
		return nil, err
	}
	return s, nil
}
