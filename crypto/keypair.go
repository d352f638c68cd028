package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"

	// AddressLength is the number of hex characters in a node address.
	AddressLength = 16
)

// Identity is the local node's signing keypair and the mesh address derived from it.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Address    string
}

// NewIdentity builds an Identity from an existing private key.
func NewIdentity(privateKey ed25519.PrivateKey) (Identity, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return Identity{}, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return Identity{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		Address:    AddressFromKey(publicKey),
	}, nil
}

// GenerateIdentity creates a fresh in-memory identity.
func GenerateIdentity() (Identity, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return NewIdentity(privateKey)
}

// EnsureIdentity loads the node identity from disk, generating and persisting it on first run.
func EnsureIdentity(privatePath, publicPath string) (Identity, error) {
	privateKey, err := LoadEd25519PrivateKey(privatePath)
	if err == nil {
		identity, err := NewIdentity(privateKey)
		if err != nil {
			return Identity{}, err
		}
		storedPublic, pubErr := LoadEd25519PublicKey(publicPath)
		if pubErr != nil || !storedPublic.Equal(identity.PublicKey) {
			if err := SaveEd25519PublicKey(publicPath, identity.PublicKey); err != nil {
				return Identity{}, err
			}
		}
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := SaveEd25519PrivateKey(privatePath, identity.PrivateKey); err != nil {
		return Identity{}, err
	}
	if err := SaveEd25519PublicKey(publicPath, identity.PublicKey); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// LoadEd25519PrivateKey loads an Ed25519 private key from a PEM file.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("load Ed25519 private key: %w", err)
	}
	return ed25519.PrivateKey(block), nil
}

// LoadEd25519PublicKey loads an Ed25519 public key from a PEM file.
func LoadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path, ed25519PublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("load Ed25519 public key: %w", err)
	}
	return ed25519.PublicKey(block), nil
}

// SaveEd25519PrivateKey writes an Ed25519 private key PEM file with 0600 permissions.
func SaveEd25519PrivateKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save Ed25519 private key: invalid key size %d", len(key))
	}
	return writePEM(path, ed25519PrivatePEMType, key, 0o600)
}

// SaveEd25519PublicKey writes an Ed25519 public key PEM file.
func SaveEd25519PublicKey(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("save Ed25519 public key: invalid key size %d", len(key))
	}
	return writePEM(path, ed25519PublicPEMType, key, 0o644)
}

// AddressFromKey derives the self-certifying mesh address of a public key.
func AddressFromKey(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])[:AddressLength]
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}
	return b.String()
}

func readPEM(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("invalid key size %d", len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, pemType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}
