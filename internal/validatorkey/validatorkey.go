// Package validatorkey manages a validator's BLS signing key on disk,
// adapting internal/wallet's Argon2id/XChaCha20-Poly1305 keystore pattern
// from a BIP-44 seed to a single BLS12-381 scalar. Keys may be generated
// directly or derived from a BIP-39 mnemonic, matching the teacher's
// wallet recovery-phrase convention.
package validatorkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

// hkdfInfo scopes the key material derived from a BIP-39 seed to this
// engine's validator keys, so the same mnemonic used for a wallet and a
// validator key never collide.
var hkdfInfo = []byte("klingnet-validator-bls-v1")

// GenerateMnemonic returns a new 24-word BIP-39 mnemonic (256 bits of
// entropy), matching the wallet's recovery-phrase strength.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("validatorkey: generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("validatorkey: build mnemonic: %w", err)
	}
	return mnemonic, nil
}

// DeriveFromMnemonic derives a BLS secret key from a BIP-39 mnemonic and
// optional passphrase. The mnemonic's BIP-39 seed is expanded via HKDF-
// SHA256 into 32 bytes of IKM for crypto.GenerateBLSKey, rather than
// reused directly, so the same mnemonic never produces colliding key
// material across unrelated derivation contexts.
func DeriveFromMnemonic(mnemonic, passphrase string) (*crypto.BLSSecretKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("validatorkey: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	ikm := make([]byte, 32)
	kdf := hkdf.New(sha256.New, seed, nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, ikm); err != nil {
		return nil, fmt.Errorf("validatorkey: expand seed: %w", err)
	}
	return crypto.GenerateBLSKey(ikm)
}

// keyFile is the on-disk JSON format for an encrypted validator key.
type keyFile struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Mnemonic  bool      `json:"mnemonic"` // true: Encrypted holds a BIP-39 mnemonic; false: a raw 32-byte scalar
	Encrypted []byte    `json:"encrypted"`
}

// Keystore manages encrypted validator key files on disk, one per
// validator identity the node can act as.
type Keystore struct {
	path string
}

// NewKeystore creates a keystore rooted at path, creating the directory if
// it doesn't exist.
func NewKeystore(path string) (*Keystore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("validatorkey: create keystore dir: %w", err)
	}
	return &Keystore{path: path}, nil
}

func (ks *Keystore) keyPath(name string) string {
	return filepath.Join(ks.path, name+".blskey")
}

// CreateFromMnemonic encrypts and stores a freshly generated mnemonic
// under name, returning the mnemonic so the caller can display it once
// for backup.
func (ks *Keystore) CreateFromMnemonic(name string, password []byte, params wallet.EncryptionParams) (string, error) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return "", err
	}
	if err := ks.writeEncrypted(name, []byte(mnemonic), true, password, params); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// ImportRaw encrypts and stores an existing BLS secret key's 32-byte
// scalar directly, bypassing mnemonic derivation (e.g. for keys migrated
// from another node).
func (ks *Keystore) ImportRaw(name string, sk *crypto.BLSSecretKey, password []byte, params wallet.EncryptionParams) error {
	return ks.writeEncrypted(name, sk.Serialize(), false, password, params)
}

func (ks *Keystore) writeEncrypted(name string, payload []byte, mnemonic bool, password []byte, params wallet.EncryptionParams) error {
	path := ks.keyPath(name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("validatorkey: key %q already exists", name)
	}

	encrypted, err := wallet.Encrypt(payload, password, params)
	if err != nil {
		return fmt.Errorf("validatorkey: encrypt: %w", err)
	}

	kf := keyFile{Version: 1, CreatedAt: time.Now().UTC(), Mnemonic: mnemonic, Encrypted: encrypted}
	data, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return fmt.Errorf("validatorkey: marshal keyfile: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Load decrypts name's key file and returns the BLS secret key, deriving
// it from a stored mnemonic if that's how the key was created.
func (ks *Keystore) Load(name string, password []byte) (*crypto.BLSSecretKey, error) {
	data, err := os.ReadFile(ks.keyPath(name))
	if err != nil {
		return nil, fmt.Errorf("validatorkey: read keyfile: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("validatorkey: parse keyfile: %w", err)
	}

	payload, err := wallet.Decrypt(kf.Encrypted, password)
	if err != nil {
		return nil, fmt.Errorf("validatorkey: decrypt: %w", err)
	}

	if kf.Mnemonic {
		return DeriveFromMnemonic(string(payload), "")
	}
	return crypto.BLSSecretKeyFromBytes(payload)
}

// List returns the names of every validator key stored in the keystore.
func (ks *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(ks.path)
	if err != nil {
		return nil, fmt.Errorf("validatorkey: read keystore dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".blskey" {
			names = append(names, e.Name()[:len(e.Name())-len(ext)])
		}
	}
	return names, nil
}

// randomIKM returns 32 bytes of crypto/rand entropy, used by callers that
// want a fresh key with no recoverable mnemonic.
func randomIKM() ([]byte, error) {
	ikm := make([]byte, 32)
	if _, err := rand.Read(ikm); err != nil {
		return nil, fmt.Errorf("validatorkey: read random ikm: %w", err)
	}
	return ikm, nil
}

// GenerateRaw creates a new BLS secret key with no mnemonic backing.
func GenerateRaw() (*crypto.BLSSecretKey, error) {
	ikm, err := randomIKM()
	if err != nil {
		return nil, err
	}
	return crypto.GenerateBLSKey(ikm)
}
