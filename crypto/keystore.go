package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"
)

// ErrWrongPassphrase is returned when a keystore does not decrypt.
var ErrWrongPassphrase = errors.New("crypto: keystore passphrase rejected")

// KeystoreOption tunes keystore encryption.
type KeystoreOption func(*keystoreParams)

type keystoreParams struct {
	scryptN int
	scryptP int
}

// WithLightScrypt trades brute-force resistance for speed. Only tests and
// throwaway devnet keys should use it.
func WithLightScrypt() KeystoreOption {
	return func(p *keystoreParams) {
		p.scryptN = keystore.LightScryptN
		p.scryptP = keystore.LightScryptP
	}
}

// SaveToKeystore encrypts key as an Ethereum v3 keystore at path. The file is
// written next to its final location and renamed into place so a crash never
// leaves a truncated keystore behind.
func SaveToKeystore(path string, key *PrivateKey, passphrase string, opts ...KeystoreOption) error {
	if key == nil || key.PrivateKey == nil {
		return errors.New("crypto: nil private key")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	params := keystoreParams{scryptN: keystore.StandardScryptN, scryptP: keystore.StandardScryptP}
	for _, opt := range opts {
		opt(&params)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("crypto: keystore id: %w", err)
	}
	encoded, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, params.scryptN, params.scryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt keystore: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, ErrWrongPassphrase
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: decode keystore: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// LoadSigner decrypts the operator keystore and wraps it as a Signer.
func LoadSigner(path, passphrase string) (*KeySigner, error) {
	key, err := LoadFromKeystore(path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("load operator keystore: %w", err)
	}
	return NewKeySigner(key)
}
