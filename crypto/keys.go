package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = crypto.SignatureLength

// ErrBadSignature is returned when a signature does not recover to the
// expected signer.
var ErrBadSignature = errors.New("crypto: signature does not match signer")

// PrivateKey is the operator's secp256k1 key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the base-chain account of the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Signer produces the operator countersignatures attached to wallets, active
// states and checkpoints.
type Signer interface {
	Address() common.Address
	Sign(digest common.Hash) ([]byte, error)
}

// KeySigner signs digests with an in-memory private key.
type KeySigner struct {
	key *PrivateKey
}

// NewKeySigner wraps key.
func NewKeySigner(key *PrivateKey) (*KeySigner, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return &KeySigner{key: key}, nil
}

// Address returns the signing account.
func (s *KeySigner) Address() common.Address {
	return s.key.Address()
}

// Key exposes the raw key for transaction signing.
func (s *KeySigner) Key() *ecdsa.PrivateKey {
	return s.key.PrivateKey
}

// Sign returns a 65-byte [R || S || V] signature over digest.
func (s *KeySigner) Sign(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

// RecoverAddress returns the account that produced sig over digest.
func RecoverAddress(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("crypto: signature length %d", len(sig))
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that sig over digest was produced by signer.
func VerifySignature(signer common.Address, digest common.Hash, sig []byte) error {
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		return err
	}
	if recovered != signer {
		return ErrBadSignature
	}
	return nil
}
