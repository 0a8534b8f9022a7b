package merkle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ErrAmountOverflow is returned for values that do not fit in a 256-bit word
// and therefore cannot be committed on-chain.
var ErrAmountOverflow = errors.New("merkle: amount exceeds 256 bits")

// Leaf is a committed tree entry.
type Leaf interface {
	Hash() common.Hash
	// Empty returns the padding leaf of the same shape.
	Empty() Leaf
}

// Word converts v into a 256-bit word.
func Word(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("merkle: negative amount %s", v)
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return word, nil
}

func wordBytes(w *uint256.Int) []byte {
	if w == nil {
		var zero [32]byte
		return zero[:]
	}
	b := w.Bytes32()
	return b[:]
}

// AllotmentLeaf commits a wallet to its exclusive balance interval.
type AllotmentLeaf struct {
	Wallet common.Address
	Left   *uint256.Int
	Right  *uint256.Int
}

// NewAllotmentLeaf validates the interval bounds.
func NewAllotmentLeaf(wallet common.Address, left, right *big.Int) (AllotmentLeaf, error) {
	l, err := Word(left)
	if err != nil {
		return AllotmentLeaf{}, err
	}
	r, err := Word(right)
	if err != nil {
		return AllotmentLeaf{}, err
	}
	if r.Lt(l) {
		return AllotmentLeaf{}, fmt.Errorf("merkle: interval right %s below left %s", r.Dec(), l.Dec())
	}
	return AllotmentLeaf{Wallet: wallet, Left: l, Right: r}, nil
}

// Hash is keccak256(address || uint256(left) || uint256(right)).
func (l AllotmentLeaf) Hash() common.Hash {
	return crypto.Keccak256Hash(l.Wallet.Bytes(), wordBytes(l.Left), wordBytes(l.Right))
}

func (AllotmentLeaf) Empty() Leaf {
	return AllotmentLeaf{}
}

// PassiveLeaf commits one incoming transfer in a recipient's delivery tree.
type PassiveLeaf struct {
	Wallet       common.Address
	Left         *uint256.Int
	Right        *uint256.Int
	Nonce        uint64
	TransferHash common.Hash
}

// NewPassiveLeaf validates the interval bounds.
func NewPassiveLeaf(wallet common.Address, left, right *big.Int, nonce uint64, transferHash common.Hash) (PassiveLeaf, error) {
	base, err := NewAllotmentLeaf(wallet, left, right)
	if err != nil {
		return PassiveLeaf{}, err
	}
	return PassiveLeaf{Wallet: wallet, Left: base.Left, Right: base.Right, Nonce: nonce, TransferHash: transferHash}, nil
}

// Hash is keccak256(address || uint256(left) || uint256(right) ||
// uint256(nonce) || transfer hash).
func (l PassiveLeaf) Hash() common.Hash {
	nonce := uint256.NewInt(l.Nonce)
	return crypto.Keccak256Hash(l.Wallet.Bytes(), wordBytes(l.Left), wordBytes(l.Right), wordBytes(nonce), l.TransferHash.Bytes())
}

func (PassiveLeaf) Empty() Leaf {
	return PassiveLeaf{}
}
