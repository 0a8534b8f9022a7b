package merkle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Tree is a padded binary keccak tree over an ordered leaf list.
type Tree struct {
	levels [][]common.Hash
	size   int
}

// Build constructs a tree over leaves in the given order. The leaf list is
// padded with the empty leaf of the same shape up to the next power of two.
// An empty list yields a single empty allotment leaf.
func Build(leaves []Leaf) *Tree {
	var empty Leaf = AllotmentLeaf{}
	if len(leaves) > 0 {
		empty = leaves[0].Empty()
	}
	width := 1
	for width < len(leaves) {
		width <<= 1
	}
	base := make([]common.Hash, width)
	pad := empty.Hash()
	for i := range base {
		if i < len(leaves) {
			base[i] = leaves[i].Hash()
		} else {
			base[i] = pad
		}
	}
	levels := [][]common.Hash{base}
	for level := base; len(level) > 1; {
		next := make([]common.Hash, len(level)/2)
		for i := range next {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels, size: len(leaves)}
}

func hashPair(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left.Bytes(), right.Bytes())
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	return t.levels[len(t.levels)-1][0]
}

// Len returns the number of unpadded leaves.
func (t *Tree) Len() int {
	return t.size
}

// Proof returns the membership proof of leaf index i.
func (t *Tree) Proof(i int) (Proof, error) {
	if i < 0 || i >= t.size {
		return Proof{}, fmt.Errorf("merkle: leaf %d out of range [0,%d)", i, t.size)
	}
	proof := Proof{Leaf: t.levels[0][i], Root: t.Root()}
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		if idx%2 == 0 {
			proof.Siblings = append(proof.Siblings, level[idx+1])
			proof.Trail = append(proof.Trail, 0)
		} else {
			proof.Siblings = append(proof.Siblings, level[idx-1])
			proof.Trail = append(proof.Trail, 1)
		}
		idx /= 2
	}
	return proof, nil
}

// Proof is the sibling path of one leaf. Trail[i] is 0 when the node at
// height i is a left child and 1 when it is a right child.
type Proof struct {
	Siblings []common.Hash
	Trail    []uint8
	Leaf     common.Hash
	Root     common.Hash
}

// Verify recomputes the root from leaf and proof.
func Verify(root, leaf common.Hash, proof Proof) bool {
	if len(proof.Siblings) != len(proof.Trail) {
		return false
	}
	node := leaf
	for i, sibling := range proof.Siblings {
		switch proof.Trail[i] {
		case 0:
			node = hashPair(node, sibling)
		case 1:
			node = hashPair(sibling, node)
		default:
			return false
		}
	}
	return node == root
}

// SiblingBytes concatenates the sibling hashes for storage.
func (p Proof) SiblingBytes() []byte {
	out := make([]byte, 0, len(p.Siblings)*common.HashLength)
	for _, s := range p.Siblings {
		out = append(out, s.Bytes()...)
	}
	return out
}

// TrailString renders the trail as a bit string, leaf level first.
func (p Proof) TrailString() string {
	var b strings.Builder
	for _, bit := range p.Trail {
		b.WriteByte('0' + bit)
	}
	return b.String()
}

// DecodeProof rebuilds a proof from its stored form.
func DecodeProof(siblings []byte, trail string, leaf, root common.Hash) (Proof, error) {
	if len(siblings)%common.HashLength != 0 {
		return Proof{}, fmt.Errorf("merkle: sibling bytes length %d", len(siblings))
	}
	if len(siblings)/common.HashLength != len(trail) {
		return Proof{}, fmt.Errorf("merkle: %d siblings for %d trail bits", len(siblings)/common.HashLength, len(trail))
	}
	proof := Proof{Leaf: leaf, Root: root}
	for i := 0; i < len(siblings); i += common.HashLength {
		proof.Siblings = append(proof.Siblings, common.BytesToHash(siblings[i:i+common.HashLength]))
	}
	for _, c := range trail {
		switch c {
		case '0':
			proof.Trail = append(proof.Trail, 0)
		case '1':
			proof.Trail = append(proof.Trail, 1)
		default:
			return Proof{}, fmt.Errorf("merkle: invalid trail bit %q", c)
		}
	}
	return proof, nil
}

type proofJSON struct {
	Siblings []common.Hash `json:"siblings"`
	Trail    []int         `json:"trail"`
	Leaf     common.Hash   `json:"leaf"`
	Root     common.Hash   `json:"root"`
}

// MarshalJSON encodes hashes as 0x-hex and the trail as a list of bits.
func (p Proof) MarshalJSON() ([]byte, error) {
	out := proofJSON{Siblings: p.Siblings, Leaf: p.Leaf, Root: p.Root, Trail: make([]int, len(p.Trail))}
	if out.Siblings == nil {
		out.Siblings = []common.Hash{}
	}
	for i, bit := range p.Trail {
		out.Trail[i] = int(bit)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the MarshalJSON form.
func (p *Proof) UnmarshalJSON(data []byte) error {
	var in proofJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.Siblings = in.Siblings
	p.Leaf = in.Leaf
	p.Root = in.Root
	p.Trail = make([]uint8, len(in.Trail))
	for i, bit := range in.Trail {
		if bit != 0 && bit != 1 {
			return fmt.Errorf("merkle: invalid trail bit %d", bit)
		}
		p.Trail[i] = uint8(bit)
	}
	return nil
}
