package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"commitchain/core/merkle"
)

const verifierABIJSON = `[
{"type":"function","name":"getCurrentEonNumber","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getCurrentSubBlock","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"extendedSlackPeriod","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"genesis","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"eonsKept","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"blocksPerEon","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"challengeMinGasCost","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getUnmanagedFunds","stateMutability":"view","inputs":[{"name":"token","type":"address"},{"name":"eon","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getManagedFunds","stateMutability":"view","inputs":[{"name":"token","type":"address"},{"name":"eon","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getTotalBalance","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"lastCheckpoint","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"eon","type":"uint256"},{"name":"root","type":"bytes32"}]},
{"type":"function","name":"hasMissedCheckpointSubmission","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getLiveChallenges","stateMutability":"view","inputs":[{"name":"eon","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"submitCheckpoint","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"eon","type":"uint256"},{"name":"root","type":"bytes32"},{"name":"upperBound","type":"uint256"}],"outputs":[]},
{"type":"function","name":"confirmWithdrawals","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"wallet","type":"address"}],"outputs":[]},
{"type":"function","name":"slashWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"wallet","type":"address"},{"name":"eon","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"checksum","type":"bytes32"},{"name":"spendings","type":"uint256"},{"name":"gains","type":"uint256"}],"outputs":[]},
{"type":"function","name":"answerStateUpdateChallenge","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"wallet","type":"address"},{"name":"eon","type":"uint256"},{"name":"checksum","type":"bytes32"},{"name":"spendings","type":"uint256"},{"name":"gains","type":"uint256"},{"name":"txSetHash","type":"bytes32"},{"name":"nonce","type":"uint64"},{"name":"left","type":"uint256"},{"name":"right","type":"uint256"},{"name":"siblings","type":"bytes32[]"},{"name":"trail","type":"uint256"}],"outputs":[]},
{"type":"function","name":"answerDeliveryChallenge","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"sender","type":"address"},{"name":"recipient","type":"address"},{"name":"eon","type":"uint256"},{"name":"nonce","type":"uint64"},{"name":"transferHash","type":"bytes32"},{"name":"passiveLeft","type":"uint256"},{"name":"passiveRight","type":"uint256"},{"name":"passiveSiblings","type":"bytes32[]"},{"name":"passiveTrail","type":"uint256"},{"name":"left","type":"uint256"},{"name":"right","type":"uint256"},{"name":"siblings","type":"bytes32[]"},{"name":"trail","type":"uint256"}],"outputs":[]},
{"type":"event","name":"Deposit","anonymous":false,"inputs":[{"name":"token","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"WithdrawalRequest","anonymous":false,"inputs":[{"name":"token","type":"address","indexed":true},{"name":"requestor","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"ChallengeIssued","anonymous":false,"inputs":[{"name":"token","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"eon","type":"uint256","indexed":false},{"name":"deadline","type":"uint256","indexed":false},{"name":"kind","type":"uint8","indexed":false},{"name":"nonce","type":"uint64","indexed":false}]}
]`

var (
	verifierABI = mustParseABI(verifierABIJSON)

	depositEventSignature           = gethcrypto.Keccak256Hash([]byte("Deposit(address,address,uint256)"))
	withdrawalRequestEventSignature = gethcrypto.Keccak256Hash([]byte("WithdrawalRequest(address,address,uint256)"))
	challengeIssuedEventSignature   = gethcrypto.Keccak256Hash([]byte("ChallengeIssued(address,address,address,uint256,uint256,uint8,uint64)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse verifier abi: %v", err))
	}
	return parsed
}

// ABI returns the verifier contract ABI.
func ABI() abi.ABI {
	return verifierABI
}

// TrailMask packs proof trail bits into a word, leaf level at bit 0.
func TrailMask(trail []uint8) *big.Int {
	mask := new(big.Int)
	for i, bit := range trail {
		if bit == 1 {
			mask.SetBit(mask, i, 1)
		}
	}
	return mask
}

func siblingWords(siblings []common.Hash) [][32]byte {
	out := make([][32]byte, len(siblings))
	for i, s := range siblings {
		out[i] = s
	}
	return out
}

// PackSubmitCheckpoint encodes submitCheckpoint(token, eon, root, upperBound).
func PackSubmitCheckpoint(token common.Address, eon uint64, root common.Hash, upperBound *big.Int) ([]byte, error) {
	return verifierABI.Pack("submitCheckpoint", token, new(big.Int).SetUint64(eon), [32]byte(root), upperBound)
}

// PackConfirmWithdrawals encodes confirmWithdrawals(token, wallet).
func PackConfirmWithdrawals(token, wallet common.Address) ([]byte, error) {
	return verifierABI.Pack("confirmWithdrawals", token, wallet)
}

// SlashCall carries the evidence that a withdrawal request exceeds the
// requester's committed balance.
type SlashCall struct {
	Token     common.Address
	Wallet    common.Address
	Eon       uint64
	Amount    *big.Int
	Checksum  common.Hash
	Spendings *big.Int
	Gains     *big.Int
}

// PackSlashWithdrawal encodes slashWithdrawal.
func PackSlashWithdrawal(c SlashCall) ([]byte, error) {
	return verifierABI.Pack("slashWithdrawal", c.Token, c.Wallet, new(big.Int).SetUint64(c.Eon),
		orZero(c.Amount), [32]byte(c.Checksum), orZero(c.Spendings), orZero(c.Gains))
}

// StateUpdateAnswer is the defensive proof for a state-update challenge.
type StateUpdateAnswer struct {
	Token     common.Address
	Wallet    common.Address
	Eon       uint64
	Checksum  common.Hash
	Spendings *big.Int
	Gains     *big.Int
	TxSetHash common.Hash
	Nonce     uint64
	Left      *big.Int
	Right     *big.Int
	Proof     merkle.Proof
}

// PackStateUpdateAnswer encodes answerStateUpdateChallenge.
func PackStateUpdateAnswer(a StateUpdateAnswer) ([]byte, error) {
	return verifierABI.Pack("answerStateUpdateChallenge", a.Token, a.Wallet, new(big.Int).SetUint64(a.Eon),
		[32]byte(a.Checksum), orZero(a.Spendings), orZero(a.Gains), [32]byte(a.TxSetHash), a.Nonce,
		orZero(a.Left), orZero(a.Right), siblingWords(a.Proof.Siblings), TrailMask(a.Proof.Trail))
}

// DeliveryAnswer is the defensive proof for a delivery challenge.
type DeliveryAnswer struct {
	Token        common.Address
	Sender       common.Address
	Recipient    common.Address
	Eon          uint64
	Nonce        uint64
	TransferHash common.Hash
	PassiveLeft  *big.Int
	PassiveRight *big.Int
	PassiveProof merkle.Proof
	Left         *big.Int
	Right        *big.Int
	Proof        merkle.Proof
}

// PackDeliveryAnswer encodes answerDeliveryChallenge.
func PackDeliveryAnswer(a DeliveryAnswer) ([]byte, error) {
	return verifierABI.Pack("answerDeliveryChallenge", a.Token, a.Sender, a.Recipient, new(big.Int).SetUint64(a.Eon),
		a.Nonce, [32]byte(a.TransferHash), orZero(a.PassiveLeft), orZero(a.PassiveRight),
		siblingWords(a.PassiveProof.Siblings), TrailMask(a.PassiveProof.Trail),
		orZero(a.Left), orZero(a.Right), siblingWords(a.Proof.Siblings), TrailMask(a.Proof.Trail))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
