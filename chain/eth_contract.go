package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"commitchain/storage"
)

// Backend is the subset of the Ethereum RPC used to read the verifier.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EthContract implements Contract against a live node.
type EthContract struct {
	backend Backend
	address common.Address
	limiter *rate.Limiter
}

// NewEthContract binds the verifier deployed at address. A nil limiter
// disables rate limiting.
func NewEthContract(backend Backend, address common.Address, limiter *rate.Limiter) *EthContract {
	return &EthContract{backend: backend, address: address, limiter: limiter}
}

func (c *EthContract) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *EthContract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := verifierABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := verifierABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *EthContract) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	values, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, values[0])
	}
	return v, nil
}

func (c *EthContract) callUint64(ctx context.Context, method string, args ...any) (uint64, error) {
	v, err := c.callUint(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s value %s exceeds uint64", method, v)
	}
	return v.Uint64(), nil
}

func (c *EthContract) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.backend.BlockNumber(ctx)
}

func (c *EthContract) CurrentEon(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "getCurrentEonNumber")
}

func (c *EthContract) CurrentSubBlock(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "getCurrentSubBlock")
}

func (c *EthContract) ExtendedSlackPeriod(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "extendedSlackPeriod")
}

func (c *EthContract) GenesisBlock(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "genesis")
}

func (c *EthContract) EonsKept(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "eonsKept")
}

func (c *EthContract) BlocksPerEon(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "blocksPerEon")
}

func (c *EthContract) ChallengeMinGasCost(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "challengeMinGasCost")
}

func (c *EthContract) UnmanagedFunds(ctx context.Context, token common.Address, eon uint64) (*big.Int, error) {
	return c.callUint(ctx, "getUnmanagedFunds", token, new(big.Int).SetUint64(eon))
}

func (c *EthContract) ManagedFunds(ctx context.Context, token common.Address, eon uint64) (*big.Int, error) {
	return c.callUint(ctx, "getManagedFunds", token, new(big.Int).SetUint64(eon))
}

func (c *EthContract) TotalBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	return c.callUint(ctx, "getTotalBalance", token)
}

func (c *EthContract) LastCheckpoint(ctx context.Context, token common.Address) (uint64, common.Hash, error) {
	values, err := c.call(ctx, "lastCheckpoint", token)
	if err != nil {
		return 0, common.Hash{}, err
	}
	if len(values) != 2 {
		return 0, common.Hash{}, fmt.Errorf("lastCheckpoint returned %d values", len(values))
	}
	eon, ok := values[0].(*big.Int)
	if !ok || !eon.IsUint64() {
		return 0, common.Hash{}, fmt.Errorf("lastCheckpoint eon %v", values[0])
	}
	root, ok := values[1].([32]byte)
	if !ok {
		return 0, common.Hash{}, fmt.Errorf("lastCheckpoint root %T", values[1])
	}
	return eon.Uint64(), common.Hash(root), nil
}

func (c *EthContract) MissedCheckpoint(ctx context.Context) (bool, error) {
	values, err := c.call(ctx, "hasMissedCheckpointSubmission")
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("hasMissedCheckpointSubmission returned %d values", len(values))
	}
	missed, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("hasMissedCheckpointSubmission returned %T", values[0])
	}
	return missed, nil
}

func (c *EthContract) LiveChallengeCount(ctx context.Context, eon uint64) (uint64, error) {
	return c.callUint64(ctx, "getLiveChallenges", new(big.Int).SetUint64(eon))
}

func (c *EthContract) filter(ctx context.Context, topic common.Hash, from, to uint64, extra ...[]common.Hash) ([]gethtypes.Log, error) {
	if to < from {
		return nil, nil
	}
	topics := append([][]common.Hash{{topic}}, extra...)
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics:    topics,
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	return logs, nil
}

func logRef(l gethtypes.Log) string {
	return fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index)
}

func (c *EthContract) LiveChallenges(ctx context.Context, token common.Address, eon uint64) ([]ChallengeEvent, error) {
	genesis, err := c.GenesisBlock(ctx)
	if err != nil {
		return nil, err
	}
	length, err := c.BlocksPerEon(ctx)
	if err != nil {
		return nil, err
	}
	if eon == 0 || length == 0 {
		return nil, nil
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	from := genesis + (eon-1)*length
	to := from + length - 1
	if to > head {
		to = head
	}
	logs, err := c.filter(ctx, challengeIssuedEventSignature, from, to, []common.Hash{common.BytesToHash(token.Bytes())})
	if err != nil {
		return nil, err
	}
	var out []ChallengeEvent
	for _, l := range logs {
		ev, err := decodeChallenge(l)
		if err != nil {
			return nil, err
		}
		if ev.Eon == eon && ev.Deadline > head {
			out = append(out, ev)
		}
	}
	return out, nil
}

func decodeChallenge(l gethtypes.Log) (ChallengeEvent, error) {
	if len(l.Topics) < 4 {
		return ChallengeEvent{}, fmt.Errorf("challenge log %s has %d topics", logRef(l), len(l.Topics))
	}
	values, err := verifierABI.Unpack("ChallengeIssued", l.Data)
	if err != nil {
		return ChallengeEvent{}, fmt.Errorf("unpack challenge: %w", err)
	}
	if len(values) != 4 {
		return ChallengeEvent{}, fmt.Errorf("challenge log %s has %d fields", logRef(l), len(values))
	}
	eon, _ := values[0].(*big.Int)
	deadline, _ := values[1].(*big.Int)
	kind, _ := values[2].(uint8)
	nonce, _ := values[3].(uint64)
	if eon == nil || deadline == nil {
		return ChallengeEvent{}, fmt.Errorf("challenge log %s malformed", logRef(l))
	}
	ev := ChallengeEvent{
		Ref:      logRef(l),
		Token:    common.BytesToAddress(l.Topics[1].Bytes()),
		Wallet:   common.BytesToAddress(l.Topics[2].Bytes()),
		Sender:   common.BytesToAddress(l.Topics[3].Bytes()),
		Eon:      eon.Uint64(),
		Deadline: deadline.Uint64(),
		Block:    l.BlockNumber,
	}
	switch kind {
	case 0:
		ev.Kind = storage.ChallengeStateUpdate
	case 1:
		ev.Kind = storage.ChallengeDelivery
		ev.Nonce = nonce
		ev.HasNonce = true
	default:
		return ChallengeEvent{}, fmt.Errorf("challenge log %s has unknown kind %d", logRef(l), kind)
	}
	return ev, nil
}

func (c *EthContract) Deposits(ctx context.Context, from, to uint64) ([]DepositEvent, error) {
	logs, err := c.filter(ctx, depositEventSignature, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]DepositEvent, 0, len(logs))
	for _, l := range logs {
		token, wallet, amount, err := decodeTransferLog("Deposit", l)
		if err != nil {
			return nil, err
		}
		out = append(out, DepositEvent{Ref: logRef(l), Token: token, Wallet: wallet, Amount: amount, Block: l.BlockNumber})
	}
	return out, nil
}

func (c *EthContract) WithdrawalRequests(ctx context.Context, from, to uint64) ([]WithdrawalRequestEvent, error) {
	logs, err := c.filter(ctx, withdrawalRequestEventSignature, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]WithdrawalRequestEvent, 0, len(logs))
	for _, l := range logs {
		token, wallet, amount, err := decodeTransferLog("WithdrawalRequest", l)
		if err != nil {
			return nil, err
		}
		out = append(out, WithdrawalRequestEvent{Ref: logRef(l), Token: token, Wallet: wallet, Amount: amount, Block: l.BlockNumber})
	}
	return out, nil
}

func decodeTransferLog(event string, l gethtypes.Log) (common.Address, common.Address, *big.Int, error) {
	if len(l.Topics) < 3 {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%s log %s has %d topics", event, logRef(l), len(l.Topics))
	}
	values, err := verifierABI.Unpack(event, l.Data)
	if err != nil {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("unpack %s: %w", event, err)
	}
	if len(values) != 1 {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%s log %s has %d fields", event, logRef(l), len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%s amount %T", event, values[0])
	}
	return common.BytesToAddress(l.Topics[1].Bytes()), common.BytesToAddress(l.Topics[2].Bytes()), amount, nil
}

var _ Contract = (*EthContract)(nil)
