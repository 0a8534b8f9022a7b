// Package operatord wires the commit-chain operator: one ledger store, one
// chain client and one signer shared by every tick step.
package operatord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"commitchain/chain"
	"commitchain/config"
	"commitchain/core/admission"
	"commitchain/core/audit"
	"commitchain/core/challenge"
	"commitchain/core/checkpoint"
	"commitchain/core/hub"
	"commitchain/core/ledger"
	"commitchain/core/matching"
	"commitchain/core/passive"
	"commitchain/core/scheduler"
	hubsync "commitchain/core/sync"
	"commitchain/core/withdrawal"
	hubcrypto "commitchain/crypto"
	"commitchain/observability"
	"commitchain/observability/logging"
	"commitchain/services/operatord/server"
	"commitchain/storage"
)

// Step names of the tick graph.
const (
	StepSyncContract       = "sync_contract"
	StepRespondChallenges  = "respond_challenges"
	StepConfirmWithdrawals = "confirm_withdrawals"
	StepBroadcast          = "broadcast"
	StepAdmissions         = "admissions"
	StepDeposits           = "deposits"
	StepSlashWithdrawals   = "slash_withdrawals"
	StepPassiveTransfers   = "passive_transfers"
	StepSwaps              = "swaps"
	StepCheckpoint         = "checkpoint"
)

// Deps are the process-wide collaborators built once by the binary.
type Deps struct {
	Store    *storage.Store
	Contract chain.Contract
	Sender   chain.Sender
	Signer   *hubcrypto.KeySigner
	// BaseNonce is the operator account nonce used when the outgoing queue
	// is empty.
	BaseNonce uint64
	// Redis enables the shared tick lease when non-nil.
	Redis   redis.Cmdable
	Alerter scheduler.Alerter
	Logger  *slog.Logger
}

// Operator owns the tick scheduler and the admin server.
type Operator struct {
	cfg    config.Config
	store  *storage.Store
	logger *slog.Logger

	sync        *chain.Sync
	broadcaster *chain.Broadcaster
	ledger      *ledger.Ledger
	admissions  *admission.Service
	transfers   *passive.Service
	withdrawals *withdrawal.Service
	checkpoints *checkpoint.Manager
	challenges  *challenge.Engine
	swaps       *matching.Service
	auditor     *audit.Auditor
	pairs       []matching.Pair

	scheduler *scheduler.Scheduler
	server    *http.Server
	metrics   *observability.HubMetrics
}

// New wires every component against deps.
func New(cfg config.Config, deps Deps) (*Operator, error) {
	if deps.Store == nil || deps.Contract == nil || deps.Sender == nil || deps.Signer == nil {
		return nil, fmt.Errorf("operatord: store, contract, sender and signer are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := cfg.TokenAddresses()
	queue := chain.NewQueue(chain.QueueConfig{
		ChainID:   cfg.Chain.ChainID,
		From:      deps.Signer.Address(),
		Contract:  cfg.ContractAddress(),
		GasLimit:  cfg.Chain.GasLimit,
		BaseNonce: deps.BaseNonce,
	})

	op := &Operator{
		cfg:     cfg,
		store:   deps.Store,
		logger:  logger,
		metrics: observability.Hub(),
	}
	op.ledger = ledger.New(deps.Store, deps.Signer, ledger.WithLogger(logging.Component(logger, "ledger")))
	op.withdrawals = withdrawal.New(deps.Store, queue, withdrawal.WithLogger(logging.Component(logger, "withdrawal")))
	op.sync = chain.NewSync(deps.Store, deps.Contract, tokens, op.withdrawals,
		chain.WithMaxRange(cfg.Chain.MaxBlockRange),
		chain.WithSyncLogger(logging.Component(logger, "chain_sync")))
	op.broadcaster = chain.NewBroadcaster(deps.Store, deps.Sender, deps.Signer.Key(), cfg.Chain.ChainID,
		chain.WithConfirmations(cfg.Chain.Confirmations),
		chain.WithRebroadcastAfter(cfg.Chain.RebroadcastAfter),
		chain.WithBroadcastLogger(logging.Component(logger, "broadcaster")))
	op.admissions = admission.New(deps.Store, op.ledger, deps.Signer, logging.Component(logger, "admission"))
	op.transfers = passive.New(deps.Store, op.ledger, logging.Component(logger, "passive"))
	op.checkpoints = checkpoint.New(deps.Store, queue,
		checkpoint.WithLogger(logging.Component(logger, "checkpoint")),
		checkpoint.WithParallelism(cfg.Scheduler.Parallelism))
	op.challenges = challenge.New(deps.Store, deps.Contract, queue, tokens,
		challenge.WithLogger(logging.Component(logger, "challenge")))
	op.swaps = matching.New(deps.Store, op.ledger, matching.Engine{
		Inverse:        cfg.Matching.Inverse,
		Reverse:        cfg.Matching.Reverse,
		AllowSelfMatch: cfg.Matching.AllowSelfMatch,
	}, logging.Component(logger, "matching"))
	op.auditor = audit.New(deps.Store, logging.Component(logger, "audit"))
	for _, pair := range cfg.Pairs {
		op.pairs = append(op.pairs, matching.Pair{Base: pair.Base, Quote: pair.Quote})
	}

	var lease scheduler.Lease = scheduler.NewLocalLease()
	if deps.Redis != nil {
		redisLease, err := scheduler.NewRedisLease(deps.Redis, cfg.Scheduler.LeaseKey, cfg.Scheduler.LeaseTTL.Duration)
		if err != nil {
			return nil, err
		}
		lease = redisLease
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = scheduler.LogAlerter{Logger: logging.Component(logger, "alerts")}
	}
	sched, err := scheduler.New(op.Steps(), lease,
		scheduler.WithLogger(logging.Component(logger, "scheduler")),
		scheduler.WithAlerter(alerter),
		scheduler.WithInterval(cfg.Scheduler.Interval.Duration),
		scheduler.WithTimeout(cfg.Scheduler.Timeout.Duration))
	if err != nil {
		return nil, err
	}
	op.scheduler = sched

	admin := server.New(server.Config{
		Store:  deps.Store,
		Reader: hubsync.NewReader(deps.Store),
		Logger: logging.Component(logger, "admin"),
		// Ten missed ticks mark the mirror stale.
		MaxStaleness: 10 * cfg.Scheduler.Interval.Duration,
	})
	op.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           admin.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return op, nil
}

// Scheduler exposes the tick scheduler.
func (o *Operator) Scheduler() *scheduler.Scheduler {
	return o.scheduler
}

// Handler exposes the admin HTTP handler.
func (o *Operator) Handler() http.Handler {
	return o.server.Handler
}

// Steps returns the tick graph: the verifier pipeline keeps the contract
// mirror, challenge defence and confirmations moving while the accounting
// pipeline advances the ledger and commits the closed eon.
func (o *Operator) Steps() []scheduler.Step {
	return []scheduler.Step{
		{Name: StepSyncContract, Run: o.syncContract},
		{Name: StepRespondChallenges, After: []string{StepSyncContract}, Run: o.respondChallenges},
		{Name: StepConfirmWithdrawals, After: []string{StepRespondChallenges}, Run: o.confirmWithdrawals},
		{Name: StepBroadcast, After: []string{StepConfirmWithdrawals}, Run: o.broadcast},
		{Name: StepAdmissions, Run: o.admit},
		{Name: StepDeposits, After: []string{StepAdmissions}, Run: o.creditDeposits},
		{Name: StepSlashWithdrawals, After: []string{StepDeposits}, Run: o.slashWithdrawals},
		{Name: StepPassiveTransfers, After: []string{StepSlashWithdrawals}, Run: o.deliverTransfers},
		{Name: StepSwaps, After: []string{StepPassiveTransfers}, Run: o.matchSwaps},
		{Name: StepCheckpoint, After: []string{StepSwaps}, Run: o.checkpoint},
	}
}

// contractState returns the mirrored verifier state written by the last
// successful sync.
func (o *Operator) contractState(ctx context.Context) (storage.ContractState, error) {
	state, err := storage.LoadContractState(o.store.DB().WithContext(ctx))
	if errors.Is(err, storage.ErrNotSynced) {
		return storage.ContractState{}, hub.Unavailable("contract state", err)
	}
	return state, err
}

func (o *Operator) syncContract(ctx context.Context) error {
	_, err := o.sync.Run(ctx)
	return err
}

func (o *Operator) respondChallenges(ctx context.Context) error {
	state, err := o.contractState(ctx)
	if err != nil {
		return err
	}
	report, err := o.challenges.Respond(ctx, state)
	o.metrics.RecordChallenges(string(storage.ChallengeOpened), report.Opened)
	o.metrics.RecordChallenges(string(storage.ChallengeResponded), report.Responded)
	o.metrics.RecordChallenges(string(storage.ChallengeExpiredConceded), report.Conceded)
	return err
}

func (o *Operator) confirmWithdrawals(ctx context.Context) error {
	state, err := o.contractState(ctx)
	if err != nil {
		return err
	}
	n, err := o.withdrawals.Confirm(ctx, state)
	o.metrics.RecordWithdrawals("confirmed", n)
	return err
}

func (o *Operator) broadcast(ctx context.Context) error {
	mined, err := o.broadcaster.Reconcile(ctx)
	if err != nil {
		return err
	}
	sent, err := o.broadcaster.Broadcast(ctx)
	o.metrics.RecordBroadcasts(sent)
	if sent > 0 || mined > 0 {
		o.logger.InfoContext(ctx, "outgoing transactions", "sent", sent, "reconciled", mined)
	}
	return err
}

func (o *Operator) admit(ctx context.Context) error {
	state, err := o.contractState(ctx)
	if err != nil {
		return err
	}
	_, err = o.admissions.Admit(ctx, state.EonNumber)
	return err
}

func (o *Operator) creditDeposits(ctx context.Context) error {
	state, err := o.contractState(ctx)
	if err != nil {
		return err
	}
	_, err = o.admissions.CreditDeposits(ctx, state.EonNumber)
	return err
}

func (o *Operator) slashWithdrawals(ctx context.Context) error {
	state, err := o.contractState(ctx)
	if err != nil {
		return err
	}
	n, err := o.withdrawals.Slash(ctx, state.EonNumber)
	o.metrics.RecordWithdrawals("slashed", n)
	return err
}

// deliverTransfers settles the previous eon before the current one so the
// checkpoint of the current eon sees every delivery of the closed eon.
func (o *Operator) deliverTransfers(ctx context.Context) error {
	state, err := o.contractState(ctx)
	if err != nil {
		return err
	}
	var errs []error
	if state.EonNumber > 1 {
		if _, err := o.transfers.Deliver(ctx, state.EonNumber-1); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := o.transfers.Deliver(ctx, state.EonNumber); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Operator) matchSwaps(ctx context.Context) error {
	state, err := o.contractState(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, pair := range o.pairs {
		fills, err := o.swaps.Process(ctx, pair, state.EonNumber)
		o.metrics.RecordFills(pair.String(), fills)
		if err != nil {
			errs = append(errs, fmt.Errorf("pair %s: %w", pair, err))
		}
	}
	return errors.Join(errs...)
}

// checkpoint builds, self-audits and queues the commitment of every token for
// the current eon. A commitment that fails its own audit is never queued.
func (o *Operator) checkpoint(ctx context.Context) error {
	state, err := o.contractState(ctx)
	if err != nil {
		return err
	}
	if state.EonNumber == 0 || state.IsCheckpointSubmittedForCurrentEon {
		return hub.ErrAlreadyPerformed
	}
	eon := state.EonNumber
	var errs []error
	for _, token := range o.cfg.Tokens {
		result, err := o.checkpoints.Build(ctx, token, eon)
		switch {
		case err == nil:
			o.metrics.SetUpperBound(token, result.UpperBound)
		case errors.Is(err, hub.ErrAlreadyPerformed):
		default:
			errs = append(errs, fmt.Errorf("build %s: %w", token, err))
			continue
		}
		report, err := o.auditor.Check(ctx, token, eon)
		if err != nil {
			errs = append(errs, fmt.Errorf("audit %s: %w", token, err))
			continue
		}
		if !report.Solvent() {
			errs = append(errs, hub.Invariantf("checkpoint %s/%d failed self-audit: %v", token, eon, report.Issues))
			continue
		}
		if _, err := o.checkpoints.Submit(ctx, token, eon); err != nil && !errors.Is(err, hub.ErrAlreadyPerformed) {
			errs = append(errs, fmt.Errorf("submit %s: %w", token, err))
		}
	}
	return errors.Join(errs...)
}

// Run serves the admin API and ticks until ctx is cancelled. An admin server
// failure stops the scheduler before Run returns.
func (o *Operator) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		o.logger.Info("admin server listening", "addr", o.server.Addr)
		if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- o.scheduler.Run(ctx) }()

	var err error
	select {
	case err = <-serverErr:
		if err != nil {
			err = fmt.Errorf("admin server: %w", err)
		}
		stop()
		<-runErr
	case err = <-runErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := o.server.Shutdown(shutdownCtx); shutdownErr != nil {
		o.logger.Warn("admin server shutdown", "error", shutdownErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
