// Package wallet tracks the spendable and staked token balance of a
// node. Every mutation appends a signed, content-addressed entry to an
// on-disk ledger, so the full history of the wallet can be audited and
// re-verified by anyone holding the node's public key.
//
// The wallet is the single money-moving object of a node and is
// serialized: all operations take the wallet lock, so concurrent
// auction, settlement and idle-reward paths observe a linear history.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"

	clock "github.com/jonboulle/clockwork"
	json "github.com/nikkolasg/hexjson"
	bolt "go.etcd.io/bbolt"

	"github.com/crunchmesh/crunchmesh/fs"
	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/metrics"
	"github.com/crunchmesh/crunchmesh/protocol"
)

var (
	// ErrInvalidAmount rejects non-positive amounts and unstakes larger
	// than the stake held for the job.
	ErrInvalidAmount = errors.New("wallet: invalid amount")
	// ErrInsufficientFunds rejects stakes larger than the spendable
	// balance. The auction treats it as "do not bid", not as a fault.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
)

// DefaultStartingBalance seeds a wallet that has no prior state on disk.
const DefaultStartingBalance = 100

// amountEpsilon absorbs float drift when comparing an unstake against
// the accumulated stake of a job.
const amountEpsilon = 1e-9

// Config holds the wallet dependencies and the initial funding.
type Config struct {
	Log   log.Logger
	Clock clock.Clock
	// Pair signs every ledger entry.
	Pair *key.Pair
	// Folder is the data directory holding the ledger database and the
	// wallet snapshot.
	Folder string
	// StartingBalance funds a brand new wallet. Ignored when a snapshot
	// already exists.
	StartingBalance float64
	// BoltOptions are passed through to the ledger database.
	BoltOptions *bolt.Options
}

func (c *Config) fillDefaults() {
	if c.Log == nil {
		c.Log = log.DefaultLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}
	if c.StartingBalance == 0 {
		c.StartingBalance = DefaultStartingBalance
	}
}

// Snapshot is the JSON-persisted state of the wallet, also served as the
// answer to a stats query. It carries the running totals needed to check
// conservation: deposits - withdrawals - slashed equals balance + staked.
type Snapshot struct {
	NodeID      string             `json:"node_id"`
	Balance     float64            `json:"balance"`
	Staked      float64            `json:"staked"`
	Stakes      map[string]float64 `json:"stakes,omitempty"`
	Deposits    float64            `json:"total_deposits"`
	Withdrawals float64            `json:"total_withdrawals"`
	Slashed     float64            `json:"total_slashed"`
	Entries     int                `json:"ledger_entries"`
	UpdatedAt   float64            `json:"updated_at"`
}

// Wallet is the node-global token store. The embedded lock serializes
// every mutation; reads copy state out under the same lock.
//
//nolint:gocritic// We do want to have a mutex here
type Wallet struct {
	sync.Mutex
	l     log.Logger
	clock clock.Clock
	pair  *key.Pair
	id    string

	balance float64
	staked  float64
	stakes  map[string]float64

	deposits    float64
	withdrawals float64
	slashed     float64

	txs      []*LedgerEntry
	appended int
	ledger   *Ledger
	file     string
}

// New opens the wallet for the given pair inside folder. A snapshot left
// by a previous run is restored; otherwise the wallet is funded with the
// configured starting balance, recorded as the first ledger entry.
func New(conf *Config) (*Wallet, error) {
	if conf.Pair == nil {
		return nil, errors.New("wallet: config needs a key pair")
	}
	conf.fillDefaults()
	id := conf.Pair.Public.ID()

	ledger, err := NewLedger(context.Background(), conf.Log, conf.Folder, conf.BoltOptions)
	if err != nil {
		return nil, fmt.Errorf("wallet: opening ledger: %w", err)
	}

	w := &Wallet{
		l:      conf.Log.Named("wallet"),
		clock:  conf.Clock,
		pair:   conf.Pair,
		id:     id,
		stakes: make(map[string]float64),
		ledger: ledger,
		file:   path.Join(conf.Folder, fmt.Sprintf("wallet_%s.json", id)),
	}
	if n, err := ledger.Len(context.Background()); err == nil {
		w.appended = n
	}

	if exists, _ := fs.Exists(w.file); exists {
		if err := w.restore(); err != nil {
			_ = ledger.Close(context.Background())
			return nil, err
		}
		w.l.Infow("wallet restored", "balance", w.balance, "staked", w.staked)
		metrics.WalletBalance.Set(w.balance)
		metrics.WalletStaked.Set(w.staked)
		return w, nil
	}

	if _, err := w.Deposit(conf.StartingBalance, "initial_balance", "", ""); err != nil {
		_ = ledger.Close(context.Background())
		return nil, err
	}
	w.l.Infow("wallet created", "balance", w.balance)
	return w, nil
}

func (w *Wallet) restore() error {
	buff, err := os.ReadFile(w.file)
	if err != nil {
		return fmt.Errorf("wallet: reading snapshot: %w", err)
	}
	snap := new(Snapshot)
	if err := json.Unmarshal(buff, snap); err != nil {
		return fmt.Errorf("wallet: decoding snapshot: %w", err)
	}
	if snap.NodeID != w.id {
		return fmt.Errorf("wallet: snapshot belongs to %s, not %s", snap.NodeID, w.id)
	}
	w.balance = snap.Balance
	w.staked = snap.Staked
	w.deposits = snap.Deposits
	w.withdrawals = snap.Withdrawals
	w.slashed = snap.Slashed
	for job, amount := range snap.Stakes {
		w.stakes[job] = amount
	}
	return nil
}

// NodeID returns the identity this wallet signs for.
func (w *Wallet) NodeID() string { return w.id }

// Ledger exposes the on-disk log for audit walks.
func (w *Wallet) Ledger() *Ledger { return w.ledger }

// Deposit credits the balance. Amount must be strictly positive.
func (w *Wallet) Deposit(amount float64, reason, jobID, fromNode string) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w.Lock()
	defer w.Unlock()
	return w.mutate(KindDeposit, amount, reason, jobID, fromNode, w.balance+amount, w.staked)
}

// Withdraw debits the balance. Amount must be strictly positive; asking
// for more than the balance is not an error, it returns no transaction.
func (w *Wallet) Withdraw(amount float64, reason, jobID string) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w.Lock()
	defer w.Unlock()
	if amount > w.balance {
		w.l.Debugw("withdraw exceeds balance", "amount", amount, "balance", w.balance)
		return nil, nil
	}
	return w.mutate(KindWithdraw, amount, reason, jobID, "", w.balance-amount, w.staked)
}

// Stake moves amount from the balance into escrow for the given job.
func (w *Wallet) Stake(amount float64, jobID string) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w.Lock()
	defer w.Unlock()
	if w.balance < amount {
		return nil, ErrInsufficientFunds
	}
	return w.mutate(KindStake, amount, "job_stake", jobID, "", w.balance-amount, w.staked+amount)
}

// Unstake releases amount of the job's escrow. On success the tokens
// return to the balance; otherwise they are slashed and leave the wallet
// for good. Asking for more than is staked for the job is invalid.
func (w *Wallet) Unstake(amount float64, jobID string, success bool) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w.Lock()
	defer w.Unlock()
	if amount > w.stakes[jobID]+amountEpsilon {
		return nil, ErrInvalidAmount
	}
	if success {
		return w.mutate(KindUnstake, amount, "stake_returned", jobID, "", w.balance+amount, w.staked-amount)
	}
	return w.mutate(KindSlash, amount, "stake_slashed", jobID, "", w.balance, w.staked-amount)
}

// mutate seals a ledger entry describing the post-state and only then
// commits it, so a signing failure leaves the wallet untouched. Callers
// hold the lock.
func (w *Wallet) mutate(kind string, amount float64, reason, jobID, fromNode string, balance, staked float64) (*LedgerEntry, error) {
	e := &LedgerEntry{
		NodeID:    w.id,
		Kind:      kind,
		Amount:    amount,
		Reason:    reason,
		JobID:     jobID,
		FromNode:  fromNode,
		Balance:   balance,
		Staked:    staked,
		Nonce:     protocol.NewNonce(),
		Timestamp: protocol.UnixSeconds(w.clock.Now()),
	}
	if err := e.seal(w.pair); err != nil {
		return nil, fmt.Errorf("wallet: sealing ledger entry: %w", err)
	}

	w.balance = balance
	w.staked = staked
	switch kind {
	case KindDeposit:
		w.deposits += amount
	case KindWithdraw:
		w.withdrawals += amount
	case KindSlash:
		w.slashed += amount
	}
	if jobID != "" {
		switch kind {
		case KindStake:
			w.stakes[jobID] += amount
		case KindUnstake, KindSlash:
			w.stakes[jobID] -= amount
			if w.stakes[jobID] <= amountEpsilon {
				delete(w.stakes, jobID)
			}
		}
	}

	// The on-disk log is best effort: a failed write is an audit gap,
	// not a reason to roll back money that already moved.
	if err := w.ledger.Append(context.Background(), e); err != nil {
		w.l.Errorw("ledger append failed", "kind", kind, "id", e.ID, "err", err)
	}
	w.txs = append(w.txs, e)
	w.appended++

	metrics.WalletBalance.Set(w.balance)
	metrics.WalletStaked.Set(w.staked)
	w.save()
	w.l.Debugw("wallet mutation", "kind", kind, "amount", amount,
		"balance", w.balance, "staked", w.staked)
	return e, nil
}

func (w *Wallet) save() {
	snap := w.snapshot()
	buff, err := json.Marshal(snap)
	if err != nil {
		w.l.Errorw("encoding wallet snapshot", "err", err)
		return
	}
	fd, err := fs.CreateSecureFile(w.file)
	if err != nil {
		w.l.Errorw("creating wallet snapshot", "file", w.file, "err", err)
		return
	}
	defer fd.Close()
	if _, err := fd.Write(buff); err != nil {
		w.l.Errorw("writing wallet snapshot", "file", w.file, "err", err)
	}
}

func (w *Wallet) snapshot() *Snapshot {
	stakes := make(map[string]float64, len(w.stakes))
	for job, amount := range w.stakes {
		stakes[job] = amount
	}
	return &Snapshot{
		NodeID:      w.id,
		Balance:     w.balance,
		Staked:      w.staked,
		Stakes:      stakes,
		Deposits:    w.deposits,
		Withdrawals: w.withdrawals,
		Slashed:     w.slashed,
		Entries:     w.appended,
		UpdatedAt:   protocol.UnixSeconds(w.clock.Now()),
	}
}

// Balance returns the spendable tokens.
func (w *Wallet) Balance() float64 {
	w.Lock()
	defer w.Unlock()
	return w.balance
}

// Staked returns the total escrowed tokens across all jobs.
func (w *Wallet) Staked() float64 {
	w.Lock()
	defer w.Unlock()
	return w.staked
}

// StakedFor returns the escrow held for one job.
func (w *Wallet) StakedFor(jobID string) float64 {
	w.Lock()
	defer w.Unlock()
	return w.stakes[jobID]
}

// CanAfford reports whether the balance covers the amount.
func (w *Wallet) CanAfford(amount float64) bool {
	w.Lock()
	defer w.Unlock()
	return w.balance >= amount
}

// Stats returns a copy of the wallet state.
func (w *Wallet) Stats() *Snapshot {
	w.Lock()
	defer w.Unlock()
	return w.snapshot()
}

// Transactions returns the entries appended during this process run, in
// order. The on-disk ledger holds the full history.
func (w *Wallet) Transactions() []*LedgerEntry {
	w.Lock()
	defer w.Unlock()
	txs := make([]*LedgerEntry, len(w.txs))
	copy(txs, w.txs)
	return txs
}

// Close writes a final snapshot and closes the ledger database.
func (w *Wallet) Close() error {
	w.Lock()
	w.save()
	w.Unlock()
	return w.ledger.Close(context.Background())
}
