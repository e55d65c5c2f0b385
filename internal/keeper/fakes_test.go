package keeper

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"pm-keeper/internal/ledger"
	"pm-keeper/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var errRateLimited = ledger.NewError(ledger.KindEndpointTransient, "sendTransaction", errors.New("429 Too Many Requests: request limit reached"))

type sentCall struct {
	sub   ledger.Submission
	op    ledger.Op
	batch []common.Address
	hash  common.Hash
}

// fakeRemote is an in-memory ledger shared by every endpoint of a test.
type fakeRemote struct {
	t *testing.T

	positions    map[ledger.Op][]common.Address
	positionErrs map[ledger.Op]error
	positionRead []ledger.Op

	nonce      uint64
	nonceErr   error
	nonceReads int

	estimate    uint64
	estimateErr error
	quote       ledger.FeeQuote
	quoteErr    error

	// submitErr is consulted for the n-th submission (1-based).
	submitErr func(n int, sub ledger.Submission) error
	sent      []sentCall
	attempts  int

	// receiptFn overrides the default of an immediate successful receipt.
	receiptFn    func(hash common.Hash, poll int) (ledger.Receipt, bool, error)
	receiptPolls map[common.Hash]int
}

func newFakeRemote(t *testing.T) *fakeRemote {
	return &fakeRemote{
		t:            t,
		positions:    make(map[ledger.Op][]common.Address),
		positionErrs: make(map[ledger.Op]error),
		nonce:        7,
		estimate:     100_000,
		quote:        ledger.FeeQuote{GasPrice: big.NewInt(10_000_000_000), TipCap: big.NewInt(1_000_000_000)},
		receiptPolls: make(map[common.Hash]int),
	}
}

func (f *fakeRemote) Positions(ctx context.Context, op ledger.Op) ([]common.Address, error) {
	f.positionRead = append(f.positionRead, op)
	if err := f.positionErrs[op]; err != nil {
		return nil, err
	}
	return f.positions[op], nil
}

func (f *fakeRemote) MarketSizes(ctx context.Context) (ledger.MarketSizes, error) {
	return ledger.MarketSizes{Short: big.NewInt(600), Long: big.NewInt(400)}, nil
}

func (f *fakeRemote) PendingNonce(ctx context.Context) (uint64, error) {
	f.nonceReads++
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.nonce, nil
}

func (f *fakeRemote) EstimateGas(ctx context.Context, data []byte) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeRemote) FeeQuote(ctx context.Context) (ledger.FeeQuote, error) {
	if f.quoteErr != nil {
		return ledger.FeeQuote{}, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeRemote) Submit(ctx context.Context, sub ledger.Submission) (common.Hash, error) {
	f.attempts++
	op, batch, err := ledger.DecodeCall(sub.Data)
	if err != nil {
		f.t.Fatalf("test ledger could not decode call: %v", err)
	}
	hash := common.BigToHash(big.NewInt(int64(1000 + f.attempts)))
	f.sent = append(f.sent, sentCall{sub: sub, op: op, batch: batch, hash: hash})
	if f.submitErr != nil {
		if err := f.submitErr(f.attempts, sub); err != nil {
			return common.Hash{}, err
		}
	}
	return hash, nil
}

func (f *fakeRemote) Receipt(ctx context.Context, hash common.Hash) (ledger.Receipt, bool, error) {
	f.receiptPolls[hash]++
	if f.receiptFn != nil {
		return f.receiptFn(hash, f.receiptPolls[hash])
	}
	return ledger.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 50_000, BlockNumber: 1}, true, nil
}

func (f *fakeRemote) Close() {}

func (f *fakeRemote) nonces() []uint64 {
	out := make([]uint64, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.sub.Nonce)
	}
	return out
}

type fakeEndpoints struct {
	remote    *fakeRemote
	urls      []string
	index     int
	rotations int
}

func newFakeEndpoints(remote *fakeRemote) *fakeEndpoints {
	return &fakeEndpoints{remote: remote, urls: []string{"https://a.example", "https://b.example", "https://c.example"}}
}

func (f *fakeEndpoints) Remote(ctx context.Context) (ledger.Remote, error) {
	return f.remote, nil
}

func (f *fakeEndpoints) Rotate() string {
	f.rotations++
	f.index = (f.index + 1) % len(f.urls)
	return f.urls[f.index]
}

func (f *fakeEndpoints) Current() string {
	return f.urls[f.index]
}

func (f *fakeEndpoints) Index() int {
	return f.index
}

type countingCounter struct {
	n int
}

func (c *countingCounter) Inc() {
	c.n++
}

type recordingSink struct {
	outcomes []Outcome
	phases   []PhaseResult
}

func (r *recordingSink) Outcome(cycleID string, op ledger.Op, outcome Outcome) {
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingSink) Phase(cycleID string, phase PhaseResult) {
	r.phases = append(r.phases, phase)
}

type harness struct {
	remote    *fakeRemote
	endpoints *fakeEndpoints
	seq       *Sequencer
	sched     *Scheduler
	cycle     *Cycle
	sink      *recordingSink
	rotations *countingCounter
	resyncs   *countingCounter
}

type harnessOpts struct {
	sizes       BatchSizes
	maxAttempts int
	maxPolls    int
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.sizes == (BatchSizes{}) {
		opts.sizes = BatchSizes{Funding: 400, Liquidation: 5}
	}
	if opts.maxAttempts == 0 {
		opts.maxAttempts = 5
	}
	if opts.maxPolls == 0 {
		opts.maxPolls = 3
	}
	log := zap.NewNop()
	m := metrics.NewNoop()
	rotations := &countingCounter{}
	resyncs := &countingCounter{}
	m.EndpointRotations = rotations
	m.NonceResyncs = resyncs

	remote := newFakeRemote(t)
	endpoints := newFakeEndpoints(remote)
	seq := NewSequencer(log, m)
	retry := RetryPolicy{MaxAttempts: opts.maxAttempts}
	sink := &recordingSink{}
	sched, err := NewScheduler(SchedulerDeps{
		Endpoints: endpoints,
		Sequencer: seq,
		Gas:       NewGasEstimator(10, 30_000_000, log, m),
		Fees:      FeePolicy{FundingMultiplier: 2, LiquidationMultiplier: 2, UnderpricedBump: 1.25, FallbackGasPrice: big.NewInt(5_000_000_000)},
		Retry:     retry,
		Waiter:    NewWaiter(0, opts.maxPolls, nil, log),
		Sizes:     opts.sizes,
		Sink:      sink,
		Log:       log,
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	cycle, err := NewCycle(CycleDeps{
		Endpoints:    endpoints,
		Sequencer:    seq,
		Scheduler:    sched,
		Retry:        retry,
		ReadAttempts: 3,
		Sink:         sink,
		Log:          log,
		Metrics:      m,
	})
	if err != nil {
		t.Fatalf("new cycle: %v", err)
	}
	return &harness{
		remote:    remote,
		endpoints: endpoints,
		seq:       seq,
		sched:     sched,
		cycle:     cycle,
		sink:      sink,
		rotations: rotations,
		resyncs:   resyncs,
	}
}

// syncAndRun syncs the sequencer and runs one phase directly.
func (h *harness) syncAndRun(t *testing.T, ctx context.Context, op ledger.Op, work []common.Address) PhaseResult {
	t.Helper()
	if err := h.seq.Sync(ctx, h.remote); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return h.sched.Run(ctx, op, work)
}

func positions(n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		out[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
	}
	return out
}
