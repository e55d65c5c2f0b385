package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pm-keeper/internal/alerts"
	"pm-keeper/internal/config"
	"pm-keeper/internal/endpoint"
	"pm-keeper/internal/heads"
	"pm-keeper/internal/keeper"
	"pm-keeper/internal/ledger"
	"pm-keeper/internal/metrics"
	"pm-keeper/internal/state"
	"pm-keeper/internal/state/sqlite"
	"pm-keeper/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	headsReconnectDelay = 2 * time.Second
	headsPingInterval   = 20 * time.Second
	alertTimeout        = 10 * time.Second
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	signer    *ledger.Signer
	pool      *endpoint.Pool
	cycle     *keeper.Cycle
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	timescale *timescale.Writer
	alerts    *alerts.Telegram
	heads     *heads.Watcher
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	signer, err := ledger.NewSigner(cfg.Signer.PrivateKey)
	if err != nil {
		return nil, err
	}
	opts := ledger.Options{
		Ledger:  common.HexToAddress(strings.TrimSpace(cfg.Chain.LedgerAddress)),
		Signer:  signer,
		ChainID: cfg.Chain.ChainID,
		Timeout: cfg.Chain.Timeout,
	}
	dial := func(ctx context.Context, url string) (ledger.Remote, error) {
		return ledger.Dial(ctx, url, opts)
	}
	a, err := newApp(cfg, log, dial)
	if err != nil {
		return nil, err
	}
	a.signer = signer
	return a, nil
}

func newApp(cfg *config.Config, log *zap.Logger, dial endpoint.DialFunc) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	pool, err := endpoint.New(cfg.Chain.RPCURLs, dial, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		log:    log,
		store:  store,
		pool:   pool,
		alerts: alerts.NewTelegram(cfg.Telegram, cfg.Chain.Name, log),
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		// History is optional; the keeper runs without it.
		log.Warn("timescale disabled", zap.Error(err))
	}
	a.timescale = writer

	var wake <-chan struct{}
	if url := strings.TrimSpace(cfg.Chain.WSURL); url != "" {
		a.heads = heads.New(url, headsReconnectDelay, headsPingInterval, log)
		wake = a.heads.Wake()
	}

	var sink keeper.Sink
	if a.timescale != nil {
		sink = &historySink{writer: a.timescale}
	}
	retry := keeper.RetryPolicy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		StalePause:   cfg.Retry.StalePause,
	}
	seq := keeper.NewSequencer(log, a.metrics)
	sched, err := keeper.NewScheduler(keeper.SchedulerDeps{
		Endpoints: pool,
		Sequencer: seq,
		Gas:       keeper.NewGasEstimator(cfg.Gas.BufferPct, cfg.Gas.FallbackLimit, log, a.metrics),
		Fees:      keeper.FeePolicyFromConfig(cfg.Fees),
		Retry:     retry,
		Waiter:    keeper.NewWaiter(cfg.Confirm.PollInterval, cfg.Confirm.MaxPolls, wake, log),
		Sizes: keeper.BatchSizes{
			Funding:     cfg.Batch.FundingSize,
			Liquidation: cfg.Batch.LiquidationSize,
		},
		Pacing:  cfg.Batch.Pacing,
		Sink:    sink,
		Log:     log,
		Metrics: a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	cycle, err := keeper.NewCycle(keeper.CycleDeps{
		Endpoints:    pool,
		Sequencer:    seq,
		Scheduler:    sched,
		Retry:        retry,
		ReadAttempts: cfg.Cycle.ReadAttempts,
		PhasePacing:  cfg.Cycle.PhasePacing,
		Sink:         sink,
		Log:          log,
		Metrics:      a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cycle = cycle
	return a, nil
}

// Run executes one cycle, or cycles every cycle.interval when loop is set,
// until ctx is cancelled.
func (a *App) Run(ctx context.Context, mode keeper.Mode, loop bool) error {
	defer a.Close()
	a.restore(ctx)

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.startMetricsServer(bgCtx)
	a.timescale.Start(bgCtx)
	if a.heads != nil {
		go func() {
			if err := a.heads.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("heads watcher stopped", zap.Error(err))
			}
		}()
	}

	a.log.Info("keeper starting",
		zap.String("chain", a.cfg.Chain.Name),
		zap.String("ledger", a.cfg.Chain.LedgerAddress),
		zap.String("mode", string(mode)),
		zap.Bool("loop", loop),
		zap.Int("endpoints", a.pool.Len()),
		zap.String("endpoint", a.pool.Current()),
	)
	if loop {
		return a.cycle.RunLoop(ctx, mode, a.cfg.Cycle.Interval, func(report keeper.Report) {
			a.afterCycle(ctx, report)
		})
	}
	report, err := a.cycle.RunOnce(ctx, mode)
	if report.CycleID != "" {
		a.afterCycle(ctx, report)
	}
	return err
}

func (a *App) restore(ctx context.Context) {
	snap, ok, err := state.LoadKeeperSnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("keeper snapshot load failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	a.pool.SetIndex(snap.EndpointIndex)
	a.log.Info("keeper snapshot restored",
		zap.String("last_cycle_id", snap.CycleID),
		zap.Int("endpoint_index", a.pool.Index()),
		zap.Uint64("last_nonce", snap.LastNonce),
	)
}

func (a *App) afterCycle(ctx context.Context, report keeper.Report) {
	persistCtx := context.WithoutCancel(ctx)
	if err := state.SaveKeeperSnapshot(persistCtx, a.store, snapshotFromReport(report)); err != nil {
		a.log.Warn("keeper snapshot save failed", zap.Error(err))
	}
	alertCtx, cancel := context.WithTimeout(persistCtx, alertTimeout)
	defer cancel()
	if _, err := a.alerts.NotifyCycle(alertCtx, report); err != nil {
		a.log.Warn("telegram alert failed", zap.Error(err))
	}
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	server := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("metrics server listening", zap.String("address", server.Addr), zap.String("path", a.cfg.Metrics.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.timescale != nil {
		if err := a.timescale.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
		a.store = nil
	}
}

func snapshotFromReport(report keeper.Report) state.KeeperSnapshot {
	snap := state.KeeperSnapshot{
		CycleID:       report.CycleID,
		Mode:          string(report.Mode),
		EndpointIndex: report.State.EndpointIndex,
		LastNonce:     report.State.LastNonce,
		Retries:       report.State.Retries,
		Aborted:       report.Aborted,
		Err:           report.Err,
		UpdatedAtMS:   report.FinishedAt.UnixMilli(),
	}
	for _, p := range report.Phases {
		snap.Phases = append(snap.Phases, state.PhaseTally{
			Op:        string(p.Op),
			Items:     p.Items,
			Batches:   p.Batches,
			Succeeded: p.Succeeded,
			Failed:    p.Failed,
			Skipped:   p.Skipped,
			ReadErr:   p.ReadErr,
			Cancelled: p.Cancelled,
		})
	}
	return snap
}
