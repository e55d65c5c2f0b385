package heads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 1 << 20

var subscribeRequest = map[string]any{
	"jsonrpc": "2.0",
	"id":      1,
	"method":  "eth_subscribe",
	"params":  []string{"newHeads"},
}

// Watcher follows new block heads over a websocket subscription and signals
// each one on Wake. Signals coalesce: a slow consumer sees at most one
// pending wake.
type Watcher struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	wake chan struct{}
	head atomic.Uint64

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		wake:           make(chan struct{}, 1),
	}
}

// Wake fires after each new head.
func (w *Watcher) Wake() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.wake
}

// Head is the most recent block number seen, zero before the first.
func (w *Watcher) Head() uint64 {
	return w.head.Load()
}

// Run subscribes and reconnects until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logSessionError(err)
		w.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.reconnectDelay):
		}
	}
}

func (w *Watcher) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(readLimit)
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := writeJSON(ctx, conn, subscribeRequest); err != nil {
		return err
	}
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		w.pingLoop(pingCtx, conn)
	}()
	err = w.readLoop(ctx, conn)
	cancel()
	<-pingDone
	return err
}

func (w *Watcher) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := w.handle(data); err != nil {
			return err
		}
	}
}

type message struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Error  *rpcError       `json:"error"`
	Params *notifyParams   `json:"params"`
	Result json.RawMessage `json:"result"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notifyParams struct {
	Subscription string `json:"subscription"`
	Result       struct {
		Number string `json:"number"`
	} `json:"result"`
}

func (w *Watcher) handle(data []byte) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		w.log.Debug("heads message skipped", zap.Error(err))
		return nil
	}
	if msg.Error != nil {
		return fmt.Errorf("subscribe rejected: %d %s", msg.Error.Code, msg.Error.Message)
	}
	if msg.Method != "eth_subscription" || msg.Params == nil {
		return nil
	}
	number, err := parseQuantity(msg.Params.Result.Number)
	if err != nil {
		w.log.Debug("heads number unparsable", zap.String("number", msg.Params.Result.Number))
	} else {
		w.head.Store(number)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *Watcher) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if w.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

func (w *Watcher) logSessionError(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			w.log.Info("heads subscription closed", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	w.log.Warn("heads subscription ended", zap.String("url", w.url), zap.Error(err))
}

func (w *Watcher) resetConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close(websocket.StatusNormalClosure, "reset")
		w.conn = nil
	}
}

func parseQuantity(raw string) (uint64, error) {
	if !strings.HasPrefix(raw, "0x") {
		return 0, fmt.Errorf("quantity %q missing 0x prefix", raw)
	}
	return strconv.ParseUint(raw[2:], 16, 64)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
