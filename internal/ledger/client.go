package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var errEmptyResponse = errors.New("empty response from endpoint")

// Remote is the keeper's view of the ledger behind one endpoint. Every
// returned error is tagged with a Kind.
type Remote interface {
	Positions(ctx context.Context, op Op) ([]common.Address, error)
	MarketSizes(ctx context.Context) (MarketSizes, error)
	PendingNonce(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, data []byte) (uint64, error)
	FeeQuote(ctx context.Context) (FeeQuote, error)
	Submit(ctx context.Context, sub Submission) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (Receipt, bool, error)
	Close()
}

type MarketSizes struct {
	Short *big.Int
	Long  *big.Int
}

// FeeQuote is the endpoint's suggested pricing. A nil TipCap means the
// endpoint does not support dynamic fee transactions.
type FeeQuote struct {
	GasPrice *big.Int
	TipCap   *big.Int
}

// Submission is a fully priced and sequenced write call. A nil GasTipCap
// builds a legacy transaction priced at GasFeeCap.
type Submission struct {
	Data      []byte
	Nonce     uint64
	GasLimit  uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

type Receipt struct {
	Status      uint64
	GasUsed     uint64
	BlockNumber uint64
}

func (r Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}

type Options struct {
	Ledger  common.Address
	Signer  *Signer
	ChainID int64
	Timeout time.Duration
}

// Client implements Remote over go-ethereum's ethclient.
type Client struct {
	url     string
	eth     *ethclient.Client
	ledger  common.Address
	signer  *Signer
	timeout time.Duration

	chainMu sync.Mutex
	chainID *big.Int
}

func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("endpoint url is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("signer is required")
	}
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, Classify("dial", err)
	}
	c := &Client{
		url:     url,
		eth:     eth,
		ledger:  opts.Ledger,
		signer:  opts.Signer,
		timeout: opts.Timeout,
	}
	if opts.ChainID > 0 {
		c.chainID = big.NewInt(opts.ChainID)
	}
	return c, nil
}

func (c *Client) URL() string {
	return c.url
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) call(ctx context.Context, method string) ([]byte, error) {
	data, err := encodeRead(method)
	if err != nil {
		return nil, NewError(KindFatal, method, err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	msg := ethereum.CallMsg{From: c.signer.Address(), To: &c.ledger, Data: data}
	out, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, Classify(method, err)
	}
	if len(out) == 0 {
		return nil, NewError(KindEndpointTransient, method, errEmptyResponse)
	}
	return out, nil
}

func (c *Client) Positions(ctx context.Context, op Op) ([]common.Address, error) {
	method := op.ReadMethod()
	if method == "" {
		return nil, NewError(KindFatal, string(op), errors.New("unknown op"))
	}
	out, err := c.call(ctx, method)
	if err != nil {
		return nil, err
	}
	addrs, err := decodeAddresses(method, out)
	if err != nil {
		return nil, NewError(KindEndpointTransient, method, err)
	}
	return addrs, nil
}

func (c *Client) MarketSizes(ctx context.Context) (MarketSizes, error) {
	var sizes MarketSizes
	for _, target := range []struct {
		method string
		dst    **big.Int
	}{
		{"shortTokens", &sizes.Short},
		{"longTokens", &sizes.Long},
	} {
		out, err := c.call(ctx, target.method)
		if err != nil {
			return MarketSizes{}, err
		}
		n, err := decodeUint(target.method, out)
		if err != nil {
			return MarketSizes{}, NewError(KindEndpointTransient, target.method, err)
		}
		*target.dst = n
	}
	return sizes, nil
}

func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	nonce, err := c.eth.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return 0, Classify("pendingNonce", err)
	}
	return nonce, nil
}

func (c *Client) EstimateGas(ctx context.Context, data []byte) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.signer.Address(), To: &c.ledger, Data: data})
	if err != nil {
		return 0, Classify("estimateGas", err)
	}
	return gas, nil
}

func (c *Client) FeeQuote(ctx context.Context) (FeeQuote, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return FeeQuote{}, Classify("gasPrice", err)
	}
	quote := FeeQuote{GasPrice: price}
	if tip, err := c.eth.SuggestGasTipCap(ctx); err == nil {
		quote.TipCap = tip
	}
	return quote, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, Classify("chainId", err)
	}
	c.chainID = id
	return id, nil
}

// Submit signs and broadcasts sub. The returned hash is valid whenever the
// transaction was signed, even if the send failed.
func (c *Client) Submit(ctx context.Context, sub Submission) (common.Hash, error) {
	if sub.GasFeeCap == nil {
		return common.Hash{}, NewError(KindFatal, "submit", errors.New("fee cap is required"))
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	var inner types.TxData
	if sub.GasTipCap != nil {
		inner = &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     sub.Nonce,
			GasTipCap: sub.GasTipCap,
			GasFeeCap: sub.GasFeeCap,
			Gas:       sub.GasLimit,
			To:        &c.ledger,
			Data:      sub.Data,
		}
	} else {
		inner = &types.LegacyTx{
			Nonce:    sub.Nonce,
			GasPrice: sub.GasFeeCap,
			Gas:      sub.GasLimit,
			To:       &c.ledger,
			Data:     sub.Data,
		}
	}
	signed, err := c.signer.SignTx(types.NewTx(inner), chainID)
	if err != nil {
		return common.Hash{}, NewError(KindFatal, "sign", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		if IsAlreadyKnown(err) {
			return signed.Hash(), nil
		}
		return signed.Hash(), Classify("sendTransaction", err)
	}
	return signed.Hash(), nil
}

func (c *Client) Receipt(ctx context.Context, hash common.Hash) (Receipt, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{}, false, nil
		}
		return Receipt{}, false, Classify("receipt", err)
	}
	out := Receipt{Status: receipt.Status, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, true, nil
}
