package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Kind is the closed failure taxonomy the keeper dispatches on.
type Kind string

const (
	KindEndpointTransient Kind = "endpoint-transient"
	KindSequenceStale     Kind = "sequence-stale"
	KindUnderpriced       Kind = "underpriced"
	KindExecutionRejected Kind = "execution-rejected"
	KindOutOfGas          Kind = "out-of-gas"
	KindTimeout           Kind = "timeout"
	KindFatal             Kind = "fatal"
)

// JSON-RPC code used by several providers for request limits.
const rpcCodeLimitExceeded = -32005

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify tags err with a Kind. Errors that already carry one are returned
// unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: classifyKind(err), Op: op, Err: err}
}

// KindOf reports the Kind of err, classifying untagged errors on the fly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return classifyKind(err)
}

// IsAlreadyKnown reports whether a send failed only because the node
// already holds the identical transaction in its pool.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "already imported")
}

var (
	staleMarkers = []string{
		"nonce too low",
		"replacement transaction underpriced",
		"another transaction has higher priority",
		"nonce has already been used",
		"invalid nonce",
	}
	underpricedMarkers = []string{
		"transaction underpriced",
		"max fee per gas less than block base fee",
		"fee cap less than block base fee",
		"gas price too low",
		"tip too low",
	}
	outOfGasMarkers = []string{
		"out of gas",
		"intrinsic gas too low",
		"gas limit reached",
	}
	transientMarkers = []string{
		"request limit reached",
		"rate limit",
		"too many requests",
		"unexpected end of json input",
		"http request failed",
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"bad gateway",
		"service unavailable",
		"header not found",
	}
)

func classifyKind(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindEndpointTransient
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return KindEndpointTransient
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return KindEndpointTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, staleMarkers):
		return KindSequenceStale
	case containsAny(msg, underpricedMarkers):
		return KindUnderpriced
	case containsAny(msg, outOfGasMarkers):
		return KindOutOfGas
	case strings.Contains(msg, "execution reverted"):
		return KindExecutionRejected
	case containsAny(msg, transientMarkers):
		return KindEndpointTransient
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rpcCodeLimitExceeded {
		return KindEndpointTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindEndpointTransient
	}
	return KindFatal
}

func containsAny(msg string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
