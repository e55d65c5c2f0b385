package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Subset of the parimutuel ledger ABI touched by the keeper.
const ledgerABIJSON = `[
  {"type":"function","name":"shortFundings","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"longFundings","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"shortLiquidations","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"longLiquidations","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"shortTokens","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"longTokens","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"fundingShortList","stateMutability":"nonpayable","inputs":[{"name":"shorts","type":"address[]"}],"outputs":[]},
  {"type":"function","name":"fundingLongList","stateMutability":"nonpayable","inputs":[{"name":"longs","type":"address[]"}],"outputs":[]},
  {"type":"function","name":"closeShortList","stateMutability":"nonpayable","inputs":[{"name":"shorts","type":"address[]"}],"outputs":[]},
  {"type":"function","name":"closeLongList","stateMutability":"nonpayable","inputs":[{"name":"longs","type":"address[]"}],"outputs":[]}
]`

var loadABI = sync.OnceValues(func() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(ledgerABIJSON))
})

// EncodeCall packs the write call for op over batch.
func EncodeCall(op Op, batch []common.Address) ([]byte, error) {
	if len(batch) == 0 {
		return nil, errors.New("batch is empty")
	}
	method := op.WriteMethod()
	if method == "" {
		return nil, fmt.Errorf("unknown ledger op %q", op)
	}
	parsed, err := loadABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack(method, batch)
}

// DecodeCall reverses EncodeCall.
func DecodeCall(data []byte) (Op, []common.Address, error) {
	if len(data) < 4 {
		return "", nil, errors.New("calldata shorter than selector")
	}
	parsed, err := loadABI()
	if err != nil {
		return "", nil, err
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return "", nil, err
	}
	op, ok := opForWriteMethod(method.Name)
	if !ok {
		return "", nil, fmt.Errorf("method %s is not a maintenance call", method.Name)
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, err
	}
	if len(values) != 1 {
		return "", nil, fmt.Errorf("unexpected argument count %d", len(values))
	}
	batch, ok := values[0].([]common.Address)
	if !ok {
		return "", nil, fmt.Errorf("unexpected argument type %T", values[0])
	}
	return op, batch, nil
}

func encodeRead(method string) ([]byte, error) {
	parsed, err := loadABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack(method)
}

func decodeAddresses(method string, out []byte) ([]common.Address, error) {
	parsed, err := loadABI()
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: unexpected output count %d", method, len(values))
	}
	addrs, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, values[0])
	}
	return addrs, nil
}

func decodeUint(method string, out []byte) (*big.Int, error) {
	parsed, err := loadABI()
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: unexpected output count %d", method, len(values))
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, values[0])
	}
	return n, nil
}
