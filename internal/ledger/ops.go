package ledger

import "fmt"

// Op names one privileged maintenance operation on the ledger.
type Op string

const (
	FundShort      Op = "fund-short"
	FundLong       Op = "fund-long"
	LiquidateShort Op = "liquidate-short"
	LiquidateLong  Op = "liquidate-long"
)

type opMethods struct {
	read  string
	write string
}

var methodsByOp = map[Op]opMethods{
	FundShort:      {read: "shortFundings", write: "fundingShortList"},
	FundLong:       {read: "longFundings", write: "fundingLongList"},
	LiquidateShort: {read: "shortLiquidations", write: "closeShortList"},
	LiquidateLong:  {read: "longLiquidations", write: "closeLongList"},
}

// Ops lists every operation in cycle order.
func Ops() []Op {
	return []Op{FundShort, FundLong, LiquidateShort, LiquidateLong}
}

func ParseOp(raw string) (Op, error) {
	op := Op(raw)
	if _, ok := methodsByOp[op]; !ok {
		return "", fmt.Errorf("unknown ledger op %q", raw)
	}
	return op, nil
}

// ReadMethod is the view returning the positions eligible for op.
func (o Op) ReadMethod() string {
	return methodsByOp[o].read
}

// WriteMethod is the batch mutation performing op.
func (o Op) WriteMethod() string {
	return methodsByOp[o].write
}

func (o Op) IsFunding() bool {
	return o == FundShort || o == FundLong
}

func (o Op) Side() string {
	switch o {
	case FundShort, LiquidateShort:
		return "short"
	case FundLong, LiquidateLong:
		return "long"
	default:
		return ""
	}
}

func opForWriteMethod(name string) (Op, bool) {
	for op, m := range methodsByOp {
		if m.write == name {
			return op, true
		}
	}
	return "", false
}
