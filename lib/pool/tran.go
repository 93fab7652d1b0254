package pool

import "context"

// TranKind is the transaction capability a wrapper was enlisted with.
type TranKind int

const (
	TranNone TranKind = iota
	TranLocal
	TranXA
	TranNoTx
	TranOther

	TranKindCount
)

var tranKindString = [TranKindCount]string{
	TranNone:  "none",
	TranLocal: "local",
	TranXA:    "xa",
	TranNoTx:  "no transaction",
	TranOther: "other",
}

func (T TranKind) String() string {
	if T < 0 || T >= TranKindCount {
		return "unknown"
	}
	return tranKindString[T]
}

// Enlistment ties a resource to a unit of work.
type Enlistment interface {
	Enlist(ctx context.Context, r Resource) error
	Delist(r Resource, commit bool) error
}
