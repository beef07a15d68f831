package trading

import (
	"errors"
	"strings"
)

// ErrorKind classifies a send failure for the retry matrix.
type ErrorKind int

const (
	// ErrorUser means the trade parameters caused the failure. Never retried.
	ErrorUser ErrorKind = iota
	// ErrorNet means a transient network or consensus failure. Retried per
	// the matrix.
	ErrorNet
	// ErrorUnknown gets a single conservative retry.
	ErrorUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorUser:
		return "user"
	case ErrorNet:
		return "net"
	default:
		return "unknown"
	}
}

var (
	// ErrKillSwitch rejects all new sends while the global halt is active.
	ErrKillSwitch = errors.New("trading: kill switch active, sends rejected")
	// ErrDuplicateInFlight surfaces a concurrent send for the same idKey.
	ErrDuplicateInFlight = errors.New("trading: duplicate send in flight")
)

// Blocked is returned when the pre-quote risk gate rejects a trade.
type Blocked struct {
	Reason string
}

func (b *Blocked) Error() string {
	return "trading: blocked by risk gate: " + b.Reason
}

var userPatterns = []string{
	"slippage",
	"exceededslippage",
	"insufficient funds",
	"insufficient lamports",
	"no record of a prior credit",
	"mint not found",
	"account in use",
}

var netPatterns = []string{
	"blockhash",
	"block height exceeded",
	"node is behind",
	"timed out",
	"timeout",
	"connection",
	"rate limit",
	"429",
}

// Classify maps a raw send error onto the retry taxonomy by substring.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}
	raw := strings.ToLower(err.Error())
	for _, p := range userPatterns {
		if strings.Contains(raw, p) {
			return ErrorUser
		}
	}
	for _, p := range netPatterns {
		if strings.Contains(raw, p) {
			return ErrorNet
		}
	}
	return ErrorUnknown
}
