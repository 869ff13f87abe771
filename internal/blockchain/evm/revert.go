package evm

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"yar/internal/revert"
)

// ExecutionReverted is a reverted call or estimation whose reason is not a
// known sentinel of the contract.
type ExecutionReverted struct {
	Reason string
}

func (e *ExecutionReverted) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// asRevert converts node errors that carry a revert into ExecutionReverted.
// Other errors are returned unchanged.
func asRevert(err error) error {
	reason, ok := revertReason(err)
	if !ok {
		return err
	}
	return &ExecutionReverted{Reason: reason}
}

func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i+len("execution reverted"):], ":")
		return strings.TrimSpace(reason), true
	}
	return "", false
}

// mapRevert swaps a revert for the sentinel with the same reason, so callers
// can match contract reverts with errors.Is.
func mapRevert(err error, sentinels []*revert.Error) error {
	var er *ExecutionReverted
	if !errors.As(err, &er) {
		return err
	}
	for _, s := range sentinels {
		if s.Reason == er.Reason {
			return s
		}
	}
	return err
}
