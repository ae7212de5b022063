package offramp

import (
	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
)

// legalTransitions enumerates the allowed moves across the eleven-state
// offramp lifecycle. Each key is a "from" status; the value set names the
// "to" statuses reachable directly from it. Terminal statuses have no
// outgoing transitions.
var legalTransitions = map[rampcore.TransactionStatus]map[rampcore.TransactionStatus]bool{
	rampcore.StatusPendingPayment: {
		rampcore.StatusCngnReceived:    true,
		rampcore.StatusExpired:         true,
		rampcore.StatusRefundInitiated: true,
	},
	rampcore.StatusCngnReceived: {
		rampcore.StatusVerifyingAmount:      true,
		rampcore.StatusProcessingWithdrawal: true, // the worker may step straight through
		rampcore.StatusRefundInitiated:      true,
	},
	rampcore.StatusVerifyingAmount: {
		rampcore.StatusProcessingWithdrawal: true,
		rampcore.StatusRefundInitiated:      true,
	},
	rampcore.StatusProcessingWithdrawal: {
		rampcore.StatusTransferPending:  true,
		rampcore.StatusRefundInitiated:  true,
	},
	rampcore.StatusTransferPending: {
		rampcore.StatusCompleted:       true,
		rampcore.StatusRefundInitiated: true,
		rampcore.StatusFailed:          true,
	},
	rampcore.StatusRefundInitiated: {
		rampcore.StatusRefunding: true,
	},
	rampcore.StatusRefunding: {
		rampcore.StatusRefunded: true,
		rampcore.StatusFailed:   true,
	},
	// Terminal states: no outgoing transitions.
	rampcore.StatusCompleted: {},
	rampcore.StatusRefunded:  {},
	rampcore.StatusFailed:    {},
	rampcore.StatusExpired:   {},
}

// ValidateTransition reports whether moving an offramp transaction from
// "from" to "to" is legal. Every non-terminal state may additionally move
// to refund_initiated except where the table above already forbids it
// (completed and refunded never do, since both are terminal).
func ValidateTransition(from, to rampcore.TransactionStatus) error {
	validTargets, known := legalTransitions[from]
	if !known {
		return apperror.Domain(apperror.TransitionInvalid, "unknown source status: "+string(from), nil)
	}
	if !validTargets[to] {
		return apperror.Domain(apperror.TransitionInvalid, "illegal transition from "+string(from)+" to "+string(to), nil)
	}
	return nil
}

// IsTerminal reports whether status has no legal outgoing transitions.
func IsTerminal(status rampcore.TransactionStatus) bool {
	targets, ok := legalTransitions[status]
	return ok && len(targets) == 0
}
