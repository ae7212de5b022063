package notify

import (
	"testing"

	"github.com/cngnramp/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerCallsHandlersInRegistrationOrder(t *testing.T) {
	reg := New(nil)
	var order []int
	reg.On(rampcore.EventPaymentConfirmed, func(tx *rampcore.Transaction) { order = append(order, 1) })
	reg.On(rampcore.EventPaymentConfirmed, func(tx *rampcore.Transaction) { order = append(order, 2) })

	reg.Trigger(rampcore.EventPaymentConfirmed, &rampcore.Transaction{TransactionID: "tx_1"})

	require.Equal(t, []int{1, 2}, order)
}

func TestTriggerWithNoHandlersIsNoop(t *testing.T) {
	reg := New(nil)
	assert.NotPanics(t, func() {
		reg.Trigger(rampcore.EventStellarTimeout, &rampcore.Transaction{TransactionID: "tx_2"})
	})
}

func TestTriggerRecoversFromHandlerPanic(t *testing.T) {
	reg := New(nil)
	ran := false
	reg.On(rampcore.EventOfframpFailed, func(tx *rampcore.Transaction) { panic("boom") })
	reg.On(rampcore.EventOfframpFailed, func(tx *rampcore.Transaction) { ran = true })

	assert.NotPanics(t, func() {
		reg.Trigger(rampcore.EventOfframpFailed, &rampcore.Transaction{TransactionID: "tx_3"})
	})
	assert.True(t, ran, "subsequent handler should still run after a panicking one")
}

func TestDefaultLoggingSinkDoesNotPanicOnAnyEvent(t *testing.T) {
	sink := NewDefaultLoggingSink(nil)
	tx := &rampcore.Transaction{TransactionID: "tx_4", Status: rampcore.StatusCompleted}
	assert.NotPanics(t, func() {
		sink.Trigger(rampcore.EventOfframpStateChanged, tx)
		sink.Trigger(rampcore.EventPaymentFailed, tx)
	})
}
