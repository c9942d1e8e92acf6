package api

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	ite := &InvalidTransitionError{MachineID: "m", EntityID: "e", Event: "GO", CurrentState: "done"}
	gre := &GuardRejectedError{MachineID: "m", Guard: "canGo", Reason: "not ready"}
	lte := &LockTimeoutError{MachineID: "m", EntityID: "e"}
	cfe := &ConfigError{MachineID: "m", Detail: "missing initial state"}
	cfl := &ConflictError{MachineID: "m", EntityID: "e"}

	assert.True(t, IsInvalidTransition(ite))
	assert.True(t, IsGuardRejected(gre))
	assert.True(t, IsLockTimeout(lte))
	assert.True(t, IsConfigError(cfe))

	// The classifiers don't cross-match.
	assert.False(t, IsInvalidTransition(gre))
	assert.False(t, IsGuardRejected(ite))
	assert.False(t, IsLockTimeout(cfe))
	assert.False(t, IsConfigError(lte))
	assert.False(t, IsInvalidTransition(nil))

	// Only transient failures are retriable.
	assert.True(t, IsRetriable(lte))
	assert.True(t, IsRetriable(cfl))
	assert.False(t, IsRetriable(ite))
	assert.False(t, IsRetriable(gre))
	assert.False(t, IsRetriable(nil))
}

func TestErrorClassificationThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("send order/o-1: %w", &LockTimeoutError{MachineID: "order", EntityID: "o-1"})
	assert.True(t, IsLockTimeout(wrapped))
	assert.True(t, IsRetriable(wrapped))
}

func TestActionExecutionErrorUnwraps(t *testing.T) {
	cause := errors.New("smtp down")
	aee := &ActionExecutionError{
		MachineID: "order",
		EntityID:  "o-1",
		Event:     "PAY",
		Action:    "sendReceipt",
		Err:       cause,
	}

	assert.ErrorIs(t, aee, cause)
	assert.Contains(t, aee.Error(), "sendReceipt")
	assert.Contains(t, aee.Error(), "smtp down")
}

func TestErrorMessages(t *testing.T) {
	ite := &InvalidTransitionError{MachineID: "order", EntityID: "o-1", Event: "SHIP", CurrentState: "pending"}
	assert.Contains(t, ite.Error(), `"SHIP"`)
	assert.Contains(t, ite.Error(), `"pending"`)

	gre := &GuardRejectedError{MachineID: "order", EntityID: "o-1", Guard: "canShip", Event: "SHIP", CurrentState: "paid", Reason: "no inventory"}
	assert.Contains(t, gre.Error(), "canShip")
	assert.Contains(t, gre.Error(), "no inventory")

	// The transient errors name the event when they know it.
	lte := &LockTimeoutError{MachineID: "order", EntityID: "o-1", Event: "SHIP", Waited: time.Second}
	assert.Contains(t, lte.Error(), `"SHIP"`)
	bare := &LockTimeoutError{MachineID: "order", EntityID: "o-1", Waited: time.Second}
	assert.NotContains(t, bare.Error(), "event")

	cfl := &ConflictError{MachineID: "order", EntityID: "o-1", Event: "SHIP", CurrentState: "paid"}
	assert.Contains(t, cfl.Error(), `"SHIP"`)
	assert.Contains(t, cfl.Error(), `"paid"`)
}
