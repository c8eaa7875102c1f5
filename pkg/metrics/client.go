package metrics

import "time"

// Mount outcomes reported by RecordMountResult.
const (
	OutcomeMounted     = "mounted"
	OutcomeTimeout     = "timeout"
	OutcomeInterrupted = "interrupted"
	OutcomeError       = "error"
)

// ClientMetrics provides observability for the client core: the mount
// bootstrap, map synchronization and inbound dispatch.
//
// This interface is optional - if not provided to the client, a no-op
// implementation is used.
type ClientMetrics interface {
	// RecordMountAttempt counts a join request sent to monitor index mon.
	RecordMountAttempt(mon int)

	// RecordMountResult records the terminal outcome of a mount call.
	RecordMountResult(outcome string, duration time.Duration)

	// RecordFirstMap counts the first map received from a subsystem
	// ("monitor", "metadata" or "storage").
	RecordFirstMap(subsystem string)

	// RecordDispatch counts a dispatched message by type name and whether
	// its handler failed.
	RecordDispatch(msgType string, failed bool)

	// RecordUnknownMessage counts a message whose type has no handler.
	RecordUnknownMessage(tag uint32)

	// SetActiveClients updates the number of live client instances.
	SetActiveClients(count int)
}

// MessengerMetrics provides observability for the transport.
type MessengerMetrics interface {
	// RecordFrame counts a frame and its size in a direction ("in" or "out").
	RecordFrame(direction string, bytes int)

	// RecordDial records a dial attempt to a peer and whether it succeeded.
	RecordDial(success bool)

	// SetOpenConnections updates the number of open peer connections.
	SetOpenConnections(count int)
}

type noopClientMetrics struct{}

// NewNoopClientMetrics returns a ClientMetrics that records nothing.
func NewNoopClientMetrics() ClientMetrics {
	return noopClientMetrics{}
}

func (noopClientMetrics) RecordMountAttempt(int) {}
func (noopClientMetrics) RecordMountResult(string, time.Duration) {}
func (noopClientMetrics) RecordFirstMap(string) {}
func (noopClientMetrics) RecordDispatch(string, bool) {}
func (noopClientMetrics) RecordUnknownMessage(uint32) {}
func (noopClientMetrics) SetActiveClients(int) {}

type noopMessengerMetrics struct{}

// NewNoopMessengerMetrics returns a MessengerMetrics that records nothing.
func NewNoopMessengerMetrics() MessengerMetrics {
	return noopMessengerMetrics{}
}

func (noopMessengerMetrics) RecordFrame(string, int) {}
func (noopMessengerMetrics) RecordDial(bool) {}
func (noopMessengerMetrics) SetOpenConnections(int) {}
