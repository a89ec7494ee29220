package events

// Event enumerates high-level topics the coordinator's components publish
// to, consumed by the websocket push layer and by anything else watching
// account activity.
type Event string

const (
	EventSignalReceived  Event = "signal.received"
	EventPositionOpened  Event = "position.opened"
	EventPositionRejected Event = "position.rejected"
	EventPositionClosing Event = "position.closing"
	EventPositionClosed  Event = "position.closed"
	EventRiskAlert       Event = "risk_alert"
)
