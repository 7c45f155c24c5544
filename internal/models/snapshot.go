package models

// Snapshot is the full read-only view served to pollers: the advisory veto
// state (with its open incidents) plus every tracked host.
type Snapshot struct {
	Veto  VetoState   `json:"veto"`
	Hosts []HostState `json:"hosts"`
}
