package forwarder

// State is the phase a relay cycle is in.
type State int

const (
	StateIdle State = iota
	StateConnectionsOpening
	StateFoldersValidating
	StateBatchProcessing
	StateConnectionsClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectionsOpening:
		return "connections_opening"
	case StateFoldersValidating:
		return "folders_validating"
	case StateBatchProcessing:
		return "batch_processing"
	case StateConnectionsClosing:
		return "connections_closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
