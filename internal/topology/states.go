package topology

type ServerState string

const (
	ServerNotInstalled   ServerState = "NOT_INSTALLED"
	ServerStopped        ServerState = "STOPPED"
	ServerStarting       ServerState = "STARTING"
	ServerActive         ServerState = "STARTED_AS_ACTIVE"
	ServerPassive        ServerState = "STARTED_AS_PASSIVE"
	ServerDiagnostic     ServerState = "STARTED_IN_DIAGNOSTIC_MODE"
	ServerStartSuspended ServerState = "START_SUSPENDED"
)

// Started reports whether the server reached a running role.
func (s ServerState) Started() bool {
	switch s {
	case ServerActive, ServerPassive, ServerDiagnostic, ServerStartSuspended:
		return true
	}
	return false
}

// StartedStates are the states Start waits for.
var StartedStates = []ServerState{ServerActive, ServerPassive, ServerDiagnostic, ServerStartSuspended}

type TmsState string

const (
	TmsNotInstalled TmsState = "NOT_INSTALLED"
	TmsStopped      TmsState = "STOPPED"
	TmsStarting     TmsState = "STARTING"
	TmsStarted      TmsState = "STARTED"
)

type VoterState string

const (
	VoterNotInstalled      VoterState = "NOT_INSTALLED"
	VoterStopped           VoterState = "STOPPED"
	VoterStarting          VoterState = "STARTING"
	VoterStarted           VoterState = "STARTED"
	VoterConnectedToActive VoterState = "CONNECTED_TO_ACTIVE"
)
