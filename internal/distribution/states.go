package distribution

import (
	"regexp"
	"strings"

	"github.com/faradayfan/cluster-harness/internal/process"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// Keys recorded by the output watches.
const (
	KeyState   = "state"
	KeyBlocked = "blocked"
)

var (
	serverWatches = []process.Watch{
		{Pattern: regexp.MustCompile(`State\[ ([A-Z-]+) \]`), Key: KeyState},
		{Pattern: regexp.MustCompile(`(?i)started the server in diagnostic mode`), Key: KeyState, Value: "DIAGNOSTIC"},
		{Pattern: regexp.MustCompile(`(?i)consistency manager.*\bblocked\b`), Key: KeyBlocked, Value: "true"},
		{Pattern: regexp.MustCompile(`(?i)consistency manager.*\bunblocked\b`), Key: KeyBlocked, Value: "false"},
	}

	voterWatches = []process.Watch{
		{Pattern: regexp.MustCompile(`(?i)voter started`), Key: KeyState, Value: string(topology.VoterStarted)},
		{Pattern: regexp.MustCompile(`(?i)connected to active`), Key: KeyState, Value: string(topology.VoterConnectedToActive)},
	}

	tmsWatches = []process.Watch{
		{Pattern: regexp.MustCompile(`(?i)started tmsapplication|tomcat started on port`), Key: KeyState, Value: string(topology.TmsStarted)},
	}
)

// MapServerState turns a reported server state into a lifecycle state.
// The blocked signal is only consulted for START-STATE, ACTIVE-COORDINATOR
// and PASSIVE-STANDBY. Unknown states read as STARTING unless stopped.
func MapServerState(raw string, blocked func() bool, stopped bool) topology.ServerState {
	switch normalizeState(raw) {
	case "DIAGNOSTIC":
		return topology.ServerDiagnostic
	case "START-STATE":
		if blocked() {
			return topology.ServerStartSuspended
		}
		return topology.ServerStarting
	case "STOP-STATE":
		return topology.ServerStopped
	case "ACTIVE-COORDINATOR":
		if blocked() {
			return topology.ServerStartSuspended
		}
		return topology.ServerActive
	case "PASSIVE", "PASSIVE-SYNCING", "PASSIVE-UNINITIALIZED":
		return topology.ServerStarting
	case "PASSIVE-STANDBY":
		if blocked() {
			return topology.ServerStartSuspended
		}
		return topology.ServerPassive
	default:
		if stopped {
			return topology.ServerStopped
		}
		return topology.ServerStarting
	}
}

// normalizeState accepts both "ACTIVE-COORDINATOR" and
// "State[ ACTIVE-COORDINATOR ]".
func normalizeState(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "State[") && strings.HasSuffix(s, "]") {
		s = strings.TrimSpace(s[len("State[") : len(s)-1])
	}
	return s
}
