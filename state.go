package leaseguard

// State is a step of the instance lifecycle.
type State int

const (
	StateInit State = iota
	StateConnectingStore
	StateStartupJitter
	StateProbeGlobalState
	StateAcquiringMaster
	StateMasterHeld
	StateAcquiringExecution
	StateActive
	StateReleasingExecution
	StateShuttingDown
	StateTerminated
)

var stateNames = map[State]string{
	StateInit:               "INIT",
	StateConnectingStore:    "CONNECTING_STORE",
	StateStartupJitter:      "STARTUP_JITTER",
	StateProbeGlobalState:   "PROBE_GLOBAL_STATE",
	StateAcquiringMaster:    "ACQUIRING_MASTER",
	StateMasterHeld:         "MASTER_HELD",
	StateAcquiringExecution: "ACQUIRING_EXECUTION",
	StateActive:             "ACTIVE",
	StateReleasingExecution: "RELEASING_EXECUTION",
	StateShuttingDown:       "SHUTTING_DOWN",
	StateTerminated:         "TERMINATED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ShutdownReason records why an instance left the lifecycle.
type ShutdownReason string

const (
	ReasonSignal            ShutdownReason = "SIGNAL"
	ReasonConflictAvoidance ShutdownReason = "CONFLICT_AVOIDANCE"
	ReasonFault             ShutdownReason = "FAULT"
	ReasonStopped           ShutdownReason = "STOPPED"
	ReasonStoreUnavailable  ShutdownReason = "STORE_UNAVAILABLE"
)
