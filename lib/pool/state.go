package pool

type State int

const (
	StateNew State = iota
	StateActiveFree
	StateActiveInUse
	StateTranWrapperInUse
	StateInactive

	StateCount
)

var stateString = [StateCount]string{
	StateNew:              "new",
	StateActiveFree:       "active free",
	StateActiveInUse:      "active in use",
	StateTranWrapperInUse: "transaction wrapper in use",
	StateInactive:         "inactive",
}

func (T State) String() string {
	if T < 0 || T >= StateCount {
		return "unknown"
	}
	return stateString[T]
}

// Location is where a wrapper currently lives. It is orthogonal to State.
type Location int32

const (
	LocationNotInPool Location = iota
	LocationFreePool
	LocationSharedPool
	LocationUnsharedPool
	LocationWaiterPool
	LocationSharedTLS
	LocationUnsharedTLS
	LocationFreeTLS
	LocationParked

	LocationCount
)

var locationString = [LocationCount]string{
	LocationNotInPool:    "not in pool",
	LocationFreePool:     "free pool",
	LocationSharedPool:   "shared pool",
	LocationUnsharedPool: "unshared pool",
	LocationWaiterPool:   "waiter pool",
	LocationSharedTLS:    "shared worker",
	LocationUnsharedTLS:  "unshared worker",
	LocationFreeTLS:      "free worker",
	LocationParked:       "parked",
}

func (T Location) String() string {
	if T < 0 || T >= LocationCount {
		return "unknown"
	}
	return locationString[T]
}

// worker reports whether the location belongs to a worker cache.
func (T Location) worker() bool {
	return T == LocationSharedTLS || T == LocationUnsharedTLS || T == LocationFreeTLS
}

type PurgePolicy string

const (
	// PurgeEntirePool discards every idle wrapper and lets in use wrappers die on return.
	PurgeEntirePool PurgePolicy = "entire_pool"
	// PurgeFailingConnectionOnly destroys only the failing wrapper.
	PurgeFailingConnectionOnly PurgePolicy = "failing_connection_only"
	// PurgeValidateAllConnections flags every wrapper for validation on its next hand out.
	PurgeValidateAllConnections PurgePolicy = "validate_all_connections"
)

type PurgeMode int

const (
	PurgeNormal PurgeMode = iota
	PurgeImmediate
	PurgeAbort
)

func (T PurgeMode) String() string {
	switch T {
	case PurgeImmediate:
		return "immediate"
	case PurgeAbort:
		return "abort"
	default:
		return "normal"
	}
}

// VictimCause is why an idle wrapper that did not match a request was claimed.
type VictimCause int

const (
	VictimSubject VictimCause = iota
	VictimDescriptor
	VictimBoth
	VictimAdapter

	VictimCauseCount
)

var victimCauseString = [VictimCauseCount]string{
	VictimSubject:    "subject",
	VictimDescriptor: "descriptor",
	VictimBoth:       "both",
	VictimAdapter:    "adapter",
}

func (T VictimCause) String() string {
	return victimCauseString[T]
}
