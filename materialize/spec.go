package materialize

import (
	"time"

	"github.com/pkg/errors"

	"go.driftlog.dev/core/changelog"
	"go.driftlog.dev/core/sqlplan"
)

var (
	// ErrNotInitialized is returned on reads of a materialization which
	// has not completed its first refresh. It is recoverable by an
	// explicit refresh.
	ErrNotInitialized = errors.New("materialization is not initialized")
	// ErrUnsupportedIncrementalPlan is returned when INCREMENTAL mode is
	// forced but the defining query is not delta-composable.
	ErrUnsupportedIncrementalPlan = errors.New("defining query is not delta-composable")
	// ErrSpecNotFound is returned for operations against an unknown target.
	ErrSpecNotFound = errors.New("materialization not found")
	// ErrSpecExists is returned on Initialize of an existing target.
	ErrSpecExists = errors.New("materialization already exists")
	// ErrSuspended is returned by Refresh of a suspended materialization.
	ErrSuspended = errors.New("materialization is suspended")
)

// TransientError wraps a retryable failure, distinguishing it from
// terminal errors. Refresh retries transient failures with backoff.
type TransientError struct{ Cause error }

// Error returns the error of the wrapped Cause.
func (e TransientError) Error() string { return "transient: " + e.Cause.Error() }

// Unwrap returns the wrapped Cause.
func (e TransientError) Unwrap() error { return e.Cause }

// IsTransient returns whether any error of the chain is a TransientError.
func IsTransient(err error) bool {
	for err != nil {
		if _, ok := err.(TransientError); ok {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// State is the refresh state of a materialization.
type State int

const (
	// StateUninitialized materializations have never been computed.
	// Queries against them fail with ErrNotInitialized.
	StateUninitialized State = iota
	// StateInitializing materializations are running their first compute.
	StateInitializing
	// StateFresh materializations reflect their sources within target lag.
	StateFresh
	// StateStale materializations have unconsumed upstream changes and
	// exceeded their target lag, or had a failed or cancelled refresh.
	StateStale
	// StateRefreshing materializations have a refresh in progress.
	StateRefreshing
)

// String returns the name of the State.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateFresh:
		return "FRESH"
	case StateStale:
		return "STALE"
	case StateRefreshing:
		return "REFRESHING"
	default:
		return "INVALID"
	}
}

// ParseState maps a State name back to its value.
func ParseState(s string) (State, error) {
	for _, v := range []State{StateUninitialized, StateInitializing,
		StateFresh, StateStale, StateRefreshing} {
		if v.String() == s {
			return v, nil
		}
	}
	return StateUninitialized, errors.Errorf("invalid State (%s)", s)
}

// RefreshMode selects or forces the refresh strategy of a spec.
type RefreshMode int

const (
	// RefreshAuto selects incremental refresh for delta-composable
	// queries, and full recompute otherwise.
	RefreshAuto RefreshMode = iota
	// RefreshFull forces full recompute.
	RefreshFull
	// RefreshIncremental forces incremental refresh, and fails spec
	// creation if the query is not delta-composable.
	RefreshIncremental
)

// String returns the name of the RefreshMode.
func (m RefreshMode) String() string {
	switch m {
	case RefreshAuto:
		return "AUTO"
	case RefreshFull:
		return "FULL"
	case RefreshIncremental:
		return "INCREMENTAL"
	default:
		return "INVALID"
	}
}

// ParseRefreshMode maps a RefreshMode name back to its value.
func ParseRefreshMode(s string) (RefreshMode, error) {
	switch s {
	case "AUTO":
		return RefreshAuto, nil
	case "FULL":
		return RefreshFull, nil
	case "INCREMENTAL":
		return RefreshIncremental, nil
	default:
		return RefreshAuto, errors.Errorf("invalid RefreshMode (%s)", s)
	}
}

// InitMode selects when a materialization's first compute runs.
type InitMode int

const (
	// InitOnCreate runs the first compute immediately upon declaration.
	InitOnCreate InitMode = iota
	// InitOnSchedule defers the first compute to the first scheduled
	// refresh.
	InitOnSchedule
)

// TargetLag is the maximum tolerated staleness of a materialization
// relative to its sources. A Downstream lag means "refresh only when
// required by a dependent".
type TargetLag struct {
	Duration   time.Duration
	Downstream bool
}

// DownstreamLag returns the TargetLag marker of downstream-driven refresh.
func DownstreamLag() TargetLag { return TargetLag{Downstream: true} }

// String returns "DOWNSTREAM" or the lag duration.
func (l TargetLag) String() string {
	if l.Downstream {
		return "DOWNSTREAM"
	}
	return l.Duration.String()
}

// Spec declares a materialization: a derived table maintained from its
// defining query.
type Spec struct {
	// Target table of the materialization. The target's own change log
	// records the materialization's output deltas, so a target may in
	// turn be the source of other specs.
	Target changelog.Table
	// Query defining the materialization.
	Query sqlplan.Node
	// Lag is the target staleness bound.
	Lag TargetLag
	// RefreshMode of the spec.
	RefreshMode RefreshMode
}

// Validate returns an error if the Spec is malformed.
func (s Spec) Validate() error {
	if s.Target == "" {
		return errors.New("expected a Target")
	}
	if err := sqlplan.Validate(s.Query); err != nil {
		return errors.WithMessage(err, "Query")
	}
	for _, src := range sqlplan.Sources(s.Query) {
		if src == s.Target {
			return errors.Errorf("target %s reads itself", s.Target)
		}
	}
	if !s.Lag.Downstream && s.Lag.Duration < 0 {
		return errors.New("negative target lag")
	}
	return nil
}

// Status is a point-in-time description of a materialization, suitable
// for introspection surfaces.
type Status struct {
	Target          changelog.Table
	State           State
	Suspended       bool
	LastRefreshedAt time.Time
	Lag             TargetLag
	RefreshMode     RefreshMode
	Strategy        string
}
