package checkin

import (
	"fmt"
	"time"
)

// State is a step of a run.
type State string

// Run states.
const (
	StateStart         State = "START"
	StateLockCheck     State = "LOCK_CHECK"
	StateCollect       State = "COLLECT"
	StateFilter        State = "FILTER"
	StatePersist       State = "PERSIST"
	StateSyncScripts   State = "SYNC_SCRIPTS"
	StateRunScripts    State = "RUN_SCRIPTS"
	StateSubmitCheckin State = "SUBMIT_CHECKIN"
	StateSyncArtifacts State = "SYNC_ARTIFACTS"
	StateCleanup       State = "CLEANUP"
	StateDone          State = "DONE"
	StateAbort         State = "ABORT"
)

// Mode selects which path through the states a run takes.
type Mode string

// Run modes.
const (
	// ModeFull collects, submits and syncs artifacts.
	ModeFull Mode = "full"
	// ModePreScripts only syncs external scripts.
	ModePreScripts Mode = "pre"
	// ModePostScripts only runs external scripts and records their results.
	ModePostScripts Mode = "post"
)

// Exit statuses.
const (
	ExitOK      = 0
	ExitAborted = 3
)

// RunTypeManual is the run type that skips artifact syncs.
const RunTypeManual = "manual"

// transitions lists the states each state may move to.
var transitions = map[State][]State{
	StateStart:         {StateLockCheck, StateAbort},
	StateLockCheck:     {StateCollect, StateSyncScripts, StateRunScripts, StateAbort},
	StateCollect:       {StateFilter},
	StateFilter:        {StatePersist},
	StatePersist:       {StateSubmitCheckin},
	StateSubmitCheckin: {StateSyncArtifacts, StateCleanup},
	StateSyncArtifacts: {StateCleanup},
	StateSyncScripts:   {StateCleanup},
	StateRunScripts:    {StateCleanup},
	StateCleanup:       {StateDone},
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Result describes a finished run.
type Result struct {
	Started       time.Time
	Err           error
	RunID         string
	Mode          Mode
	State         State
	RunType       string
	Trace         []State
	ExitCode      int
	CheckinStatus int
	Submitted     bool
}

func (r *Result) enter(s State) {
	if len(r.Trace) > 0 && !validTransition(r.State, s) {
		panic(fmt.Sprintf("checkin: invalid transition %s -> %s", r.State, s))
	}
	r.State = s
	r.Trace = append(r.Trace, s)
}
