package pipeline

import "fmt"

// State is the phase a pipeline cycle is in.
type State int32

const (
	StateIdle State = iota
	StateGenerating
	StateLocalVerifying
	StateDispatching
	StateRemoteVerifying
	StateApplying
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateLocalVerifying:
		return "local_verifying"
	case StateDispatching:
		return "dispatching"
	case StateRemoteVerifying:
		return "remote_verifying"
	case StateApplying:
		return "applying"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome summarizes how a cycle ended.
type Outcome string

const (
	// OutcomeApplied means the echoed batch reached the ledger. Individual
	// transactions may still have been rejected.
	OutcomeApplied Outcome = "applied"
	// OutcomeEmpty means nothing survived local verification, so nothing
	// was dispatched.
	OutcomeEmpty Outcome = "empty"
	// OutcomeTransportError means the dispatch failed and the cycle made no
	// progress.
	OutcomeTransportError Outcome = "transport_error"
	// OutcomeFailed means no batch could be produced.
	OutcomeFailed Outcome = "failed"
)

// Stages at which a transaction can be dropped.
const (
	StageLocal  = "local"
	StageRemote = "remote"
	StageApply  = "apply"
)

// ReasonVerificationFailed is the rejection reason for a failed signature check.
const ReasonVerificationFailed = "verification_failed"

// StopReason explains why Run returned.
type StopReason string

const (
	StopMaxCycles       StopReason = "max_cycles"
	StopMaxTransactions StopReason = "max_transactions"
	StopMaxDuration     StopReason = "max_duration"
	StopCancelled       StopReason = "cancelled"
)
