package evaluation

import "github.com/pavelanni/evalcard/internal/model"

// State is the PhaseGate position of a student in a project.
type State string

const (
	StateNotStarted         State = "not_started"
	StateGroupPending       State = "group_pending"
	StateGroupComplete      State = "group_complete"
	StateIndividualPending  State = "individual_pending"
	StateIndividualComplete State = "individual_complete"
	StateFinalized          State = "finalized"
)

// DeriveState computes the gate state from persisted facts. Individual-only
// projects never report the group states.
func DeriveState(snap model.FinalSnapshot) State {
	team := snap.Project.IsTeam()
	if team {
		if snap.TeamID == nil || snap.Group == nil {
			return StateNotStarted
		}
		if snap.Group.RetryAllowed {
			return StateGroupPending
		}
	}
	if snap.Individual == nil {
		if team {
			return StateGroupComplete
		}
		return StateIndividualPending
	}
	if snap.Individual.RetryAllowed {
		return StateIndividualPending
	}
	if snap.LatestFinal == nil || !snap.LatestFinal.SameSources(groupID(snap), snap.Individual.ID) {
		return StateIndividualComplete
	}
	return StateFinalized
}

// CanRecordIndividual reports whether an individual attempt may be recorded
// in state s, and the block reason when it may not.
func CanRecordIndividual(s State) (bool, string) {
	switch s {
	case StateGroupComplete, StateIndividualPending, StateIndividualComplete:
		return true, ""
	case StateFinalized:
		return false, ReasonAlreadyFinalized
	default:
		return false, ReasonGroupIncomplete
	}
}

// gateIndividual is run inside the attempt transaction.
func gateIndividual(snap model.FinalSnapshot) error {
	state := DeriveState(snap)
	if ok, reason := CanRecordIndividual(state); !ok {
		return &blockedError{Blocked{Reason: reason, State: state}}
	}
	return nil
}

func groupID(snap model.FinalSnapshot) *int64 {
	if snap.Group == nil {
		return nil
	}
	return &snap.Group.ID
}
