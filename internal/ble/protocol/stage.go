// Package protocol defines the enrollment/authentication exchange spoken to
// the agent peripheral: the stage sequence, the GATT identifiers of each
// stage family, and the text frames written and read at every stage.
package protocol

import "fmt"

// Stage is one request/response round of the exchange.
type Stage int

const (
	// EnrollRound1 is the first enrollment round.
	EnrollRound1 Stage = iota + 1
	// EnrollRound2 is the second enrollment round.
	EnrollRound2
	// EnrollRound3 is the last enrollment round. Its response hands the
	// session over to the authentication service.
	EnrollRound3
	// Authenticate is the single authentication round.
	Authenticate
)

func (s Stage) String() string {
	switch s {
	case EnrollRound1:
		return "Enroll 1"
	case EnrollRound2:
		return "Enroll 2"
	case EnrollRound3:
		return "Enroll 3"
	case Authenticate:
		return "Authenticate"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Valid reports whether s is one of the four defined stages.
func (s Stage) Valid() bool {
	return s >= EnrollRound1 && s <= Authenticate
}

// Family returns the stage family s belongs to.
func (s Stage) Family() Family {
	if s == Authenticate {
		return FamilyAuth
	}
	return FamilyEnroll
}

// Request returns the request text written at stage s.
func (s Stage) Request() string {
	return s.String() + " request"
}

// Family groups the stages that share one service and characteristic pair.
type Family int

const (
	// FamilyEnroll covers EnrollRound1 through EnrollRound3.
	FamilyEnroll Family = iota + 1
	// FamilyAuth covers Authenticate.
	FamilyAuth
)

func (f Family) String() string {
	switch f {
	case FamilyEnroll:
		return "enroll"
	case FamilyAuth:
		return "auth"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// Step is what the session does after a response has been received.
type Step int

const (
	// StepSendRequest writes the next stage's request on the open connection.
	StepSendRequest Step = iota + 1
	// StepRescan drops the connection and scans for the next stage's service.
	StepRescan
	// StepFinish disconnects and ends the session.
	StepFinish
)

func (s Step) String() string {
	switch s {
	case StepSendRequest:
		return "send-request"
	case StepRescan:
		return "rescan"
	case StepFinish:
		return "finish"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// Advance returns the stage that follows a response received at s and the
// step that leads there. Authenticate is terminal: Advance returns it
// unchanged with StepFinish, as is any stage that is not Valid.
func Advance(s Stage) (Stage, Step) {
	if !s.Valid() {
		return s, StepFinish
	}
	switch s {
	case EnrollRound1:
		return EnrollRound2, StepSendRequest
	case EnrollRound2:
		return EnrollRound3, StepSendRequest
	case EnrollRound3:
		return Authenticate, StepRescan
	default:
		return Authenticate, StepFinish
	}
}
