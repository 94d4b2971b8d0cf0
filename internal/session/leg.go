package session

import "fmt"

// LegID indexes into a session's leg arena. Legs never hold a pointer
// back to their session; the arena index is the only reference.
type LegID int

// LegRole says why a leg exists in the session.
type LegRole string

const (
	RoleCaller     LegRole = "caller"
	RoleCallee     LegRole = "callee"
	RoleTransfer   LegRole = "transfer"
	RoleConference LegRole = "conference"
)

// LegState is the dialog state of a single leg.
type LegState string

const (
	LegTrying     LegState = "trying"
	LegRinging    LegState = "ringing"
	LegAnswered   LegState = "answered"
	LegHeld       LegState = "held"
	LegTerminated LegState = "terminated"
)

// Leg is one SIP dialog owned by a session. Legs live in the session's
// arena and never outlive it.
type Leg struct {
	ID   LegID
	Role LegRole

	CallID        string
	LocalTag      string
	RemoteTag     string
	CSeq          uint32
	RemoteURI     string
	RemoteContact string
	Number        string
	TrunkName     string

	LocalSDP  []byte
	RemoteSDP []byte

	State LegState
}

func (l *Leg) live() bool {
	return l.State != LegTerminated
}

func (l *Leg) String() string {
	return fmt.Sprintf("leg %d (%s %s %s)", l.ID, l.Role, l.Number, l.State)
}

// newLeg appends a leg to the arena and returns its index.
func (s *Session) newLeg(role LegRole, number string) LegID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := LegID(len(s.legs))
	s.legs = append(s.legs, Leg{
		ID:     id,
		Role:   role,
		CallID: s.CallID,
		Number: number,
		State:  LegTrying,
	})
	return id
}

// setLegState writes a leg's dialog state under mu. Snapshot reads leg
// states from other goroutines, so every state write goes through here.
func (s *Session) setLegState(id LegID, st LegState) {
	s.mu.Lock()
	s.legs[id].State = st
	s.mu.Unlock()
}

// leg returns the arena slot for the given id. Only the session
// goroutine may mutate it.
func (s *Session) leg(id LegID) *Leg {
	if int(id) < 0 || int(id) >= len(s.legs) {
		return nil
	}
	return &s.legs[id]
}

// liveLegs returns the ids of every non-terminated leg.
func (s *Session) liveLegs() []LegID {
	var out []LegID
	for i := range s.legs {
		if s.legs[i].live() {
			out = append(out, s.legs[i].ID)
		}
	}
	return out
}

// liveLegsExcept returns live legs other than the given one.
func (s *Session) liveLegsExcept(skip LegID) []LegID {
	var out []LegID
	for i := range s.legs {
		if s.legs[i].ID != skip && s.legs[i].live() {
			out = append(out, s.legs[i].ID)
		}
	}
	return out
}

func (s *Session) legSummary() []string {
	out := make([]string, 0, len(s.legs))
	for i := range s.legs {
		out = append(out, s.legs[i].String())
	}
	return out
}
