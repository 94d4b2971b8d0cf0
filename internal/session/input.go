package session

// Input is one message posted to a session's inbox. The set of
// variants is closed: SIP traffic and user commands both arrive as
// typed inputs, dispatched with a type switch instead of per-call
// reflection. Inputs for the same Call-ID are processed strictly in
// arrival order by the owning session goroutine.
type Input interface {
	isInput()
}

// Provisional is a 1xx response on an outbound leg.
type Provisional struct {
	LegID  LegID
	Status int
}

// Final is a final response (>= 200) on an outbound leg.
type Final struct {
	LegID         LegID
	Status        int
	Reason        string
	Body          []byte
	RemoteTag     string
	RemoteContact string
}

// DialFailed reports a transport-level failure before any SIP response
// arrived, e.g. the INVITE could not be sent.
type DialFailed struct {
	LegID LegID
	Err   error
}

// RemoteBye is a BYE received on a leg. The transport answers the BYE
// itself; the session tears down the rest of the call.
type RemoteBye struct {
	LegID LegID
}

// RemoteCancel is a CANCEL from the original caller while the call is
// still ringing.
type RemoteCancel struct {
	LegID LegID
}

// RemoteReinvite is an in-dialog INVITE, carrying a new offer. Hold
// and resume arrive this way.
type RemoteReinvite struct {
	LegID LegID
	Body  []byte
}

// RemoteRefer is a transfer request received on a leg.
type RemoteRefer struct {
	LegID    LegID
	Target   string
	Attended bool
}

// RemoteInfo carries an out-of-dialog DTMF digit signalled with SIP
// INFO, the fallback when no telephone-event payload was negotiated.
type RemoteInfo struct {
	LegID LegID
	Digit string
}

// depositDone reports that a voicemail deposit finished.
type depositDone struct {
	err error
}

// Op is a user command verb.
type Op int

const (
	OpHold Op = iota
	OpResume
	OpBlindTransfer
	OpAttendedTransfer
	OpConferenceAdd
	OpPark
	OpHangup
)

func (o Op) String() string {
	switch o {
	case OpHold:
		return "hold"
	case OpResume:
		return "resume"
	case OpBlindTransfer:
		return "blind_transfer"
	case OpAttendedTransfer:
		return "attended_transfer"
	case OpConferenceAdd:
		return "conference_add"
	case OpPark:
		return "park"
	case OpHangup:
		return "hangup"
	}
	return "unknown"
}

// Command is a user-initiated call-control action.
type Command struct {
	Op     Op
	Target string
}

func (Provisional) isInput()    {}
func (Final) isInput()          {}
func (DialFailed) isInput()     {}
func (RemoteBye) isInput()      {}
func (RemoteCancel) isInput()   {}
func (RemoteReinvite) isInput() {}
func (RemoteRefer) isInput()    {}
func (RemoteInfo) isInput()     {}
func (depositDone) isInput()    {}
func (Command) isInput()        {}
