package connector

import (
	"sync"
	"time"

	"github.com/coriolis-labs/multiterm/internal/errs"
	"github.com/coriolis-labs/multiterm/internal/logging"
)

var telnetLog = logging.New("connector.telnet", nil)

// Telnet command bytes (RFC 854/855).
const (
	telnetSE   byte = 240
	telnetNOP  byte = 241
	telnetGA   byte = 249
	telnetSB   byte = 250
	telnetWill byte = 251
	telnetWont byte = 252
	telnetDo   byte = 253
	telnetDont byte = 254
	telnetIAC  byte = 255
)

// telnetOption enumerates the options this codec knows about (spec §6.3).
type telnetOption byte

const (
	optEcho     telnetOption = 1
	optSGA      telnetOption = 3
	optTermType telnetOption = 24
	optNAWS     telnetOption = 31
	optLineMode telnetOption = 34
)

const maxSubnegLen = 1024 // spec §7: subnegotiations exceeding 1 KiB are a ProtocolError.

// sideState is one leaf of the Q-Method (RFC 1143) state machine.
type sideState byte

const (
	sideNo sideState = iota
	sideYes
	sideWantNo
	sideWantYes
)

// optSide tracks one direction (us performing an option, or him performing
// one) of the Q-Method. queued records whether the opposite request is
// waiting behind the one currently outstanding — the invariant "no pending
// request is ever issued while one is already outstanding" means queued is
// the only slack allowed.
type optSide struct {
	state  sideState
	queued bool
}

type optionState struct {
	us  optSide // do we (the server) perform this option
	him optSide // does the peer perform this option
}

// parseState is the byte-level Telnet parser state of spec §4.B.
type parseState byte

const (
	psData parseState = iota
	psIAC
	psCommand
	psSubNeg
	psSubNegIAC
)

// TelnetFilter is the stateful Telnet codec of spec §4.B. It wraps an
// upstream Connection (raw bytes) and itself implements Connection,
// exposing Telnet-clean bytes upward and performing Q-Method option
// negotiation transparently. Chaining filters this way is the teacher's
// own pattern (see the historical newline-out/telnet-in filters).
type TelnetFilter struct {
	id         string
	upstream   Connection
	fromClient chan Message
	toClient   chan Message

	options map[telnetOption]*optionState

	state      parseState
	pendingCmd byte
	subneg     []byte

	TerminalType string
	WindowWidth  int
	WindowHeight int
	LineMode     bool // true once LINEMODE presence is accepted (supplemented feature)

	protocolErr error // set once a subnegotiation exceeds maxSubnegLen

	lastOptionActivity chan struct{} // best-effort pulse, one per processed option reply

	firstByteSeen sync.Once
	firstByteIAC  chan bool // fires once with whether the connection's very first byte was IAC

	// OnEchoChange, if set, fires whenever our side of the ECHO option
	// settles into a definite Yes/No state, letting Session keep the
	// character handler's local-echo policy in sync with negotiation.
	OnEchoChange func(enabled bool)

	// OnLineModeChange, if set, fires whenever LINEMODE presence flips
	// (supplemented feature 2: option presence alone, not subnegotiation
	// payload, switches a session between LineMode and CharacterMode).
	OnLineModeChange func(enabled bool)
}

func (t *TelnetFilter) setLineMode(enabled bool) {
	if t.LineMode == enabled {
		return
	}
	t.LineMode = enabled
	if t.OnLineModeChange != nil {
		t.OnLineModeChange(enabled)
	}
}

func (t *TelnetFilter) Id() string             { return t.id }
func (t *TelnetFilter) FromConn() chan Message { return t.fromClient }
func (t *TelnetFilter) ToConn() chan Message   { return t.toClient }
func (t *TelnetFilter) RemoteAddr() string     { return t.upstream.RemoteAddr() }
func (t *TelnetFilter) Close() error           { return t.upstream.Close() }

// OptionActivity fires (non-blocking, best-effort) whenever an option
// command or reply is processed — used by Session to detect negotiation
// quiescence (spec §4.E: 500ms after the last option reply).
func (t *TelnetFilter) OptionActivity() <-chan struct{} { return t.lastOptionActivity }

// NewTelnetFilter wraps upstream with a Telnet codec and starts its pump.
func NewTelnetFilter(upstream Connection) *TelnetFilter {
	t := &TelnetFilter{
		id:                 upstream.Id() + "-(telnet)",
		upstream:           upstream,
		fromClient:         make(chan Message),
		toClient:           make(chan Message),
		options:            make(map[telnetOption]*optionState),
		WindowWidth:        80,
		WindowHeight:       24,
		lastOptionActivity: make(chan struct{}, 1),
		firstByteIAC:       make(chan bool, 1),
	}
	go t.pump()
	return t
}

func (t *TelnetFilter) option(opt telnetOption) *optionState {
	s, ok := t.options[opt]
	if !ok {
		s = &optionState{}
		t.options[opt] = s
	}
	return s
}

func (t *TelnetFilter) notifyActivity() {
	select {
	case t.lastOptionActivity <- struct{}{}:
	default:
	}
}

func (t *TelnetFilter) pump() {
	defer close(t.upstream.ToConn())
	defer close(t.fromClient)

	for {
		select {
		case m, ok := <-t.upstream.FromConn():
			if !ok {
				return
			}
			t.fromUpstream(m)
		case m, ok := <-t.toClient:
			if !ok {
				return
			}
			t.toUpstream(m)
		}
	}
}

func (t *TelnetFilter) fromUpstream(m Message) {
	data, ok := m.(DataMessage)
	if !ok {
		t.fromClient <- m
		return
	}

	out := make([]byte, 0, len(data.Data))
	for _, b := range data.Data {
		clean, emit := t.processByte(b)
		if emit {
			out = append(out, clean)
		}
		if t.protocolErr != nil {
			t.fromClient <- ErrorMessage{Err: t.protocolErr}
			return
		}
	}
	if len(out) > 0 {
		t.fromClient <- NewDataMessage(out)
	}
}

func (t *TelnetFilter) toUpstream(m Message) {
	if data, ok := m.(DataMessage); ok {
		t.upstream.ToConn() <- NewDataMessage(t.Encode(data.Data))
		return
	}
	t.upstream.ToConn() <- m
}

// Encode escapes literal IAC bytes in outbound application data (spec
// §4.B Emitter); CR/LF translation is the character handler's job, not
// the codec's, per spec §4.C.
func (t *TelnetFilter) Encode(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == telnetIAC {
			out = append(out, telnetIAC, telnetIAC)
			continue
		}
		out = append(out, c)
	}
	return out
}

// processByte advances the parser by one input byte, returning a clean
// byte to emit upward (emit=false for bytes absorbed into negotiation).
func (t *TelnetFilter) processByte(b byte) (clean byte, emit bool) {
	t.firstByteSeen.Do(func() {
		select {
		case t.firstByteIAC <- b == telnetIAC:
		default:
		}
	})

	switch t.state {
	case psData:
		if b == telnetIAC {
			t.state = psIAC
			return 0, false
		}
		return b, true

	case psIAC:
		switch {
		case b == telnetIAC:
			t.state = psData
			return telnetIAC, true
		case b == telnetGA || b == telnetNOP:
			t.state = psData
			return 0, false
		case b == telnetSB:
			t.state = psSubNeg
			t.subneg = t.subneg[:0]
			return 0, false
		case b == telnetWill || b == telnetWont || b == telnetDo || b == telnetDont:
			t.pendingCmd = b
			t.state = psCommand
			return 0, false
		default:
			// Any other two-byte command is consumed silently.
			t.state = psData
			return 0, false
		}

	case psCommand:
		t.state = psData
		t.handleCommand(t.pendingCmd, telnetOption(b))
		return 0, false

	case psSubNeg:
		if b == telnetIAC {
			t.state = psSubNegIAC
			return 0, false
		}
		if len(t.subneg) >= maxSubnegLen {
			t.protocolErr = errs.NewProtocolError("subnegotiation exceeds 1 KiB without IAC SE")
			return 0, false
		}
		t.subneg = append(t.subneg, b)
		return 0, false

	case psSubNegIAC:
		if b == telnetSE {
			t.state = psData
			t.handleSubneg(t.subneg)
			return 0, false
		}
		if b == telnetIAC {
			// Escaped IAC inside subnegotiation data.
			if len(t.subneg) >= maxSubnegLen {
				t.protocolErr = errs.NewProtocolError("subnegotiation exceeds 1 KiB without IAC SE")
				t.state = psData
				return 0, false
			}
			t.subneg = append(t.subneg, telnetIAC)
			t.state = psSubNeg
			return 0, false
		}
		// Malformed (IAC followed by neither SE nor IAC); resync to Data.
		t.state = psData
		return 0, false
	}

	return 0, false
}

func (t *TelnetFilter) sendCmd(cmd byte, opt telnetOption) {
	t.upstream.ToConn() <- NewDataMessage([]byte{telnetIAC, cmd, byte(opt)})
}

func (t *TelnetFilter) handleCommand(cmd byte, opt telnetOption) {
	t.notifyActivity()
	switch cmd {
	case telnetDo:
		t.recvDo(opt)
	case telnetDont:
		t.recvDont(opt)
	case telnetWill:
		t.recvWill(opt)
	case telnetWont:
		t.recvWont(opt)
	}
}

func (t *TelnetFilter) handleSubneg(data []byte) {
	defer t.notifyActivity()
	if len(data) == 0 {
		return
	}
	opt := telnetOption(data[0])
	switch opt {
	case optTermType:
		if len(data) > 1 && data[1] == 0 { // IS
			t.TerminalType = string(data[2:])
		}
	case optNAWS:
		if len(data) >= 5 {
			t.WindowWidth = int(data[1])<<8 | int(data[2])
			t.WindowHeight = int(data[3])<<8 | int(data[4])
		}
	default:
		telnetLog.Debugf("ignoring subnegotiation for unknown option %d", opt)
	}
}

// acceptDo reports whether we agree to perform opt when the peer asks DO.
func acceptDo(opt telnetOption) bool {
	switch opt {
	case optEcho, optSGA, optLineMode:
		return true
	default:
		return false
	}
}

// acceptWill reports whether we agree to let the peer perform opt when it
// offers WILL.
func acceptWill(opt telnetOption) bool {
	switch opt {
	case optSGA, optTermType, optNAWS, optLineMode:
		return true
	case optEcho:
		return false // server always wants to be the one echoing
	default:
		return false
	}
}

// --- Q-Method: responding to the peer's WILL/DO (enabling) requests ---

func (t *TelnetFilter) recvDo(opt telnetOption) {
	s := &t.option(opt).us
	switch s.state {
	case sideNo:
		if acceptDo(opt) {
			s.state = sideYes
			t.sendCmd(telnetWill, opt)
			t.onUsEnabled(opt)
		} else {
			t.sendCmd(telnetWont, opt)
		}
	case sideYes:
		// Already enabled; RFC 1143 says ignore.
	case sideWantNo:
		if !s.queued {
			s.state = sideNo // answered a DONT with a DO: treat as error, revert
			t.onUsDisabled(opt)
		} else {
			s.state = sideYes
			s.queued = false
			t.onUsEnabled(opt)
		}
	case sideWantYes:
		if !s.queued {
			s.state = sideYes
			t.onUsEnabled(opt)
		} else {
			s.state = sideWantNo
			s.queued = false
			t.sendCmd(telnetWont, opt)
		}
	}
}

func (t *TelnetFilter) recvDont(opt telnetOption) {
	s := &t.option(opt).us
	switch s.state {
	case sideNo:
		// Already disabled.
	case sideYes:
		s.state = sideNo
		t.sendCmd(telnetWont, opt)
		t.onUsDisabled(opt)
	case sideWantNo:
		if !s.queued {
			s.state = sideNo
			t.onUsDisabled(opt)
		} else {
			s.state = sideWantYes
			s.queued = false
			t.sendCmd(telnetWill, opt)
		}
	case sideWantYes:
		s.state = sideNo
		s.queued = false
		t.onUsDisabled(opt)
	}
	if opt == optLineMode {
		t.setLineMode(false)
	}
}

func (t *TelnetFilter) recvWill(opt telnetOption) {
	s := &t.option(opt).him
	switch s.state {
	case sideNo:
		if acceptWill(opt) {
			s.state = sideYes
			t.sendCmd(telnetDo, opt)
			t.onHimEnabled(opt)
		} else {
			t.sendCmd(telnetDont, opt)
		}
	case sideYes:
	case sideWantNo:
		if !s.queued {
			s.state = sideNo
		} else {
			s.state = sideYes
			s.queued = false
			t.onHimEnabled(opt)
		}
	case sideWantYes:
		if !s.queued {
			s.state = sideYes
			t.onHimEnabled(opt)
		} else {
			s.state = sideWantNo
			s.queued = false
			t.sendCmd(telnetDont, opt)
		}
	}
}

func (t *TelnetFilter) recvWont(opt telnetOption) {
	s := &t.option(opt).him
	switch s.state {
	case sideNo:
	case sideYes:
		s.state = sideNo
		t.sendCmd(telnetDont, opt)
	case sideWantNo:
		if !s.queued {
			s.state = sideNo
		} else {
			s.state = sideWantYes
			s.queued = false
			t.sendCmd(telnetDo, opt)
		}
	case sideWantYes:
		s.state = sideNo
		s.queued = false
	}
	if opt == optLineMode {
		t.setLineMode(false)
	}
}

// --- Q-Method: us proactively requesting ---

// RequestWill asks to enable an option we perform. It is a no-op (queues
// instead of duplicating) if a request is already outstanding — the
// invariant of spec §3: "no pending request is ever issued while one is
// already outstanding for the same side of the same option."
func (t *TelnetFilter) RequestWill(opt telnetOption) {
	s := &t.option(opt).us
	switch s.state {
	case sideNo:
		s.state = sideWantYes
		t.sendCmd(telnetWill, opt)
	case sideWantNo:
		s.queued = true
	case sideWantYes, sideYes:
		// Already enabled or already on the way; nothing to send.
	}
}

func (t *TelnetFilter) RequestWont(opt telnetOption) {
	s := &t.option(opt).us
	switch s.state {
	case sideYes:
		s.state = sideWantNo
		t.sendCmd(telnetWont, opt)
	case sideWantYes:
		s.queued = true
	case sideWantNo, sideNo:
	}
}

// RequestDo asks the peer to enable an option it performs.
func (t *TelnetFilter) RequestDo(opt telnetOption) {
	s := &t.option(opt).him
	switch s.state {
	case sideNo:
		s.state = sideWantYes
		t.sendCmd(telnetDo, opt)
	case sideWantNo:
		s.queued = true
	case sideWantYes, sideYes:
	}
}

func (t *TelnetFilter) RequestDont(opt telnetOption) {
	s := &t.option(opt).him
	switch s.state {
	case sideYes:
		s.state = sideWantNo
		t.sendCmd(telnetDont, opt)
	case sideWantYes:
		s.queued = true
	case sideWantNo, sideNo:
	}
}

func (t *TelnetFilter) onUsEnabled(opt telnetOption) {
	if opt == optLineMode {
		t.setLineMode(true)
	}
	if opt == optEcho && t.OnEchoChange != nil {
		t.OnEchoChange(true)
	}
}

func (t *TelnetFilter) onUsDisabled(opt telnetOption) {
	if opt == optLineMode {
		t.setLineMode(false)
	}
	if opt == optEcho && t.OnEchoChange != nil {
		t.OnEchoChange(false)
	}
}

// EchoEnabled reports whether we currently perform ECHO (spec §4.B WILL
// ECHO means the server, not the client, echoes input).
func (t *TelnetFilter) EchoEnabled() bool {
	return t.option(optEcho).us.state == sideYes
}

func (t *TelnetFilter) onHimEnabled(opt telnetOption) {
	switch opt {
	case optLineMode:
		t.setLineMode(true)
	case optTermType:
		// Actively request the terminal type now that the peer has
		// agreed to send it (supplemented feature 3).
		t.upstream.ToConn() <- NewDataMessage([]byte{telnetIAC, telnetSB, byte(optTermType), 1, telnetIAC, telnetSE})
	}
}

// DetectedTelnetIntroWithin reports whether the connection's very first
// byte was IAC, observed within timeout (supplemented feature: plain-TCP
// auto-detection on a Telnet-configured listener). If nothing arrives
// before timeout, it conservatively reports false so the caller falls
// back to treating the stream as plain line input rather than stalling
// the handshake.
func (t *TelnetFilter) DetectedTelnetIntroWithin(timeout time.Duration) bool {
	select {
	case v := <-t.firstByteIAC:
		return v
	case <-time.After(timeout):
		return false
	}
}

// SendInitialNegotiation issues the opening option exchange of spec §4.B,
// to be called once, immediately after the welcome message.
func (t *TelnetFilter) SendInitialNegotiation() {
	t.RequestDo(optSGA)
	t.RequestWill(optSGA)
	t.RequestWill(optEcho)
	t.RequestDo(optTermType)
	t.RequestDo(optNAWS)
}

// Quiescent reports whether every option this codec has touched has
// settled into a definite Yes/No state (no WantYes/WantNo outstanding).
func (t *TelnetFilter) Quiescent() bool {
	for _, s := range t.options {
		if s.us.state == sideWantYes || s.us.state == sideWantNo {
			return false
		}
		if s.him.state == sideWantYes || s.him.state == sideWantNo {
			return false
		}
	}
	return true
}

// negotiationQuiescenceWindow is how long Session waits after the last
// option activity before declaring negotiation settled (spec §4.E, §5).
const negotiationQuiescenceWindow = 500 * time.Millisecond
