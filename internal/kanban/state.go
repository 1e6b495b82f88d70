package kanban

import "fmt"

// State is the station's position in the card protocol.
type State int

const (
	StateIdle State = iota
	StateReaderConnecting
	StateReaderReady
	StateAwaitingCard
	StateCardPresent
	StateOperating
	StateDisconnected
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateReaderConnecting: "reader_connecting",
	StateReaderReady:      "reader_ready",
	StateAwaitingCard:     "awaiting_card",
	StateCardPresent:      "card_present",
	StateOperating:        "operating",
	StateDisconnected:     "disconnected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown station state %q", string(text))
}
