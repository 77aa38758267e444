package session

import "fmt"

// Phase is the state of a match session.
type Phase uint32

const (
	Idle Phase = iota
	Handshaking
	CommitmentExchange
	Shooting
	Defending
	Won
	Lost
	Closed
)

var phaseNames = [...]string{
	"idle", "handshaking", "commitment-exchange", "shooting", "defending", "won", "lost", "closed",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint32(p))
}

// Terminal phases accept no further operations.
func (p Phase) Terminal() bool { return p == Won || p == Lost || p == Closed }

// transitions lists every legal move. Closed is reachable from each
// non-terminal phase; terminal phases have no way out.
var transitions = map[Phase][]Phase{
	Idle:               {Handshaking, Closed},
	Handshaking:        {CommitmentExchange, Closed},
	CommitmentExchange: {Shooting, Defending, Closed},
	Shooting:           {Defending, Won, Closed},
	Defending:          {Shooting, Lost, Closed},
}

func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
