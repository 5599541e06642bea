package conversation

// Party is who holds the turn.
type Party int

const (
	Caller Party = iota
	Agent
)

func (p Party) String() string {
	if p == Agent {
		return "agent"
	}
	return "caller"
}

// Grant is the answer to an agent turn request.
type Grant int

const (
	Granted Grant = iota
	Denied
)

// TurnController arbitrates who may produce audio. It belongs to one
// session's step loop and is not safe for concurrent use.
type TurnController struct {
	holder         Party
	callerSpeaking bool
	epoch          uint64
}

func NewTurnController() *TurnController {
	return &TurnController{holder: Caller}
}

func (t *TurnController) CurrentTurn() Party { return t.holder }

// RequestAgentTurn grants the turn to the agent unless the caller is
// actively speaking.
func (t *TurnController) RequestAgentTurn() Grant {
	if t.callerSpeaking {
		return Denied
	}
	if t.holder != Agent {
		t.holder = Agent
		t.epoch++
	}
	return Granted
}

// YieldToCaller hands the turn to the caller and invalidates any grant the
// agent holds.
func (t *TurnController) YieldToCaller() {
	t.holder = Caller
	t.epoch++
}

// CallerSpeaking records caller voice activity.
func (t *TurnController) CallerSpeaking(speaking bool) { t.callerSpeaking = speaking }

// Epoch changes every time the turn changes hands. A grant taken at one
// epoch is stale once the epoch moves.
func (t *TurnController) Epoch() uint64 { return t.epoch }
