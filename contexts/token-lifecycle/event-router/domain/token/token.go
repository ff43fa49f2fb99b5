package token

import "time"

// Type identifies the lifecycle token classes.
type Type string

const (
	TypeShipment    Type = "ST-01"
	TypeAccessorial Type = "AT-02"
	TypePayment     Type = "PT-01"
)

// ST-01 states.
const (
	StateDispatched = "DISPATCHED"
	StateInTransit  = "IN_TRANSIT"
	StateArrived    = "ARRIVED"
	StateDelivered  = "DELIVERED"
)

// AT-02 states.
const (
	StateProposed      = "PROPOSED"
	StateProofAttached = "PROOF_ATTACHED"
	StateVerified      = "VERIFIED"
	StatePublished     = "PUBLISHED"
)

// PT-01 states.
const (
	StateEscrowed       = "ESCROWED"
	StatePartialRelease = "PARTIAL_RELEASE"
	StateFinalRelease   = "FINAL_RELEASE"
	StateError          = "ERROR"
)

// Proof is the attestation attachment carried by AT-02 tokens.
type Proof struct {
	Hash       string    `json:"hash"`
	Source     string    `json:"source"`
	AttachedAt time.Time `json:"attached_at"`
}

// Token is the canonical current-snapshot record for a shipment, an
// accessorial exception, or a payment. Tokens are created by a genesis
// transition, mutated only through validated transitions, and never deleted.
type Token struct {
	TokenID          string
	Type             Type
	ParentShipmentID string
	State            string
	Metadata         map[string]any
	Relations        map[string]string
	Proof            *Proof
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int
}

// Clone returns a deep copy so callers never share mutable maps with a store.
func (t Token) Clone() Token {
	out := t
	out.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		out.Metadata[k] = v
	}
	out.Relations = make(map[string]string, len(t.Relations))
	for k, v := range t.Relations {
		out.Relations[k] = v
	}
	if t.Proof != nil {
		proof := *t.Proof
		out.Proof = &proof
	}
	return out
}

// successors maps each token type to its legal forward transitions.
// PT-01 additionally reaches ERROR from any non-terminal state, handled in
// IsLegalTransition rather than in the table.
var successors = map[Type]map[string][]string{
	TypeShipment: {
		StateDispatched: {StateInTransit},
		StateInTransit:  {StateArrived},
		StateArrived:    {StateDelivered},
		StateDelivered:  {},
	},
	TypeAccessorial: {
		StateProposed:      {StateProofAttached},
		StateProofAttached: {StateVerified},
		StateVerified:      {StatePublished},
		StatePublished:     {},
	},
	TypePayment: {
		StateEscrowed:       {StatePartialRelease},
		StatePartialRelease: {StateFinalRelease},
		StateFinalRelease:   {},
		StateError:          {},
	},
}

var genesis = map[Type]string{
	TypeShipment:    StateDispatched,
	TypeAccessorial: StateProposed,
	TypePayment:     StateEscrowed,
}

// ValidType reports whether the given string names a known token type.
func ValidType(raw string) bool {
	_, ok := successors[Type(raw)]
	return ok
}

// GenesisState returns the first state of the given token type.
func GenesisState(t Type) string {
	return genesis[t]
}

// IsGenesisTransition reports whether an event with the given previous and
// new state represents token creation for the type.
func IsGenesisTransition(t Type, previous, next string) bool {
	return previous == "" && next == GenesisState(t)
}

// IsLegalTransition reports whether from → to is a legal FSM step.
// No skips: each type advances one state at a time.
func IsLegalTransition(t Type, from, to string) bool {
	states, ok := successors[t]
	if !ok {
		return false
	}
	if t == TypePayment && to == StateError {
		return from != StateFinalRelease && from != StateError && isKnownState(t, from)
	}
	for _, next := range states[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends the token's lifecycle.
func IsTerminal(t Type, state string) bool {
	if t == TypePayment && state == StateError {
		return true
	}
	states, ok := successors[t]
	if !ok {
		return false
	}
	next, known := states[state]
	return known && len(next) == 0
}

// IsReleaseState reports whether a PT-01 state implies money movement.
func IsReleaseState(state string) bool {
	return state == StatePartialRelease || state == StateFinalRelease
}

// RequiresProof reports whether entering the state needs a non-empty proof
// hash. Only AT-02 carries proof attachments.
func RequiresProof(t Type, state string) bool {
	return t == TypeAccessorial && (state == StateProofAttached || state == StateVerified)
}

// ApproachesTerminal reports whether the target state is terminal or a PT-01
// release state. Used to derive the proof hint on risk requests.
func ApproachesTerminal(t Type, state string) bool {
	if t == TypePayment && IsReleaseState(state) {
		return true
	}
	return IsTerminal(t, state)
}

func isKnownState(t Type, state string) bool {
	_, ok := successors[t][state]
	return ok
}
