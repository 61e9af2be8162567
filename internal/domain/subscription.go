package domain

// ModeKind selects which subscription the listener maintains.
type ModeKind string

const (
	ModeLogs    ModeKind = "logs"
	ModeAccount ModeKind = "account"
)

// Commitment is the finality level requested from the node.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Valid reports whether c is one of the known commitment levels.
func (c Commitment) Valid() bool {
	switch c {
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return true
	}
	return false
}

// SubscriptionMode describes the logical subscription: program logs for one
// program, or account updates for a set of addresses.
type SubscriptionMode struct {
	Kind      ModeKind
	ProgramID string   // logs mode only
	Accounts  []string // account mode only, in configuration order
}

// LogsMode returns a logs subscription mode for programID.
func LogsMode(programID string) SubscriptionMode {
	return SubscriptionMode{Kind: ModeLogs, ProgramID: programID}
}

// AccountMode returns an account subscription mode for the given addresses.
func AccountMode(accounts ...string) SubscriptionMode {
	return SubscriptionMode{Kind: ModeAccount, Accounts: append([]string(nil), accounts...)}
}

// Targets returns the per-request targets of the mode: the program ID for
// logs mode, one entry per address for account mode.
func (m SubscriptionMode) Targets() []string {
	if m.Kind == ModeLogs {
		return []string{m.ProgramID}
	}
	return append([]string(nil), m.Accounts...)
}

// SubscriptionRequest is a single subscribe call sent over the wire.
// Immutable once sent.
type SubscriptionRequest struct {
	RequestID  uint64
	Kind       ModeKind
	Target     string // program ID or account pubkey
	Commitment Commitment
}

// SubscriptionHandle is created when the node acknowledges a
// SubscriptionRequest. It lives only as long as the session that obtained it.
type SubscriptionHandle struct {
	SubscriptionID uint64
	Kind           ModeKind
	Target         string
}
