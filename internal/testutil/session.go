package testutil

// FixedSessionGenerator generates the same session id every time.
//
// Scenarios that stamp every event with one session produce byte-identical
// change logs across runs, which golden comparison depends on.
//
// Unlike engine.FixedGenerator, which hands out ids in sequence and panics
// when exhausted, this generator never runs out.
//
// Thread-safety: FixedSessionGenerator is stateless and safe for concurrent use.
type FixedSessionGenerator struct {
	session string
}

// DefaultSession is used when NewFixedSessionGenerator is given "".
const DefaultSession = "test-session-default"

// NewFixedSessionGenerator creates a generator that always returns session.
func NewFixedSessionGenerator(session string) *FixedSessionGenerator {
	if session == "" {
		session = DefaultSession
	}
	return &FixedSessionGenerator{session: session}
}

// Generate returns the fixed session id.
//
// Implements engine.SessionGenerator.
func (g *FixedSessionGenerator) Generate() string {
	return g.session
}
