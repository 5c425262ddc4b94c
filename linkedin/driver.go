package linkedin

import (
	"context"

	"github.com/hazyhaar/leadscout/contact"
)

// Outcome is how the network answered a login step.
type Outcome int

const (
	// OutcomeAccepted: landed on a logged-in page.
	OutcomeAccepted Outcome = iota
	// OutcomeNeedsCode: checkpoint asking for an emailed PIN.
	OutcomeNeedsCode
	// OutcomeChallenge: checkpoint a machine cannot pass (captcha, phone).
	OutcomeChallenge
	// OutcomeRejected: credentials, cookie or code refused.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeNeedsCode:
		return "needs_code"
	case OutcomeChallenge:
		return "challenge"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// Driver automates the network's web surface. Implementations are not
// reentrant: the Machine never calls two methods concurrently.
type Driver interface {
	LoginWithCookie(ctx context.Context, cookie string) (Outcome, error)
	LoginWithCredentials(ctx context.Context, email, password string) (Outcome, error)
	SubmitCode(ctx context.Context, code string) (Outcome, error)

	// OpenLoginSurface shows the login page in a visible browser for a
	// human operator.
	OpenLoginSurface(ctx context.Context) error

	// Validate reports whether the current browser state is logged in.
	Validate(ctx context.Context) (bool, error)

	// SearchPeople returns at most limit people for query. ErrChallenge
	// signals a checkpoint or a lost login.
	SearchPeople(ctx context.Context, query string, limit int) ([]contact.Contact, error)

	Close() error
}

// DriverFactory builds a fresh Driver after a disconnect or a crash.
type DriverFactory func(ctx context.Context) (Driver, error)
