package linkedin

import (
	"testing"

	"github.com/hazyhaar/leadscout/linkedin/internal/browser"
)

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		in   browser.Landing
		want Outcome
	}{
		{browser.LandingLoggedIn, OutcomeAccepted},
		{browser.LandingPin, OutcomeNeedsCode},
		{browser.LandingCheckpoint, OutcomeChallenge},
		{browser.LandingUnknown, OutcomeChallenge},
		{browser.LandingLogin, OutcomeRejected},
	}
	for _, tt := range tests {
		if got := outcomeOf(tt.in); got != tt.want {
			t.Errorf("outcomeOf(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
