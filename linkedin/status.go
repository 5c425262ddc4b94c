package linkedin

import "time"

// Status is the state of the shared automation session.
type Status string

const (
	StatusDisconnected          Status = "disconnected"
	StatusConnecting            Status = "connecting"
	StatusNeedsVerificationCode Status = "needs_verification_code"
	StatusNeedsManualLogin      Status = "needs_manual_login"
	StatusAwaitingManualLogin   Status = "awaiting_manual_login"
	StatusConnected             Status = "connected"
	StatusBusy                  Status = "busy"
	StatusError                 Status = "error"
)

// Usable reports whether searches can run now or once the current one ends.
func (s Status) Usable() bool {
	return s == StatusConnected || s == StatusBusy
}

// Hint is the operator-facing remediation for a status.
func (s Status) Hint() string {
	switch s {
	case StatusDisconnected:
		return "Not connected. Provide a session cookie or credentials."
	case StatusConnecting:
		return "Login in progress."
	case StatusNeedsVerificationCode:
		return "Enter the verification code sent by email."
	case StatusNeedsManualLogin:
		return "Automated login was refused. Open the browser and log in manually."
	case StatusAwaitingManualLogin:
		return "Browser opened. Log in manually, then validate the session."
	case StatusConnected:
		return "Connected."
	case StatusBusy:
		return "A search is running."
	case StatusError:
		return "The session failed. Disconnect, then connect again."
	}
	return ""
}

// AuthMethod is how the session was established.
type AuthMethod string

const (
	AuthCookie      AuthMethod = "cookie"
	AuthCredentials AuthMethod = "credentials"
	AuthManual      AuthMethod = "manual"
)

// Session is the AuthSession snapshot served to clients.
type Session struct {
	Status            Status     `json:"status"`
	AccountIdentifier string     `json:"accountIdentifier,omitempty"`
	AuthMethod        AuthMethod `json:"authMethod,omitempty"`
	LastConnectedAt   *time.Time `json:"lastConnectedAt,omitempty"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
}
