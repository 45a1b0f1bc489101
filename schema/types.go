package schema

// ProfileID identifies a saved connection profile.
type ProfileID string

// ConnectionStatus names the variant held by a ConnectionState.
type ConnectionStatus string

const (
	// StatusDisconnected indicates no transport is open.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnecting indicates a connect attempt is in progress.
	StatusConnecting ConnectionStatus = "connecting"
	// StatusConnected indicates an authenticated transport with an open shell.
	StatusConnected ConnectionStatus = "connected"
	// StatusError indicates the last connect attempt or the live stream failed.
	StatusError ConnectionStatus = "error"
)

// ConnectionState is the observable state of a connection session.
// Hostname, Port and Username are set for StatusConnected; Message and Cause
// are set for StatusError.
type ConnectionState struct {
	Status   ConnectionStatus
	Hostname string
	Port     int
	Username string
	Message  string
	Cause    error
}

// Disconnected returns the disconnected state.
func Disconnected() ConnectionState {
	return ConnectionState{Status: StatusDisconnected}
}

// Connecting returns the connecting state.
func Connecting() ConnectionState {
	return ConnectionState{Status: StatusConnecting}
}

// Connected returns the connected state for an endpoint.
func Connected(hostname string, port int, username string) ConnectionState {
	return ConnectionState{Status: StatusConnected, Hostname: hostname, Port: port, Username: username}
}

// Failed returns the error state with a user-facing message.
func Failed(message string, cause error) ConnectionState {
	return ConnectionState{Status: StatusError, Message: message, Cause: cause}
}

// IsConnected reports whether the state is StatusConnected.
func (s ConnectionState) IsConnected() bool {
	return s.Status == StatusConnected
}

func (s ConnectionState) String() string {
	switch s.Status {
	case StatusConnected:
		return string(s.Status) + " " + s.Username + "@" + s.Hostname
	case StatusError:
		return string(s.Status) + ": " + s.Message
	case "":
		return string(StatusDisconnected)
	default:
		return string(s.Status)
	}
}
