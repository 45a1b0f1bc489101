package schema

// ConnectRequest describes a connect attempt. PrivateKey is owned by the
// callee once passed in and is zeroed before Connect returns.
type ConnectRequest struct {
	Hostname   string
	Port       int
	Username   string
	PrivateKey []byte
	Passphrase []byte
	TOTPSecret string
	Columns    int
	Rows       int
}

// Profile describes a saved connection target.
type Profile struct {
	ID            ProfileID
	Name          string
	Hostname      string
	Port          int
	Username      string
	KeyName       string
	RemoteSession string
	TOTPSecret    string
}

const (
	// DefaultPort is the standard SSH port.
	DefaultPort = 22
	// DefaultColumns is used when a caller passes a non-positive width.
	DefaultColumns = 80
	// DefaultRows is used when a caller passes a non-positive height.
	DefaultRows = 24
)
