// Package permission models the authorization answer a capture device or a
// speech recognizer gives before it is used.
package permission

// Status is the authorization state of a protected resource.
type Status int

const (
	NotDetermined Status = iota
	Denied
	Restricted
	Authorized
)

func (s Status) String() string {
	switch s {
	case Authorized:
		return "authorized"
	case Denied:
		return "denied"
	case Restricted:
		return "restricted"
	default:
		return "not_determined"
	}
}

// Granted reports whether the resource may be used.
func (s Status) Granted() bool {
	return s == Authorized
}
