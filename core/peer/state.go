package peer

// Kind tells what a registered descriptor is for.
type Kind int32

const (
	KindFree      Kind = iota
	KindListening      // server socket, owned by the server
	KindAccepted       // accepted connection waiting for data
)

var kindName = map[Kind]string{
	KindFree:      "free",
	KindListening: "listening",
	KindAccepted:  "accepted",
}

func (k Kind) String() string {
	return kindName[k]
}
