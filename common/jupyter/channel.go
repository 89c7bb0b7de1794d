package jupyter

// Channel identifies one of the five messaging channels of a kernel.
type Channel string

const (
	ShellChannel     Channel = "shell"
	IOPubChannel     Channel = "iopub"
	StdinChannel     Channel = "stdin"
	ControlChannel   Channel = "control"
	HeartbeatChannel Channel = "hb"
)

// Channels lists every channel in the order the ports are reserved for a new kernel.
var Channels = []Channel{ShellChannel, IOPubChannel, StdinChannel, ControlChannel, HeartbeatChannel}

func (c Channel) String() string {
	return string(c)
}

// Valid returns true if c is one of the five kernel channels.
func (c Channel) Valid() bool {
	for _, channel := range Channels {
		if channel == c {
			return true
		}
	}

	return false
}
