package jupyter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	TransportTCP = "tcp"
	TransportIPC = "ipc"

	SignatureSchemeHmacSha256 = "hmac-sha256"

	DefaultIP = "127.0.0.1"
)

// ConnectionInfo stores the contents of the kernel connection info.
//
// A ConnectionInfo is never modified once it has been published by a KernelManager. A restart publishes a new
// ConnectionInfo (a new pointer), which is how clients detect that the one they hold is stale.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// NewConnectionInfo returns a ConnectionInfo with a freshly generated signing key and no ports assigned.
func NewConnectionInfo(transport string, ip string) *ConnectionInfo {
	if transport == "" {
		transport = TransportTCP
	}

	if ip == "" {
		ip = DefaultIP
	}

	return &ConnectionInfo{
		Transport:       transport,
		IP:              ip,
		Key:             NewKey(),
		SignatureScheme: SignatureSchemeHmacSha256,
	}
}

// NewKey returns a new random signing key.
func NewKey() string {
	return uuid.NewString()
}

// Port returns the port assigned to the given channel.
func (info *ConnectionInfo) Port(channel Channel) int {
	switch channel {
	case ShellChannel:
		return info.ShellPort
	case IOPubChannel:
		return info.IOPubPort
	case StdinChannel:
		return info.StdinPort
	case ControlChannel:
		return info.ControlPort
	case HeartbeatChannel:
		return info.HBPort
	default:
		return 0
	}
}

// SetPort assigns the port of the given channel.
func (info *ConnectionInfo) SetPort(channel Channel, port int) {
	switch channel {
	case ShellChannel:
		info.ShellPort = port
	case IOPubChannel:
		info.IOPubPort = port
	case StdinChannel:
		info.StdinPort = port
	case ControlChannel:
		info.ControlPort = port
	case HeartbeatChannel:
		info.HBPort = port
	}
}

// Address returns the zmq endpoint of the given channel, such as "tcp://127.0.0.1:50321".
//
// For the ipc transport, the IP field is a path prefix and the endpoint is "ipc://<ip>-<port>".
func (info *ConnectionInfo) Address(channel Channel) string {
	if info.Transport == TransportIPC {
		return fmt.Sprintf("ipc://%s-%d", info.IP, info.Port(channel))
	}

	return fmt.Sprintf("%s://%s:%d", info.Transport, info.IP, info.Port(channel))
}

// Validate returns an error wrapping ErrInvalidConnectionInfo if the ConnectionInfo cannot be used
// to reach a kernel.
func (info *ConnectionInfo) Validate() error {
	if info == nil {
		return fmt.Errorf("%w: nil connection info", ErrInvalidConnectionInfo)
	}

	if info.Transport != TransportTCP && info.Transport != TransportIPC {
		return fmt.Errorf("%w: unsupported transport \"%s\"", ErrInvalidConnectionInfo, info.Transport)
	}

	if info.IP == "" {
		return fmt.Errorf("%w: missing ip", ErrInvalidConnectionInfo)
	}

	var missing []string
	for _, channel := range Channels {
		if info.Port(channel) <= 0 {
			missing = append(missing, channel.String())
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: no port assigned to channel(s) %s", ErrInvalidConnectionInfo, strings.Join(missing, ", "))
	}

	if info.Key != "" && info.SignatureScheme != SignatureSchemeHmacSha256 {
		return fmt.Errorf("%w: unsupported signature scheme \"%s\"", ErrInvalidConnectionInfo, info.SignatureScheme)
	}

	return nil
}

// Equal reports whether two ConnectionInfo values address the same kernel endpoints with the same key.
func (info *ConnectionInfo) Equal(other *ConnectionInfo) bool {
	if info == nil || other == nil {
		return info == other
	}

	return info.Transport == other.Transport &&
		info.IP == other.IP &&
		info.ShellPort == other.ShellPort &&
		info.IOPubPort == other.IOPubPort &&
		info.StdinPort == other.StdinPort &&
		info.ControlPort == other.ControlPort &&
		info.HBPort == other.HBPort &&
		info.Key == other.Key &&
		info.SignatureScheme == other.SignatureScheme
}

// Clone returns a copy of the ConnectionInfo.
func (info *ConnectionInfo) Clone() *ConnectionInfo {
	clone := *info
	return &clone
}

func (info *ConnectionInfo) String() string {
	m, err := json.Marshal(info)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (info *ConnectionInfo) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(info, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}
