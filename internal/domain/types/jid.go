package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Well-known JID servers.
const (
	DefaultUserServer = "s.whatsapp.net"
	HiddenUserServer  = "lid"
	HostedServer      = "hosted"
	HostedLIDServer   = "hosted.lid"
	GroupServer       = "g.us"
)

// ServerJID addresses the server itself.
var ServerJID = JID{Server: DefaultUserServer}

var errInvalidJID = errors.New("invalid jid")

// JID is a user, device, group or server address of the form
// user[:device]@server.
type JID struct {
	User   string `json:"user"`
	Device uint16 `json:"device,omitempty"`
	Server string `json:"server"`
}

// ParseJID decodes a string JID.
func ParseJID(s string) (JID, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		if s == "" {
			return JID{}, fmt.Errorf("%w: empty", errInvalidJID)
		}
		return JID{Server: s}, nil
	}
	userPart, server := s[:at], s[at+1:]
	if server == "" {
		return JID{}, fmt.Errorf("%w: %q has no server", errInvalidJID, s)
	}
	j := JID{User: userPart, Server: server}
	if colon := strings.IndexByte(userPart, ':'); colon >= 0 {
		dev, err := strconv.ParseUint(userPart[colon+1:], 10, 16)
		if err != nil {
			return JID{}, fmt.Errorf("%w: %q has bad device: %v", errInvalidJID, s, err)
		}
		j.User = userPart[:colon]
		j.Device = uint16(dev)
	}
	return j, nil
}

// MustParseJID is ParseJID for constants and tests.
func MustParseJID(s string) JID {
	j, err := ParseJID(s)
	if err != nil {
		panic(err)
	}
	return j
}

// String encodes the JID.
func (j JID) String() string {
	if j.User == "" {
		return j.Server
	}
	if j.Device != 0 {
		return fmt.Sprintf("%s:%d@%s", j.User, j.Device, j.Server)
	}
	return j.User + "@" + j.Server
}

// IsZero reports whether j is unset.
func (j JID) IsZero() bool { return j.User == "" && j.Server == "" }

// IsPN reports whether j is a phone-number user.
func (j JID) IsPN() bool { return j.Server == DefaultUserServer || j.Server == HostedServer }

// IsLID reports whether j is an anonymous (LID) user.
func (j JID) IsLID() bool { return j.Server == HiddenUserServer || j.Server == HostedLIDServer }

// IsGroup reports whether j is a group.
func (j JID) IsGroup() bool { return j.Server == GroupServer }

// IsHosted reports whether j lives on a hosted server.
func (j JID) IsHosted() bool { return j.Server == HostedServer || j.Server == HostedLIDServer }

// ToNonAD strips the device part.
func (j JID) ToNonAD() JID { return JID{User: j.User, Server: j.Server} }

// SignalAddress returns the address used to key sessions for j.
func (j JID) SignalAddress() SignalAddress {
	name := j.User
	if j.Server == HiddenUserServer {
		name += "_1"
	} else if j.Server == HostedLIDServer {
		name += "_129"
	} else if j.Server == HostedServer {
		name += "_128"
	}
	return SignalAddress{Name: name, DeviceID: uint32(j.Device)}
}

// SignalAddress names one device of a user for session lookup.
type SignalAddress struct {
	Name     string `json:"name"`
	DeviceID uint32 `json:"device_id"`
}

// String returns "name.device", the session store key.
func (a SignalAddress) String() string {
	return a.Name + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}
