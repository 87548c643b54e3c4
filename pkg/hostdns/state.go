package hostdns

import (
	"fmt"
	"strings"
)

// NetworkState is the connectivity the host application reports.
type NetworkState int

// Network states.
const (
	NetworkUnknown NetworkState = iota
	NetworkWiFi
	NetworkMobile
	NetworkNone
)

func (s NetworkState) String() string {
	switch s {
	case NetworkWiFi:
		return "wifi"
	case NetworkMobile:
		return "mobile"
	case NetworkNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseNetworkState maps a state name back to its NetworkState.
func ParseNetworkState(name string) (NetworkState, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "unknown", "":
		return NetworkUnknown, nil
	case "wifi", "wi-fi":
		return NetworkWiFi, nil
	case "mobile", "cellular":
		return NetworkMobile, nil
	case "none", "offline":
		return NetworkNone, nil
	default:
		return NetworkUnknown, fmt.Errorf("unknown network state %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s NetworkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *NetworkState) UnmarshalText(b []byte) error {
	v, err := ParseNetworkState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
