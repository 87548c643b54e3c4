// Package record defines the value types that flow through hostd: a single
// resolved address and the ranked address set of a hostname.
//
// A Host that has been published (stored in the registry or handed to a
// callback) is treated as immutable. Code that wants to re-measure or
// re-rank a host works on a Clone and publishes the clone, so a concurrent
// reader never observes a half-sorted address list.
package record

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// Unmeasured is the Speed of an address that has not been probed yet or
// could not be reached.
const Unmeasured = -1

// Family is the IP address family of an address literal.
type Family int

// Address families.
const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// FamilyOf derives the family from the syntax of an IP literal.
// IPv4-mapped IPv6 literals are reported as IPv4.
func FamilyOf(ip string) Family {
	addr, err := netip.ParseAddr(strings.Trim(ip, "[]"))
	if err != nil {
		return FamilyUnknown
	}
	if addr.Is4() || addr.Is4In6() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// Origin identifies the backend that produced a Host.
type Origin int

// Origins, numbered as they appear in the on-disk serverType field.
const (
	OriginSystem Origin = iota
	OriginDoH
	OriginLocal
)

func (o Origin) String() string {
	switch o {
	case OriginSystem:
		return "system"
	case OriginDoH:
		return "doh"
	case OriginLocal:
		return "local"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// ParseOrigin maps a backend name back to its Origin.
func ParseOrigin(name string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "system", "platform":
		return OriginSystem, nil
	case "doh", "http", "httpdns":
		return OriginDoH, nil
	case "local", "cache":
		return OriginLocal, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", name)
	}
}

// Address is one resolved IP of a host.
type Address struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Speed     int    `json:"speed"`     // milliseconds, Unmeasured if not probed or unreachable
	Timestamp int64  `json:"timestamp"` // epoch seconds of creation or last measurement
	Valid     bool   `json:"valid"`
	Family    Family `json:"-"`
}

// NewAddress returns a valid, unmeasured address stamped with the current time.
func NewAddress(ip string, port int) Address {
	return Address{
		IP:        ip,
		Port:      port,
		Speed:     Unmeasured,
		Timestamp: time.Now().Unix(),
		Valid:     true,
		Family:    FamilyOf(ip),
	}
}

// Measured reports whether the address carries a latency measurement.
func (a Address) Measured() bool { return a.Speed >= 0 }

// Reachable reports whether the address was probed successfully.
func (a Address) Reachable() bool { return a.Valid && a.Measured() }

func (a Address) String() string {
	if a.Port > 0 {
		return fmt.Sprintf("%s:%d (%dms, valid=%t)", a.IP, a.Port, a.Speed, a.Valid)
	}
	return fmt.Sprintf("%s (%dms, valid=%t)", a.IP, a.Speed, a.Valid)
}

// Host is the resolved address set of a hostname.
type Host struct {
	Hostname   string    `json:"hostname"`
	UpdateTime int64     `json:"updateTime"` // epoch seconds
	Origin     Origin    `json:"serverType"`
	Addresses  []Address `json:"ipList"`
}

// NewHost returns an empty host stamped with the current time.
func NewHost(hostname string, origin Origin) *Host {
	return &Host{
		Hostname:   hostname,
		UpdateTime: time.Now().Unix(),
		Origin:     origin,
	}
}

// Add appends addr. Invalid addresses are dropped.
func (h *Host) Add(addr Address) {
	if !addr.Valid {
		return
	}
	h.Addresses = append(h.Addresses, addr)
}

// AddIP appends a fresh address for every literal in ips.
func (h *Host) AddIP(port int, ips ...string) {
	for _, ip := range ips {
		h.Add(NewAddress(ip, port))
	}
}

// HasUsableAddress holds iff the list is non-empty and its head is valid.
func (h *Host) HasUsableAddress() bool {
	return h != nil && len(h.Addresses) > 0 && h.Addresses[0].Valid
}

// Best returns the first valid measured address, falling back to the head
// of the list. ok is false for an empty host.
func (h *Host) Best() (Address, bool) {
	if h == nil || len(h.Addresses) == 0 {
		return Address{}, false
	}
	for _, a := range h.Addresses {
		if a.Reachable() {
			return a, true
		}
	}
	return h.Addresses[0], true
}

// IPs returns the literals of every valid address in ranked order.
func (h *Host) IPs() []string {
	if h == nil {
		return nil
	}
	ips := make([]string, 0, len(h.Addresses))
	for _, a := range h.Addresses {
		if a.Valid {
			ips = append(ips, a.IP)
		}
	}
	return ips
}

// Split partitions the valid addresses by family, preserving order.
func (h *Host) Split() (v4, v6 []Address) {
	if h == nil {
		return nil, nil
	}
	for _, a := range h.Addresses {
		if !a.Valid {
			continue
		}
		switch a.Family {
		case FamilyIPv4:
			v4 = append(v4, a)
		case FamilyIPv6:
			v6 = append(v6, a)
		}
	}
	return v4, v6
}

// Age returns how long ago the host was updated.
func (h *Host) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(h.UpdateTime, 0))
}

// Clone returns a deep copy.
func (h *Host) Clone() *Host {
	if h == nil {
		return nil
	}
	cp := *h
	cp.Addresses = append([]Address(nil), h.Addresses...)
	return &cp
}

// Sort ranks the address list: valid measured addresses ascending by
// speed, then valid unmeasured ones, then invalid ones. The sort is stable
// so re-sorting a ranked list never reorders it.
func (h *Host) Sort() {
	Rank(h.Addresses)
}

// Rank sorts addrs in place using the ordering described on Host.Sort.
func Rank(addrs []Address) {
	sort.SliceStable(addrs, func(i, j int) bool {
		return rankLess(addrs[i], addrs[j])
	})
}

func rankLess(a, b Address) bool {
	if a.Valid != b.Valid {
		return a.Valid
	}
	if a.Measured() != b.Measured() {
		return a.Measured()
	}
	return a.Speed < b.Speed
}

func (h *Host) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s, %d addresses)", h.Hostname, h.Origin, len(h.Addresses))
	for _, a := range h.Addresses {
		sb.WriteString("\n  - ")
		sb.WriteString(a.String())
	}
	return sb.String()
}

// Marshal encodes the host in its on-disk JSON form.
func (h *Host) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal decodes the on-disk JSON form and recomputes address families.
func Unmarshal(data []byte) (*Host, error) {
	var h Host
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decoding host record: %w", err)
	}
	if h.Hostname == "" {
		return nil, fmt.Errorf("decoding host record: missing hostname")
	}
	for i := range h.Addresses {
		h.Addresses[i].Family = FamilyOf(h.Addresses[i].IP)
	}
	return &h, nil
}
