// Package ping sends ICMP echo requests and summarises the replies.
//
// A raw ICMP socket is tried first. When the process lacks the privilege
// for it, an unprivileged datagram ICMP socket is used instead (Linux
// net.ipv4.ping_group_range, macOS). If neither can be opened Ping returns
// ErrUnprivileged, which callers treat as "no ping data" rather than as a
// failure.
package ping

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// DefaultCount is the number of echoes sent per Ping.
	DefaultCount = 3
	// DefaultInterval spaces consecutive echoes.
	DefaultInterval = 100 * time.Millisecond
	// DefaultTimeout bounds the wait for each reply.
	DefaultTimeout = time.Second
	// DefaultPayloadSize matches the classic ping(8) payload.
	DefaultPayloadSize = 56

	protoICMP   = 1
	protoICMPv6 = 58
	headerLen   = 8
)

var (
	// ErrUnprivileged is returned when no ICMP socket can be opened.
	ErrUnprivileged = errors.New("icmp socket unavailable")
	// ErrInvalidIP is returned for anything that is not an IP literal.
	ErrInvalidIP = errors.New("invalid ip address")
)

// Result summarises one Ping.
type Result struct {
	IP       string          `json:"ip"`
	Sent     int             `json:"sent"`
	Received int             `json:"received"`
	LossRate float64         `json:"loss_rate"` // percent
	Min      time.Duration   `json:"min"`
	Avg      time.Duration   `json:"avg"`
	Max      time.Duration   `json:"max"`
	Replies  []time.Duration `json:"replies,omitempty"`
}

// Ok reports whether at least one reply arrived.
func (r *Result) Ok() bool { return r != nil && r.Received > 0 }

func (r *Result) add(rtt time.Duration) {
	r.Replies = append(r.Replies, rtt)
	r.Received = len(r.Replies)
	if r.Min == 0 || rtt < r.Min {
		r.Min = rtt
	}
	if rtt > r.Max {
		r.Max = rtt
	}
}

func (r *Result) finish() {
	if r.Sent > 0 {
		r.LossRate = float64(r.Sent-r.Received) / float64(r.Sent) * 100
	}
	if r.Received == 0 {
		return
	}
	var sum time.Duration
	for _, d := range r.Replies {
		sum += d
	}
	r.Avg = sum / time.Duration(r.Received)
}

// Pinger sends echo requests identified by ID. Each Ping call draws its
// own range of sequence numbers so concurrent calls never share a reply.
type Pinger struct {
	ID          int
	Interval    time.Duration
	PayloadSize int

	seq atomic.Uint32
}

// New returns a pinger identified by the low 16 bits of the process id.
func New() *Pinger {
	return &Pinger{
		ID:          os.Getpid() & 0xffff,
		Interval:    DefaultInterval,
		PayloadSize: DefaultPayloadSize,
	}
}

type family struct {
	proto      int
	echo       icmp.Type
	reply      icmp.Type
	rawNetwork string
	dgNetwork  string
	listenAddr string
}

var (
	v4 = family{
		proto: protoICMP, echo: ipv4.ICMPTypeEcho, reply: ipv4.ICMPTypeEchoReply,
		rawNetwork: "ip4:icmp", dgNetwork: "udp4", listenAddr: "0.0.0.0",
	}
	v6 = family{
		proto: protoICMPv6, echo: ipv6.ICMPTypeEchoRequest, reply: ipv6.ICMPTypeEchoReply,
		rawNetwork: "ip6:ipv6-icmp", dgNetwork: "udp6", listenAddr: "::",
	}
)

// Ping sends count echoes to ip, DefaultInterval apart, waiting up to
// timeout for each reply.
func (p *Pinger) Ping(ctx context.Context, ip string, count int, timeout time.Duration) (*Result, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	addr = addr.Unmap()
	if count <= 0 {
		count = DefaultCount
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	fam := v4
	if addr.Is6() {
		fam = v6
	}
	conn, raw, err := listen(fam)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var dst net.Addr = &net.IPAddr{IP: addr.AsSlice(), Zone: addr.Zone()}
	if !raw {
		dst = &net.UDPAddr{IP: addr.AsSlice(), Zone: addr.Zone()}
	}

	res := &Result{IP: addr.String()}
	payload := Payload(p.PayloadSize)
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	base := p.nextSeq(count)
	for i := 0; i < count; i++ {
		seq := (base + i) & 0xffff
		if i > 0 {
			select {
			case <-ctx.Done():
				res.finish()
				return res, ctx.Err()
			case <-time.After(interval):
			}
		}

		pkt := EchoRequest(typeByte(fam.echo), p.ID, seq, payload)
		start := time.Now()
		if _, err := conn.WriteTo(pkt, dst); err != nil {
			res.Sent++
			continue
		}
		res.Sent++

		deadline := start.Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if rtt, ok := p.await(conn, fam, raw, addr, seq, deadline); ok {
			res.add(rtt)
		}
	}
	res.finish()
	return res, nil
}

// nextSeq reserves count sequence numbers and returns the first.
func (p *Pinger) nextSeq(count int) int {
	return int(p.seq.Add(uint32(count))-uint32(count)) & 0xffff
}

// await reads until the reply for seq from dst arrives or the deadline passes.
func (p *Pinger) await(conn *icmp.PacketConn, fam family, raw bool, dst netip.Addr, seq int, deadline time.Time) (time.Duration, bool) {
	start := time.Now()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, false
	}
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, false
		}
		if p.isReply(fam, raw, dst, peer, buf[:n], seq) {
			return time.Since(start), true
		}
	}
}

// isReply reports whether b, read from peer, is the echo reply to seq sent
// to dst.
func (p *Pinger) isReply(fam family, raw bool, dst netip.Addr, peer net.Addr, b []byte, seq int) bool {
	if src, ok := peerAddr(peer); !ok || src != dst.WithZone("") {
		return false
	}
	msg, err := icmp.ParseMessage(fam.proto, b)
	if err != nil || msg.Type != fam.reply {
		return false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || echo.Seq != seq&0xffff {
		return false
	}
	// Datagram sockets rewrite the identifier, so only raw replies are matched on it.
	return !raw || echo.ID == p.ID&0xffff
}

func peerAddr(peer net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch a := peer.(type) {
	case *net.IPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func listen(fam family) (*icmp.PacketConn, bool, error) {
	conn, rawErr := icmp.ListenPacket(fam.rawNetwork, fam.listenAddr)
	if rawErr == nil {
		return conn, true, nil
	}
	conn, dgErr := icmp.ListenPacket(fam.dgNetwork, fam.listenAddr)
	if dgErr == nil {
		return conn, false, nil
	}
	return nil, false, fmt.Errorf("%w: %w", ErrUnprivileged, multierr.Combine(rawErr, dgErr))
}

func typeByte(t icmp.Type) byte {
	switch v := t.(type) {
	case ipv4.ICMPType:
		return byte(v)
	case ipv6.ICMPType:
		return byte(v)
	default:
		return 0
	}
}

// EchoRequest builds an ICMP echo datagram of the given type with a
// correct checksum.
func EchoRequest(typ byte, id, seq int, payload []byte) []byte {
	b := make([]byte, headerLen+len(payload))
	b[0] = typ
	b[1] = 0 // code
	binary.BigEndian.PutUint16(b[4:], uint16(id))
	binary.BigEndian.PutUint16(b[6:], uint16(seq))
	copy(b[headerLen:], payload)
	binary.BigEndian.PutUint16(b[2:], Checksum(b))
	return b
}

// Payload returns n bytes of a repeating 0x00..0xff pattern.
func Payload(n int) []byte {
	if n < 0 {
		n = 0
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// Checksum is the Internet checksum: the one's complement of the one's
// complement sum of b taken as big-endian 16-bit words.
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
