package ping

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

type PingTestSuite struct {
	suite.Suite
}

func (s *PingTestSuite) TestChecksum() {
	testCases := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{name: "empty", data: nil, expected: 0xffff},
		// RFC 1071 section 3 example.
		{name: "rfc1071", data: []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}, expected: ^uint16(0xddf2)},
		{name: "odd length pads with zero", data: []byte{0x01}, expected: ^uint16(0x0100)},
		{name: "carry folds", data: []byte{0xff, 0xff, 0x00, 0x01}, expected: ^uint16(0x0001)},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			s.Equal(tc.expected, Checksum(tc.data))
		})
	}
}

func (s *PingTestSuite) TestEchoRequest() {
	pkt := EchoRequest(byte(ipv4.ICMPTypeEcho), 0x1234, 7, Payload(DefaultPayloadSize))
	s.Len(pkt, 8+DefaultPayloadSize)

	// A datagram carrying its own checksum sums to zero.
	s.Equal(uint16(0), Checksum(pkt))

	msg, err := icmp.ParseMessage(protoICMP, pkt)
	s.Require().NoError(err)
	s.Equal(ipv4.ICMPTypeEcho, msg.Type)
	s.Equal(0, msg.Code)
	echo, ok := msg.Body.(*icmp.Echo)
	s.Require().True(ok)
	s.Equal(0x1234, echo.ID)
	s.Equal(7, echo.Seq)
	s.Equal(Payload(DefaultPayloadSize), echo.Data)
}

func (s *PingTestSuite) TestPayload() {
	p := Payload(300)
	s.Len(p, 300)
	s.Equal(byte(0), p[0])
	s.Equal(byte(255), p[255])
	s.Equal(byte(0), p[256])
	s.Empty(Payload(-1))
}

func (s *PingTestSuite) TestResultSummary() {
	r := &Result{Sent: 4}
	r.add(10 * time.Millisecond)
	r.add(30 * time.Millisecond)
	r.add(20 * time.Millisecond)
	r.finish()

	s.True(r.Ok())
	s.Equal(3, r.Received)
	s.InDelta(25.0, r.LossRate, 0.001)
	s.Equal(10*time.Millisecond, r.Min)
	s.Equal(20*time.Millisecond, r.Avg)
	s.Equal(30*time.Millisecond, r.Max)

	empty := &Result{Sent: 2}
	empty.finish()
	s.False(empty.Ok())
	s.InDelta(100.0, empty.LossRate, 0.001)
}

func (s *PingTestSuite) TestInvalidIP() {
	_, err := New().Ping(context.Background(), "example.com", 1, time.Second)
	s.ErrorIs(err, ErrInvalidIP)
}

func (s *PingTestSuite) TestPingLoopback() {
	p := New()
	res, err := p.Ping(context.Background(), "127.0.0.1", 2, time.Second)
	if errors.Is(err, ErrUnprivileged) {
		s.T().Skip("no ICMP socket available")
	}
	s.Require().NoError(err)
	s.Equal(2, res.Sent)
	if !res.Ok() {
		s.T().Skip("loopback echoes filtered")
	}
	s.LessOrEqual(res.Min, res.Max)
	s.InDelta(0.0, res.LossRate, 50.0)
}

func (s *PingTestSuite) TestIsReply() {
	p := &Pinger{ID: 0x4242}
	dst := netip.MustParseAddr("192.0.2.1")
	reply := EchoRequest(byte(ipv4.ICMPTypeEchoReply), 0x4242, 7, Payload(8))

	testCases := []struct {
		name     string
		raw      bool
		peer     net.Addr
		data     []byte
		seq      int
		expected bool
	}{
		{name: "raw reply from destination", raw: true, peer: &net.IPAddr{IP: net.ParseIP("192.0.2.1")}, data: reply, seq: 7, expected: true},
		{name: "reply from another host", raw: true, peer: &net.IPAddr{IP: net.ParseIP("127.0.0.1")}, data: reply, seq: 7},
		{name: "other sequence", raw: true, peer: &net.IPAddr{IP: net.ParseIP("192.0.2.1")}, data: reply, seq: 8},
		{name: "other identifier on raw socket", raw: true, peer: &net.IPAddr{IP: net.ParseIP("192.0.2.1")}, data: EchoRequest(byte(ipv4.ICMPTypeEchoReply), 0x1111, 7, nil), seq: 7},
		{name: "datagram socket ignores identifier", peer: &net.UDPAddr{IP: net.ParseIP("192.0.2.1")}, data: EchoRequest(byte(ipv4.ICMPTypeEchoReply), 0x1111, 7, nil), seq: 7, expected: true},
		{name: "mapped peer address", raw: true, peer: &net.IPAddr{IP: net.ParseIP("::ffff:192.0.2.1")}, data: reply, seq: 7, expected: true},
		{name: "echo request is not a reply", raw: true, peer: &net.IPAddr{IP: net.ParseIP("192.0.2.1")}, data: EchoRequest(byte(ipv4.ICMPTypeEcho), 0x4242, 7, nil), seq: 7},
		{name: "unknown peer type", raw: true, peer: &net.TCPAddr{IP: net.ParseIP("192.0.2.1")}, data: reply, seq: 7},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			s.Equal(tc.expected, p.isReply(v4, tc.raw, dst, tc.peer, tc.data, tc.seq))
		})
	}
}

func (s *PingTestSuite) TestSequenceRangesAreDisjoint() {
	p := New()
	const calls, count = 16, 3

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			base := p.nextSeq(count)
			mu.Lock()
			defer mu.Unlock()
			for j := 0; j < count; j++ {
				s.False(seen[base+j], "sequence %d reused", base+j)
				seen[base+j] = true
			}
		}()
	}
	wg.Wait()
	s.Len(seen, calls*count)
}

func (s *PingTestSuite) TestConcurrentPingsKeepTheirReplies() {
	p := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var loop, silent *Result
	var loopErr, silentErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		loop, loopErr = p.Ping(ctx, "127.0.0.1", 3, 300*time.Millisecond)
	}()
	go func() {
		defer wg.Done()
		silent, silentErr = p.Ping(ctx, "192.0.2.1", 3, 300*time.Millisecond)
	}()
	wg.Wait()

	if errors.Is(loopErr, ErrUnprivileged) || errors.Is(silentErr, ErrUnprivileged) {
		s.T().Skip("no ICMP socket available")
	}
	s.Require().NoError(loopErr)
	s.Require().NoError(silentErr)
	if !loop.Ok() {
		s.T().Skip("loopback echoes filtered")
	}
	s.Equal(0, silent.Received)
	s.False(silent.Ok())
}

func TestPingSuite(t *testing.T) {
	suite.Run(t, new(PingTestSuite))
}
