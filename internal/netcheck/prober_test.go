package netcheck

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newProberWithStrategies(tcp, icmp, mdns func(ctx context.Context, ip string) bool) *Prober {
	p := New(Config{Overall: 500 * time.Millisecond}, nil)
	p.tcpProbe = tcp
	p.icmpProbe = icmp
	p.mdnsProbe = mdns
	return p
}

func succeed(ctx context.Context, ip string) bool { return true }
func fail(ctx context.Context, ip string) bool    { return false }

func blockUntilCancelled(ctx context.Context, ip string) bool {
	<-ctx.Done()
	return false
}

func TestFirstSuccessWins(t *testing.T) {
	// TCP succeeds while the other strategies hang; the answer must not
	// wait for them.
	p := newProberWithStrategies(succeed, blockUntilCancelled, blockUntilCancelled)

	start := time.Now()
	if !p.IsReachable(context.Background(), "192.168.20.50") {
		t.Fatal("IsReachable = false, want true")
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("first success took %v, want well under the overall deadline", elapsed)
	}
}

func TestDiscoveryAloneSufficient(t *testing.T) {
	p := newProberWithStrategies(fail, fail, succeed)
	if !p.IsReachable(context.Background(), "192.168.20.50") {
		t.Error("IsReachable = false with a succeeding discovery probe")
	}
}

func TestAllStrategiesFail(t *testing.T) {
	p := newProberWithStrategies(fail, fail, fail)
	if p.IsReachable(context.Background(), "192.168.20.50") {
		t.Error("IsReachable = true with every strategy failing")
	}
}

func TestOverallDeadlineBoundsHangingStrategies(t *testing.T) {
	p := New(Config{Overall: 100 * time.Millisecond}, nil)
	p.tcpProbe = blockUntilCancelled
	p.icmpProbe = blockUntilCancelled
	p.mdnsProbe = blockUntilCancelled

	start := time.Now()
	if p.IsReachable(context.Background(), "192.168.20.50") {
		t.Error("IsReachable = true, want false")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("caller blocked for %v, deadline not enforced", elapsed)
	}
}

func TestTCPProbeAgainstRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	p := New(Config{
		// One open port among closed candidates is enough.
		TCPPorts:   []int{port, port + 1},
		TCPTimeout: 500 * time.Millisecond,
		Overall:    time.Second,
	}, nil)
	p.icmpProbe = fail
	p.mdnsProbe = fail

	if !p.IsReachable(context.Background(), "127.0.0.1") {
		t.Error("IsReachable = false against a live TCP listener")
	}
}

func TestTCPProbeAllPortsClosed(t *testing.T) {
	// Grab a port and close it again so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := New(Config{
		TCPPorts:   []int{port},
		TCPTimeout: 300 * time.Millisecond,
		Overall:    time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if p.probeTCP(ctx, "127.0.0.1") {
		t.Error("probeTCP = true against a closed port")
	}
}

func TestResponseMatchesIP(t *testing.T) {
	resp := new(dns.Msg)
	resp.Response = true
	resp.Answer = append(resp.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: CastServiceType, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120},
		Ptr: "Living-Room." + CastServiceType,
	})
	resp.Extra = append(resp.Extra, &dns.A{
		Hdr: dns.RR_Header{Name: "living-room.local.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120},
		A:   net.IPv4(192, 168, 20, 50).To4(),
	})

	if !responseMatchesIP(resp, "192.168.20.50") {
		t.Error("expected match for advertised address")
	}
	if responseMatchesIP(resp, "192.168.20.51") {
		t.Error("unexpected match for different address")
	}
}

func TestDefaultsFilledIn(t *testing.T) {
	p := New(Config{}, nil)
	if len(p.cfg.TCPPorts) != 3 || p.cfg.TCPPorts[0] != 8008 {
		t.Errorf("unexpected default ports: %v", p.cfg.TCPPorts)
	}
	if p.cfg.ServiceType != CastServiceType {
		t.Errorf("unexpected default service type: %s", p.cfg.ServiceType)
	}
	if p.cfg.Overall < p.cfg.MDNSTimeout {
		t.Error("overall deadline must cover the slowest strategy")
	}
}
