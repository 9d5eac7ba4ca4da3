// Package netcheck determines whether a casting receiver is currently
// live. Three independent strategies run concurrently (TCP connect to
// the cast control ports, a single ICMP echo, and an mDNS service
// discovery query) and the first success wins. Any single strategy may
// produce a false negative, ICMP in particular is often filtered;
// redundancy is what makes the answer trustworthy. A strategy that
// errors or times out contributes false, never an error.
package netcheck

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	probing "github.com/prometheus-community/pro-bing"

	"github.com/castgate/castgate/internal/logging"
	"github.com/castgate/castgate/internal/metrics"
)

const (
	// CastServiceType is the mDNS service casting receivers announce.
	CastServiceType = "_googlecast._tcp.local."

	mdnsGroupAddr = "224.0.0.251:5353"
)

// DefaultCastPorts are the TCP control ports a casting receiver listens on.
var DefaultCastPorts = []int{8008, 8009, 8443}

// Config bounds each probe strategy. The zero value is completed with
// defaults by New.
type Config struct {
	TCPPorts    []int
	TCPTimeout  time.Duration // per-port connect timeout
	ICMPTimeout time.Duration
	MDNSTimeout time.Duration
	Overall     time.Duration // outer deadline across all strategies
	ServiceType string
}

// DefaultConfig returns the probe deadlines used in production.
func DefaultConfig() Config {
	return Config{
		TCPPorts:    DefaultCastPorts,
		TCPTimeout:  1 * time.Second,
		ICMPTimeout: 1200 * time.Millisecond,
		MDNSTimeout: 1300 * time.Millisecond,
		Overall:     1500 * time.Millisecond,
		ServiceType: CastServiceType,
	}
}

// Prober answers liveness questions about target devices.
type Prober struct {
	cfg    Config
	logger *logging.Logger

	// strategy indirection for tests
	tcpProbe  func(ctx context.Context, ip string) bool
	icmpProbe func(ctx context.Context, ip string) bool
	mdnsProbe func(ctx context.Context, ip string) bool
}

// New creates a prober. Zero config fields fall back to defaults.
func New(cfg Config, logger *logging.Logger) *Prober {
	def := DefaultConfig()
	if len(cfg.TCPPorts) == 0 {
		cfg.TCPPorts = def.TCPPorts
	}
	if cfg.TCPTimeout == 0 {
		cfg.TCPTimeout = def.TCPTimeout
	}
	if cfg.ICMPTimeout == 0 {
		cfg.ICMPTimeout = def.ICMPTimeout
	}
	if cfg.MDNSTimeout == 0 {
		cfg.MDNSTimeout = def.MDNSTimeout
	}
	if cfg.Overall == 0 {
		cfg.Overall = def.Overall
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = def.ServiceType
	}
	if logger == nil {
		logger = logging.Default()
	}

	p := &Prober{
		cfg:    cfg,
		logger: logger.WithComponent("netcheck"),
	}
	p.tcpProbe = p.probeTCP
	p.icmpProbe = p.probeICMP
	p.mdnsProbe = p.probeMDNS
	return p
}

// IsReachable reports whether ip answered any probe strategy within its
// deadline. It never blocks longer than the overall deadline and never
// returns an error; an inconclusive probe is simply false.
func (p *Prober) IsReachable(ctx context.Context, ip string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Overall)
	defer cancel()

	type outcome struct {
		strategy string
		ok       bool
	}
	results := make(chan outcome, 3)
	go func() { results <- outcome{"tcp", p.tcpProbe(ctx, ip)} }()
	go func() { results <- outcome{"icmp", p.icmpProbe(ctx, ip)} }()
	go func() { results <- outcome{"mdns", p.mdnsProbe(ctx, ip)} }()

	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			if res.ok {
				metrics.Get().ProbeSuccess.WithLabelValues(res.strategy).Inc()
				p.logger.Debug("probe succeeded", "ip", ip, "strategy", res.strategy)
				return true
			}
		case <-ctx.Done():
			metrics.Get().ProbeMisses.Inc()
			return false
		}
	}
	metrics.Get().ProbeMisses.Inc()
	return false
}

// probeTCP attempts a handshake against each candidate port
// concurrently; the first accepted connection wins.
func (p *Prober) probeTCP(ctx context.Context, ip string) bool {
	results := make(chan bool, len(p.cfg.TCPPorts))
	for _, port := range p.cfg.TCPPorts {
		go func(port int) {
			dialer := net.Dialer{Timeout: p.cfg.TCPTimeout}
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
			if err != nil {
				results <- false
				return
			}
			conn.Close()
			results <- true
		}(port)
	}

	for range p.cfg.TCPPorts {
		select {
		case ok := <-results:
			if ok {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// probeICMP sends a single echo request in unprivileged UDP mode.
func (p *Prober) probeICMP(ctx context.Context, ip string) bool {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return false
	}

	pinger.Count = 1
	pinger.Timeout = p.cfg.ICMPTimeout
	pinger.SetPrivileged(false)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	err = pinger.Run()
	close(done)
	if err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// probeMDNS sends a one-shot PTR query for the cast service type to the
// local multicast group and succeeds iff any response carries an A
// record for the target address before the deadline.
func (p *Prober) probeMDNS(ctx context.Context, ip string) bool {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(p.cfg.ServiceType), dns.TypePTR)
	query.RecursionDesired = false

	packed, err := query.Pack()
	if err != nil {
		return false
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return false
	}
	defer conn.Close()

	group, err := net.ResolveUDPAddr("udp4", mdnsGroupAddr)
	if err != nil {
		return false
	}
	if _, err := conn.WriteTo(packed, group); err != nil {
		return false
	}

	deadline := time.Now().Add(p.cfg.MDNSTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false
	}

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return false // deadline or socket error; inconclusive
		}

		resp := new(dns.Msg)
		if err := resp.Unpack(buf[:n]); err != nil || !resp.Response {
			continue
		}
		if responseMatchesIP(resp, ip) {
			return true
		}
	}
}

// responseMatchesIP scans answers and additionals for an A record
// resolving to ip.
func responseMatchesIP(resp *dns.Msg, ip string) bool {
	records := make([]dns.RR, 0, len(resp.Answer)+len(resp.Extra))
	records = append(records, resp.Answer...)
	records = append(records, resp.Extra...)
	for _, rr := range records {
		if a, ok := rr.(*dns.A); ok && a.A.String() == ip {
			return true
		}
	}
	return false
}
