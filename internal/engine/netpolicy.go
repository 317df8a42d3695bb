package engine

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/kestrelid/kestrel/internal/domain"
)

// Policy violation sentinels. Each surfaces to the script as a catchable
// thrown error, never as a host fault.
var (
	ErrDomainBlocked  = errors.New("domain not in allowlist")
	ErrPrivateAddress = errors.New("requests to private or internal addresses are blocked")
	ErrRequestLimit   = errors.New("request limit exceeded")
)

// NetPolicy validates outbound fetch targets before any connection is made.
// Order: scheme, domain allowlist, private-IP inspection. The per-execution
// request counter lives in the bridge, which consults this policy per call.
type NetPolicy struct {
	cfg domain.SandboxConfig
}

func NewNetPolicy(cfg domain.SandboxConfig) *NetPolicy {
	return &NetPolicy{cfg: cfg}
}

// CheckURL returns nil if the URL may be fetched.
func (p *NetPolicy) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL has no host")
	}

	// Allowlist entries match the bare host or host:port.
	hostPort := host
	if port := u.Port(); port != "" {
		hostPort = net.JoinHostPort(host, port)
	}
	if !p.domainAllowed(host, hostPort) {
		return fmt.Errorf("%w: %q", ErrDomainBlocked, host)
	}

	if !p.cfg.AllowPrivateIPs {
		if err := checkPrivateTarget(host); err != nil {
			return err
		}
	}
	return nil
}

func (p *NetPolicy) domainAllowed(host, hostPort string) bool {
	host = strings.ToLower(host)
	hostPort = strings.ToLower(hostPort)
	for _, d := range p.cfg.AllowedDomains {
		d = strings.ToLower(d)
		if d == host || d == hostPort {
			return true
		}
	}
	return false
}

// checkPrivateTarget rejects literal private IPs, internal hostnames, and
// hostnames that resolve to private ranges (DNS rebinding of an allowlisted
// name still gets caught here).
func checkPrivateTarget(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP %q for host %q", ipStr, host)
		}
		if IsPrivateIP(ip) {
			return fmt.Errorf("%w: %s resolves to %s", ErrPrivateAddress, host, ipStr)
		}
	}
	return nil
}

// IsPrivateIP checks if an IP is in a private, loopback, or link-local range.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsUnspecified() {
		return true
	}

	privateRanges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
	}
	for _, r := range privateRanges {
		_, cidr, _ := net.ParseCIDR(r)
		if cidr != nil && cidr.Contains(ip) {
			return true
		}
	}

	// Private IPv6 (fc00::/7).
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && v6[0]&0xfe == 0xfc {
		return true
	}

	return false
}
