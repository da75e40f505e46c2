package threatintel

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/netsentry/netsentry-go/internal/domain"
)

// FeedKind distinguishes remotely fetched feeds from the user-managed one.
type FeedKind string

const (
	FeedKindRemote FeedKind = "remote"
	FeedKindCustom FeedKind = "custom"
)

// FeedSpec describes one feed the manager knows how to ingest. Remote feeds
// carry one source URL per level; the custom feed has none and is append-only.
type FeedSpec struct {
	Name         string
	Kind         FeedKind
	Levels       map[string]string // level -> source URL
	DefaultLevel string
}

// URLForLevel resolves the source URL for a level, falling back to the
// feed's default tier for unknown levels.
func (s *FeedSpec) URLForLevel(level string) (string, string) {
	if s.Kind == FeedKindCustom {
		return "", "custom"
	}
	if u, ok := s.Levels[level]; ok {
		return level, u
	}
	return s.DefaultLevel, s.Levels[s.DefaultLevel]
}

// BuiltinFeeds is the default catalog: the two public blocklists the
// original deployment tracks plus the custom feed.
func BuiltinFeeds() []*FeedSpec {
	return []*FeedSpec{
		{
			Name: "URLhaus",
			Kind: FeedKindRemote,
			Levels: map[string]string{
				"standard": "https://urlhaus.abuse.ch/downloads/text",
			},
			DefaultLevel: "standard",
		},
		{
			Name: "PhishingArmy",
			Kind: FeedKindRemote,
			Levels: map[string]string{
				"standard": "https://phishing.army/download/phishing_army_blocklist.txt",
				"extended": "https://phishing.army/download/phishing_army_blocklist_extended.txt",
			},
			DefaultLevel: "extended",
		},
		{
			Name: domain.CustomFeedName,
			Kind: FeedKindCustom,
		},
	}
}

// ParseResult is the outcome of parsing one feed body.
type ParseResult struct {
	Domains []string
	IPs     []string
}

// Total counts all parsed indicators.
func (r *ParseResult) Total() int {
	return len(r.Domains) + len(r.IPs)
}

// ParseIndicators reads a plain-text indicator list: one entry per line,
// '#' comments, URLs reduced to their hostname. Private and loopback IPs and
// local-only domains are excluded — matching against them would only produce
// noise. Unparsable lines are skipped, never fatal.
func ParseIndicators(content string) *ParseResult {
	domains := make(map[string]struct{})
	ips := make(map[string]struct{})

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		host := line
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			parsed, err := url.Parse(line)
			if err != nil || parsed.Hostname() == "" {
				continue
			}
			host = parsed.Hostname()
		}

		// Hostnames out of URLs may still carry a port.
		host = strings.TrimSuffix(strings.Split(host, ":")[0], ".")

		if addr, err := netip.ParseAddr(host); err == nil {
			if isPublicIP(addr) {
				ips[addr.String()] = struct{}{}
			}
			continue
		}

		dom := domain.NormalizeDomain(host)
		if dom == "" || strings.HasPrefix(dom, ".") {
			continue
		}
		if isLocalDomain(dom) {
			continue
		}
		domains[dom] = struct{}{}
	}

	result := &ParseResult{
		Domains: make([]string, 0, len(domains)),
		IPs:     make([]string, 0, len(ips)),
	}
	for d := range domains {
		result.Domains = append(result.Domains, d)
	}
	for ip := range ips {
		result.IPs = append(result.IPs, ip)
	}
	return result
}

// ClassifyIndicator decides whether a single user-supplied value is a domain
// or an IP, rejecting values that are neither.
func ClassifyIndicator(value string) (domain.IndicatorType, string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", fmt.Errorf("empty indicator value")
	}

	if addr, err := netip.ParseAddr(value); err == nil {
		return domain.IndicatorIP, addr.String(), nil
	}

	dom := domain.NormalizeDomain(value)
	if !strings.Contains(dom, ".") || strings.HasPrefix(dom, ".") {
		return "", "", fmt.Errorf("invalid indicator value %q: not an IP or a dotted domain", value)
	}
	return domain.IndicatorDomain, dom, nil
}

func isPublicIP(addr netip.Addr) bool {
	switch {
	case addr.IsPrivate(), addr.IsLoopback(), addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(), addr.IsMulticast(), addr.IsUnspecified():
		return false
	}
	return true
}

var localTLDs = []string{
	".local", ".localhost", ".internal", ".lan", ".home", ".corp",
	".localdomain", ".arpa", ".test", ".example", ".invalid",
}

var localHostnames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"broadcasthost":         {},
}

func isLocalDomain(dom string) bool {
	if _, ok := localHostnames[dom]; ok {
		return true
	}
	if !strings.Contains(dom, ".") {
		return true
	}
	for _, tld := range localTLDs {
		if strings.HasSuffix(dom, tld) {
			return true
		}
	}
	return false
}
