package threatintel

import (
	"testing"

	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIndicators(t *testing.T) {
	content := `# PhishingArmy blocklist
# updated daily

evil.example.com
Bad.Example.NET.
http://phish.example.org/login?a=1
https://203.0.113.66:8443/path
203.0.113.7
192.168.1.100
127.0.0.1
printer.local
localhost
intranet.corp
evil.example.com
not_a_domain_or_ip
`

	result := ParseIndicators(content)

	assert.ElementsMatch(t, []string{
		"evil.example.com",
		"bad.example.net",
		"phish.example.org",
	}, result.Domains, "duplicates collapse, local names and dot-free tokens are filtered")
	assert.ElementsMatch(t, []string{"203.0.113.7", "203.0.113.66"}, result.IPs,
		"URLs reduce to their host, private and loopback IPs are dropped")
	assert.Equal(t, 5, result.Total())
}

func TestParseIndicators_Empty(t *testing.T) {
	result := ParseIndicators("# only comments\n\n   \n")
	assert.Empty(t, result.Domains)
	assert.Empty(t, result.IPs)
	assert.Equal(t, 0, result.Total())
}

func TestClassifyIndicator(t *testing.T) {
	typ, value, err := ClassifyIndicator("203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, domain.IndicatorIP, typ)
	assert.Equal(t, "203.0.113.9", value)

	typ, value, err = ClassifyIndicator("  Evil.Example.COM. ")
	require.NoError(t, err)
	assert.Equal(t, domain.IndicatorDomain, typ)
	assert.Equal(t, "evil.example.com", value)

	_, _, err = ClassifyIndicator("")
	assert.Error(t, err)

	_, _, err = ClassifyIndicator("justaword")
	assert.Error(t, err)
}

func TestIsLocalDomain(t *testing.T) {
	local := []string{
		"localhost", "printer.local", "nas.lan", "router.home",
		"fileserver.internal", "ad.corp", "box.localdomain",
		"1.0.0.10.in-addr.arpa", "unit.test", "site.example", "host.invalid",
	}
	for _, d := range local {
		assert.True(t, isLocalDomain(d), d)
	}

	public := []string{"example.com", "localhost.example.com", "corp.example.org"}
	for _, d := range public {
		assert.False(t, isLocalDomain(d), d)
	}
}

func TestFeedSpec_URLForLevel(t *testing.T) {
	var phishing *FeedSpec
	for _, spec := range BuiltinFeeds() {
		if spec.Name == "PhishingArmy" {
			phishing = spec
		}
	}
	require.NotNil(t, phishing)

	level, u := phishing.URLForLevel("standard")
	assert.Equal(t, "standard", level)
	assert.Contains(t, u, "phishing_army_blocklist.txt")

	level, u = phishing.URLForLevel("nonsense")
	assert.Equal(t, "extended", level, "unknown levels fall back to the default tier")
	assert.Contains(t, u, "extended")
}
