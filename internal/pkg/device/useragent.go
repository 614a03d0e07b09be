package device

import (
	"strings"

	"fieldops-security/internal/pkg/lookup"
)

type uaRule struct {
	token string
	name  string
}

// Order matters: Edge and Opera also carry "Chrome/", Chrome carries "Safari/".
var browserRules = []uaRule{
	{"Edg/", "Edge"},
	{"Edge/", "Edge"},
	{"OPR/", "Opera"},
	{"Opera", "Opera"},
	{"SamsungBrowser/", "Samsung Internet"},
	{"Firefox/", "Firefox"},
	{"FxiOS/", "Firefox"},
	{"CriOS/", "Chrome"},
	{"Chrome/", "Chrome"},
	{"Safari/", "Safari"},
	{"MSIE ", "Internet Explorer"},
	{"Trident/", "Internet Explorer"},
}

// Android carries "Linux", iOS carries "like Mac OS X".
var osRules = []uaRule{
	{"Windows", "Windows"},
	{"Android", "Android"},
	{"iPhone", "iOS"},
	{"iPad", "iOS"},
	{"CrOS", "ChromeOS"},
	{"Mac OS X", "macOS"},
	{"Macintosh", "macOS"},
	{"Linux", "Linux"},
}

// ParseUserAgent returns browser and OS families, Unknown when unrecognised.
func ParseUserAgent(ua string) (browser, os string) {
	return match(ua, browserRules), match(ua, osRules)
}

func match(ua string, rules []uaRule) string {
	if ua == "" {
		return lookup.Unknown
	}
	for _, r := range rules {
		if strings.Contains(ua, r.token) {
			return r.name
		}
	}
	return lookup.Unknown
}
