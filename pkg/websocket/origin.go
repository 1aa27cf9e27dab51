package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/dd0wney/cluso-controlplane/pkg/session"
)

// originAllowed reports whether a handshake carrying origin may proceed.
// A missing Origin header (non-browser clients) is always accepted. Strict
// mode accepts the configured domain and AllowedOrigins; relaxed mode also
// accepts any subdomain of the configured domain.
func (c Config) originAllowed(origin string, relaxed bool) bool {
	if origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(o, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain := strings.ToLower(c.Domain)
	if domain == "" {
		return false
	}
	if host == domain {
		return true
	}
	return relaxed && strings.HasSuffix(host, "."+domain)
}

// clientType classifies the connecting client by its User-Agent
func clientType(r *http.Request) string {
	ua := strings.ToLower(r.UserAgent())
	switch {
	case ua == "":
		return session.ClientTypeOther
	case strings.Contains(ua, "vscode"), strings.Contains(ua, "jetbrains"):
		return session.ClientTypeIDE
	case strings.Contains(ua, "cli"), strings.HasPrefix(ua, "curl/"), strings.HasPrefix(ua, "go-http-client"):
		return session.ClientTypeCLI
	case strings.Contains(ua, "mozilla"):
		return session.ClientTypeBrowser
	default:
		return session.ClientTypeOther
	}
}
