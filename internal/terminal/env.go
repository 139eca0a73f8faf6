package terminal

import "strings"

// envAllowlist names the environment variables forwarded verbatim into PTY
// child shells.
var envAllowlist = map[string]bool{
	"PATH":      true,
	"HOME":      true,
	"USER":      true,
	"LOGNAME":   true,
	"SHELL":     true,
	"LANG":      true,
	"LANGUAGE":  true,
	"TERM":      true,
	"TZ":        true,
	"EDITOR":    true,
	"PWD":       true,
	"TMPDIR":    true,
	"COLORTERM": true,
	// Windows shells
	"COMSPEC":     true,
	"SYSTEMROOT":  true,
	"USERPROFILE": true,
	"APPDATA":     true,
}

// envAllowedPrefixes are variable-name prefixes forwarded as a family.
var envAllowedPrefixes = []string{"XDG_", "LC_"}

// envBlockedPrefixes name credential-bearing variable families that must
// never reach a child shell, even if an allowlist rule would admit them.
var envBlockedPrefixes = []string{
	"API_KEY",
	"AWS_",
	"AZURE_",
	"GCP_",
	"GOOGLE_",
	"GITHUB_",
	"GITLAB_",
	"OPENAI_",
	"ANTHROPIC_",
	"STRIPE_",
	"NPM_TOKEN",
	"DATABASE_URL",
	"SECRET",
	"TOKEN",
}

// FilterEnv reduces a parent environment to the safe subset for a PTY child:
// allowlisted names and prefixes only, minus anything matching the credential
// blocklist.
func FilterEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(name)
		if blockedEnvName(upper) {
			continue
		}
		if envAllowlist[upper] || hasAnyPrefix(upper, envAllowedPrefixes) {
			out = append(out, kv)
		}
	}
	return out
}

func blockedEnvName(name string) bool {
	return hasAnyPrefix(name, envBlockedPrefixes)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
