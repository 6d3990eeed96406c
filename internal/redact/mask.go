package redact

import "regexp"

const mask = "****"

var credentialPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	// Provider keys: sk-..., sk-ant-..., AIza...
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`), "sk-" + mask},
	{regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{20,}`), "AIza" + mask},
	{regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{8,}`), "xox-" + mask},
	{regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/=-]{8,}`), "$1 " + mask},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|x-api-key|token|secret|password|passwd|pwd)(["']?\s*[:=]\s*["']?)[^\s"'&,;]+`), "$1$2" + mask},
	{regexp.MustCompile(`(://)[^\s:/@]+:[^\s/@]+@`), "$1" + mask + "@"},
}

// MaskCredentials hides secrets in s so it can be written to logs.
func MaskCredentials(s string) string {
	for _, p := range credentialPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}
