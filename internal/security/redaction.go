package security

import (
	"regexp"
	"strings"
)

const redactedMarker = "[REDACTED]"

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	secretEnvKeyPattern  = regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|token|credential|private[_-]?key|access[_-]?key)`)
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
)

// RedactPayload masks secret-looking values in free-form text such as exec
// input before it reaches a log line.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"`+redactedMarker+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return redactedMarker
		}
		return match[:idx+1] + redactedMarker
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}`+redactedMarker)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+redactedMarker)
	return out
}

// RedactEnvValue masks value when key names a credential.
func RedactEnvValue(key, value string) string {
	if value == "" || !secretEnvKeyPattern.MatchString(key) {
		return value
	}
	return redactedMarker
}

// RedactArgs returns a copy of a runtime argument vector with the values of
// secret-looking environment flags masked. Both "--env K=V" and "--env=K=V"
// forms are handled.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out); i++ {
		switch {
		case (out[i] == "--env" || out[i] == "-e") && i+1 < len(out):
			out[i+1] = redactAssignment(out[i+1])
			i++
		case strings.HasPrefix(out[i], "--env="):
			out[i] = "--env=" + redactAssignment(strings.TrimPrefix(out[i], "--env="))
		}
	}
	return out
}

func redactAssignment(kv string) string {
	idx := strings.IndexByte(kv, '=')
	if idx < 0 {
		return kv
	}
	return kv[:idx+1] + RedactEnvValue(kv[:idx], kv[idx+1:])
}
