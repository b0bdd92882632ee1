package sandbox

import (
	"regexp"
	"strings"
)

// maskedValue replaces credential values in logged command lines.
const maskedValue = "***"

// credentialFlag matches credential-shaped flags regardless of case:
// --api-key, --token, --password, --secret, with = or space separation.
var credentialFlag = regexp.MustCompile(`(?i)^--(api-key|token|password|secret)$`)

// credentialFlagInline matches the same flags with their value attached,
// inside free-form text.
var credentialFlagInline = regexp.MustCompile(`(?i)(--(?:api-key|token|password|secret))(=|\s+)\S+`)

// Sanitize masks credential values in a command-line string. Everything
// else passes through unchanged. All command/argument logging in this
// package goes through here before being recorded.
func Sanitize(s string) string {
	return credentialFlagInline.ReplaceAllString(s, "${1}${2}"+maskedValue)
}

// SanitizeArgs masks credential values in an argument vector: both the
// --flag=value form and the --flag value form.
func SanitizeArgs(args []string) []string {
	out := make([]string, len(args))
	maskNext := false
	for i, a := range args {
		switch {
		case maskNext:
			out[i] = maskedValue
			maskNext = false
		case credentialFlag.MatchString(a):
			out[i] = a
			maskNext = true
		default:
			if flag, _, found := strings.Cut(a, "="); found && credentialFlag.MatchString(flag) {
				out[i] = flag + "=" + maskedValue
			} else {
				out[i] = a
			}
		}
	}
	return out
}
