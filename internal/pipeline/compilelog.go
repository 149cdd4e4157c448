package pipeline

import (
	"regexp"
	"strings"
)

var fqbnPattern = regexp.MustCompile(`[A-Za-z0-9_]+:[A-Za-z0-9_]+:[A-Za-z0-9_]+`)

// ExtractFQBN recovers the vendor:arch:board identifier from saved compile
// output. It scans a short window after the tokens arduino-cli is known to
// print near the identifier.
func ExtractFQBN(logText string) string {
	if logText == "" {
		return ""
	}
	for _, token := range []string{"--fqbn", "FQBN:", "fqbn="} {
		idx := strings.Index(logText, token)
		if idx < 0 {
			continue
		}
		window := logText[idx:min(idx+200, len(logText))]
		if m := fqbnPattern.FindString(window[len(token):]); m != "" {
			return m
		}
	}
	return ""
}
