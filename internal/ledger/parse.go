package ledger

import (
	"regexp"
	"strings"
)

// blockHeader matches ">>> FULL TEXT of [A]:" and ">>> SUMMARY of [A]:" lines.
var blockHeader = regexp.MustCompile(`(?m)^[ \t]*>>>[ \t]*(FULL TEXT|SUMMARY) of \[([A-Z])\]:[ \t]*`)

// ParseSummaries extracts the SUMMARY blocks of a summarization response,
// keyed by group label. Each block runs to the next header; separators and
// code fences around it are dropped. The first block for a label wins.
func ParseSummaries(response string) map[string]string {
	out := make(map[string]string)
	headers := blockHeader.FindAllStringSubmatchIndex(response, -1)
	for i, h := range headers {
		if response[h[2]:h[3]] != "SUMMARY" {
			continue
		}
		lbl := response[h[4]:h[5]]
		if _, seen := out[lbl]; seen {
			continue
		}
		end := len(response)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		if text := cleanBlock(response[h[1]:end]); text != "" {
			out[lbl] = text
		}
	}
	return out
}

func cleanBlock(s string) string {
	s = strings.TrimSpace(s)
	for {
		trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "```"), "---"))
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}
