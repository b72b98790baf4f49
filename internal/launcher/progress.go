package launcher

import (
	"regexp"
	"strconv"
	"strings"
)

// Signal is a structured progress update parsed from a TT_PROGRESS log line.
type Signal struct {
	Stage   string
	Pct     int
	Message string
}

var progressLine = regexp.MustCompile(`TT_PROGRESS\s+stage=(\S+)\s+pct=(\d{1,3})\s+msg=(.*)$`)

// ParseProgressLine parses "TT_PROGRESS stage=<WORD> pct=<N> msg=<TEXT>".
// The percentage is capped at 99; only stage=complete means done.
func ParseProgressLine(line string) (Signal, bool) {
	m := progressLine.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Signal{}, false
	}
	pct, err := strconv.Atoi(m[2])
	if err != nil {
		return Signal{}, false
	}
	if pct > 99 {
		pct = 99
	}
	return Signal{Stage: strings.ToLower(m[1]), Pct: pct, Message: strings.TrimSpace(m[3])}, true
}

// ParseProgressLogs extracts every signal from log entries, in order. A
// single entry may carry several lines.
func ParseProgressLogs(entries []LogEntry) []Signal {
	var out []Signal
	for _, e := range entries {
		for _, line := range strings.Split(e.Message, "\n") {
			if s, ok := ParseProgressLine(line); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
