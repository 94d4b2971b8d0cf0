package sipfront

import (
	"fmt"
	"strconv"
	"strings"
)

// DTMFInfo is a digit signalled out of band with SIP INFO, the fallback
// for endpoints that negotiated no telephone-event payload.
type DTMFInfo struct {
	Signal   string
	Duration int // milliseconds
}

// parseInfoDTMF decodes the two content types phones use for INFO DTMF:
// application/dtmf-relay ("Signal=5\r\nDuration=160") and the bare
// application/dtmf body holding just the digit.
func parseInfoDTMF(contentType string, body []byte) (*DTMFInfo, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch ct {
	case "application/dtmf-relay":
		info := &DTMFInfo{Duration: 250}
		for _, line := range strings.Split(string(body), "\n") {
			line = strings.TrimSpace(line)
			key, value, found := strings.Cut(line, "=")
			if !found {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "signal":
				info.Signal = strings.TrimSpace(value)
			case "duration":
				if d, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
					info.Duration = d
				}
			}
		}
		if !validDTMFSignal(info.Signal) {
			return nil, fmt.Errorf("invalid dtmf signal %q", info.Signal)
		}
		return info, nil

	case "application/dtmf":
		signal := strings.TrimSpace(string(body))
		if !validDTMFSignal(signal) {
			return nil, fmt.Errorf("invalid dtmf signal %q", signal)
		}
		return &DTMFInfo{Signal: signal, Duration: 250}, nil

	default:
		return nil, fmt.Errorf("unsupported dtmf content type %q", contentType)
	}
}

func validDTMFSignal(s string) bool {
	if len(s) != 1 {
		return false
	}
	c := s[0]
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'A' && c <= 'D', c >= 'a' && c <= 'd':
		return true
	case c == '*' || c == '#':
		return true
	}
	return false
}
