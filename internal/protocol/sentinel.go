package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Marker prefixes the control lines the build driver script embeds in
// its output stream.  It is deliberately unlikely to occur in normal
// build output.
const Marker = "#--@%-BuildFleet-%@--"

// SentinelKind discriminates parsed sentinel lines.
type SentinelKind string

const (
	SentinelSectionStart SentinelKind = "SectionStart"
	SentinelSectionEnd   SentinelKind = "SectionEnd"
)

// Sentinel is one parsed control line from the build output stream.
type Sentinel struct {
	Kind SentinelKind

	// Name is set for SectionStart sentinels.
	Name string

	// ExitCode is set for SectionEnd sentinels.
	ExitCode int
}

// SectionStartLine formats the control line the driver script echoes
// to open a section.
func SectionStartLine(name string) string {
	return fmt.Sprintf("%s SectionStart %s", Marker, name)
}

// SectionEndLine formats the control line the driver script echoes to
// close a section.  exitCode may be a literal number or a shell
// variable reference like "$?" that the script expands at runtime.
func SectionEndLine(exitCode string) string {
	return fmt.Sprintf("%s SectionEnd %s", Marker, exitCode)
}

// ParseSentinel inspects one output line.  It returns the parsed
// sentinel and true when the line is a well-formed control line.  A
// line that carries the marker but cannot be parsed is reported as an
// error, because silently passing a malformed control line through as
// build output would desynchronize section tracking.
func ParseSentinel(line string) (Sentinel, bool, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, Marker) {
		return Sentinel{}, false, nil
	}

	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, Marker))
	kind, arg, found := strings.Cut(rest, " ")
	if !found {
		return Sentinel{}, false, fmt.Errorf("malformed control line %q: missing argument", line)
	}
	arg = strings.TrimSpace(arg)

	switch SentinelKind(kind) {
	case SentinelSectionStart:
		if arg == "" {
			return Sentinel{}, false, fmt.Errorf("malformed control line %q: empty section name", line)
		}
		return Sentinel{Kind: SentinelSectionStart, Name: arg}, true, nil
	case SentinelSectionEnd:
		code, err := strconv.Atoi(arg)
		if err != nil {
			return Sentinel{}, false, fmt.Errorf("malformed control line %q: bad exit code: %w", line, err)
		}
		return Sentinel{Kind: SentinelSectionEnd, ExitCode: code}, true, nil
	default:
		return Sentinel{}, false, fmt.Errorf("malformed control line %q: unknown kind %q", line, kind)
	}
}

// WebSocketURL rewrites an http(s) connect URL into its ws(s)
// equivalent.  URLs that already carry a websocket scheme pass
// through unchanged.
func WebSocketURL(connectURL string) (string, error) {
	u, err := url.Parse(connectURL)
	if err != nil {
		return "", fmt.Errorf("parsing connect url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("connect url %q: unsupported scheme %q", connectURL, u.Scheme)
	}
	return u.String(), nil
}
