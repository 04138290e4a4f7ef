package proxy

import (
	"time"

	"github.com/gernest/hsproxy/pkg/handshake"
	"github.com/gernest/hsproxy/pkg/relay"
	"github.com/gernest/hsproxy/pkg/route"
)

// Outcome is how the handling of a connection ended.
type Outcome uint8

const (
	OutcomeRelayed Outcome = iota
	OutcomeFramingError
	OutcomeParseError
	OutcomeNoRoute
	OutcomeResolveError
	OutcomeDialError
	OutcomeRateLimited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRelayed:
		return "relayed"
	case OutcomeFramingError:
		return "framing_error"
	case OutcomeParseError:
		return "parse_error"
	case OutcomeNoRoute:
		return "no_route"
	case OutcomeResolveError:
		return "resolve_error"
	case OutcomeDialError:
		return "dial_error"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Meta holds details about a connection collected while it is handled.
type Meta struct {
	// ID is unique per connection and is attached to every log line about it.
	ID     string
	Remote string
	// Start starting time of processing the connection
	Start time.Time

	// Handshake is nil unless the first packet was parsed.
	Handshake *handshake.Info
	// Rule is nil unless the hostname matched.
	Rule *route.Rule
	// Backend is the dialed address.
	Backend string

	Outcome Outcome
	// Err is the error that ended the connection, if any.
	Err error

	// Stats are the live relay counters, Result is set once the relay ended.
	Stats  relay.Stats
	Result relay.Result
}

// Hostname returns the routed hostname or an empty string.
func (m *Meta) Hostname() string {
	if m.Handshake == nil {
		return ""
	}
	return m.Handshake.Hostname
}
