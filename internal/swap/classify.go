package swap

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// ReplyKind is what a server frame means for a pending registration.
type ReplyKind int

const (
	ReplyUnknown ReplyKind = iota
	ReplyRegistered
	ReplyFailure
	ReplyTokenExpired
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyRegistered:
		return "REGISTERED"
	case ReplyFailure:
		return "FAILURE"
	case ReplyTokenExpired:
		return "TOKEN_EXPIRED"
	default:
		return "UNKNOWN"
	}
}

type Reply struct {
	Kind ReplyKind
	// Reason is the first human-readable failure message.
	Reason string
}

const defaultFailureReason = "Unknown error"

// Classify inspects a decoded payload. Precedence: an expired token, then
// an explicit failure (a failed outcome or a message typed FAILURE or
// ERROR), then a REGISTERED outcome, then untyped messages, which count as
// failures only when nothing registered.
func Classify(payload json.RawMessage) Reply {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Reply{Kind: ReplyUnknown}
	}

	var c classifier
	c.walk(v)
	switch {
	case c.tokenExpired:
		return Reply{Kind: ReplyTokenExpired}
	case c.failed:
		return failure(c.reason)
	case c.registered:
		return Reply{Kind: ReplyRegistered}
	case c.untyped:
		return failure(c.untypedReason)
	default:
		return Reply{Kind: ReplyUnknown}
	}
}

func failure(reason string) Reply {
	if reason == "" {
		reason = defaultFailureReason
	}
	return Reply{Kind: ReplyFailure, Reason: reason}
}

type classifier struct {
	registered   bool
	failed       bool
	tokenExpired bool
	reason       string

	// untyped messages carry no severity; they may be informational.
	untyped       bool
	untypedReason string
}

var tokenMarkers = []string{
	"token_expired",
	"token expired",
	"expired token",
	"jwt expired",
	"tokenexpirederror",
	"invalid token",
}

func (c *classifier) walk(v any) {
	switch t := v.(type) {
	case map[string]any:
		c.walkObject(t)
	case []any:
		for _, el := range t {
			c.walk(el)
		}
	case string:
		c.checkString(t)
	}
}

func (c *classifier) walkObject(obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		val := obj[k]
		switch strings.ToLower(k) {
		case "outcome", "status", "result", "registrationstatus":
			switch s := val.(type) {
			case string:
				switch strings.ToUpper(strings.TrimSpace(s)) {
				case "REGISTERED":
					c.registered = true
				case "FAILED", "FAILURE", "ERROR", "NOT_REGISTERED":
					c.fail(messageOf(obj))
				}
			case json.Number:
				if s.String() == "401" {
					c.tokenExpired = true
				}
			}
		case "statuscode", "code":
			if n, ok := val.(json.Number); ok && n.String() == "401" {
				c.tokenExpired = true
			}
		case "authorized":
			if b, ok := val.(bool); ok && !b {
				c.tokenExpired = true
			}
		case "messages":
			if list, ok := val.([]any); ok {
				c.walkMessages(list)
			}
		}
		c.walk(val)
	}
}

// walkMessages reads a per-section message list. Entries typed as
// warnings or info are not failures.
func (c *classifier) walkMessages(list []any) {
	for _, el := range list {
		switch m := el.(type) {
		case string:
			c.note(m)
		case map[string]any:
			switch strings.ToUpper(stringField(m, "type", "severity", "level")) {
			case "WARNING", "WARN", "INFO", "SUCCESS":
			case "FAILURE", "FAILED", "ERROR", "FATAL":
				c.fail(messageOf(m))
			default:
				c.note(messageOf(m))
			}
		}
	}
}

func (c *classifier) fail(reason string) {
	c.failed = true
	if c.reason == "" {
		c.reason = strings.TrimSpace(reason)
	}
}

func (c *classifier) note(reason string) {
	c.untyped = true
	if c.untypedReason == "" {
		c.untypedReason = strings.TrimSpace(reason)
	}
}

func (c *classifier) checkString(s string) {
	l := strings.ToLower(strings.TrimSpace(s))
	if l == "unauthorized" || l == "not authorized" {
		c.tokenExpired = true
		return
	}
	for _, m := range tokenMarkers {
		if strings.Contains(l, m) {
			c.tokenExpired = true
			return
		}
	}
}

func messageOf(obj map[string]any) string {
	return stringField(obj, "message", "reason", "text", "description", "error")
}

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
