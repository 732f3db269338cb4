package message

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// URI represents a sip:/sips: URI.
type URI struct {
	Scheme     string            // "sip" or "sips"
	User       string            // user part, may be empty
	Host       string            // hostname or IP
	Port       int               // 0 means default
	Parameters map[string]string // ;key=value parameters
}

// ParseURI parses a SIP URI string.
func ParseURI(s string) (*URI, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURI)
	}

	colon := strings.Index(s, ":")
	if colon < 0 {
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrInvalidURI, s)
	}

	uri := &URI{
		Scheme:     strings.ToLower(s[:colon]),
		Parameters: make(map[string]string),
	}
	if uri.Scheme != "sip" && uri.Scheme != "sips" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, uri.Scheme)
	}

	rest := s[colon+1:]

	if at := strings.LastIndex(rest, "@"); at >= 0 {
		user := rest[:at]
		rest = rest[at+1:]
		// Strip a deprecated password component if present.
		if c := strings.Index(user, ":"); c >= 0 {
			user = user[:c]
		}
		uri.User = user
	}

	if semi := strings.Index(rest, ";"); semi >= 0 {
		for _, p := range strings.Split(rest[semi+1:], ";") {
			if eq := strings.Index(p, "="); eq >= 0 {
				uri.Parameters[p[:eq]] = p[eq+1:]
			} else if p != "" {
				uri.Parameters[p] = ""
			}
		}
		rest = rest[:semi]
	}

	if rest == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURI)
	}

	if c := strings.LastIndex(rest, ":"); c >= 0 {
		port, err := strconv.Atoi(rest[c+1:])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port in %q", ErrInvalidURI, rest)
		}
		uri.Port = port
		rest = rest[:c]
	}
	uri.Host = rest

	return uri, nil
}

// String renders the URI. Parameters are rendered in sorted order so
// the output is deterministic.
func (u *URI) String() string {
	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteString(":")
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteString("@")
	}
	sb.WriteString(u.Host)
	if u.Port > 0 {
		fmt.Fprintf(&sb, ":%d", u.Port)
	}
	if len(u.Parameters) > 0 {
		keys := make([]string, 0, len(u.Parameters))
		for k := range u.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(";")
			sb.WriteString(k)
			if v := u.Parameters[k]; v != "" {
				sb.WriteString("=")
				sb.WriteString(v)
			}
		}
	}
	return sb.String()
}

// Clone returns a deep copy.
func (u *URI) Clone() *URI {
	c := *u
	c.Parameters = make(map[string]string, len(u.Parameters))
	for k, v := range u.Parameters {
		c.Parameters[k] = v
	}
	return &c
}
