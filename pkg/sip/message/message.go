// Package message implements the line-oriented wire codec used by the
// signaling engine: building and parsing SIP requests/responses carried
// as text frames over the WebSocket transport, plus digest authentication.
package message

import (
	"fmt"
	"strings"
)

// Message is the common interface for requests and responses.
type Message interface {
	// IsRequest returns true if this is a request
	IsRequest() bool

	// IsResponse returns true if this is a response
	IsResponse() bool

	// GetHeader returns the first value of a header
	GetHeader(name string) string

	// GetHeaders returns all values of a header
	GetHeaders(name string) []string

	// SetHeader sets a header value (replaces existing)
	SetHeader(name string, value string)

	// Body returns the message body
	Body() []byte

	// CallID returns the Call-ID header value
	CallID() string

	// String returns the wire representation
	String() string
}

// Request represents an outbound or inbound SIP request.
type Request struct {
	Method     string
	RequestURI *URI
	Headers    *Headers
	body       []byte
}

// Response represents an inbound or locally generated SIP response.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	Headers      *Headers
	body         []byte
}

// Headers stores header values with case-insensitive names, preserving
// the order in which headers were first added.
type Headers struct {
	values map[string][]string
	order  []string
}

// NewHeaders creates an empty header set.
func NewHeaders() *Headers {
	return &Headers{
		values: make(map[string][]string),
	}
}

// canonicalName folds a header name to its lowercase long form,
// expanding RFC 3261 compact forms.
func canonicalName(name string) string {
	switch strings.ToLower(name) {
	case "i":
		return "call-id"
	case "m":
		return "contact"
	case "f":
		return "from"
	case "t":
		return "to"
	case "v":
		return "via"
	case "c":
		return "content-type"
	case "l":
		return "content-length"
	case "e":
		return "expires"
	default:
		return strings.ToLower(name)
	}
}

// Get returns the first value of a header, or "".
func (h *Headers) Get(name string) string {
	if vals := h.values[canonicalName(name)]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// GetAll returns every value of a header in order.
func (h *Headers) GetAll(name string) []string {
	return h.values[canonicalName(name)]
}

// Has reports whether the header is present.
func (h *Headers) Has(name string) bool {
	return len(h.values[canonicalName(name)]) > 0
}

// Set replaces all values of a header with one value.
func (h *Headers) Set(name, value string) {
	key := canonicalName(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, name)
	}
	h.values[key] = []string{value}
}

// Add appends a value to a header.
func (h *Headers) Add(name, value string) {
	key := canonicalName(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, name)
	}
	h.values[key] = append(h.values[key], value)
}

// Remove deletes a header entirely.
func (h *Headers) Remove(name string) {
	key := canonicalName(name)
	delete(h.values, key)
	kept := h.order[:0]
	for _, n := range h.order {
		if canonicalName(n) != key {
			kept = append(kept, n)
		}
	}
	h.order = kept
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	c.order = append([]string(nil), h.order...)
	for k, vals := range h.values {
		c.values[k] = append([]string(nil), vals...)
	}
	return c
}

// write renders the headers in original order as CRLF lines.
func (h *Headers) write(sb *strings.Builder) {
	for _, name := range h.order {
		for _, value := range h.values[canonicalName(name)] {
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\r\n")
		}
	}
}

func (r *Request) IsRequest() bool  { return true }
func (r *Request) IsResponse() bool { return false }

// GetHeader returns the first value of a header.
func (r *Request) GetHeader(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// GetHeaders returns all values of a header.
func (r *Request) GetHeaders(name string) []string {
	if r.Headers == nil {
		return nil
	}
	return r.Headers.GetAll(name)
}

// SetHeader sets a header value.
func (r *Request) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Set(name, value)
}

// Body returns the message body.
func (r *Request) Body() []byte { return r.body }

// SetBody sets the message body.
func (r *Request) SetBody(body []byte) { r.body = body }

// CallID returns the Call-ID header value.
func (r *Request) CallID() string { return r.GetHeader("Call-ID") }

// CSeq returns the parsed CSeq header.
func (r *Request) CSeq() (uint32, string, error) {
	return ParseCSeq(r.GetHeader("CSeq"))
}

// String renders the request in wire form.
func (r *Request) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s SIP/2.0\r\n", r.Method, r.RequestURI)
	if r.Headers != nil {
		r.Headers.write(&sb)
	}
	sb.WriteString("\r\n")
	sb.Write(r.body)
	return sb.String()
}

func (r *Response) IsRequest() bool  { return false }
func (r *Response) IsResponse() bool { return true }

// GetHeader returns the first value of a header.
func (r *Response) GetHeader(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// GetHeaders returns all values of a header.
func (r *Response) GetHeaders(name string) []string {
	if r.Headers == nil {
		return nil
	}
	return r.Headers.GetAll(name)
}

// SetHeader sets a header value.
func (r *Response) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Set(name, value)
}

// Body returns the message body.
func (r *Response) Body() []byte { return r.body }

// SetBody sets the message body.
func (r *Response) SetBody(body []byte) { r.body = body }

// CallID returns the Call-ID header value.
func (r *Response) CallID() string { return r.GetHeader("Call-ID") }

// CSeq returns the parsed CSeq header.
func (r *Response) CSeq() (uint32, string, error) {
	return ParseCSeq(r.GetHeader("CSeq"))
}

// IsProvisional reports a 1xx status.
func (r *Response) IsProvisional() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsAuthChallenge reports a 401/407 status.
func (r *Response) IsAuthChallenge() bool {
	return r.StatusCode == 401 || r.StatusCode == 407
}

// String renders the response in wire form.
func (r *Response) String() string {
	var sb strings.Builder
	reason := r.ReasonPhrase
	if reason == "" {
		reason = ReasonPhrase(r.StatusCode)
	}
	fmt.Fprintf(&sb, "SIP/2.0 %d %s\r\n", r.StatusCode, reason)
	if r.Headers != nil {
		r.Headers.write(&sb)
	}
	sb.WriteString("\r\n")
	sb.Write(r.body)
	return sb.String()
}

// ReasonPhrase returns the standard reason phrase for a status code.
func ReasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 407:
		return "Proxy Authentication Required"
	case 408:
		return "Request Timeout"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	default:
		return "Unknown"
	}
}
