package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// PushParams carries the Contact push parameters added when the host
// application runs in background/push mode.
type PushParams struct {
	Provider string // pn-provider
	PRID     string // pn-prid
}

// RequestBuilder builds outbound SIP requests.
type RequestBuilder struct {
	method      string
	uri         *URI
	headers     *Headers
	body        []byte
	maxForwards int
}

// NewRequest creates a request builder for the given method and target URI.
func NewRequest(method string, uri *URI) *RequestBuilder {
	return &RequestBuilder{
		method:      strings.ToUpper(method),
		uri:         uri,
		headers:     NewHeaders(),
		maxForwards: 70, // RFC 3261 default
	}
}

// Via adds a Via header with the given branch.
func (b *RequestBuilder) Via(transport, host string, branch string) *RequestBuilder {
	via := fmt.Sprintf("SIP/2.0/%s %s", strings.ToUpper(transport), host)
	if branch != "" {
		via += ";branch=" + branch
	}
	b.headers.Add("Via", via)
	return b
}

// From sets the From header with an optional display name and tag.
func (b *RequestBuilder) From(display string, uri *URI, tag string) *RequestBuilder {
	b.headers.Set("From", nameAddr(display, uri, tag))
	return b
}

// To sets the To header with an optional tag.
func (b *RequestBuilder) To(uri *URI, tag string) *RequestBuilder {
	b.headers.Set("To", nameAddr("", uri, tag))
	return b
}

// CallID sets the Call-ID header.
func (b *RequestBuilder) CallID(callID string) *RequestBuilder {
	b.headers.Set("Call-ID", callID)
	return b
}

// CSeq sets the CSeq header.
func (b *RequestBuilder) CSeq(seq uint32, method string) *RequestBuilder {
	b.headers.Set("CSeq", fmt.Sprintf("%d %s", seq, strings.ToUpper(method)))
	return b
}

// Contact sets the Contact header. When push is non-nil its pn-*
// parameters are appended so the registrar can wake the client.
func (b *RequestBuilder) Contact(uri *URI, push *PushParams) *RequestBuilder {
	contact := uri.Clone()
	if push != nil && push.PRID != "" {
		contact.Parameters["pn-provider"] = push.Provider
		contact.Parameters["pn-prid"] = push.PRID
	}
	b.headers.Set("Contact", fmt.Sprintf("<%s>", contact))
	return b
}

// Expires sets the Expires header (registration lease seconds).
func (b *RequestBuilder) Expires(seconds int) *RequestBuilder {
	b.headers.Set("Expires", strconv.Itoa(seconds))
	return b
}

// UserAgent sets the User-Agent header.
func (b *RequestBuilder) UserAgent(ua string) *RequestBuilder {
	if ua != "" {
		b.headers.Set("User-Agent", ua)
	}
	return b
}

// Authorization sets a computed digest Authorization header.
func (b *RequestBuilder) Authorization(value string) *RequestBuilder {
	if value != "" {
		b.headers.Set("Authorization", value)
	}
	return b
}

// Header adds a custom header.
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.headers.Add(name, value)
	return b
}

// Headers adds a map of custom headers.
func (b *RequestBuilder) CustomHeaders(headers map[string]string) *RequestBuilder {
	for name, value := range headers {
		b.headers.Set(name, value)
	}
	return b
}

// Body sets the message body with its content type.
func (b *RequestBuilder) Body(contentType string, body []byte) *RequestBuilder {
	b.body = body
	if len(body) > 0 {
		b.headers.Set("Content-Type", contentType)
		b.headers.Set("Content-Length", strconv.Itoa(len(body)))
	} else {
		b.headers.Remove("Content-Type")
		b.headers.Set("Content-Length", "0")
	}
	return b
}

// Build validates mandatory headers and returns the request.
func (b *RequestBuilder) Build() (*Request, error) {
	if !b.headers.Has("Max-Forwards") {
		b.headers.Set("Max-Forwards", strconv.Itoa(b.maxForwards))
	}
	if !b.headers.Has("Content-Length") {
		b.headers.Set("Content-Length", strconv.Itoa(len(b.body)))
	}

	for _, h := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if !b.headers.Has(h) {
			return nil, fmt.Errorf("%w: %s", ErrMissingHeader, h)
		}
	}
	switch b.method {
	case "INVITE", "REGISTER":
		if !b.headers.Has("Contact") {
			return nil, fmt.Errorf("%w: Contact required for %s", ErrMissingHeader, b.method)
		}
	}
	if _, m, err := ParseCSeq(b.headers.Get("CSeq")); err != nil {
		return nil, err
	} else if m != b.method {
		return nil, fmt.Errorf("%w: CSeq method %s != %s", ErrInvalidCSeq, m, b.method)
	}

	return &Request{
		Method:     b.method,
		RequestURI: b.uri,
		Headers:    b.headers,
		body:       b.body,
	}, nil
}

// ResponseBuilder builds responses to inbound requests, carrying over
// the dialog-identifying headers of the request.
type ResponseBuilder struct {
	statusCode   int
	reasonPhrase string
	headers      *Headers
	body         []byte
}

// NewResponse creates a response builder from the request being answered.
func NewResponse(request *Request, statusCode int) *ResponseBuilder {
	headers := NewHeaders()
	for _, via := range request.GetHeaders("Via") {
		headers.Add("Via", via)
	}
	headers.Set("From", request.GetHeader("From"))
	headers.Set("To", request.GetHeader("To"))
	headers.Set("Call-ID", request.GetHeader("Call-ID"))
	headers.Set("CSeq", request.GetHeader("CSeq"))

	return &ResponseBuilder{
		statusCode: statusCode,
		headers:    headers,
	}
}

// Reason overrides the default reason phrase.
func (b *ResponseBuilder) Reason(phrase string) *ResponseBuilder {
	b.reasonPhrase = phrase
	return b
}

// Contact sets the Contact header.
func (b *ResponseBuilder) Contact(uri *URI) *ResponseBuilder {
	b.headers.Set("Contact", fmt.Sprintf("<%s>", uri))
	return b
}

// ToTag appends a tag to the To header if it does not carry one yet.
func (b *ResponseBuilder) ToTag(tag string) *ResponseBuilder {
	to := b.headers.Get("To")
	if to != "" && tag != "" && !strings.Contains(to, ";tag=") {
		b.headers.Set("To", to+";tag="+tag)
	}
	return b
}

// Header adds a custom header.
func (b *ResponseBuilder) Header(name, value string) *ResponseBuilder {
	b.headers.Add(name, value)
	return b
}

// Body sets the response body with its content type.
func (b *ResponseBuilder) Body(contentType string, body []byte) *ResponseBuilder {
	b.body = body
	if len(body) > 0 {
		b.headers.Set("Content-Type", contentType)
		b.headers.Set("Content-Length", strconv.Itoa(len(body)))
	} else {
		b.headers.Set("Content-Length", "0")
	}
	return b
}

// Build returns the response.
func (b *ResponseBuilder) Build() *Response {
	if b.reasonPhrase == "" {
		b.reasonPhrase = ReasonPhrase(b.statusCode)
	}
	if !b.headers.Has("Content-Length") {
		b.headers.Set("Content-Length", strconv.Itoa(len(b.body)))
	}
	return &Response{
		StatusCode:   b.statusCode,
		ReasonPhrase: b.reasonPhrase,
		Headers:      b.headers,
		body:         b.body,
	}
}

// nameAddr renders a name-addr form: `"Display" <uri>;tag=x`.
func nameAddr(display string, uri *URI, tag string) string {
	var sb strings.Builder
	if display != "" {
		fmt.Fprintf(&sb, "%q ", display)
	}
	fmt.Fprintf(&sb, "<%s>", uri)
	if tag != "" {
		sb.WriteString(";tag=")
		sb.WriteString(tag)
	}
	return sb.String()
}

// ExtractTag extracts the tag parameter from a From/To header value.
func ExtractTag(headerValue string) string {
	idx := strings.Index(headerValue, ";tag=")
	if idx < 0 {
		return ""
	}
	tag := headerValue[idx+5:]
	if end := strings.IndexAny(tag, ";> \t"); end >= 0 {
		tag = tag[:end]
	}
	return tag
}

// ExtractURI extracts the URI from a header value like `"Name" <uri>;p=v`.
func ExtractURI(headerValue string) (*URI, error) {
	start := strings.Index(headerValue, "<")
	end := strings.LastIndex(headerValue, ">")
	if start >= 0 && end > start {
		return ParseURI(headerValue[start+1 : end])
	}
	// addr-spec form without angle brackets
	v := headerValue
	if semi := strings.Index(v, ";"); semi > 0 {
		v = v[:semi]
	}
	return ParseURI(strings.TrimSpace(v))
}

// ParseCSeq parses a CSeq header value into number and method.
func ParseCSeq(cseq string) (uint32, string, error) {
	parts := strings.Fields(cseq)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidCSeq, cseq)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidCSeq, cseq)
	}
	return uint32(seq), strings.ToUpper(parts[1]), nil
}

// GenerateBranch generates a Via branch parameter with the RFC 3261
// magic cookie.
func GenerateBranch() string {
	return "z9hG4bK-" + shortID()
}

// GenerateTag generates a From/To tag.
func GenerateTag() string {
	return shortID()
}

// GenerateCallID generates a Call-ID scoped to the given host.
func GenerateCallID(host string) string {
	return uuid.NewString() + "@" + host
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
