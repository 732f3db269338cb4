package message

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	// Maximum sizes for security
	maxMessageSize = 64 * 1024
	maxHeaderSize  = 8 * 1024
	maxHeaders     = 100
)

// Parser parses wire messages. A single Parser is safe for concurrent
// use; temporary parse state is pooled.
type Parser struct {
	strict bool
	pool   *sync.Pool
}

// NewParser creates a parser. In strict mode malformed headers are
// rejected instead of skipped.
func NewParser(strict bool) *Parser {
	return &Parser{
		strict: strict,
		pool: &sync.Pool{
			New: func() interface{} {
				return new(parseContext)
			},
		},
	}
}

type parseContext struct {
	lines [][]byte
	body  []byte
}

func (ctx *parseContext) reset() {
	ctx.lines = ctx.lines[:0]
	ctx.body = nil
}

// Parse parses a complete message from its wire bytes.
func (p *Parser) Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrInvalidMessage
	}
	if len(data) > maxMessageSize {
		return nil, ErrMessageTooLarge
	}

	ctx := p.pool.Get().(*parseContext)
	defer func() {
		ctx.reset()
		p.pool.Put(ctx)
	}()

	headerData := data
	sepLen := 4
	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		headerEnd = bytes.Index(data, []byte("\n\n"))
		sepLen = 2
	}
	if headerEnd >= 0 {
		headerData = data[:headerEnd]
		if headerEnd+sepLen < len(data) {
			ctx.body = data[headerEnd+sepLen:]
		}
	} else if p.strict {
		return nil, ErrInvalidMessage
	}

	lines := bytes.Split(headerData, []byte("\r\n"))
	if len(lines) == 1 {
		lines = bytes.Split(headerData, []byte("\n"))
	}
	if len(lines) == 0 {
		return nil, ErrInvalidMessage
	}
	ctx.lines = lines

	firstLine := strings.TrimSpace(string(lines[0]))
	if strings.HasPrefix(firstLine, "SIP/") {
		return p.parseResponse(firstLine, lines[1:], ctx.body)
	}
	return p.parseRequest(firstLine, lines[1:], ctx.body)
}

func (p *Parser) parseRequest(firstLine string, headerLines [][]byte, body []byte) (*Request, error) {
	parts := strings.Fields(firstLine)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRequestLine, firstLine)
	}
	if parts[2] != "SIP/2.0" {
		return nil, ErrInvalidSIPVersion
	}

	uri, err := ParseURI(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: request URI: %v", ErrInvalidRequestLine, err)
	}

	headers, err := p.parseHeaders(headerLines)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:     strings.ToUpper(parts[0]),
		RequestURI: uri,
		Headers:    headers,
		body:       copyBody(body),
	}
	if p.strict {
		for _, h := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
			if !headers.Has(h) {
				return nil, fmt.Errorf("%w: %s", ErrMissingHeader, h)
			}
		}
	}
	return req, nil
}

func (p *Parser) parseResponse(firstLine string, headerLines [][]byte, body []byte) (*Response, error) {
	parts := strings.SplitN(firstLine, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatusLine, firstLine)
	}
	if !strings.HasPrefix(parts[0], "SIP/2.0") {
		return nil, ErrInvalidSIPVersion
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return nil, ErrInvalidStatusCode
	}

	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	} else {
		reason = ReasonPhrase(code)
	}

	headers, err := p.parseHeaders(headerLines)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode:   code,
		ReasonPhrase: reason,
		Headers:      headers,
		body:         copyBody(body),
	}, nil
}

func (p *Parser) parseHeaders(lines [][]byte) (*Headers, error) {
	if len(lines) > maxHeaders {
		return nil, ErrTooManyHeaders
	}

	headers := NewHeaders()
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		// RFC 3261 line folding: continuation lines start with SP/HT.
		for i+1 < len(lines) && len(lines[i+1]) > 0 &&
			(lines[i+1][0] == ' ' || lines[i+1][0] == '\t') {
			i++
			line = append(append(line, ' '), bytes.TrimSpace(lines[i])...)
		}

		if len(line) > maxHeaderSize {
			return nil, ErrHeaderTooLarge
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			if p.strict {
				return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, string(line))
			}
			continue
		}

		name := string(bytes.TrimSpace(line[:colon]))
		value := string(bytes.TrimSpace(line[colon+1:]))
		headers.Add(name, value)
	}
	return headers, nil
}

// copyBody detaches the body from the caller's buffer.
func copyBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	return append([]byte(nil), body...)
}
