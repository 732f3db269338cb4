package message

import (
	"fmt"

	"github.com/icholy/digest"
)

// MaxAuthAttempts caps automatic digest retries per logical request.
// A second challenge after a retried authenticated request surfaces
// an authentication failure instead of another retry.
const MaxAuthAttempts = 2

// Credentials holds the account secret used for digest computation.
type Credentials struct {
	Username string
	Password string
}

// Challenge is a parsed WWW-Authenticate / Proxy-Authenticate challenge.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	QOP       []string

	raw *digest.Challenge
}

// ParseChallenge extracts the digest challenge from a 401/407 response.
func ParseChallenge(resp *Response) (*Challenge, error) {
	header := resp.GetHeader("WWW-Authenticate")
	if header == "" {
		header = resp.GetHeader("Proxy-Authenticate")
	}
	if header == "" {
		return nil, ErrNoChallenge
	}

	chal, err := digest.ParseChallenge(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadChallenge, err)
	}

	return &Challenge{
		Realm:     chal.Realm,
		Nonce:     chal.Nonce,
		Opaque:    chal.Opaque,
		Algorithm: chal.Algorithm,
		QOP:       chal.QOP,
		raw:       chal,
	}, nil
}

// Authorize computes the Authorization header value for the given
// method/URI against this challenge.
func (c *Challenge) Authorize(method string, uri *URI, creds Credentials) (string, error) {
	cred, err := digest.Digest(c.raw, digest.Options{
		Method:   method,
		URI:      uri.String(),
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return "", fmt.Errorf("digest computation failed: %w", err)
	}
	return cred.String(), nil
}
