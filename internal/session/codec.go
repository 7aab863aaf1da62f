package session

import (
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// Record is the server-issued session state carried inside the cookie. It is
// never stored server-side; the signature makes it tamper-evident.
type Record struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`

	// User snapshot captured at login.
	Subject string `json:"sub"`
	UserID  int64  `json:"user_id"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Scope   string `json:"scope,omitempty"`

	IssuedAt     time.Time `json:"issued_at"`
	LastActivity time.Time `json:"last_activity"`
	// TokenExpiresAt mirrors the embedded access token's expiry so the
	// refresh-ahead check does not need to re-parse the token.
	TokenExpiresAt time.Time `json:"token_expires_at"`
}

// Codec signs session records into bearer strings and verifies them back.
// Decode enforces two independent expiry clocks on top of signature validity:
// an absolute lifetime from IssuedAt and a rolling window from LastActivity.
type Codec struct {
	secret   []byte
	maxAge   time.Duration
	absolute time.Duration
	rolling  time.Duration
	now      func() time.Time
}

// NewCodec builds a codec. maxAge bounds the signature itself and matches the
// cookie Max-Age; absolute and rolling are the session's two expiry clocks.
func NewCodec(secret []byte, maxAge, absolute, rolling time.Duration) *Codec {
	return &Codec{secret: secret, maxAge: maxAge, absolute: absolute, rolling: rolling, now: time.Now}
}

// MaxAge is the cookie lifetime the codec signs for.
func (c *Codec) MaxAge() time.Duration {
	return c.maxAge
}

type sessionClaims struct {
	Session Record `json:"session"`
}

// Encode serializes and signs the record with a fixed short expiry.
func (c *Codec) Encode(rec Record) (string, error) {
	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: c.secret}, (&gojose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}

	now := c.now().UTC()
	std := gojwt.Claims{
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(c.maxAge)),
	}
	return gojwt.Signed(signer).Claims(std).Claims(sessionClaims{Session: rec}).Serialize()
}

// Decode verifies the signature and both expiry clocks. Any failure yields
// nil; expired and tampered sessions are deliberately indistinguishable to
// the caller.
func (c *Codec) Decode(token string) *Record {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil
	}

	var std gojwt.Claims
	var wrapped sessionClaims
	if err := parsed.Claims(c.secret, &std, &wrapped); err != nil {
		return nil
	}

	now := c.now()
	if err := std.Validate(gojwt.Expected{Time: now}); err != nil {
		return nil
	}

	rec := wrapped.Session
	if rec.IssuedAt.IsZero() || rec.LastActivity.IsZero() {
		return nil
	}
	if !now.Before(rec.IssuedAt.Add(c.absolute)) {
		return nil
	}
	if !now.Before(rec.LastActivity.Add(c.rolling)) {
		return nil
	}
	return &rec
}

// Touch advances the rolling-activity clock to now.
func (c *Codec) Touch(rec *Record) {
	rec.LastActivity = c.now().UTC()
}
