// Package signature authenticates webhook deliveries signed with a shared key.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HeaderName carries the "t=<unix>,v1=<hex>" signature.
const HeaderName = "Calendly-Webhook-Signature"

// DefaultTolerance bounds the accepted clock skew between sender and receiver.
const DefaultTolerance = 300 * time.Second

const (
	timestampKey = "t"
	signatureKey = "v1"
)

var (
	ErrMalformedHeader   = errors.New("malformed signature header")
	ErrStaleTimestamp    = errors.New("stale or future signature timestamp")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrMissingSigningKey = errors.New("missing signing key")
	ErrInvalidTolerance  = errors.New("invalid signature tolerance")
)

// Mode reports whether a Verifier checks signatures.
type Mode int

const (
	ModeEnabled Mode = iota + 1
	ModeDisabled
)

// Config configures a Verifier.
type Config struct {
	SigningKey string
	Tolerance  time.Duration
	Now        func() time.Time
}

// Verifier checks freshness and authenticity of a raw delivery.
type Verifier struct {
	mode      Mode
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds an enabled verifier. An empty key is a configuration error; use
// Disabled for deployments that accept unsigned deliveries.
func NewVerifier(config Config) (*Verifier, error) {
	key := strings.TrimSpace(config.SigningKey)
	if key == "" {
		return nil, ErrMissingSigningKey
	}
	tolerance := config.Tolerance
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTolerance, tolerance)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		mode:      ModeEnabled,
		key:       []byte(key),
		tolerance: tolerance,
		now:       now,
	}, nil
}

// Disabled returns a verifier that accepts every delivery.
func Disabled() *Verifier {
	return &Verifier{mode: ModeDisabled}
}

// Mode returns the verification mode.
func (verifier *Verifier) Mode() Mode {
	return verifier.mode
}

// Enabled reports whether signatures are checked.
func (verifier *Verifier) Enabled() bool {
	return verifier != nil && verifier.mode == ModeEnabled
}

// Verify validates the header against the exact bytes received.
func (verifier *Verifier) Verify(rawBody []byte, header string) error {
	if !verifier.Enabled() {
		return nil
	}
	timestamp, digest, err := parseHeader(header)
	if err != nil {
		return err
	}
	skew := verifier.now().Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(verifier.tolerance/time.Second) {
		return fmt.Errorf("%w: skew %ds", ErrStaleTimestamp, skew)
	}
	expected := []byte(computeDigest(verifier.key, timestamp, rawBody))
	provided := []byte(strings.ToLower(digest))
	if len(expected) != len(provided) {
		return ErrSignatureMismatch
	}
	if subtle.ConstantTimeCompare(expected, provided) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign builds a header value for the body at the given time.
func Sign(signingKey string, rawBody []byte, at time.Time) string {
	timestamp := at.Unix()
	digest := computeDigest([]byte(strings.TrimSpace(signingKey)), timestamp, rawBody)
	return timestampKey + "=" + strconv.FormatInt(timestamp, 10) + "," + signatureKey + "=" + digest
}

func computeDigest(key []byte, timestamp int64, rawBody []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseHeader(header string) (int64, string, error) {
	var (
		rawTimestamp string
		digest       string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case timestampKey:
			rawTimestamp = strings.TrimSpace(value)
		case signatureKey:
			digest = strings.TrimSpace(value)
		}
	}
	if rawTimestamp == "" || digest == "" {
		return 0, "", fmt.Errorf("%w: missing t or v1", ErrMalformedHeader)
	}
	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: timestamp %q", ErrMalformedHeader, rawTimestamp)
	}
	return timestamp, digest, nil
}
