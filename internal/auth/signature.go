package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"s3zipper/internal/metrics"
)

var (
	// ErrUnauthorized covers missing, malformed and mismatched signatures
	ErrUnauthorized = errors.New("unauthorized")
	// ErrExpired means the signed link is past its expiry
	ErrExpired = errors.New("request has expired")
)

// Verifier handles request signature verification
type Verifier struct {
	secret         []byte
	enforceSigning bool
	metrics        *metrics.Metrics
	now            func() time.Time
}

// NewVerifier creates a new signature verifier
func NewVerifier(secret []byte, enforceSigning bool, m *metrics.Metrics) *Verifier {
	return &Verifier{
		secret:         secret,
		enforceSigning: enforceSigning,
		metrics:        m,
		now:            time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of bucket|path, with |expiry appended
// when expiry is non-empty.
func Sign(secret []byte, bucket, path, expiry string) string {
	payload := bucket + "|" + path
	if expiry != "" {
		payload += "|" + expiry
	}
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Required reports whether a request must carry a signature
func (v *Verifier) Required(signature string) bool {
	return v.enforceSigning || signature != ""
}

// Verify checks the signature and expiry of a download request
func (v *Verifier) Verify(bucket, path, expiryStr, signature string) error {
	hasExpiry := expiryStr != ""

	if hasExpiry {
		expiry, err := strconv.ParseInt(expiryStr, 10, 64)
		if err != nil {
			v.metrics.SignatureFailuresTotal.Inc()
			return fmt.Errorf("%w: invalid expiry: %w", ErrUnauthorized, err)
		}
		if v.now().Unix() > expiry {
			v.metrics.ExpiredRequestsTotal.Inc()
			return ErrExpired
		}
	}

	if !v.Required(signature) {
		return nil
	}

	if signature == "" {
		v.metrics.SignatureFailuresTotal.Inc()
		return fmt.Errorf("%w: signature required", ErrUnauthorized)
	}
	if len(v.secret) == 0 {
		v.metrics.SignatureFailuresTotal.Inc()
		return fmt.Errorf("%w: signing secret not configured", ErrUnauthorized)
	}

	expected := Sign(v.secret, bucket, path, expiryStr)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		v.metrics.SignatureFailuresTotal.Inc()
		return fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	}

	return nil
}
