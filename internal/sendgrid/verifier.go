package sendgrid

import (
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Webhook signature headers set by SendGrid on every Event Webhook POST.
const (
	TimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
	SignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
)

// Outcome is the result of verifying one webhook request.
type Outcome string

const (
	// Verified means the signature matched the configured key and the
	// timestamp was within the allowed skew.
	Verified Outcome = "verified"

	// Failed means the request carried a bad timestamp or a signature that
	// did not verify.
	Failed Outcome = "failed"

	// NotConfigured means no verification key is set; the caller decides
	// whether to accept or reject such traffic.
	NotConfigured Outcome = "not_configured"
)

// Verifier checks the ECDSA signature SendGrid computes over
// timestamp||body. It is safe for concurrent use.
type Verifier struct {
	key         *secp256k1.PublicKey
	allowedSkew time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewVerifier builds a verifier from the configured key. An empty key is not
// an error; the verifier then reports NotConfigured for every request.
func NewVerifier(cfg Config, logger *slog.Logger) (*Verifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "webhook_verifier")

	v := &Verifier{
		allowedSkew: cfg.AllowedSkew,
		logger:      logger,
		now:         time.Now,
	}
	if v.allowedSkew <= 0 {
		v.allowedSkew = 5 * time.Minute
	}

	if strings.TrimSpace(cfg.VerificationKey) == "" {
		logger.Warn("no verification key configured, webhook signatures will not be checked")
		return v, nil
	}

	key, err := ParseVerificationKey(cfg.VerificationKey)
	if err != nil {
		return nil, fmt.Errorf("parse verification key: %w", err)
	}
	v.key = key
	logger.Info("webhook signature verification enabled", "allowed_skew", v.allowedSkew)
	return v, nil
}

// Configured reports whether a verification key is loaded.
func (v *Verifier) Configured() bool {
	return v.key != nil
}

// Verify checks the signature over UTF8(timestamp)||body. The timestamp is
// the raw header value, unix seconds in decimal; it must be within the
// allowed skew of the current time in either direction.
func (v *Verifier) Verify(body []byte, timestamp, signature string) Outcome {
	if v.key == nil {
		return NotConfigured
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		v.logger.Warn("webhook timestamp is not a unix time", "timestamp", timestamp)
		return Failed
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew > v.allowedSkew || skew < -v.allowedSkew {
		v.logger.Warn("webhook timestamp outside allowed skew", "timestamp", ts, "skew", skew.String())
		return Failed
	}

	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		v.logger.Warn("webhook signature is not valid base64", "error", err)
		return Failed
	}
	sig, err := ecdsa.ParseDERSignature(raw)
	if err != nil {
		v.logger.Warn("webhook signature is not valid DER", "error", err)
		return Failed
	}

	digest := sha256.Sum256(append([]byte(timestamp), body...))
	if !sig.Verify(digest[:], v.key) {
		v.logger.Warn("webhook signature mismatch", "timestamp", ts, "body_bytes", len(body))
		return Failed
	}
	return Verified
}

var (
	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

type subjectPublicKeyInfo struct {
	Algorithm algorithmIdentifier
	PublicKey asn1.BitString
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.ObjectIdentifier `asn1:"optional"`
}

// ParseVerificationKey accepts the two shapes SendGrid hands out: a PEM
// PUBLIC KEY block or its bare base64 DER payload. The SPKI wraps an EC point
// on secp256k1, which crypto/x509 refuses to parse, so the envelope is
// unwrapped here and the point handed to the dcrec implementation.
func ParseVerificationKey(s string) (*secp256k1.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty verification key")
	}

	var der []byte
	if strings.Contains(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil {
			return nil, errors.New("no PEM block found")
		}
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
		if err != nil {
			return nil, fmt.Errorf("decode base64 key: %w", err)
		}
		der = decoded
	}

	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("parse SPKI envelope: %w", err)
	}
	if !spki.Algorithm.Algorithm.Equal(oidECPublicKey) {
		return nil, fmt.Errorf("unexpected key algorithm %v", spki.Algorithm.Algorithm)
	}
	if len(spki.Algorithm.Parameters) > 0 && !spki.Algorithm.Parameters.Equal(oidSecp256k1) {
		return nil, fmt.Errorf("unexpected curve %v, want secp256k1", spki.Algorithm.Parameters)
	}

	key, err := secp256k1.ParsePubKey(spki.PublicKey.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse EC point: %w", err)
	}
	return key, nil
}
