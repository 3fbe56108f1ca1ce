package sendgrid

import (
	"bytes"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testKey derives a fixed private key and returns it with its public half in
// both distributed shapes: a PEM block and the bare base64 SPKI.
func testKey(t *testing.T, seedByte byte) (*secp256k1.PrivateKey, string, string) {
	t.Helper()
	priv := secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{seedByte}, 32))

	point := priv.PubKey().SerializeUncompressed()
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: algorithmIdentifier{Algorithm: oidECPublicKey, Parameters: oidSecp256k1},
		PublicKey: asn1.BitString{Bytes: point, BitLength: len(point) * 8},
	})
	if err != nil {
		t.Fatalf("marshal SPKI: %v", err)
	}

	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return priv, pemKey, base64.StdEncoding.EncodeToString(der)
}

func signPayload(priv *secp256k1.PrivateKey, timestamp string, body []byte) string {
	digest := sha256.Sum256(append([]byte(timestamp), body...))
	return base64.StdEncoding.EncodeToString(ecdsa.Sign(priv, digest[:]).Serialize())
}

func newTestVerifier(t *testing.T, key string, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{VerificationKey: key, AllowedSkew: 5 * time.Minute}, testLogger())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	v.now = func() time.Time { return now }
	return v
}

func TestVerify(t *testing.T) {
	priv, pemKey, _ := testKey(t, 0x42)
	otherPriv, _, _ := testKey(t, 0x43)

	now := time.Unix(1700000000, 0)
	body := []byte(`[{"email":"a@example.com","timestamp":1699999900,"event":"processed"}]`)
	freshTS := strconv.FormatInt(now.Unix()-60, 10)

	v := newTestVerifier(t, pemKey, now)
	if !v.Configured() {
		t.Fatal("Configured() = false with a key loaded")
	}

	tests := []struct {
		name      string
		body      []byte
		timestamp string
		signature string
		want      Outcome
	}{
		{
			name:      "valid signature",
			body:      body,
			timestamp: freshTS,
			signature: signPayload(priv, freshTS, body),
			want:      Verified,
		},
		{
			name:      "future timestamp within skew",
			body:      body,
			timestamp: strconv.FormatInt(now.Unix()+60, 10),
			signature: signPayload(priv, strconv.FormatInt(now.Unix()+60, 10), body),
			want:      Verified,
		},
		{
			name:      "tampered body",
			body:      append([]byte(nil), append(body, ' ')...),
			timestamp: freshTS,
			signature: signPayload(priv, freshTS, body),
			want:      Failed,
		},
		{
			name:      "signed with another key",
			body:      body,
			timestamp: freshTS,
			signature: signPayload(otherPriv, freshTS, body),
			want:      Failed,
		},
		{
			name:      "stale timestamp",
			body:      body,
			timestamp: strconv.FormatInt(now.Unix()-600, 10),
			signature: signPayload(priv, strconv.FormatInt(now.Unix()-600, 10), body),
			want:      Failed,
		},
		{
			name:      "future timestamp beyond skew",
			body:      body,
			timestamp: strconv.FormatInt(now.Unix()+600, 10),
			signature: signPayload(priv, strconv.FormatInt(now.Unix()+600, 10), body),
			want:      Failed,
		},
		{
			name:      "timestamp not a number",
			body:      body,
			timestamp: "yesterday",
			signature: signPayload(priv, "yesterday", body),
			want:      Failed,
		},
		{
			name:      "signature not base64",
			body:      body,
			timestamp: freshTS,
			signature: "!!!not-base64!!!",
			want:      Failed,
		},
		{
			name:      "signature not DER",
			body:      body,
			timestamp: freshTS,
			signature: base64.StdEncoding.EncodeToString([]byte("hello")),
			want:      Failed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Verify(tt.body, tt.timestamp, tt.signature); got != tt.want {
				t.Errorf("Verify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVerifyBase64Key(t *testing.T) {
	priv, _, b64Key := testKey(t, 0x42)
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`[]`)

	v := newTestVerifier(t, b64Key, now)
	if got := v.Verify(body, ts, signPayload(priv, ts, body)); got != Verified {
		t.Errorf("Verify() with base64 key = %q, want %q", got, Verified)
	}
}

func TestVerifyNotConfigured(t *testing.T) {
	v, err := NewVerifier(Config{AllowedSkew: 5 * time.Minute}, testLogger())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	if v.Configured() {
		t.Error("Configured() = true without a key")
	}
	if got := v.Verify([]byte(`[]`), "123", "sig"); got != NotConfigured {
		t.Errorf("Verify() = %q, want %q", got, NotConfigured)
	}
}

func TestNewVerifierBadKey(t *testing.T) {
	if _, err := NewVerifier(Config{VerificationKey: "not a key"}, testLogger()); err == nil {
		t.Error("NewVerifier() with garbage key error = nil")
	}
}

func TestParseVerificationKeyForms(t *testing.T) {
	_, pemKey, b64Key := testKey(t, 0x42)

	fromPEM, err := ParseVerificationKey(pemKey)
	if err != nil {
		t.Fatalf("ParseVerificationKey(PEM) error = %v", err)
	}
	fromB64, err := ParseVerificationKey(b64Key)
	if err != nil {
		t.Fatalf("ParseVerificationKey(base64) error = %v", err)
	}
	if !bytes.Equal(fromPEM.SerializeUncompressed(), fromB64.SerializeUncompressed()) {
		t.Error("PEM and base64 forms parsed to different keys")
	}

	// Whitespace inside a pasted base64 value is tolerated.
	wrapped := b64Key[:20] + "\n" + b64Key[20:]
	if _, err := ParseVerificationKey(wrapped); err != nil {
		t.Errorf("ParseVerificationKey(wrapped base64) error = %v", err)
	}
}

func TestParseVerificationKeyRejects(t *testing.T) {
	_, err := ParseVerificationKey("")
	if err == nil {
		t.Error("empty key accepted")
	}

	if _, err := ParseVerificationKey("-----BEGIN PUBLIC KEY-----"); err == nil {
		t.Error("truncated PEM accepted")
	}

	if _, err := ParseVerificationKey(base64.StdEncoding.EncodeToString([]byte("not der"))); err == nil {
		t.Error("non-DER payload accepted")
	}

	// A P-256 key is a valid SPKI but the wrong curve.
	priv := secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{7}, 32))
	point := priv.PubKey().SerializeUncompressed()
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: algorithmIdentifier{
			Algorithm:  oidECPublicKey,
			Parameters: asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7},
		},
		PublicKey: asn1.BitString{Bytes: point, BitLength: len(point) * 8},
	})
	if err != nil {
		t.Fatalf("marshal SPKI: %v", err)
	}
	if _, err := ParseVerificationKey(base64.StdEncoding.EncodeToString(der)); err == nil {
		t.Error("wrong-curve key accepted")
	}
}
