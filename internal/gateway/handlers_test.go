package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/SebastienMelki/mailvault/internal/archive"
	"github.com/SebastienMelki/mailvault/internal/dedup"
	"github.com/SebastienMelki/mailvault/internal/sendgrid"
)

// webhookKey builds a fixed signing key and its PEM-encoded public half in
// the SPKI shape SendGrid distributes.
func webhookKey(t *testing.T) (*secp256k1.PrivateKey, string) {
	t.Helper()
	priv := secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{0x51}, 32))

	point := priv.PubKey().SerializeUncompressed()
	der, err := asn1.Marshal(struct {
		Algorithm struct {
			Algorithm  asn1.ObjectIdentifier
			Parameters asn1.ObjectIdentifier `asn1:"optional"`
		}
		PublicKey asn1.BitString
	}{
		Algorithm: struct {
			Algorithm  asn1.ObjectIdentifier
			Parameters asn1.ObjectIdentifier `asn1:"optional"`
		}{
			Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1},
			Parameters: asn1.ObjectIdentifier{1, 3, 132, 0, 10},
		},
		PublicKey: asn1.BitString{Bytes: point, BitLength: len(point) * 8},
	})
	if err != nil {
		t.Fatalf("marshal SPKI: %v", err)
	}
	return priv, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signBody(priv *secp256k1.PrivateKey, timestamp string, body []byte) string {
	digest := sha256.Sum256(append([]byte(timestamp), body...))
	return base64.StdEncoding.EncodeToString(ecdsa.Sign(priv, digest[:]).Serialize())
}

type serverFixture struct {
	server *Server
	store  *fakeArchiveStore
	priv   *secp256k1.PrivateKey
}

func newServerFixture(t *testing.T, mutate func(*Deps, *sendgrid.Config)) *serverFixture {
	t.Helper()
	priv, pemKey := webhookKey(t)

	verifier, err := sendgrid.NewVerifier(sendgrid.Config{
		VerificationKey: pemKey,
		AllowedSkew:     5 * time.Minute,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	store := newFakeArchiveStore()
	deps := Deps{
		Verifier: verifier,
		Ingest:   NewIngestService(store, archive.NewKeys("", ""), 0, nil, testLogger()),
		Store:    store,
	}
	webhook := sendgrid.DefaultConfig()
	if mutate != nil {
		mutate(&deps, &webhook)
	}

	cfg := DefaultConfig()
	cfg.RateLimit.Enabled = false
	return &serverFixture{
		server: NewServer(cfg, webhook, deps, testLogger()),
		store:  store,
		priv:   priv,
	}
}

// post sends body to the webhook endpoint, signed unless sign is false.
func (f *serverFixture) post(t *testing.T, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/sendgrid", bytes.NewReader(body))
	if sign {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(sendgrid.TimestampHeader, ts)
		req.Header.Set(sendgrid.SignatureHeader, signBody(f.priv, ts, body))
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookAccepted(t *testing.T) {
	f := newServerFixture(t, nil)
	body := []byte(`[{"email":"a@example.com","timestamp":1700000000,"event":"delivered"}]`)

	rec := f.post(t, body, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d (body: %s)", rec.Code, http.StatusNoContent, rec.Body.String())
	}

	keys := f.store.storedKeys()
	if len(keys) != 1 {
		t.Fatalf("stored objects = %d, want 1", len(keys))
	}
	if !strings.HasPrefix(keys[0], "raw/v1/") || !strings.HasSuffix(keys[0], ".parquet") {
		t.Errorf("stored key = %q, want raw/v1/.../*.parquet", keys[0])
	}
}

func TestWebhookRedeliverySameKey(t *testing.T) {
	f := newServerFixture(t, nil)
	body := []byte(`[{"email":"a@example.com","timestamp":1700000000,"event":"delivered"}]`)

	for i := 0; i < 2; i++ {
		if rec := f.post(t, body, true); rec.Code != http.StatusNoContent {
			t.Fatalf("POST %d status = %d, want %d", i, rec.Code, http.StatusNoContent)
		}
	}
	if got := len(f.store.storedKeys()); got != 1 {
		t.Errorf("stored objects = %d, want 1 (content addressing)", got)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	f := newServerFixture(t, nil)
	body := []byte(`[{"email":"a@example.com","timestamp":1700000000,"event":"delivered"}]`)

	req := httptest.NewRequest(http.MethodPost, "/webhook/sendgrid", bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(sendgrid.TimestampHeader, ts)
	req.Header.Set(sendgrid.SignatureHeader, signBody(f.priv, ts, []byte("other body")))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := len(f.store.storedKeys()); got != 0 {
		t.Errorf("stored objects = %d, want 0", got)
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := f.post(t, []byte(`[]`), false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestWebhookVerifierNotConfigured(t *testing.T) {
	f := newServerFixture(t, func(deps *Deps, webhook *sendgrid.Config) {
		v, err := sendgrid.NewVerifier(sendgrid.Config{}, testLogger())
		if err != nil {
			t.Fatalf("NewVerifier() error = %v", err)
		}
		deps.Verifier = v
	})

	rec := f.post(t, []byte(`[]`), false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(resp["error"], "not configured") {
		t.Errorf("error = %q, want a distinct not-configured message", resp["error"])
	}
}

func TestWebhookMalformedJSON(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := f.post(t, []byte(`{"not":"an array"`), true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookBodyTooLarge(t *testing.T) {
	f := newServerFixture(t, func(deps *Deps, webhook *sendgrid.Config) {
		webhook.MaxBodyBytes = 64
	})

	body := bytes.Repeat([]byte("a"), 128)
	rec := f.post(t, body, true)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestWebhookStorageFailure(t *testing.T) {
	f := newServerFixture(t, nil)
	f.store.putErr = errors.New("store down")

	body := []byte(`[{"email":"a@example.com","timestamp":1700000000,"event":"delivered"}]`)
	rec := f.post(t, body, true)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestWebhookEmptyBatchAccepted(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := f.post(t, []byte(`[]`), true)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := len(f.store.storedKeys()); got != 0 {
		t.Errorf("stored objects = %d, want 0 for an empty batch", got)
	}
}

func TestWebhookDedupDropsRedeliveredEvents(t *testing.T) {
	f := newServerFixture(t, func(deps *Deps, webhook *sendgrid.Config) {
		deps.Dedup = dedup.New(dedup.Config{
			Enabled:  true,
			Window:   time.Minute,
			Capacity: 1000,
			FPRate:   0.0001,
		}, nil, testLogger())
	})

	body := []byte(`[{"email":"a@example.com","timestamp":1700000000,"event":"delivered","sg_event_id":"evt-1"}]`)
	if rec := f.post(t, body, true); rec.Code != http.StatusNoContent {
		t.Fatalf("first POST status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := f.post(t, body, true); rec.Code != http.StatusNoContent {
		t.Fatalf("second POST status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	// The redelivered event is filtered, so the batch encodes to nothing new.
	if got := len(f.store.storedKeys()); got != 1 {
		t.Errorf("stored objects = %d, want 1", got)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	f := newServerFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhook/sendgrid", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Store     string `json:"store"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if resp.Status != "ok" || resp.Store != "ok" {
		t.Errorf("health = %+v, want ok/ok", resp)
	}
	if _, err := time.Parse(time.RFC3339, resp.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", resp.Timestamp, err)
	}
}

func TestHealthDegradedWhenStoreUnreachable(t *testing.T) {
	f := newServerFixture(t, nil)
	f.store.healthErr = errors.New("bucket missing")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var resp struct {
		Status string `json:"status"`
		Store  string `json:"store"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if resp.Status != "degraded" || resp.Store != "unreachable" {
		t.Errorf("health = %+v, want degraded/unreachable", resp)
	}
}
