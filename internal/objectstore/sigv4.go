package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// AWS Signature Version 4 for the S3 service. The canonical request is
//
//	METHOD \n PATH \n QUERY \n HEADERS \n SIGNED_HEADERS \n PAYLOAD_SHA256
//
// with RFC3986 re-encoding (unreserved set unescaped, uppercase hex) and
// byte-wise (key, value) ordering of query parameters. The Host header is
// always part of the signing set even though Go's transport emits it itself.

const (
	signAlgorithm = "AWS4-HMAC-SHA256"
	signService   = "s3"

	amzDateFormat   = "20060102T150405Z"
	shortDateFormat = "20060102"

	// hex SHA-256 of the empty string, used for bodyless requests
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

type signer struct {
	accessKey string
	secretKey string
	region    string
}

// sign sets x-amz-date, x-amz-content-sha256, and Authorization on req.
// payloadHash is the hex SHA-256 of the request body.
func (s signer) sign(req *http.Request, payloadHash string, now time.Time) {
	now = now.UTC()
	amzDate := now.Format(amzDateFormat)
	shortDate := now.Format(shortDateFormat)

	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("x-amz-content-sha256", payloadHash)

	canonical, signedHeaders := canonicalRequest(req, payloadHash)
	scope := shortDate + "/" + s.region + "/" + signService + "/aws4_request"

	stringToSign := strings.Join([]string{
		signAlgorithm,
		amzDate,
		scope,
		hexSHA256([]byte(canonical)),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(s.signingKey(shortDate), []byte(stringToSign)))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signAlgorithm, s.accessKey, scope, signedHeaders, signature,
	))
}

// signingKey derives the per-day key: HMAC chain over date, region, service,
// and the "aws4_request" terminator.
func (s signer) signingKey(shortDate string) []byte {
	k := hmacSHA256([]byte("AWS4"+s.secretKey), []byte(shortDate))
	k = hmacSHA256(k, []byte(s.region))
	k = hmacSHA256(k, []byte(signService))
	return hmacSHA256(k, []byte("aws4_request"))
}

func canonicalRequest(req *http.Request, payloadHash string) (canonical, signedHeaders string) {
	headers := map[string]string{
		"host": hostValue(req),
	}
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" {
			continue
		}
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		headers[lower] = strings.Join(trimmed, ",")
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	signedHeaders = strings.Join(names, ";")

	var headerBlock strings.Builder
	for _, name := range names {
		headerBlock.WriteString(name)
		headerBlock.WriteByte(':')
		headerBlock.WriteString(headers[name])
		headerBlock.WriteByte('\n')
	}

	canonical = strings.Join([]string{
		req.Method,
		canonicalURI(req.URL.Path),
		canonicalQuery(req.URL.RawQuery),
		headerBlock.String(),
		signedHeaders,
		payloadHash,
	}, "\n")
	return canonical, signedHeaders
}

func hostValue(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

// canonicalURI re-encodes the decoded request path, keeping slashes.
// The client builds RawPath with the same encoder, so the wire path and the
// signed path always agree.
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	return uriEncode(path, false)
}

// canonicalQuery splits the raw query on '&', decodes each key and value
// (%XX case-insensitive, '+' as space), re-encodes both, and sorts the pairs
// byte-wise by (encoded key, encoded value).
func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	type pair struct{ k, v string }
	var pairs []pair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		var k, v string
		if i := strings.IndexByte(part, '='); i >= 0 {
			k, v = part[:i], part[i+1:]
		} else {
			k = part
		}
		pairs = append(pairs, pair{
			k: uriEncode(percentDecode(k), true),
			v: uriEncode(percentDecode(v), true),
		})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}
	return b.String()
}

// uriEncode percent-encodes everything outside the RFC3986 unreserved set
// with uppercase hex. Slashes survive in paths but not in query components.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// percentDecode undoes percent-encoding leniently: malformed escapes pass
// through as literal bytes, and '+' decodes to space.
func percentDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHexDigit(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
