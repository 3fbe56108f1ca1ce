// Package objectstore is a minimal S3-compatible API client. It signs every
// request with SigV4 and speaks exactly the subset of the API the archive
// needs: object PUT/GET/HEAD/DELETE, conditional PUT for CAS, and V2 listing
// with delimiter support. There is no retry loop at this layer; retries are
// the caller's policy.
package objectstore

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const errorBodyLimit = 2048

// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	signer     signer
	endpoint   url.URL
	bucket     string
	pathStyle  bool
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a client for the configured endpoint and bucket. Path-style
// addressing is used for IP and localhost endpoints (or when forced), since
// those cannot carry bucket subdomains; the bucket is addressed as a virtual
// host otherwise.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.ServiceURL)
	if err != nil {
		return nil, fmt.Errorf("parse service URL %q: %w", cfg.ServiceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("service URL %q: unsupported scheme %q", cfg.ServiceURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("service URL %q: missing host", cfg.ServiceURL)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		signer:     signer{accessKey: cfg.AccessKey, secretKey: cfg.SecretKey, region: cfg.Region},
		endpoint:   url.URL{Scheme: u.Scheme, Host: stripDefaultPort(u.Scheme, u.Host)},
		bucket:     cfg.Bucket,
		pathStyle:  cfg.ForcePathStyle || needsPathStyle(u.Hostname()),
		logger:     logger.With("component", "objectstore"),
		now:        time.Now,
	}

	c.logger.Info("object store client created",
		"endpoint", c.endpoint.String(),
		"bucket", c.bucket,
		"region", cfg.Region,
		"path_style", c.pathStyle,
	)
	return c, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// Put uploads body to key, overwriting any existing object.
func (c *Client) Put(ctx context.Context, key string, body []byte) error {
	resp, err := c.do(ctx, http.MethodPut, c.objectURL(key), body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(http.MethodPut, key, resp)
	}
	drain(resp)
	c.logger.Debug("object stored", "key", key, "size_bytes", len(body))
	return nil
}

// PutIf uploads body only when the precondition holds: a non-empty
// expectedETag requires the stored object to carry it (If-Match); an empty
// one requires the key to be absent (If-None-Match: *). A failed
// precondition returns ErrPreconditionFailed.
func (c *Client) PutIf(ctx context.Context, key string, body []byte, expectedETag string) error {
	extra := http.Header{}
	if expectedETag != "" {
		extra.Set("If-Match", expectedETag)
	} else {
		extra.Set("If-None-Match", "*")
	}

	resp, err := c.do(ctx, http.MethodPut, c.objectURL(key), body, extra)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(http.MethodPut, key, resp)
	}
	drain(resp)
	c.logger.Debug("object stored conditionally", "key", key, "size_bytes", len(body))
	return nil
}

// Get fetches key with its ETag. A missing object returns nil bytes, an
// empty ETag, and no error.
func (c *Client) Get(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(key), nil, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", fmt.Errorf("read body of %q: %w", key, err)
		}
		return data, resp.Header.Get("ETag"), nil
	case http.StatusNotFound:
		drain(resp)
		return nil, "", nil
	default:
		return nil, "", c.apiError(http.MethodGet, key, resp)
	}
}

// Head returns the stored ETag for key; ok is false when the key is absent.
func (c *Client) Head(ctx context.Context, key string) (etag string, ok bool, err error) {
	resp, err := c.do(ctx, http.MethodHead, c.objectURL(key), nil, nil)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Header.Get("ETag"), true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, c.apiError(http.MethodHead, key, resp)
	}
}

// Delete removes key. Deletion is idempotent: 200, 204, and 404 all succeed.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(key), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		drain(resp)
		c.logger.Debug("object deleted", "key", key)
		return nil
	default:
		return c.apiError(http.MethodDelete, key, resp)
	}
}

// ListDirect returns the immediate child names below prefix using delimiter
// "/" (the CommonPrefixes of a V2 listing), with the parent prefix and
// trailing slash stripped. All continuation tokens are followed; recursion is
// the caller's responsibility.
func (c *Client) ListDirect(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := c.listPage(ctx, prefix, "/", token)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(cp.Prefix, prefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			return names, nil
		}
		token = page.NextContinuationToken
	}
}

// ListFiles returns every object key under prefix in listing order,
// following all continuation tokens.
func (c *Client) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := c.listPage(ctx, prefix, "", token)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, obj.Key)
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			return keys, nil
		}
		token = page.NextContinuationToken
	}
}

// BucketExists reports whether the configured bucket answers a HEAD request.
func (c *Client) BucketExists(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, c.bucketURL(nil), nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, c.apiError(http.MethodHead, c.bucket, resp)
	}
}

// EnsureBucket creates the bucket when it does not exist yet. A concurrent
// creation by another instance counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.BucketExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Debug("bucket exists", "bucket", c.bucket)
		return nil
	}

	var body []byte
	if r := c.signer.region; r != "" && r != "us-east-1" {
		body = []byte("<CreateBucketConfiguration><LocationConstraint>" + r + "</LocationConstraint></CreateBucketConfiguration>")
	}

	resp, err := c.do(ctx, http.MethodPut, c.bucketURL(nil), body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		drain(resp)
		c.logger.Info("bucket created", "bucket", c.bucket)
		return nil
	default:
		return c.apiError(http.MethodPut, c.bucket, resp)
	}
}

// HealthCheck verifies the bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok, err := c.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store health check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", c.bucket)
	}
	return nil
}

type listBucketResult struct {
	XMLName               xml.Name     `xml:"ListBucketResult"`
	IsTruncated           bool         `xml:"IsTruncated"`
	NextContinuationToken string       `xml:"NextContinuationToken"`
	Contents              []listObject `xml:"Contents"`
	CommonPrefixes        []listPrefix `xml:"CommonPrefixes"`
}

type listObject struct {
	Key  string `xml:"Key"`
	Size int64  `xml:"Size"`
	ETag string `xml:"ETag"`
}

type listPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (c *Client) listPage(ctx context.Context, prefix, delimiter, token string) (*listBucketResult, error) {
	q := url.Values{}
	q.Set("list-type", "2")
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if delimiter != "" {
		q.Set("delimiter", delimiter)
	}
	if token != "" {
		q.Set("continuation-token", token)
	}

	resp, err := c.do(ctx, http.MethodGet, c.bucketURL(q), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(http.MethodGet, prefix, resp)
	}

	var result listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode listing of %q: %w", prefix, err)
	}
	return &result, nil
}

// objectURL maps a key to its addressable URL. RawPath carries the SigV4
// encoding of the path so the wire bytes always match the signed bytes.
func (c *Client) objectURL(key string) *url.URL {
	u := c.endpoint
	var path string
	if c.pathStyle {
		path = "/" + c.bucket + "/" + key
	} else {
		u.Host = c.bucket + "." + u.Host
		path = "/" + key
	}
	u.Path = path
	if escaped := uriEncode(path, false); escaped != path {
		u.RawPath = escaped
	}
	return &u
}

func (c *Client) bucketURL(query url.Values) *url.URL {
	u := c.endpoint
	if c.pathStyle {
		u.Path = "/" + c.bucket
	} else {
		u.Host = c.bucket + "." + u.Host
		u.Path = "/"
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return &u
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, extra http.Header) (*http.Response, error) {
	payloadHash := emptyPayloadHash
	var reader io.Reader
	if len(body) > 0 {
		payloadHash = hexSHA256(body)
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, u, err)
	}
	if method == http.MethodPut {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	for name, values := range extra {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	c.signer.sign(req, payloadHash, c.now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("object store request failed",
			"method", method,
			"url", u.String(),
			"error", err,
		)
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	return resp, nil
}

// apiError consumes resp and converts it into an error, truncating the
// response body before it reaches any log line.
func (c *Client) apiError(method, key string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	if resp.StatusCode == http.StatusPreconditionFailed {
		c.logger.Info("conditional write lost", "method", method, "key", key)
		return fmt.Errorf("%s %q: %w", strings.ToLower(method), key, ErrPreconditionFailed)
	}

	se := &StatusError{
		Method:     method,
		Key:        key,
		StatusCode: resp.StatusCode,
		Code:       parseErrorCode(snippet),
		Body:       string(snippet),
	}
	c.logger.Warn("object store request rejected",
		"method", method,
		"key", key,
		"status", resp.StatusCode,
		"code", se.Code,
	)
	return se
}

func parseErrorCode(body []byte) string {
	var e struct {
		XMLName xml.Name `xml:"Error"`
		Code    string   `xml:"Code"`
	}
	if err := xml.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Code
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
}

func stripDefaultPort(scheme, host string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return h
	}
	return host
}

func needsPathStyle(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	return net.ParseIP(hostname) != nil
}
