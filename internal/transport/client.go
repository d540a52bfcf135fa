// Package transport implements the HTTP client used to talk to the
// migasfree server: a "safe" mode that moves every payload inside the
// secure envelope, and a "simple" mode for the bootstrap endpoints that
// must work before any keys exist.
package transport

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/migasfree/migasfree-client/internal/secure"
)

const (
	// Default request timeout; downloads use the extended one.
	defaultTimeout  = 60 * time.Second
	downloadTimeout = 120 * time.Second

	// Retry configuration, matching the agent-wide policy.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second

	// Leading bytes used to sniff a file's MIME type on upload.
	sniffLen = 512
)

// BodyMode selects the plain request encoding.
type BodyMode int

const (
	ModeJSON BodyMode = iota
	ModeForm
)

// Keys holds the envelope keypair: the agent's private signing key and the
// server's public key.
type Keys struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// Config is the immutable client configuration.
type Config struct {
	URLBase string // scheme://host
	Project string
	Proxy   string
	Debug   bool

	// mTLS material, all optional. CAFile alone enables server pinning;
	// CertFile+KeyFile add the client identity.
	CAFile   string
	CertFile string
	KeyFile  string

	// InsecureSkipVerify disables peer verification. Only the CA
	// bootstrap fetch sets it: no trust anchor exists yet.
	InsecureSkipVerify bool
}

// Client is the migasfree HTTP client.
type Client struct {
	httpClient *http.Client
	cfg        Config
	keys       *Keys
}

// New builds a client. keys may be nil until registration completes; safe
// requests fail until SetKeys is called.
func New(cfg Config, keys *Keys) (*Client, error) {
	transport := &http.Transport{}

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", cfg.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		log.Printf("[INFO] Proxy selected: %s", cfg.Proxy)
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport.TLSClientConfig = tlsConfig

	return &Client{
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: transport,
		},
		cfg:  cfg,
		keys: keys,
	}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // bootstrap only
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA bundle %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		log.Printf("[INFO] Client certificate attached: %s", cfg.CertFile)
	}

	return tlsConfig, nil
}

// SetKeys installs the envelope keypair once registration has produced it.
func (c *Client) SetKeys(keys *Keys) {
	c.keys = keys
}

// HasKeys reports whether safe requests are possible.
func (c *Client) HasKeys() bool {
	return c.keys != nil && c.keys.Private != nil && c.keys.Public != nil
}

// endpoint joins the API path to the base URL. Server routing requires the
// trailing slash; keep whatever the caller passed.
func (c *Client) endpoint(path string) string {
	return c.cfg.URLBase + path
}

// safeEnvelope is the wire shape of an enveloped request.
type safeEnvelope struct {
	Msg     string `json:"msg"`
	Project string `json:"project,omitempty"`
}

// SafeRequest wraps payload in the secure envelope, POSTs it and unwraps
// the enveloped response. Used for every endpoint once signing keys exist.
func (c *Client) SafeRequest(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	if !c.HasKeys() {
		return nil, &Error{Kind: KindIO, Info: "sign keys are not present"}
	}

	msg, err := secure.Wrap(payload, c.keys.Private, c.keys.Public)
	if err != nil {
		return nil, &Error{Kind: KindIO, Info: err.Error()}
	}

	body, err := json.Marshal(safeEnvelope{Msg: msg, Project: c.cfg.Project})
	if err != nil {
		return nil, &Error{Kind: KindIO, Info: err.Error()}
	}

	respBody, err := c.post(ctx, path, "application/json", body, defaultTimeout)
	if err != nil {
		return nil, err
	}

	var resp safeEnvelope
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &Error{Kind: KindIO, Info: fmt.Sprintf("malformed response envelope: %v", err)}
	}

	data, err := secure.Unwrap(resp.Msg, c.keys.Private, c.keys.Public)
	if err != nil {
		return nil, &Error{Kind: KindIO, Info: err.Error()}
	}

	if c.cfg.Debug {
		log.Printf("[DEBUG] Safe response from %s: %s", path, truncate(string(data), 200))
	}

	return data, nil
}

// SimpleRequest POSTs a plain (non-enveloped) body. Bootstrap endpoints
// only: CA fetch, token issuance, key and certificate download.
func (c *Client) SimpleRequest(ctx context.Context, path string, payload map[string]string, mode BodyMode, timeout time.Duration) (json.RawMessage, error) {
	if timeout == 0 {
		timeout = defaultTimeout
	}

	var body []byte
	contentType := "application/json"
	switch mode {
	case ModeForm:
		form := url.Values{}
		for k, v := range payload {
			form.Set(k, v)
		}
		body = []byte(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindIO, Info: err.Error()}
		}
	}

	respBody, err := c.post(ctx, path, contentType, body, timeout)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(respBody), nil
}

// Download POSTs payload and returns the raw response bytes. Uses the
// extended timeout; certificate bundles and repository keys come this way.
func (c *Client) Download(ctx context.Context, path string, payload map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindIO, Info: err.Error()}
	}

	return c.post(ctx, path, "application/json", body, downloadTimeout)
}

// Upload multipart-encodes the given files together with the form fields
// and POSTs them. The MIME type of each file is sniffed from its leading
// bytes.
func (c *Client) Upload(ctx context.Context, path string, fields map[string]string, files map[string]string) (json.RawMessage, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, &Error{Kind: KindIO, Info: err.Error()}
		}
	}

	for field, file := range files {
		if err := addFilePart(writer, field, file); err != nil {
			return nil, &Error{Kind: KindIO, Info: err.Error()}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, &Error{Kind: KindIO, Info: err.Error()}
	}

	respBody, err := c.post(ctx, path, writer.FormDataContentType(), buf.Bytes(), downloadTimeout)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(respBody), nil
}

func addFilePart(writer *multipart.Writer, field, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open upload file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("[WARN] Error closing upload file: %v", err)
		}
	}()

	head := make([]byte, sniffLen)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read upload file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind upload file: %w", err)
	}

	header := make(map[string][]string)
	header["Content-Disposition"] = []string{
		fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(file)),
	}
	header["Content-Type"] = []string{http.DetectContentType(head[:n])}

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create multipart section: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to copy upload file: %w", err)
	}

	return nil
}

// post sends the request with retries and returns the response body, or a
// classified *Error.
func (c *Client) post(ctx context.Context, path string, contentType string, body []byte, timeout time.Duration) ([]byte, error) {
	endpoint := c.endpoint(path)
	if c.cfg.Debug {
		log.Printf("[DEBUG] POST %s (%d bytes)", endpoint, len(body))
	}

	var respBody []byte
	err := retry.Do(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.Printf("[WARN] Error closing response body: %v", err)
			}
		}()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if !acceptedStatus(resp.StatusCode) {
			// a definitive server answer; do not retry
			return retry.Unrecoverable(&Error{
				Kind: KindHTTPStatus,
				Code: resp.StatusCode,
				Info: truncate(string(data), 200),
			})
		}

		respBody = data
		return nil
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff), retry.Context(ctx))
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) {
			return nil, terr
		}
		return nil, classify(err)
	}

	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// ServerError extracts the {"error": {"info", "code"}} shape the server
// uses for in-band failures. ok is false when the payload carries no error.
func ServerError(data json.RawMessage) (code int, info string, ok bool) {
	var probe struct {
		Error *struct {
			Info string `json:"info"`
			Code int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Error == nil {
		return 0, "", false
	}
	return probe.Error.Code, probe.Error.Info, true
}
