package transport

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// mTLS bootstrap. These endpoints work before any signing keys exist: the
// agent requests a short-lived token, downloads a password-protected tar
// holding a PKCS#12 bundle, and converts it to the PEM pair attached to
// later connections.
const (
	mtlsTokenPath       = "/manager/v1/public/mtls/computer-tokens"
	mtlsCertificatePath = "/manager/v1/public/mtls/computer-certificates"

	mtlsDefaultValidityDays = 365

	mtlsKeyPerm  = 0o600
	mtlsCertPerm = 0o644
	mtlsDirPerm  = 0o755
)

// CertFiles names the persisted mTLS material inside a per-server
// certificate directory.
type CertFiles struct {
	Cert string
	Key  string
	CA   string
}

// CertFilesIn returns the standard file names under dir.
func CertFilesIn(dir string) CertFiles {
	return CertFiles{
		Cert: filepath.Join(dir, "client.pem"),
		Key:  filepath.Join(dir, "client.key"),
		CA:   filepath.Join(dir, "ca.pem"),
	}
}

// HasCertificate reports whether both halves of the client identity exist.
func (f CertFiles) HasCertificate() bool {
	if _, err := os.Stat(f.Cert); err != nil {
		return false
	}
	if _, err := os.Stat(f.Key); err != nil {
		return false
	}
	return true
}

// FetchServerCA connects to the server with verification disabled — no
// trust anchor exists yet — and returns the peer certificate chain as PEM.
func FetchServerCA(ctx context.Context, server string) ([]byte, error) {
	addr := server
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}

	dialer := &tls.Dialer{
		Config: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // bootstrap: nothing to verify against yet
			MinVersion:         tls.VersionTLS12,
		},
		NetDialer: &net.Dialer{Timeout: defaultTimeout},
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("[WARN] Error closing TLS probe connection: %v", err)
		}
	}()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, &Error{Kind: KindIO, Info: "TLS probe returned a non-TLS connection"}
	}

	var buf bytes.Buffer
	for _, cert := range tlsConn.ConnectionState().PeerCertificates {
		if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
			return nil, &Error{Kind: KindIO, Info: err.Error()}
		}
	}
	if buf.Len() == 0 {
		return nil, &Error{Kind: KindIO, Info: "server presented no certificates"}
	}

	return buf.Bytes(), nil
}

// RequestMTLSToken asks the server for a certificate-issuance token.
func (c *Client) RequestMTLSToken(ctx context.Context, uuid, project string) (string, error) {
	payload := map[string]string{
		"uuid":          uuid,
		"project_name":  project,
		"validity_days": fmt.Sprintf("%d", mtlsDefaultValidityDays),
	}

	data, err := c.SimpleRequest(ctx, mtlsTokenPath, payload, ModeJSON, defaultTimeout)
	if err != nil {
		return "", err
	}

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &Error{Kind: KindIO, Info: fmt.Sprintf("malformed token response: %v", err)}
	}
	if resp.Data.Token == "" {
		return "", &Error{Kind: KindIO, Info: "no token in server response"}
	}

	return resp.Data.Token, nil
}

// DownloadMTLSBundle fetches the certificate tar, protected with a
// password generated here, and returns both.
func (c *Client) DownloadMTLSBundle(ctx context.Context, token string) (bundle []byte, password string, err error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", &Error{Kind: KindIO, Info: err.Error()}
	}
	password = base64.RawURLEncoding.EncodeToString(raw)

	bundle, err = c.Download(ctx, mtlsCertificatePath, map[string]string{
		"token":    token,
		"email":    "",
		"password": password,
	})
	if err != nil {
		return nil, "", err
	}

	return bundle, password, nil
}

// ImportMTLSBundle extracts the .p12 member of the tar bundle, converts it
// to PEM and persists the pair into dir. The key file is written 0600.
func ImportMTLSBundle(bundle []byte, password, dir string) (CertFiles, error) {
	files := CertFilesIn(dir)

	p12, err := p12FromTar(bundle)
	if err != nil {
		return files, err
	}

	key, cert, err := pkcs12.Decode(p12, password)
	if err != nil {
		return files, fmt.Errorf("failed to decode PKCS#12 bundle: %w", err)
	}
	if cert == nil {
		return files, fmt.Errorf("no certificate in PKCS#12 bundle")
	}

	keyPEM, err := marshalPrivateKey(key)
	if err != nil {
		return files, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	if err := os.MkdirAll(dir, mtlsDirPerm); err != nil {
		return files, fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := os.WriteFile(files.Cert, certPEM, mtlsCertPerm); err != nil {
		return files, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(files.Key, keyPEM, mtlsKeyPerm); err != nil {
		return files, fmt.Errorf("failed to write private key: %w", err)
	}

	log.Printf("[INFO] mTLS certificate imported: %s", files.Cert)
	return files, nil
}

func p12FromTar(bundle []byte) ([]byte, error) {
	reader := tar.NewReader(bytes.NewReader(bundle))
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("no .p12 file in certificate bundle")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate bundle: %w", err)
		}
		if !strings.HasSuffix(hdr.Name, ".p12") {
			continue
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
		return data, nil
	}
}

func marshalPrivateKey(key any) ([]byte, error) {
	if rsaKey, ok := key.(*rsa.PrivateKey); ok {
		return pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
		}), nil
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// FetchAndInstallCertificate runs the whole bootstrap: token, bundle
// download, PEM extraction.
func (c *Client) FetchAndInstallCertificate(ctx context.Context, uuid, project, dir string) (CertFiles, error) {
	token, err := c.RequestMTLSToken(ctx, uuid, project)
	if err != nil {
		return CertFilesIn(dir), err
	}

	start := time.Now()
	bundle, password, err := c.DownloadMTLSBundle(ctx, token)
	if err != nil {
		return CertFilesIn(dir), err
	}
	log.Printf("[INFO] Certificate bundle downloaded in %v (%d bytes)", time.Since(start), len(bundle))

	return ImportMTLSBundle(bundle, password, dir)
}
