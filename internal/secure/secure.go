// Package secure implements the signed-then-encrypted request envelope.
//
// Every payload exchanged with the server is wrapped twice: a JWS (RS256)
// signature over the canonical JSON of the payload, bundled with the payload
// itself, then encrypted as a JWE (RSA-OAEP-256 key wrap, A256CBC-HS512
// content encryption) for the recipient. The envelope is origin
// authenticated and confidential independent of transport TLS.
package secure

import (
	"crypto"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/go-jose/go-jose/v4"
)

// Sentinel results of Unwrap. Failures never escape this boundary as
// anything else: a caller can only observe "the envelope did not decrypt"
// or "the signature did not verify".
var (
	ErrInvalidData      = errors.New("invalid data")
	ErrInvalidSignature = errors.New("invalid signature")
)

// bundle is the cleartext carried inside the JWE.
type bundle struct {
	Data json.RawMessage `json:"data"`
	Sign string          `json:"sign"`
}

// Sign produces a JSON-serialized JWS (RS256) over data.
func Sign(data []byte, priv *rsa.PrivateKey) (string, error) {
	kid, err := thumbprint(&priv.PublicKey)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: priv},
		(&jose.SignerOptions{}).WithHeader("kid", kid),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	obj, err := signer.Sign(data)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}

	return obj.FullSerialize(), nil
}

// Verify checks a JWS against the peer's public key and returns the signed
// payload.
func Verify(token string, pub *rsa.PublicKey) ([]byte, error) {
	obj, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature: %w", err)
	}

	payload, err := obj.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	return payload, nil
}

// Encrypt produces a JSON-serialized JWE for the recipient's public key.
func Encrypt(data []byte, pub *rsa.PublicKey) (string, error) {
	kid, err := thumbprint(pub)
	if err != nil {
		return "", err
	}

	enc, err := jose.NewEncrypter(
		jose.A256CBC_HS512,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: pub, KeyID: kid},
		(&jose.EncrypterOptions{}).WithType("JWE"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter: %w", err)
	}

	obj, err := enc.Encrypt(data)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}

	return obj.FullSerialize(), nil
}

// Decrypt opens a JWE with the local private key.
func Decrypt(token string, priv *rsa.PrivateKey) ([]byte, error) {
	obj, err := jose.ParseEncrypted(token,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A256CBC_HS512},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}

	data, err := obj.Decrypt(priv)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return data, nil
}

// Wrap serializes data to JSON, signs it with the caller's private key and
// encrypts the {data, sign} bundle for the recipient. The result is an
// opaque self-contained token.
func Wrap(data any, signKey *rsa.PrivateKey, encryptKey *rsa.PublicKey) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	sign, err := Sign(raw, signKey)
	if err != nil {
		return "", err
	}

	claims, err := json.Marshal(bundle{Data: raw, Sign: sign})
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle: %w", err)
	}

	return Encrypt(claims, encryptKey)
}

// Unwrap decrypts an envelope with the local private key and verifies the
// embedded signature with the peer's public key. It returns ErrInvalidData
// when decryption fails and ErrInvalidSignature when the inner JWS does not
// verify; neither failure carries the underlying error past this boundary.
func Unwrap(envelope string, decryptKey *rsa.PrivateKey, verifyKey *rsa.PublicKey) (json.RawMessage, error) {
	claims, err := Decrypt(envelope, decryptKey)
	if err != nil {
		log.Printf("[ERROR] Envelope decryption failed (%d bytes, key %d bits): %v",
			len(envelope), decryptKey.N.BitLen(), err)
		return nil, ErrInvalidData
	}

	var b bundle
	if err := json.Unmarshal(claims, &b); err != nil {
		log.Printf("[ERROR] Envelope bundle is not valid JSON: %v", err)
		return nil, ErrInvalidData
	}

	if _, err := Verify(b.Sign, verifyKey); err != nil {
		log.Printf("[ERROR] Envelope signature rejected: %v", err)
		return nil, ErrInvalidSignature
	}

	return b.Data, nil
}

// thumbprint computes the RFC 7638 JWK thumbprint used as the key id in
// protected headers, matching the server's expectations.
func thumbprint(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return fmt.Sprintf("%x", tp), nil
}
