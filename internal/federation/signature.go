package federation

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// signedHeaders is the fixed header set every signature covers, in signing
// order.
var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrBadDigest        = errors.New("digest does not match body")
	ErrStaleDate        = errors.New("request date outside acceptance window")
)

// dateSkew bounds how old or future-dated a signed request may be.
const dateSkew = 12 * time.Hour

// SignRequest signs req in place with the draft HTTP signature scheme:
// SHA-256 digest of the body plus an RSA-SHA256 signature over request
// target, host, date, and digest.
func SignRequest(req *http.Request, keyID, privatePEM string, body []byte) error {
	key, err := parsePrivateKey(privatePEM)
	if err != nil {
		return err
	}

	digest := bodyDigest(body)
	req.Header.Set("Digest", digest)
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	signingString := buildSigningString(req, digest)
	hashed := sha256.Sum256([]byte(signingString))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(
		`keyId=%q,algorithm="rsa-sha256",headers=%q,signature=%q`,
		keyID,
		strings.Join(signedHeaders, " "),
		base64.StdEncoding.EncodeToString(signature),
	))
	return nil
}

// VerifyRequest checks the body digest, the date window, and the signature of
// an inbound request against publicPEM. It returns the keyId so the caller
// can confirm it belongs to the claimed actor.
func VerifyRequest(req *http.Request, body []byte, publicPEM string) (string, error) {
	params, err := parseSignatureHeader(req.Header.Get("Signature"))
	if err != nil {
		return "", err
	}

	if digest := req.Header.Get("Digest"); digest != bodyDigest(body) {
		return "", ErrBadDigest
	}
	if err := checkDate(req.Header.Get("Date")); err != nil {
		return "", err
	}

	key, err := parsePublicKey(publicPEM)
	if err != nil {
		return "", err
	}

	signingString := buildSigningString(req, req.Header.Get("Digest"))
	hashed := sha256.Sum256([]byte(signingString))
	signature, err := base64.StdEncoding.DecodeString(params["signature"])
	if err != nil {
		return "", ErrBadSignature
	}
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], signature); err != nil {
		return "", ErrBadSignature
	}
	return params["keyId"], nil
}

// SignatureKeyID extracts the keyId from the Signature header without
// verifying, so the handler can resolve the signer first.
func SignatureKeyID(req *http.Request) (string, error) {
	params, err := parseSignatureHeader(req.Header.Get("Signature"))
	if err != nil {
		return "", err
	}
	return params["keyId"], nil
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func buildSigningString(req *http.Request, digest string) string {
	var parts []string
	for _, header := range signedHeaders {
		switch header {
		case "(request-target)":
			parts = append(parts, fmt.Sprintf("(request-target): %s %s", strings.ToLower(req.Method), req.URL.RequestURI()))
		case "host":
			host := req.Host
			if host == "" {
				host = req.URL.Host
			}
			parts = append(parts, "host: "+host)
		case "date":
			parts = append(parts, "date: "+req.Header.Get("Date"))
		case "digest":
			parts = append(parts, "digest: "+digest)
		}
	}
	return strings.Join(parts, "\n")
}

func checkDate(value string) error {
	if value == "" {
		return ErrStaleDate
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return ErrStaleDate
	}
	age := time.Since(at)
	if age > dateSkew || age < -dateSkew {
		return ErrStaleDate
	}
	return nil
}

func parseSignatureHeader(value string) (map[string]string, error) {
	if value == "" {
		return nil, ErrMissingSignature
	}
	params := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		key, raw, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		params[key] = strings.Trim(raw, `"`)
	}
	if params["keyId"] == "" || params["signature"] == "" {
		return nil, ErrMissingSignature
	}
	return params, nil
}
