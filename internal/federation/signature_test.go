package federation

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
	"time"
)

func signedRequest(t *testing.T, keyID, privatePEM string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://remote.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := SignRequest(req, keyID, privatePEM, body); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	return req
}

func TestSignVerifyRoundTrip(t *testing.T) {
	publicPEM, privatePEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, "http://local.example/user/alice#main-key", privatePEM, body)

	keyID, err := VerifyRequest(req, body, publicPEM)
	if err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	if keyID != "http://local.example/user/alice#main-key" {
		t.Fatalf("keyID = %q", keyID)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	publicPEM, privatePEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, "key", privatePEM, body)

	if _, err := VerifyRequest(req, []byte(`{"type":"Accept"}`), publicPEM); !errors.Is(err, ErrBadDigest) {
		t.Fatalf("want ErrBadDigest, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, privatePEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	otherPublic, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	body := []byte("payload")
	req := signedRequest(t, "key", privatePEM, body)

	if _, err := VerifyRequest(req, body, otherPublic); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
}

func TestVerifyRejectsStaleDate(t *testing.T) {
	publicPEM, privatePEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	body := []byte("payload")
	req, err := http.NewRequest(http.MethodPost, "http://remote.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Date", time.Now().Add(-dateSkew-time.Hour).UTC().Format(http.TimeFormat))
	if err := SignRequest(req, "key", privatePEM, body); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	if _, err := VerifyRequest(req, body, publicPEM); !errors.Is(err, ErrStaleDate) {
		t.Fatalf("want ErrStaleDate, got %v", err)
	}
}

func TestVerifyRequiresSignature(t *testing.T) {
	publicPEM, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, "http://remote.example/inbox", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := VerifyRequest(req, nil, publicPEM); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("want ErrMissingSignature, got %v", err)
	}
}
