package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims wraps the blob payload in a standard JWT claim set so an
// HTTPStore client can prove it (and not a third party sharing the same
// store) authored a given upload (SPEC_FULL.md §5).
type tokenClaims struct {
	Payload string `json:"payload"`
	jwt.RegisteredClaims
}

type blobEnvelope struct {
	Token string `json:"token"`
}

// HTTPStore is the HTTP+JWT-signed Port implementation. upload PUTs a
// signed envelope to a small blob server; download GETs it back and
// verifies the signature before trusting the payload.
type HTTPStore struct {
	baseURL string
	secret  []byte
	client  *http.Client
	now     func() time.Time
}

// NewHTTPStore builds a client against a blob server at baseURL, signing
// with the given shared HMAC secret.
func NewHTTPStore(baseURL, hmacSecret string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		secret:  []byte(hmacSecret),
		client:  &http.Client{Timeout: 5 * time.Second},
		now:     time.Now,
	}
}

// Upload signs value into a JWT and PUTs it to /blobs/{key}.
func (h *HTTPStore) Upload(key, value string) error {
	claims := tokenClaims{
		Payload: value,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(h.now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(h.secret)
	if err != nil {
		return fmt.Errorf("signaling: sign upload: %w", err)
	}

	body, err := json.Marshal(blobEnvelope{Token: signed})
	if err != nil {
		return fmt.Errorf("signaling: marshal envelope: %w", err)
	}

	req, err := http.NewRequest(http.MethodPut, h.baseURL+"/blobs/"+key, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("signaling: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("signaling: upload request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("signaling: upload returned status %d", resp.StatusCode)
	}
	return nil
}

// Download GETs /blobs/{key} and verifies the JWT signature before
// trusting the payload. An invalid signature is treated the same as a
// stale/absent blob (SPEC_FULL.md §10): the caller's retry budget is
// unaffected, it simply tries again.
func (h *HTTPStore) Download(key string) (string, error) {
	resp, err := h.client.Get(h.baseURL + "/blobs/" + key)
	if err != nil {
		return "", fmt.Errorf("signaling: download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signaling: download returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("signaling: read download body: %w", err)
	}

	var env blobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("signaling: unmarshal envelope: %w", err)
	}

	claims := &tokenClaims{}
	_, err = jwt.ParseWithClaims(env.Token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("signaling: unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("signaling: invalid blob signature: %w", err)
	}

	_, _, ts, err := ParsePayload(claims.Payload)
	if err != nil {
		return "", err
	}
	if err := CheckFresh(ts, h.now()); err != nil {
		return "", err
	}
	return claims.Payload, nil
}
