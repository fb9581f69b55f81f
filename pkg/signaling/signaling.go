// Package signaling implements the bootstrap blob-exchange port of
// spec.md §6: two operations, upload and download, used only to exchange
// reflexive addresses before the hole punch begins.
package signaling

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by Download when no blob has ever been uploaded
// for a key.
var ErrNotFound = errors.New("signaling: key not found")

// ErrStale is returned by Download when the blob's embedded timestamp is
// older than StaleAfter (spec.md §6: "Consumers MUST reject blobs whose
// unix_ts_seconds is older than 20 s").
var ErrStale = errors.New("signaling: blob is stale")

// StaleAfter is the maximum blob age a Download call will accept.
const StaleAfter = 20 * time.Second

// Port is the abstract collaborator spec.md §1 treats as external: publish
// an endpoint, fetch a peer's. Any transport can implement it — in-memory,
// HTTP, cloud storage, DNS TXT records (spec.md §9 design note).
type Port interface {
	Upload(key, value string) error
	Download(key string) (string, error)
}

// FormatPayload builds the "<ip>:<port>:<unix_ts_seconds>" blob body
// spec.md §6 specifies.
func FormatPayload(ip string, port int, now time.Time) string {
	return fmt.Sprintf("%s:%d:%d", ip, port, now.Unix())
}

// ParsePayload splits a blob body into its address and timestamp parts.
func ParsePayload(payload string) (ip string, port int, ts time.Time, err error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return "", 0, time.Time{}, fmt.Errorf("signaling: malformed payload %q", payload)
	}
	port, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("signaling: malformed port in payload %q: %w", payload, err)
	}
	sec, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("signaling: malformed timestamp in payload %q: %w", payload, err)
	}
	return parts[0], port, time.Unix(sec, 0), nil
}

// CheckFresh returns ErrStale if ts is older than StaleAfter relative to
// now.
func CheckFresh(ts, now time.Time) error {
	if now.Sub(ts) > StaleAfter {
		return ErrStale
	}
	return nil
}
