package slotstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ContentTypeJSON is the content type of slot objects in object stores.
const ContentTypeJSON = "application/json"

const (
	objectDir    = "slots"
	objectSuffix = ".json"
)

// MaxObjectBytes bounds how much of a slot object is read.
const MaxObjectBytes = 1 << 20

// ObjectName maps a slot key to its object name under prefix.
func ObjectName(prefix, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("slotstore: empty key")
	}
	return path.Join(strings.Trim(prefix, "/"), objectDir, url.PathEscape(key)+objectSuffix), nil
}

// ObjectPrefix returns the listing prefix for slot objects under prefix.
func ObjectPrefix(prefix string) string {
	return path.Join(strings.Trim(prefix, "/"), objectDir) + "/"
}

// KeyFromObject reverses ObjectName. ok is false for foreign objects.
func KeyFromObject(prefix, name string) (string, bool) {
	rel, found := strings.CutPrefix(name, ObjectPrefix(prefix))
	if !found || strings.Contains(rel, "/") {
		return "", false
	}
	escaped, found := strings.CutSuffix(rel, objectSuffix)
	if !found || escaped == "" {
		return "", false
	}
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return key, true
}

// EncodeRecord serialises rec for object stores.
func EncodeRecord(rec Record) ([]byte, error) {
	if rec == nil {
		rec = Record{}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("slotstore: encode record: %w", err)
	}
	return payload, nil
}

// DecodeRecord parses an object payload. Numbers decode as json.Number so
// epoch-millisecond fields keep full precision.
func DecodeRecord(payload []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("slotstore: decode record: %w", err)
	}
	if rec == nil {
		rec = Record{}
	}
	return rec, nil
}
