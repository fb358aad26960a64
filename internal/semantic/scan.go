// Package semantic rejects domain vocabulary smuggled into otherwise opaque
// JSON. The control layer stores payloads, states, and decision contexts
// without interpreting them; the one semantic rule it enforces is that none
// of them may carry UI, workflow, or content keys at any depth.
package semantic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// forbiddenKeys is the closed set of rejected key names. Matching is exact
// and case-sensitive; the set never grows at runtime.
var forbiddenKeys = map[string]struct{}{
	"ui":               {},
	"screen":           {},
	"view":             {},
	"page":             {},
	"route":            {},
	"url":              {},
	"link":             {},
	"button":           {},
	"cta":              {},
	"workflow":         {},
	"task":             {},
	"job":              {},
	"assignment":       {},
	"assignee":         {},
	"owner":            {},
	"status":           {},
	"step":             {},
	"stage":            {},
	"completion":       {},
	"progress_percent": {},
	"course":           {},
	"lesson":           {},
	"module":           {},
	"quiz":             {},
	"score":            {},
	"grade":            {},
	"content_id":       {},
	"content_url":      {},
}

// Forbidden reports whether key is in the closed set.
func Forbidden(key string) bool {
	_, ok := forbiddenKeys[key]
	return ok
}

// Hit identifies the first forbidden key found and its dot-notation path
// rooted at the caller's base (e.g. "payload.x.y.workflow").
type Hit struct {
	Key  string
	Path string
}

// Scan walks raw JSON in document order (pre-order, object keys in the order
// they appear in the bytes) and returns the first forbidden key encountered,
// or nil. Arrays are traversed by index and contribute "[i]" path segments.
// Scalar top-level values yield nil.
//
// Scanning bytes rather than decoded maps is what makes "first match"
// deterministic: Go map iteration order would not be.
func Scan(raw []byte, basePath string) (*Hit, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	hit, err := scanValue(dec, basePath)
	if err != nil {
		return nil, fmt.Errorf("semantic: scan %s: %w", basePath, err)
	}
	return hit, nil
}

func scanValue(dec *json.Decoder, path string) (*Hit, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil, nil // scalar or null
	}

	switch delim {
	case '{':
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			childPath := path + "." + key
			if path == "" {
				childPath = key
			}
			if Forbidden(key) {
				return &Hit{Key: key, Path: childPath}, nil
			}
			if hit, err := scanValue(dec, childPath); hit != nil || err != nil {
				return hit, err
			}
		}
	case '[':
		for i := 0; dec.More(); i++ {
			childPath := path + "[" + strconv.Itoa(i) + "]"
			if hit, err := scanValue(dec, childPath); hit != nil || err != nil {
				return hit, err
			}
		}
	}

	// Consume the closing delimiter.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return nil, nil
}
