// Package zarr implements the Zarr v2 store model served by the data
// portal: array metadata, consolidated metadata documents, numcodecs
// compatible compressors and filters, chunk grid arithmetic and the
// reversible cache tokens which name materialized datasets.
package zarr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// tokenPayload is the JSON document a cache token encodes.
type tokenPayload struct {
	Path string `json:"path"`
}

// EncodeToken derives the cache token of a dataset path. Tokens are
// reversible, so no registry maps tokens back to paths.
func EncodeToken(path string) string {
	var raw, _ = json.Marshal(tokenPayload{Path: path})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeToken recovers the dataset path from a cache token. Both
// padded and unpadded tokens are accepted.
func DecodeToken(token string) (string, error) {
	var raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return "", fmt.Errorf("invalid cache token: %w", err)
	}
	var payload tokenPayload
	if err = json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("invalid cache token payload: %w", err)
	}
	if payload.Path == "" {
		return "", fmt.Errorf("cache token names no path")
	}
	return payload.Path, nil
}
