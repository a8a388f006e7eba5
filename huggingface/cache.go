// cache.go - Cache-Layout fuer HuggingFace Modelle
// Kompatibel mit der huggingface_hub Struktur models--org--name/snapshots/<rev>.
package huggingface

import (
	"path/filepath"
	"strings"
)

const (
	CacheSnapshotDir = "snapshots"
	CacheModelPrefix = "models--"
)

// SnapshotDir gibt das lokale Verzeichnis einer Revision zurueck.
func (c *Client) SnapshotDir(modelID, revision string) string {
	return filepath.Join(c.cacheDir, modelIDToCacheDir(modelID), CacheSnapshotDir, revision)
}

func modelIDToCacheDir(modelID string) string {
	return CacheModelPrefix + strings.ReplaceAll(modelID, "/", "--")
}
