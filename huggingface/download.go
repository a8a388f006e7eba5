// download.go - Snapshot-Download der fuer den Export benoetigten Dateien
// Bereits vorhandene Dateien werden wiederverwendet, Shards parallel geladen.
package huggingface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/asrexport/format"
)

// Download-Konstanten
const (
	MaxDownloadRetries = 3
	DownloadRetryDelay = 2 * time.Second
	DefaultRevision    = "main"
)

// Dateien eines Modell-Snapshots
const (
	configFile      = "config.json"
	indexFile       = "model.safetensors.index.json"
	singleFile      = "model.safetensors"
	vocabFile       = "vocab.json"
	mergesFile      = "merges.txt"
	tokenizerConfig = "tokenizer_config.json"
)

// optionalFiles fehlen in manchen Repositories, ihr Fehlen ist kein Fehler.
var optionalFiles = []string{vocabFile, mergesFile, tokenizerConfig}

// Snapshot laedt config.json, die Gewichte (Index plus Shards oder eine
// einzelne model.safetensors) und die Tokenizer-Dateien von modelID in den
// Cache und gibt das Snapshot-Verzeichnis zurueck.
func (c *Client) Snapshot(ctx context.Context, modelID, revision string) (string, error) {
	if err := validateModelID(modelID); err != nil {
		return "", err
	}
	if revision == "" {
		revision = DefaultRevision
	}

	dir := c.SnapshotDir(modelID, revision)
	start := time.Now()
	if err := c.fetch(ctx, modelID, revision, dir, configFile); err != nil {
		return "", err
	}

	shards, err := c.weightFiles(ctx, modelID, revision, dir)
	if err != nil {
		return "", err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.parallel, 1))
	for _, name := range shards {
		g.Go(func() error {
			return c.fetch(ctx, modelID, revision, dir, name)
		})
	}
	for _, name := range optionalFiles {
		g.Go(func() error {
			err := c.fetch(ctx, modelID, revision, dir, name)
			if errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrOffline) {
				slog.Debug("optional file not available", "model", modelID, "file", name)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	slog.Info("snapshot ready", "model", modelID, "revision", revision, "dir", dir, "shards", len(shards), "elapsed", time.Since(start).Round(time.Millisecond))
	return dir, nil
}

// weightFiles laedt den Index (falls vorhanden) und gibt die Shard-Dateien sortiert zurueck.
func (c *Client) weightFiles(ctx context.Context, modelID, revision, dir string) ([]string, error) {
	err := c.fetch(ctx, modelID, revision, dir, indexFile)
	switch {
	case errors.Is(err, ErrModelNotFound), errors.Is(err, ErrOffline):
		return []string{singleFile}, nil
	case err != nil:
		return nil, err
	}

	bts, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, err
	}

	var idx struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err := json.Unmarshal(bts, &idx); err != nil {
		return nil, fmt.Errorf("%s: %w", indexFile, err)
	}

	var shards []string
	for _, shard := range idx.WeightMap {
		if filepath.Base(shard) != shard {
			return nil, fmt.Errorf("%s: invalid shard name %q", indexFile, shard)
		}
		if !slices.Contains(shards, shard) {
			shards = append(shards, shard)
		}
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%s: empty weight_map", indexFile)
	}
	slices.Sort(shards)
	return shards, nil
}

func (c *Client) cached(dir, name string) bool {
	fi, err := os.Stat(filepath.Join(dir, name))
	return err == nil && fi.Mode().IsRegular()
}

// fetch stellt dir/name sicher. Vorhandene Dateien werden nicht erneut geladen.
func (c *Client) fetch(ctx context.Context, modelID, revision, dir, name string) error {
	if c.cached(dir, name) {
		slog.Debug("using cached file", "file", name)
		return nil
	}
	if c.offline {
		return fmt.Errorf("%w: %s/%s", ErrOffline, modelID, name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, modelID, revision, name)
	var lastErr error
	for attempt := range MaxDownloadRetries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(DownloadRetryDelay):
			}
		}

		err := c.download(ctx, url, filepath.Join(dir, name))
		if err == nil {
			return nil
		}
		// Nur Transportfehler und Rate-Limits sind wiederholbar
		if errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		slog.Warn("download failed, retrying", "file", name, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("download of %s failed after %d attempts: %w", name, MaxDownloadRetries, lastErr)
}

// download schreibt url atomar nach target.
func (c *Client) download(ctx context.Context, url, target string) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	slog.Info("downloaded", "file", filepath.Base(target), "size", format.HumanBytes(n))
	return os.Rename(tmp.Name(), target)
}
