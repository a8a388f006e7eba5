// tokenizer.go - Uebernahme der BPE-Tokenizer-Dateien (vocab.json, merges.txt)
// Enthaelt: Tokenizer, CopyTokenizerFiles, readFile, parseVocabulary, parseMerges, parseAddedTokens

package convert

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Tokenizer-Dateien, die unveraendert ins Ausgabeverzeichnis kopiert werden
const (
	VocabFile  = "vocab.json"
	MergesFile = "merges.txt"

	TokenizerConfigFile = "tokenizer_config.json"
)

// Tokenizer fasst die kopierten Tokenizer-Dateien zusammen
type Tokenizer struct {
	Files       []string `json:"files"`
	Tokens      int      `json:"tokens"`
	Merges      int      `json:"merges"`
	AddedTokens int      `json:"added_tokens"`
}

// CopyTokenizerFiles kopiert vocab.json und merges.txt von src nach dst.
// Fehlende oder unlesbare Dateien sind kein Fehler: sie werden als Warnung
// geloggt und als ErrMissingAuxiliaryFile in warnings zurueckgegeben. Die
// Zaehler einer unlesbaren Datei bleiben 0, die Kopie bleibt erhalten.
func CopyTokenizerFiles(src fs.FS, dst string, vocabSize int) (*Tokenizer, []error, error) {
	t := &Tokenizer{}
	var warnings []error

	for _, name := range []string{VocabFile, MergesFile} {
		n, err := copyFile(src, name, filepath.Join(dst, name))
		if errors.Is(err, fs.ErrNotExist) {
			warn := fmt.Errorf("%w: %s", ErrMissingAuxiliaryFile, name)
			slog.Warn("tokenizer file missing, skipping", "file", name)
			warnings = append(warnings, warn)
			continue
		} else if err != nil {
			return nil, nil, err
		}

		t.Files = append(t.Files, name)
		slog.Debug("tokenizer file copied", "file", name, "bytes", n)
	}

	for _, count := range []struct {
		name  string
		dst   *int
		parse func(fs.FS) (int, error)
	}{
		{VocabFile, &t.Tokens, parseVocabulary},
		{MergesFile, &t.Merges, parseMerges},
		{TokenizerConfigFile, &t.AddedTokens, parseAddedTokens},
	} {
		n, err := count.parse(src)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			slog.Warn("tokenizer file unreadable, counts skipped", "file", count.name, "error", err)
			warnings = append(warnings, fmt.Errorf("%w: %w", ErrMissingAuxiliaryFile, err))
		default:
			*count.dst = n
		}
	}

	switch total := t.Tokens + t.AddedTokens; {
	case t.Tokens == 0:
	case total > vocabSize:
		slog.Warn("tokenizer is larger than the embedding matrix", "tokens", total, "vocab_size", vocabSize)
	default:
		slog.Debug("vocabulary", "tokens", t.Tokens, "added", t.AddedTokens, "vocab_size", vocabSize)
	}

	return t, warnings, nil
}

func copyFile(src fs.FS, name, dst string) (int64, error) {
	in, err := src.Open(name)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	return n, out.Close()
}

// readFile liest name aus fsys als UTF-8. Ein fuehrendes BOM wird entfernt,
// UTF-16 mit BOM wird nach UTF-8 umgewandelt.
func readFile(fsys fs.FS, name string) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
}

// parseVocabulary zaehlt die Eintraege von vocab.json (token -> id)
func parseVocabulary(fsys fs.FS) (int, error) {
	bts, err := readFile(fsys, VocabFile)
	if err != nil {
		return 0, err
	}

	var vocab map[string]int
	if err := json.Unmarshal(bts, &vocab); err != nil {
		return 0, fmt.Errorf("%s: %w", VocabFile, err)
	}
	return len(vocab), nil
}

// parseMerges zaehlt die Merge-Regeln. Die Versionszeile (#version) zaehlt nicht.
func parseMerges(fsys fs.FS) (int, error) {
	f, err := fsys.Open(MergesFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int
	s := bufio.NewScanner(transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(strings.Fields(line)) != 2 {
			return 0, fmt.Errorf("%s: invalid merge rule %q", MergesFile, line)
		}
		n++
	}
	return n, s.Err()
}

// parseAddedTokens zaehlt added_tokens_decoder aus tokenizer_config.json
func parseAddedTokens(fsys fs.FS) (int, error) {
	bts, err := readFile(fsys, TokenizerConfigFile)
	if err != nil {
		return 0, err
	}

	var p struct {
		AddedTokensDecoder map[string]json.RawMessage `json:"added_tokens_decoder"`
	}
	if err := json.Unmarshal(bts, &p); err != nil {
		return 0, fmt.Errorf("%s: %w", TokenizerConfigFile, err)
	}
	return len(p.AddedTokensDecoder), nil
}
