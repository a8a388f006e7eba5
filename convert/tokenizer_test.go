package convert

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

func TestCopyTokenizerFiles(t *testing.T) {
	src := fstest.MapFS{
		VocabFile:               {Data: []byte(`{"a": 0, "b": 1, "ab": 2, "abc": 3}`)},
		MergesFile:              {Data: []byte("#version: 0.2\na b\nab c\n\n")},
		"tokenizer_config.json": {Data: []byte(`{"added_tokens_decoder": {"4": {"content": "<|im_start|>"}, "5": {"content": "<|im_end|>"}}}`)},
	}

	dst := t.TempDir()
	tok, warnings, err := CopyTokenizerFiles(src, dst, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("Unerwartete Warnungen: %v", warnings)
	}
	if tok.Tokens != 4 || tok.Merges != 2 || tok.AddedTokens != 2 {
		t.Errorf("Got %+v, want 4 tokens, 2 merges, 2 added", tok)
	}

	for _, name := range []string{VocabFile, MergesFile} {
		got, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(src[name].Data) {
			t.Errorf("%s wurde nicht unveraendert kopiert", name)
		}
	}
}

func TestCopyTokenizerFilesMissing(t *testing.T) {
	tok, warnings, err := CopyTokenizerFiles(fstest.MapFS{}, t.TempDir(), 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(tok.Files) != 0 || tok.Tokens != 0 {
		t.Errorf("Got %+v, want leeren Tokenizer", tok)
	}
	if len(warnings) != 2 {
		t.Fatalf("Got %d Warnungen, want 2", len(warnings))
	}
	for _, w := range warnings {
		if !errors.Is(w, ErrMissingAuxiliaryFile) {
			t.Errorf("Got %v, want ErrMissingAuxiliaryFile", w)
		}
	}
}

func TestCopyTokenizerFilesInvalid(t *testing.T) {
	cases := []struct {
		name string
		src  fstest.MapFS
		file string
	}{
		{"broken vocab", fstest.MapFS{VocabFile: {Data: []byte("[")}, MergesFile: {Data: []byte("a b\n")}}, VocabFile},
		{"bad merge", fstest.MapFS{VocabFile: {Data: []byte(`{"a": 0}`)}, MergesFile: {Data: []byte("#version: 0.2\na b c\n")}}, MergesFile},
		{"broken tokenizer config", fstest.MapFS{VocabFile: {Data: []byte(`{"a": 0}`)}, MergesFile: {Data: []byte("a b\n")}, TokenizerConfigFile: {Data: []byte("{")}}, TokenizerConfigFile},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			dst := t.TempDir()
			tok, warnings, err := CopyTokenizerFiles(tt.src, dst, 8)
			if err != nil {
				t.Fatalf("Unlesbare Tokenizer-Datei darf den Export nicht abbrechen: %v", err)
			}
			if len(warnings) != 1 || !errors.Is(warnings[0], ErrMissingAuxiliaryFile) {
				t.Fatalf("Got %v, want eine ErrMissingAuxiliaryFile Warnung", warnings)
			}
			if !strings.Contains(warnings[0].Error(), tt.file) {
				t.Errorf("Warnung %q nennt %s nicht", warnings[0], tt.file)
			}

			// beide Dateien werden trotzdem kopiert
			if len(tok.Files) != 2 {
				t.Errorf("Got Files %v, want vocab.json und merges.txt", tok.Files)
			}
			for _, name := range tok.Files {
				if _, err := os.Stat(filepath.Join(dst, name)); err != nil {
					t.Error(err)
				}
			}
		})
	}
}

func TestCopyTokenizerFilesByteOrderMark(t *testing.T) {
	bom := "\xef\xbb\xbf"
	src := fstest.MapFS{
		VocabFile:           {Data: []byte(bom + `{"a": 0, "b": 1}`)},
		MergesFile:          {Data: []byte(bom + "a b\n")},
		TokenizerConfigFile: {Data: []byte(bom + `{"added_tokens_decoder": {"2": {}}}`)},
	}

	tok, warnings, err := CopyTokenizerFiles(src, t.TempDir(), 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("Unerwartete Warnungen: %v", warnings)
	}
	if tok.Tokens != 2 || tok.Merges != 1 || tok.AddedTokens != 1 {
		t.Errorf("Got %+v, want 2 tokens, 1 merge, 1 added", tok)
	}
}
