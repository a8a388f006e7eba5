package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/asrexport/ml"
)

func tensor(t *testing.T, data []float32, shape ...int) *ml.Tensor {
	t.Helper()
	x, err := ml.NewTensor(data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func writeShard(t *testing.T, dir, name, dtype string, tensors map[string]*ml.Tensor) {
	t.Helper()

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := WriteFileAs(f, dtype, tensors); err != nil {
		t.Fatal(err)
	}
}

func TestFileDTypes(t *testing.T) {
	data := []float32{1, 0.5, -2, 3.25, 0, -0.125}

	for _, dtype := range []string{"F32", "F16", "BF16"} {
		t.Run(dtype, func(t *testing.T) {
			dir := t.TempDir()
			writeShard(t, dir, "model.safetensors", dtype, map[string]*ml.Tensor{
				"w": tensor(t, data, 2, 3),
			})

			f, err := Open(filepath.Join(dir, "model.safetensors"))
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()

			got, err := f.Tensor("w")
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(&ml.Tensor{Shape: []int{2, 3}, Data: data}, got); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", dtype, diff)
			}
		})
	}
}

func TestFileRejectsUnsupportedDType(t *testing.T) {
	header, _ := json.Marshal(map[string]TensorInfo{
		"ids": {DType: "I64", Shape: []int{2}, DataOffsets: [2]int64{0, 16}},
	})

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	buf.Write(make([]byte, 16))

	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := f.Tensor("ids"); !errors.Is(err, ErrUnsupportedDType) {
		t.Errorf("Got %v, want ErrUnsupportedDType", err)
	}
}

func TestOpenInvalidHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.safetensors")
	if err := os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, '{'}, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path); err == nil {
		t.Error("Erwartete Fehler bei ungueltigem Header")
	}
}

func TestStoreSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, SingleFile, "F32", map[string]*ml.Tensor{
		"a.weight": tensor(t, []float32{1, 2}, 2),
		"b.weight": tensor(t, []float32{3}, 1),
	})

	s, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if diff := cmp.Diff([]string{"a.weight", "b.weight"}, s.Names()); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Tensor("c.weight")
	if !errors.Is(err, ErrWeightNotFound) {
		t.Fatalf("Got %v, want ErrWeightNotFound", err)
	}
	if !strings.Contains(err.Error(), "c.weight") {
		t.Errorf("Fehlermeldung muss den Namen enthalten: %v", err)
	}
}

func TestStoreBuildsIndexFromShards(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "model-00002-of-00002.safetensors", "BF16", map[string]*ml.Tensor{
		"lm_head.weight": tensor(t, []float32{0.5, 1}, 1, 2),
	})
	writeShard(t, dir, "model-00001-of-00002.safetensors", "F16", map[string]*ml.Tensor{
		"embed.weight": tensor(t, []float32{2, 4}, 2, 1),
	})

	s, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if diff := cmp.Diff([]string{"model-00001-of-00002.safetensors", "model-00002-of-00002.safetensors"}, s.Shards()); diff != "" {
		t.Errorf("Shards mismatch (-want +got):\n%s", diff)
	}

	got, err := s.Tensor("lm_head.weight")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0.5, 1}, got.Data); diff != "" {
		t.Errorf("lm_head mismatch (-want +got):\n%s", diff)
	}

	ti, err := s.Info("embed.weight")
	if err != nil {
		t.Fatal(err)
	}
	if ti.DType != "F16" {
		t.Errorf("Got %q, want F16", ti.DType)
	}
}

func TestStoreDuplicateAcrossShards(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "a.safetensors", "F32", map[string]*ml.Tensor{"x": tensor(t, []float32{1}, 1)})
	writeShard(t, dir, "b.safetensors", "F32", map[string]*ml.Tensor{"x": tensor(t, []float32{2}, 1)})

	if _, err := OpenStore(dir); !errors.Is(err, ErrDuplicateWeight) {
		t.Errorf("Got %v, want ErrDuplicateWeight", err)
	}
}

func TestStoreIndexFile(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "part1.safetensors", "F32", map[string]*ml.Tensor{"x": tensor(t, []float32{1, 2, 3}, 3)})
	writeShard(t, dir, "unlisted.safetensors", "F32", map[string]*ml.Tensor{"y": tensor(t, []float32{9}, 1)})

	bts, _ := json.Marshal(Index{WeightMap: map[string]string{"x": "part1.safetensors"}})
	if err := os.WriteFile(filepath.Join(dir, IndexFile), bts, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !s.Has("x") || s.Has("y") {
		t.Errorf("Index muss alleinige Quelle sein: x=%v y=%v", s.Has("x"), s.Has("y"))
	}

	got, err := s.Tensor("x")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3}, got.Data); diff != "" {
		t.Errorf("x mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenStoreEmptyDir(t *testing.T) {
	if _, err := OpenStore(t.TempDir()); err == nil {
		t.Error("Erwartete Fehler fuer leeres Verzeichnis")
	}
}

func TestStoreRows(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, SingleFile, "BF16", map[string]*ml.Tensor{
		"embed": tensor(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2),
		"bias":  tensor(t, []float32{1, 2}, 2),
	})

	s, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Rows("embed", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{3, 4, 5, 6}, got); diff != "" {
		t.Errorf("Rows mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Rows("embed", 3, 2); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Errorf("Got %v, want ErrShapeMismatch fuer Zeilen ausserhalb", err)
	}
	if _, err := s.Rows("bias", 0, 1); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Errorf("Got %v, want ErrShapeMismatch fuer 1-D Tensor", err)
	}
	if _, err := s.Rows("missing", 0, 1); !errors.Is(err, ErrWeightNotFound) {
		t.Errorf("Got %v, want ErrWeightNotFound", err)
	}
}
