// MODUL: safetensors
// ZWECK: Liest einzelne .safetensors Dateien (8-Byte LE Header-Laenge + JSON Header + Rohdaten)
// INPUT: Dateipfad, Tensor-Name
// OUTPUT: float32 Tensoren (F16/BF16 werden hochkonvertiert)
// NEBENEFFEKTE: Haelt ein offenes File-Handle bis Close
// ABHAENGIGKEITEN: x448/float16, d4l3k/go-bfloat16, ml
// HINWEISE: Daten werden pro Tensor per ReadAt gelesen, nie die ganze Datei

package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/asrexport/logutil"
	"github.com/ollama/asrexport/metrics"
	"github.com/ollama/asrexport/ml"
)

// maxHeaderSize begrenzt den JSON Header auf 100 MB
const maxHeaderSize = 100 << 20

var (
	ErrWeightNotFound   = errors.New("weight not found")
	ErrUnsupportedDType = errors.New("unsupported dtype")
	errInvalidHeader    = errors.New("safetensors: invalid header")
)

// TensorInfo beschreibt einen Tensor im Header.
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func (ti TensorInfo) elemSize() (int, error) {
	switch ti.DType {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnsupportedDType, ti.DType)
	}
}

// File ist eine geoeffnete .safetensors Datei.
type File struct {
	path    string
	f       *os.File
	base    int64
	tensors map[string]TensorInfo
}

// Open oeffnet path und parst den Header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	tensors, base, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &File{path: path, f: f, base: base, tensors: tensors}, nil
}

func readHeader(r io.ReaderAt) (map[string]TensorInfo, int64, error) {
	var n [8]byte
	if _, err := r.ReadAt(n[:], 0); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errInvalidHeader, err)
	}

	size := binary.LittleEndian.Uint64(n[:])
	if size == 0 || size > maxHeaderSize {
		return nil, 0, fmt.Errorf("%w: header length %d", errInvalidHeader, size)
	}

	bts := make([]byte, size)
	if _, err := r.ReadAt(bts, 8); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errInvalidHeader, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bts, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errInvalidHeader, err)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, v := range raw {
		if name == "__metadata__" {
			continue
		}

		var ti TensorInfo
		if err := json.Unmarshal(v, &ti); err != nil {
			return nil, 0, fmt.Errorf("%w: tensor %q: %v", errInvalidHeader, name, err)
		}
		tensors[name] = ti
	}

	return tensors, 8 + int64(size), nil
}

// Names gibt alle Tensor-Namen sortiert zurueck.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Info gibt den Header-Eintrag von name zurueck.
func (f *File) Info(name string) (TensorInfo, bool) {
	ti, ok := f.tensors[name]
	return ti, ok
}

// Tensor liest name und konvertiert nach float32.
func (f *File) Tensor(name string) (*ml.Tensor, error) {
	ti, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWeightNotFound, name)
	}

	size, err := ti.elemSize()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	count := ml.Elements(ti.Shape...)
	length := ti.DataOffsets[1] - ti.DataOffsets[0]
	if length != int64(count*size) {
		return nil, fmt.Errorf("%w: %s has %d bytes for shape %v %s", ml.ErrShapeMismatch, name, length, ti.Shape, ti.DType)
	}

	bts := make([]byte, length)
	if _, err := f.f.ReadAt(bts, f.base+ti.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("%s: read %s: %w", f.path, name, err)
	}

	logutil.Trace("read tensor", "name", name, "dtype", ti.DType, "shape", ti.Shape)
	metrics.TensorsRead.WithLabelValues(ti.DType).Inc()

	return ml.NewTensor(decode(ti.DType, bts, count), ti.Shape...)
}

// Rows liest count Zeilen ab row aus einem Tensor mit mindestens zwei
// Achsen. Eine Zeile umfasst alle Elemente hinter der ersten Achse.
func (f *File) Rows(name string, row, count int) ([]float32, error) {
	ti, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWeightNotFound, name)
	}
	if len(ti.Shape) < 2 {
		return nil, fmt.Errorf("%w: %s has shape %v, want at least 2 dims", ml.ErrShapeMismatch, name, ti.Shape)
	}
	if row < 0 || count < 0 || row+count > ti.Shape[0] {
		return nil, fmt.Errorf("%w: rows [%d, %d) of %s with %d rows", ml.ErrShapeMismatch, row, row+count, name, ti.Shape[0])
	}

	size, err := ti.elemSize()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	width := ml.Elements(ti.Shape[1:]...)
	bts := make([]byte, count*width*size)
	offset := f.base + ti.DataOffsets[0] + int64(row*width*size)
	if _, err := f.f.ReadAt(bts, offset); err != nil {
		return nil, fmt.Errorf("%s: read rows of %s: %w", f.path, name, err)
	}
	return decode(ti.DType, bts, count*width), nil
}

func decode(dtype string, bts []byte, count int) []float32 {
	f32s := make([]float32, count)
	switch dtype {
	case "F32":
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(bts[i*4:]))
		}
	case "F16":
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(bts[i*2:])).Float32()
		}
		metrics.BytesUpcast.Add(float64(len(bts)))
	case "BF16":
		f32s = bfloat16.DecodeFloat32(bts)
		metrics.BytesUpcast.Add(float64(len(bts)))
	}
	return f32s
}

func (f *File) Close() error {
	return f.f.Close()
}
