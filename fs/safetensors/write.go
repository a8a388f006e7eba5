// write.go - Schreibt Safetensors-Dateien (Testmodelle, Zwischenartefakte)
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/asrexport/ml"
)

// WriteFile schreibt tensors als F32 nach w.
func WriteFile(w io.Writer, tensors map[string]*ml.Tensor) error {
	return WriteFileAs(w, "F32", tensors)
}

// WriteFileAs schreibt tensors im Datentyp dtype (F32, F16 oder BF16).
// Tensoren werden nach Namen sortiert abgelegt.
func WriteFileAs(w io.Writer, dtype string, tensors map[string]*ml.Tensor) error {
	size, err := TensorInfo{DType: dtype}.elemSize()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]TensorInfo, len(names))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		n := int64(len(t.Data) * size)
		header[name] = TensorInfo{DType: dtype, Shape: t.Shape, DataOffsets: [2]int64{offset, offset + n}}
		offset += n
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// Header auf 8 Byte auffuellen
	if pad := len(bts) % 8; pad != 0 {
		bts = append(bts, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(bts))); err != nil {
		return err
	}
	if _, err := w.Write(bts); err != nil {
		return err
	}

	for _, name := range names {
		if _, err := w.Write(encode(dtype, tensors[name].Data)); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func encode(dtype string, f32s []float32) []byte {
	switch dtype {
	case "F16":
		bts := make([]byte, 2*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(bts[i*2:], float16.Fromfloat32(f).Bits())
		}
		return bts
	case "BF16":
		return bfloat16.EncodeFloat32(f32s)
	default:
		bts := make([]byte, 4*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint32(bts[i*4:], math.Float32bits(f))
		}
		return bts
	}
}
