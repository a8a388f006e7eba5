// embeddings.go - Export der Token-Embedding-Matrix als rohe float32 Datei
// Hauptfunktionen: ExportEmbeddings
package convert

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/ollama/asrexport/fs/safetensors"
	"github.com/ollama/asrexport/metrics"
	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/model/models/qwen3asr"
)

// embeddingBlockRows begrenzt die gleichzeitig gelesenen Zeilen.
const embeddingBlockRows = 4096

// RowSource liefert Header-Informationen und Zeilenbloecke eines Tensors.
type RowSource interface {
	Info(name string) (safetensors.TensorInfo, error)
	Rows(name string, row, count int) ([]float32, error)
}

// ExportEmbeddings schreibt thinker.model.embed_tokens.weight als row-major
// float32 Little-Endian nach path, ohne Header. Die Datei ist genau
// vocab_size * hidden_size * 4 Bytes gross.
func ExportEmbeddings(src RowSource, c *qwen3asr.Config, path string) (int64, error) {
	vocab, hidden := c.Text().VocabSize, c.Text().HiddenSize

	ti, err := src.Info(qwen3asr.EmbedTokensName)
	if err != nil {
		return 0, err
	}
	if len(ti.Shape) != 2 || ti.Shape[0] != vocab || ti.Shape[1] != hidden {
		return 0, fmt.Errorf("%w: %s has shape %v, want [%d %d]", ErrShapeMismatch, qwen3asr.EmbedTokensName, ti.Shape, vocab, hidden)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)
	buf := make([]byte, 0, embeddingBlockRows*hidden*4)
	for row := 0; row < vocab; row += embeddingBlockRows {
		n := min(embeddingBlockRows, vocab-row)
		block, err := src.Rows(qwen3asr.EmbedTokensName, row, n)
		if err != nil {
			return 0, err
		}

		buf = buf[:0]
		for _, v := range block {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	size := int64(ml.Elements(vocab, hidden)) * 4
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.Size() != size {
		return 0, fmt.Errorf("%w: %s has %d bytes, want %d", ErrShapeMismatch, path, fi.Size(), size)
	}

	metrics.BytesWritten.WithLabelValues(EmbeddingsFile).Add(float64(size))
	slog.Info("embeddings written", "path", path, "vocab", vocab, "hidden", hidden)
	return size, nil
}
