// validate.go - Numerischer Abgleich exportierter Graphen gegen den Referenz-Forward
// Hauptfunktionen: ValidateEncoder, ValidateDecoder
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/ollama/asrexport/logutil"
	"github.com/ollama/asrexport/metrics"
	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/model/models/qwen3asr"
	"github.com/ollama/asrexport/onnx"
)

// Dummy-Eingaben der Validierung
const (
	validationFrames  = 200
	validationPrefill = 5
	validationSeed    = 0x5eed
)

// Diffs ordnet jedem Ausgang (graph/schritt/name) die maximale absolute Abweichung zu.
type Diffs map[string]float64

// Max gibt die groesste Abweichung zurueck.
func (d Diffs) Max() float64 {
	var m float64
	for _, v := range d {
		m = max(m, v)
	}
	return m
}

func dummyTensor(r *rand.Rand, shape ...int) *ml.Tensor {
	x := ml.Zeros(shape...)
	for i := range x.Data {
		x.Data[i] = float32(r.NormFloat64())
	}
	return x
}

// compare vergleicht want und got, meldet die Abweichung als Kennzahl und
// gibt ErrValidationTolerance zurueck, wenn sie tol uebersteigt.
func compare(diffs Diffs, graph, key string, want, got *ml.Tensor, tol float64) error {
	d, err := ml.MaxAbsDiff(want, got)
	if err != nil {
		return fmt.Errorf("%s %s: %w", graph, key, err)
	}

	diffs[graph+"/"+key] = d
	metrics.ValidationDiff.WithLabelValues(graph, key).Set(d)
	if d > tol {
		logutil.Trace("validation mismatch", "graph", graph, "output", key,
			"want", ml.Dump(want, ml.DumpWithEdgeItems(2)), "got", ml.Dump(got, ml.DumpWithEdgeItems(2)))
		return fmt.Errorf("%w: %s %s max abs diff %g > %g", ErrValidationTolerance, graph, key, d, tol)
	}
	return nil
}

func output(out map[string]*onnx.Value, name string) (*ml.Tensor, error) {
	v, ok := out[name]
	if !ok {
		return nil, fmt.Errorf("%w: graph output %s missing", ErrShapeMismatch, name)
	}
	return v.Tensor()
}

// ValidateEncoder fuehrt den Encoder-Graphen unter path mit runtime aus und
// vergleicht audio_features mit enc.Forward auf mel [1, M, 200].
func ValidateEncoder(ctx context.Context, enc *qwen3asr.Encoder, path, runtime string, tol float64) (Diffs, error) {
	rt, err := onnx.Open(runtime, path)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	mel := dummyTensor(rand.New(rand.NewPCG(validationSeed, 1)), 1, enc.MelBins(), validationFrames)
	want, err := enc.Forward(mel)
	if err != nil {
		return nil, err
	}

	out, err := rt.Run(ctx, map[string]*onnx.Value{qwen3asr.EncoderInput: onnx.FloatValue(mel)})
	if err != nil {
		return nil, err
	}
	got, err := output(out, qwen3asr.EncoderOutput)
	if err != nil {
		return nil, err
	}

	diffs := Diffs{}
	err = compare(diffs, "encoder", qwen3asr.EncoderOutput, want, got, tol)
	slog.Info("encoder validated", "runtime", runtime, "max_abs_diff", diffs.Max(), "tolerance", tol)
	return diffs, err
}

// ValidateDecoder prueft den Decoder-Graphen in zwei Schritten: Prefill mit
// 5 Tokens auf leerem Cache, danach ein Decode-Schritt auf dem present-Cache.
// Verglichen werden logits und alle present-Tensoren.
func ValidateDecoder(ctx context.Context, dec *qwen3asr.Decoder, path, runtime string, tol float64) (Diffs, error) {
	rt, err := onnx.Open(runtime, path)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	r := rand.New(rand.NewPCG(validationSeed, 2))
	cache := dec.NewCache()
	diffs := Diffs{}

	var errs []error
	for _, step := range []struct {
		name string
		seq  int
	}{
		{"prefill", validationPrefill},
		{"decode", 1},
	} {
		past := cache.Len()
		embeds := dummyTensor(r, 1, step.seq, dec.HiddenSize())
		positions := make([]int64, step.seq)
		for i := range positions {
			positions[i] = int64(past + i)
		}

		feeds := map[string]*onnx.Value{
			qwen3asr.DecoderEmbeds:    onnx.FloatValue(embeds),
			qwen3asr.DecoderPositions: onnx.Int64Value(positions, 1, step.seq),
		}
		for i := range cache.Layers() {
			feeds[qwen3asr.PastKey(i)] = onnx.FloatValue(cache.Past(i).Key)
			feeds[qwen3asr.PastValue(i)] = onnx.FloatValue(cache.Past(i).Value)
		}

		out, err := rt.Run(ctx, feeds)
		if err != nil {
			return nil, fmt.Errorf("decoder %s: %w", step.name, err)
		}

		want, err := dec.Forward(embeds, positions, cache)
		if err != nil {
			return nil, fmt.Errorf("decoder %s reference: %w", step.name, err)
		}

		got, err := output(out, qwen3asr.DecoderLogits)
		if err != nil {
			return nil, err
		}
		errs = append(errs, compare(diffs, "decoder", step.name+"/"+qwen3asr.DecoderLogits, want, got, tol))

		for i := range cache.Layers() {
			present := cache.Past(i)
			for _, kv := range []struct {
				name string
				want *ml.Tensor
			}{
				{qwen3asr.PresentKey(i), present.Key},
				{qwen3asr.PresentValue(i), present.Value},
			} {
				got, err := output(out, kv.name)
				if err != nil {
					return nil, err
				}
				if n := got.Dim(2); n != past+step.seq {
					return nil, fmt.Errorf("%w: %s has length %d, want %d", ErrShapeMismatch, kv.name, n, past+step.seq)
				}
				errs = append(errs, compare(diffs, "decoder", step.name+"/"+kv.name, kv.want, got, tol))
			}
		}
		slog.Debug("decoder step validated", "step", step.name, "past", past, "seq", step.seq)
	}

	slog.Info("decoder validated", "runtime", runtime, "max_abs_diff", diffs.Max(), "tolerance", tol)
	return diffs, errors.Join(errs...)
}
