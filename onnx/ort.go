//go:build ort && cgo

// MODUL: onnx/ort
// ZWECK: Runtime-Implementierung ueber ONNX Runtime (onnxruntime_go)
// INPUT: Pfad zur .onnx Datei, benannte Eingaben
// OUTPUT: benannte Ausgaben
// NEBENEFFEKTE: Laedt die ORT Shared Library, alloziert native Tensoren
// ABHAENGIGKEITEN: github.com/yalue/onnxruntime_go, envconfig
// HINWEISE: Die Umgebung wird einmalig initialisiert, Close gibt nur die Session frei

package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ollama/asrexport/envconfig"
)

// DefaultRuntime validiert mit onnxruntime, sobald es eingebaut ist.
const DefaultRuntime = RuntimeORT

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initORT() error {
	ortInitOnce.Do(func() {
		if lib := envconfig.OrtLibrary(); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, ortInitErr)
	}
	return nil
}

func checkORT() error {
	return initORT()
}

type ortSession struct {
	inner   *ort.DynamicAdvancedSession
	inputs  []ort.InputOutputInfo
	outputs []string
}

// NewORTRuntime erstellt eine ORT Session fuer path.
func NewORTRuntime(path string) (Runtime, error) {
	if err := initORT(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("read io info: %w", err)
	}

	inNames := make([]string, len(inputs))
	for i, info := range inputs {
		inNames[i] = info.Name
	}
	outNames := make([]string, len(outputs))
	for i, info := range outputs {
		outNames[i] = info.Name
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	// Volle Optimierung kann Fusionen mit leicht anderer Rundung erzeugen
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableBasic); err != nil {
		return nil, err
	}

	inner, err := ort.NewDynamicAdvancedSession(path, inNames, outNames, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Debug("onnxruntime session created", "path", path, "inputs", len(inNames), "outputs", len(outNames))
	return &ortSession{inner: inner, inputs: inputs, outputs: outNames}, nil
}

func (s *ortSession) Run(ctx context.Context, feeds map[string]*Value) (map[string]*Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := make([]ort.Value, len(s.inputs))
	defer func() {
		for _, v := range in {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for i, info := range s.inputs {
		v, ok := feeds[info.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidInput, info.Name)
		}

		shape := make(ort.Shape, len(v.Shape))
		for j, d := range v.Shape {
			shape[j] = int64(d)
		}

		var err error
		switch v.DataType {
		case DataTypeFloat:
			in[i], err = ort.NewTensor(shape, slices.Clone(v.Float))
		case DataTypeInt64:
			in[i], err = ort.NewTensor(shape, slices.Clone(v.Int64))
		default:
			err = fmt.Errorf("%w: %s has type %s", ErrInvalidInput, info.Name, v.DataType)
		}
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", info.Name, err)
		}
	}

	out := make([]ort.Value, len(s.outputs))
	if err := s.inner.Run(in, out); err != nil {
		return nil, fmt.Errorf("onnxruntime: %w", err)
	}
	defer func() {
		for _, v := range out {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	results := make(map[string]*Value, len(out))
	for i, v := range out {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s: unsupported tensor type %T", s.outputs[i], v)
		}

		shape := make([]int, len(t.GetShape()))
		for j, d := range t.GetShape() {
			shape[j] = int(d)
		}
		results[s.outputs[i]] = &Value{DataType: DataTypeFloat, Shape: shape, Float: slices.Clone(t.GetData())}
	}
	return results, nil
}

func (s *ortSession) Close() error {
	return s.inner.Destroy()
}
