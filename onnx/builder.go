// MODUL: onnx/builder
// ZWECK: Inkrementeller Aufbau eines ONNX Graphen und Serialisierung mit externen Daten
// INPUT: Ein-/Ausgangsdeklarationen, Initializer (ml.Tensor), Knoten
// OUTPUT: <name>.onnx plus <name>.onnx.data
// NEBENEFFEKTE: Write erzeugt bzw. ueberschreibt beide Dateien
// ABHAENGIGKEITEN: metrics
// HINWEISE: Initializer > 1 KiB landen 64-Byte-ausgerichtet in der Datendatei
//           (2 GiB Protobuf-Grenze)

package onnx

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ollama/asrexport/metrics"
	"github.com/ollama/asrexport/ml"
)

const (
	IRVersion = 8
	Opset     = 17

	externalThreshold = 1024
	externalAlignment = 64
)

// Builder sammelt Knoten und Initializer eines Graphen.
type Builder struct {
	graph    *Graph
	metadata []StringStringEntry

	names  map[string]struct{}
	consts map[string]string
	seq    int
}

func NewBuilder(name string) *Builder {
	return &Builder{
		graph:  &Graph{Name: name},
		names:  make(map[string]struct{}),
		consts: make(map[string]string),
	}
}

// Name gibt den Graph-Namen zurueck.
func (b *Builder) Name() string { return b.graph.Name }

// Nodes gibt die Anzahl bisher erzeugter Knoten zurueck.
func (b *Builder) Nodes() int { return len(b.graph.Nodes) }

func (b *Builder) claim(name string) string {
	if _, ok := b.names[name]; ok {
		panic(fmt.Sprintf("onnx: duplicate value name %q", name))
	}
	b.names[name] = struct{}{}
	return name
}

func (b *Builder) fresh(op string) string {
	for {
		b.seq++
		name := op + "_" + strconv.Itoa(b.seq)
		if _, ok := b.names[name]; !ok {
			return b.claim(name)
		}
	}
}

// Metadata setzt einen metadata_props Eintrag des Modells.
func (b *Builder) Metadata(key, value string) {
	b.metadata = append(b.metadata, StringStringEntry{Key: key, Value: value})
}

// Input deklariert einen Graph-Eingang.
func (b *Builder) Input(name string, dt DataType, shape ...Dim) string {
	b.graph.Inputs = append(b.graph.Inputs, &ValueInfo{Name: b.claim(name), ElemType: dt, Shape: shape})
	return name
}

// Output deklariert einen bereits erzeugten Wert als Graph-Ausgang.
func (b *Builder) Output(name string, dt DataType, shape ...Dim) {
	if _, ok := b.names[name]; !ok {
		panic(fmt.Sprintf("onnx: output %q was never produced", name))
	}
	b.graph.Outputs = append(b.graph.Outputs, &ValueInfo{Name: name, ElemType: dt, Shape: shape})
}

// Initializer legt t unter name als float32 Gewicht ab. t wird nicht kopiert.
func (b *Builder) Initializer(name string, t *ml.Tensor) string {
	dims := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int64(d)
	}

	b.graph.Initializers = append(b.graph.Initializers, &TensorProto{
		Name:      b.claim(name),
		DataType:  DataTypeFloat,
		Dims:      dims,
		FloatData: t.Data,
	})
	return name
}

// Ints gibt eine deduplizierte 1-D int64 Konstante zurueck.
func (b *Builder) Ints(vs ...int64) string {
	key := fmt.Sprint("i64", vs)
	if name, ok := b.consts[key]; ok {
		return name
	}

	name := b.fresh("const")
	b.graph.Initializers = append(b.graph.Initializers, &TensorProto{
		Name:      name,
		DataType:  DataTypeInt64,
		Dims:      []int64{int64(len(vs))},
		Int64Data: vs,
	})
	b.consts[key] = name
	return name
}

// Int gibt eine deduplizierte int64 Skalar-Konstante zurueck.
func (b *Builder) Int(v int64) string {
	key := fmt.Sprint("i64s", v)
	if name, ok := b.consts[key]; ok {
		return name
	}

	name := b.fresh("const")
	b.graph.Initializers = append(b.graph.Initializers, &TensorProto{
		Name:      name,
		DataType:  DataTypeInt64,
		Int64Data: []int64{v},
	})
	b.consts[key] = name
	return name
}

// Scalar gibt eine deduplizierte float32 Skalar-Konstante zurueck.
func (b *Builder) Scalar(f float32) string {
	key := fmt.Sprint("f32", math.Float32bits(f))
	if name, ok := b.consts[key]; ok {
		return name
	}

	name := b.fresh("const")
	b.graph.Initializers = append(b.graph.Initializers, &TensorProto{
		Name:      name,
		DataType:  DataTypeFloat,
		FloatData: []float32{f},
	})
	b.consts[key] = name
	return name
}

// Node fuegt einen Knoten mit expliziten Ausgangsnamen hinzu.
func (b *Builder) Node(op string, inputs, outputs []string, attrs ...*Attribute) {
	for _, out := range outputs {
		b.claim(out)
	}

	b.graph.Nodes = append(b.graph.Nodes, &Node{
		Name:       fmt.Sprintf("/%s/%s_%d", b.graph.Name, op, len(b.graph.Nodes)),
		OpType:     op,
		Inputs:     inputs,
		Outputs:    outputs,
		Attributes: attrs,
	})
	metrics.Operators.WithLabelValues(b.graph.Name, op).Inc()
}

// Op fuegt einen Knoten mit einem automatisch benannten Ausgang hinzu.
func (b *Builder) Op(op string, inputs []string, attrs ...*Attribute) string {
	out := b.fresh(op)
	delete(b.names, out)
	b.Node(op, inputs, []string{out}, attrs...)
	return out
}

// OpTo fuegt einen Knoten hinzu, dessen Ausgang den Namen out traegt.
func (b *Builder) OpTo(out, op string, inputs []string, attrs ...*Attribute) string {
	b.Node(op, inputs, []string{out}, attrs...)
	return out
}

// Model gibt das vollstaendige ModelProto zurueck.
func (b *Builder) Model() *Model {
	return &Model{
		IRVersion:       IRVersion,
		OpsetImports:    []OperatorSetID{{Version: Opset}},
		ProducerName:    "asrexport",
		ProducerVersion: "0.1.0",
		Graph:           b.graph,
		MetadataProps:   b.metadata,
	}
}

// Write schreibt das Modell nach path. Grosse Initializer gehen nach
// path+".data", kleine bleiben inline. Ohne grosse Initializer entsteht
// keine Datendatei.
func (b *Builder) Write(path string) error {
	model := b.Model()

	dataPath := path + ".data"
	location := filepath.Base(dataPath)

	var dw *dataWriter
	external := make([]*TensorProto, len(model.Graph.Initializers))
	for i, t := range model.Graph.Initializers {
		if t.ByteSize() <= externalThreshold {
			external[i] = t
			continue
		}

		if dw == nil {
			f, err := os.Create(dataPath)
			if err != nil {
				return err
			}
			defer f.Close()
			dw = &dataWriter{w: bufio.NewWriterSize(f, 1<<20), f: f}
		}

		offset, length, err := dw.write(t)
		if err != nil {
			return fmt.Errorf("write initializer %s: %w", t.Name, err)
		}

		external[i] = &TensorProto{
			Name:     t.Name,
			DataType: t.DataType,
			Dims:     t.Dims,
			ExternalData: []StringStringEntry{
				{Key: "location", Value: location},
				{Key: "offset", Value: strconv.FormatInt(offset, 10)},
				{Key: "length", Value: strconv.FormatInt(length, 10)},
			},
			DataLocation: DataLocationExternal,
		}
	}

	if dw != nil {
		if err := dw.close(); err != nil {
			return err
		}
		metrics.BytesWritten.WithLabelValues(location).Add(float64(dw.offset))
	} else if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	serialized := *model
	graph := *model.Graph
	graph.Initializers = external
	serialized.Graph = &graph

	bts, err := Marshal(&serialized)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, bts, 0o644); err != nil {
		return err
	}
	metrics.BytesWritten.WithLabelValues(filepath.Base(path)).Add(float64(len(bts)))

	slog.Debug("onnx graph written", "path", path, "nodes", len(graph.Nodes), "initializers", len(graph.Initializers))
	return nil
}

type dataWriter struct {
	w      *bufio.Writer
	f      *os.File
	offset int64
}

func (dw *dataWriter) write(t *TensorProto) (offset, length int64, err error) {
	if pad := dw.offset % externalAlignment; pad != 0 {
		n := externalAlignment - pad
		if _, err := dw.w.Write(make([]byte, n)); err != nil {
			return 0, 0, err
		}
		dw.offset += n
	}

	offset = dw.offset
	switch {
	case len(t.RawData) > 0:
		_, err = dw.w.Write(t.RawData)
	case t.DataType == DataTypeFloat:
		err = writeFloats(dw.w, t.FloatData)
	default:
		_, err = dw.w.Write(t.Raw())
	}
	if err != nil {
		return 0, 0, err
	}

	length = int64(t.ByteSize())
	dw.offset += length
	return offset, length, nil
}

func (dw *dataWriter) close() error {
	if err := dw.w.Flush(); err != nil {
		return err
	}
	return dw.f.Close()
}

// writeFloats schreibt f32s blockweise little-endian, ohne die Daten zu verdoppeln.
func writeFloats(w io.Writer, f32s []float32) error {
	const block = 1 << 16
	buf := make([]byte, 4*block)
	for len(f32s) > 0 {
		n := min(block, len(f32s))
		for i, f := range f32s[:n] {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		if _, err := w.Write(buf[:4*n]); err != nil {
			return err
		}
		f32s = f32s[n:]
	}
	return nil
}

// Load liest path und loest externe Daten relativ zum Verzeichnis von path auf.
func Load(path string) (*Model, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m, err := Unmarshal(bts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	files := make(map[string]*os.File)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for _, t := range m.Graph.Initializers {
		if t.DataLocation != DataLocationExternal {
			continue
		}

		location := t.External("location")
		offset, err1 := strconv.ParseInt(t.External("offset"), 10, 64)
		length, err2 := strconv.ParseInt(t.External("length"), 10, 64)
		if location == "" || err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: initializer %s has invalid external data %v", errMalformed, t.Name, t.ExternalData)
		}

		f, ok := files[location]
		if !ok {
			f, err = os.Open(filepath.Join(filepath.Dir(path), location))
			if err != nil {
				return nil, err
			}
			files[location] = f
		}

		t.RawData = make([]byte, length)
		if _, err := f.ReadAt(t.RawData, offset); err != nil {
			return nil, fmt.Errorf("initializer %s: %w", t.Name, err)
		}
		t.DataLocation = DataLocationDefault
		t.ExternalData = nil
	}

	return m, nil
}
