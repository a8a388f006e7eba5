// MODUL: onnx/proto
// ZWECK: ONNX ModelProto Datenstrukturen und Wire-Codec (Teilmenge fuer Inferenz-Graphen)
// INPUT: Model-Strukturen bzw. serialisierte Bytes
// OUTPUT: Protobuf-Bytes bzw. Model-Strukturen
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: google.golang.org/protobuf/encoding/protowire
// HINWEISE: Feldnummern folgen onnx.proto3 (IR Version 8). Unbekannte Felder werden beim Lesen uebersprungen.

package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var errMalformed = errors.New("onnx: malformed protobuf")

// DataType entspricht TensorProto.DataType.
type DataType int32

const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeInt32     DataType = 6
	DataTypeInt64     DataType = 7
	DataTypeBool      DataType = 9
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeFloat:
		return "float32"
	case DataTypeInt32:
		return "int32"
	case DataTypeInt64:
		return "int64"
	case DataTypeBool:
		return "bool"
	default:
		return fmt.Sprintf("DataType(%d)", int32(dt))
	}
}

// AttributeType entspricht AttributeProto.AttributeType.
type AttributeType int32

const (
	AttributeFloat  AttributeType = 1
	AttributeInt    AttributeType = 2
	AttributeString AttributeType = 3
	AttributeTensor AttributeType = 4
	AttributeFloats AttributeType = 6
	AttributeInts   AttributeType = 7
)

// DataLocation entspricht TensorProto.DataLocation.
type DataLocation int32

const (
	DataLocationDefault  DataLocation = 0
	DataLocationExternal DataLocation = 1
)

type Model struct {
	IRVersion       int64
	OpsetImports    []OperatorSetID
	ProducerName    string
	ProducerVersion string
	DocString       string
	Graph           *Graph
	MetadataProps   []StringStringEntry
}

type OperatorSetID struct {
	Domain  string
	Version int64
}

type StringStringEntry struct {
	Key, Value string
}

type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*TensorProto
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	DocString    string
}

type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []*Attribute
}

// Attribute gibt das Attribut name zurueck oder nil.
func (n *Node) Attribute(name string) *Attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

type Attribute struct {
	Name   string
	Type   AttributeType
	F      float32
	I      int64
	S      []byte
	T      *TensorProto
	Floats []float32
	Ints   []int64
}

// TensorProto haelt Initializer- und Konstanten-Daten. Beim Schreiben werden
// FloatData bzw. Int64Data als raw_data kodiert.
type TensorProto struct {
	Name         string
	DataType     DataType
	Dims         []int64
	FloatData    []float32
	Int64Data    []int64
	RawData      []byte
	ExternalData []StringStringEntry
	DataLocation DataLocation
}

// External gibt den Wert eines external_data Schluessels zurueck.
func (t *TensorProto) External(key string) string {
	for _, e := range t.ExternalData {
		if e.Key == key {
			return e.Value
		}
	}
	return ""
}

// Elements gibt die Anzahl Elemente laut Dims zurueck.
func (t *TensorProto) Elements() int {
	n := 1
	for _, d := range t.Dims {
		n *= int(d)
	}
	return n
}

// ByteSize gibt die Groesse der Rohdaten zurueck.
func (t *TensorProto) ByteSize() int {
	switch {
	case len(t.RawData) > 0:
		return len(t.RawData)
	case t.DataType == DataTypeInt64:
		return 8 * len(t.Int64Data)
	default:
		return 4 * len(t.FloatData)
	}
}

// Raw gibt die Daten little-endian kodiert zurueck.
func (t *TensorProto) Raw() []byte {
	if len(t.RawData) > 0 {
		return t.RawData
	}

	switch t.DataType {
	case DataTypeInt64:
		b := make([]byte, 8*len(t.Int64Data))
		for i, v := range t.Int64Data {
			binary.LittleEndian.PutUint64(b[i*8:], uint64(v))
		}
		return b
	default:
		b := make([]byte, 4*len(t.FloatData))
		for i, v := range t.FloatData {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
		return b
	}
}

// Floats dekodiert die Daten als float32.
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != DataTypeFloat {
		return nil, fmt.Errorf("onnx: tensor %s is %s, not float32", t.Name, t.DataType)
	}
	if len(t.RawData) == 0 {
		return t.FloatData, nil
	}
	if len(t.RawData) != 4*t.Elements() {
		return nil, fmt.Errorf("%w: tensor %s has %d bytes for dims %v", errMalformed, t.Name, len(t.RawData), t.Dims)
	}

	f32s := make([]float32, t.Elements())
	for i := range f32s {
		f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[i*4:]))
	}
	return f32s, nil
}

// Ints dekodiert die Daten als int64.
func (t *TensorProto) Ints() ([]int64, error) {
	if t.DataType != DataTypeInt64 {
		return nil, fmt.Errorf("onnx: tensor %s is %s, not int64", t.Name, t.DataType)
	}
	if len(t.RawData) == 0 {
		return t.Int64Data, nil
	}
	if len(t.RawData) != 8*t.Elements() {
		return nil, fmt.Errorf("%w: tensor %s has %d bytes for dims %v", errMalformed, t.Name, len(t.RawData), t.Dims)
	}

	i64s := make([]int64, t.Elements())
	for i := range i64s {
		i64s[i] = int64(binary.LittleEndian.Uint64(t.RawData[i*8:]))
	}
	return i64s, nil
}

// ValueInfo beschreibt einen Graph-Ein- oder Ausgang.
type ValueInfo struct {
	Name     string
	ElemType DataType
	Shape    []Dim
}

// Dim ist eine feste (Value) oder symbolische (Param) Dimension.
type Dim struct {
	Value int64
	Param string
}

// ============================================================================
// Encoder
// ============================================================================

// Marshal serialisiert m.
func Marshal(m *Model) ([]byte, error) {
	if m.Graph == nil {
		return nil, errors.New("onnx: model has no graph")
	}
	return m.appendTo(nil), nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendPackedInts(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func (m *Model) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.IRVersion))
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 6, m.DocString)
	b = appendMessage(b, 7, m.Graph.appendTo(nil))
	for _, op := range m.OpsetImports {
		var msg []byte
		msg = appendString(msg, 1, op.Domain)
		msg = appendVarint(msg, 2, uint64(op.Version))
		b = appendMessage(b, 8, msg)
	}
	for _, e := range m.MetadataProps {
		b = appendMessage(b, 14, e.appendTo(nil))
	}
	return b
}

func (e StringStringEntry) appendTo(b []byte) []byte {
	b = appendString(b, 1, e.Key)
	return appendString(b, 2, e.Value)
}

func (g *Graph) appendTo(b []byte) []byte {
	for _, n := range g.Nodes {
		b = appendMessage(b, 1, n.appendTo(nil))
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializers {
		b = appendMessage(b, 5, t.appendTo(nil))
	}
	b = appendString(b, 10, g.DocString)
	for _, vi := range g.Inputs {
		b = appendMessage(b, 11, vi.appendTo(nil))
	}
	for _, vi := range g.Outputs {
		b = appendMessage(b, 12, vi.appendTo(nil))
	}
	return b
}

func (n *Node) appendTo(b []byte) []byte {
	for _, in := range n.Inputs {
		// Leere Namen markieren ausgelassene optionale Eingaenge und muessen erhalten bleiben
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attributes {
		b = appendMessage(b, 5, a.appendTo(nil))
	}
	return appendString(b, 7, n.Domain)
}

func (a *Attribute) appendTo(b []byte) []byte {
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeTensor:
		b = appendMessage(b, 5, a.T.appendTo(nil))
	case AttributeFloats:
		b = appendPackedFloats(b, 7, a.Floats)
	case AttributeInts:
		b = appendPackedInts(b, 8, a.Ints)
	}
	return appendVarint(b, 20, uint64(a.Type))
}

func (t *TensorProto) appendTo(b []byte) []byte {
	b = appendPackedInts(b, 1, t.Dims)
	b = appendVarint(b, 2, uint64(t.DataType))
	b = appendString(b, 8, t.Name)
	if t.DataLocation == DataLocationExternal {
		for _, e := range t.ExternalData {
			b = appendMessage(b, 13, e.appendTo(nil))
		}
		return appendVarint(b, 14, uint64(t.DataLocation))
	}

	b = protowire.AppendTag(b, 9, protowire.BytesType)
	return protowire.AppendBytes(b, t.Raw())
}

func (vi *ValueInfo) appendTo(b []byte) []byte {
	var shape []byte
	for _, d := range vi.Shape {
		var dim []byte
		if d.Param != "" {
			dim = appendString(dim, 2, d.Param)
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d.Value))
		}
		shape = appendMessage(shape, 1, dim)
	}

	var tensor []byte
	tensor = appendVarint(tensor, 1, uint64(vi.ElemType))
	tensor = appendMessage(tensor, 2, shape)

	b = appendString(b, 1, vi.Name)
	return appendMessage(b, 2, appendMessage(nil, 1, tensor))
}

// ============================================================================
// Decoder
// ============================================================================

// Unmarshal dekodiert serialisierte ModelProto Bytes.
func Unmarshal(b []byte) (*Model, error) {
	m := &Model{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			m.IRVersion = int64(x)
		case 2:
			m.ProducerName = string(v)
		case 3:
			m.ProducerVersion = string(v)
		case 6:
			m.DocString = string(v)
		case 7:
			g, err := unmarshalGraph(v)
			if err != nil {
				return err
			}
			m.Graph = g
		case 8:
			var op OperatorSetID
			if err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
				switch num {
				case 1:
					op.Domain = string(v)
				case 2:
					op.Version = int64(x)
				}
				return nil
			}); err != nil {
				return err
			}
			m.OpsetImports = append(m.OpsetImports, op)
		case 14:
			e, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			m.MetadataProps = append(m.MetadataProps, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Graph == nil {
		return nil, fmt.Errorf("%w: model has no graph", errMalformed)
	}
	return m, nil
}

// walk ruft fn fuer jedes Feld auf. Fuer BytesType ist v gesetzt, fuer
// Varint und Fixed32/64 x.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x32 uint32
			x32, n = protowire.ConsumeFixed32(b)
			x = uint64(x32)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalEntry(b []byte) (StringStringEntry, error) {
	var e StringStringEntry
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			e.Key = string(v)
		case 2:
			e.Value = string(v)
		}
		return nil
	})
	return e, err
}

func unmarshalGraph(b []byte) (*Graph, error) {
	g := &Graph{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			n, err := unmarshalNode(v)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(v)
		case 5:
			t, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case 10:
			g.DocString = string(v)
		case 11, 12:
			vi, err := unmarshalValueInfo(v)
			if err != nil {
				return err
			}
			if num == 11 {
				g.Inputs = append(g.Inputs, vi)
			} else {
				g.Outputs = append(g.Outputs, vi)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(b []byte) (*Node, error) {
	n := &Node{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			n.Inputs = append(n.Inputs, string(v))
		case 2:
			n.Outputs = append(n.Outputs, string(v))
		case 3:
			n.Name = string(v)
		case 4:
			n.OpType = string(v)
		case 5:
			a, err := unmarshalAttribute(v)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		case 7:
			n.Domain = string(v)
		}
		return nil
	})
	return n, err
}

func unmarshalAttribute(b []byte) (*Attribute, error) {
	a := &Attribute{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			a.Name = string(v)
		case 2:
			a.F = math.Float32frombits(uint32(x))
		case 3:
			a.I = int64(x)
		case 4:
			a.S = append([]byte(nil), v...)
		case 5:
			t, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			a.T = t
		case 7:
			fs, err := decodeFloats(typ, v, x)
			if err != nil {
				return err
			}
			a.Floats = append(a.Floats, fs...)
		case 8:
			is, err := decodeInts(typ, v, x)
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, is...)
		case 20:
			a.Type = AttributeType(x)
		}
		return nil
	})
	return a, err
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			is, err := decodeInts(typ, v, x)
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, is...)
		case 2:
			t.DataType = DataType(x)
		case 4:
			fs, err := decodeFloats(typ, v, x)
			if err != nil {
				return err
			}
			t.FloatData = append(t.FloatData, fs...)
		case 7:
			is, err := decodeInts(typ, v, x)
			if err != nil {
				return err
			}
			t.Int64Data = append(t.Int64Data, is...)
		case 8:
			t.Name = string(v)
		case 9:
			t.RawData = append([]byte(nil), v...)
		case 13:
			e, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			t.ExternalData = append(t.ExternalData, e)
		case 14:
			t.DataLocation = DataLocation(x)
		}
		return nil
	})
	return t, err
}

func unmarshalValueInfo(b []byte) (*ValueInfo, error) {
	vi := &ValueInfo{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			vi.Name = string(v)
		case 2:
			// TypeProto -> tensor_type
			return walk(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if num != 1 {
					return nil
				}
				return walk(v, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
					switch num {
					case 1:
						vi.ElemType = DataType(x)
					case 2:
						return walk(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
							if num != 1 {
								return nil
							}
							var d Dim
							err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
								switch num {
								case 1:
									d.Value = int64(x)
								case 2:
									d.Param = string(v)
								}
								return nil
							})
							vi.Shape = append(vi.Shape, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return vi, err
}

func decodeInts(typ protowire.Type, v []byte, x uint64) ([]int64, error) {
	if typ == protowire.VarintType {
		return []int64{int64(x)}, nil
	}

	var is []int64
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, fmt.Errorf("%w: packed ints: %v", errMalformed, protowire.ParseError(n))
		}
		is = append(is, int64(x))
		v = v[n:]
	}
	return is, nil
}

func decodeFloats(typ protowire.Type, v []byte, x uint64) ([]float32, error) {
	if typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(uint32(x))}, nil
	}
	if len(v)%4 != 0 {
		return nil, fmt.Errorf("%w: packed floats of %d bytes", errMalformed, len(v))
	}

	fs := make([]float32, len(v)/4)
	for i := range fs {
		fs[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[i*4:]))
	}
	return fs, nil
}
