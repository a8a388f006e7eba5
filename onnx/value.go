// value.go - Laufzeitwerte fuer Graph-Ein- und Ausgaenge
package onnx

import (
	"fmt"
	"slices"

	"github.com/ollama/asrexport/ml"
)

// Value ist ein dichter row-major Tensor. Float32-Werte liegen in Float,
// int64- und bool-Werte (0/1) in Int64.
type Value struct {
	DataType DataType
	Shape    []int
	Float    []float32
	Int64    []int64
}

// FloatValue umschliesst t ohne Kopie.
func FloatValue(t *ml.Tensor) *Value {
	return &Value{DataType: DataTypeFloat, Shape: slices.Clone(t.Shape), Float: t.Data}
}

// Int64Value erstellt einen int64 Wert mit shape.
func Int64Value(data []int64, shape ...int) *Value {
	return &Value{DataType: DataTypeInt64, Shape: slices.Clone(shape), Int64: data}
}

// Elements gibt die Anzahl Elemente zurueck.
func (v *Value) Elements() int {
	return ml.Elements(v.Shape...)
}

// Tensor gibt den Wert als float32 Tensor zurueck.
func (v *Value) Tensor() (*ml.Tensor, error) {
	if v.DataType != DataTypeFloat {
		return nil, fmt.Errorf("onnx: value is %s, not float32", v.DataType)
	}
	return ml.NewTensor(v.Float, v.Shape...)
}

func (v *Value) String() string {
	return fmt.Sprintf("%s%v", v.DataType, v.Shape)
}

func (v *Value) check() error {
	n := v.Elements()
	switch v.DataType {
	case DataTypeFloat:
		if len(v.Float) != n {
			return fmt.Errorf("%w: %d float32 elements for shape %v", ml.ErrShapeMismatch, len(v.Float), v.Shape)
		}
	case DataTypeInt64, DataTypeBool:
		if len(v.Int64) != n {
			return fmt.Errorf("%w: %d int64 elements for shape %v", ml.ErrShapeMismatch, len(v.Int64), v.Shape)
		}
	default:
		return fmt.Errorf("onnx: unsupported value type %s", v.DataType)
	}
	return nil
}

func valueFromTensorProto(t *TensorProto) (*Value, error) {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}

	v := &Value{DataType: t.DataType, Shape: shape}
	var err error
	switch t.DataType {
	case DataTypeFloat:
		v.Float, err = t.Floats()
	case DataTypeInt64:
		v.Int64, err = t.Ints()
	default:
		return nil, fmt.Errorf("onnx: initializer %s has unsupported type %s", t.Name, t.DataType)
	}
	if err != nil {
		return nil, err
	}
	return v, v.check()
}
