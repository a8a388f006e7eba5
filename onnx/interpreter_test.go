package onnx

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/ml/nn"
)

func f32(data []float32, shape ...int) *Value {
	return &Value{DataType: DataTypeFloat, Shape: shape, Float: data}
}

func i64(data []int64, shape ...int) *Value {
	return Int64Value(data, shape...)
}

func TestOperators(t *testing.T) {
	cases := []struct {
		name  string
		op    string
		in    []*Value
		attrs []*Attribute
		want  *Value
	}{
		{
			name: "add broadcast",
			op:   "Add",
			in:   []*Value{f32([]float32{1, 2, 3, 4, 5, 6}, 2, 3), f32([]float32{10, 20, 30}, 3)},
			want: f32([]float32{11, 22, 33, 14, 25, 36}, 2, 3),
		},
		{
			name: "sub int64",
			op:   "Sub",
			in:   []*Value{i64([]int64{5}, 1), i64([]int64{1, 2}, 2)},
			want: i64([]int64{4, 3}, 2),
		},
		{
			name: "div scalar",
			op:   "Div",
			in:   []*Value{f32([]float32{2, 4}, 2), f32([]float32{2})},
			want: f32([]float32{1, 2}, 2),
		},
		{
			name: "greater",
			op:   "Greater",
			in:   []*Value{i64([]int64{0, 1, 2}, 1, 3), i64([]int64{0, 1}, 2, 1)},
			want: &Value{DataType: DataTypeBool, Shape: []int{2, 3}, Int64: []int64{0, 1, 1, 0, 0, 1}},
		},
		{
			name: "where",
			op:   "Where",
			in: []*Value{
				{DataType: DataTypeBool, Shape: []int{2}, Int64: []int64{1, 0}},
				f32([]float32{float32(math.Inf(-1))}),
				f32([]float32{0}),
			},
			want: f32([]float32{float32(math.Inf(-1)), 0}, 2),
		},
		{
			name: "neg",
			op:   "Neg",
			in:   []*Value{f32([]float32{1, -2}, 2)},
			want: f32([]float32{-1, 2}, 2),
		},
		{
			name:  "cast int64 to float",
			op:    "Cast",
			in:    []*Value{i64([]int64{3, -1}, 2)},
			attrs: []*Attribute{AttrInt("to", int64(DataTypeFloat))},
			want:  f32([]float32{3, -1}, 2),
		},
		{
			name:  "transpose",
			op:    "Transpose",
			in:    []*Value{f32([]float32{1, 2, 3, 4, 5, 6}, 2, 3)},
			attrs: []*Attribute{AttrInts("perm", 1, 0)},
			want:  f32([]float32{1, 4, 2, 5, 3, 6}, 3, 2),
		},
		{
			name: "reshape copy and infer",
			op:   "Reshape",
			in:   []*Value{f32(make([]float32, 24), 2, 3, 4), i64([]int64{0, -1}, 2)},
			want: f32(make([]float32, 24), 2, 12),
		},
		{
			name: "unsqueeze",
			op:   "Unsqueeze",
			in:   []*Value{f32([]float32{1, 2, 3}, 3), i64([]int64{0, -1}, 2)},
			want: f32([]float32{1, 2, 3}, 1, 3, 1),
		},
		{
			name:  "concat",
			op:    "Concat",
			in:    []*Value{f32([]float32{1, 2, 3, 4}, 2, 2), f32([]float32{5, 6}, 2, 1)},
			attrs: []*Attribute{AttrInt("axis", -1)},
			want:  f32([]float32{1, 2, 5, 3, 4, 6}, 2, 3),
		},
		{
			name:  "concat empty past",
			op:    "Concat",
			in:    []*Value{f32(nil, 1, 0, 2), f32([]float32{1, 2}, 1, 1, 2)},
			attrs: []*Attribute{AttrInt("axis", 1)},
			want:  f32([]float32{1, 2}, 1, 1, 2),
		},
		{
			name: "slice step",
			op:   "Slice",
			in:   []*Value{f32([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 10), i64([]int64{1}, 1), i64([]int64{-1}, 1), i64([]int64{0}, 1), i64([]int64{2}, 1)},
			want: f32([]float32{1, 3, 5, 7}, 4),
		},
		{
			name: "slice reverse",
			op:   "Slice",
			in:   []*Value{f32([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 10), i64([]int64{-1}, 1), i64([]int64{math.MinInt64}, 1), i64([]int64{0}, 1), i64([]int64{-3}, 1)},
			want: f32([]float32{9, 6, 3, 0}, 4),
		},
		{
			name: "slice inner axis",
			op:   "Slice",
			in:   []*Value{f32([]float32{1, 2, 3, 4, 5, 6}, 2, 3), i64([]int64{1}, 1), i64([]int64{math.MaxInt64}, 1), i64([]int64{1}, 1)},
			want: f32([]float32{2, 3, 5, 6}, 2, 2),
		},
		{
			name: "tile",
			op:   "Tile",
			in:   []*Value{f32([]float32{1, 2}, 1, 2), i64([]int64{2, 2}, 2)},
			want: f32([]float32{1, 2, 1, 2, 1, 2, 1, 2}, 2, 4),
		},
		{
			name: "gather scalar index",
			op:   "Gather",
			in:   []*Value{i64([]int64{7, 8, 9}, 3), i64([]int64{-1})},
			want: i64([]int64{9}),
		},
		{
			name:  "gather rows",
			op:    "Gather",
			in:    []*Value{f32([]float32{1, 2, 3, 4, 5, 6}, 3, 2), i64([]int64{2, 0}, 2)},
			attrs: []*Attribute{AttrInt("axis", 0)},
			want:  f32([]float32{5, 6, 1, 2}, 2, 2),
		},
		{
			name: "range",
			op:   "Range",
			in:   []*Value{i64([]int64{0}), i64([]int64{5}), i64([]int64{2})},
			want: i64([]int64{0, 2, 4}, 3),
		},
		{
			name:  "shape tail",
			op:    "Shape",
			in:    []*Value{f32(make([]float32, 24), 2, 3, 4)},
			attrs: []*Attribute{AttrInt("start", -2)},
			want:  i64([]int64{3, 4}, 2),
		},
		{
			name:  "reduce mean",
			op:    "ReduceMean",
			in:    []*Value{f32([]float32{1, 2, 3, 5}, 2, 2)},
			attrs: []*Attribute{AttrInts("axes", -1), AttrInt("keepdims", 1)},
			want:  f32([]float32{1.5, 4}, 2, 1),
		},
		{
			name: "matmul broadcast",
			op:   "MatMul",
			in:   []*Value{f32([]float32{1, 2, 3, 4}, 2, 1, 2), f32([]float32{0, 1, 1, 0}, 2, 2)},
			want: f32([]float32{2, 1, 4, 3}, 2, 1, 2),
		},
		{
			name: "softmax uniform",
			op:   "Softmax",
			in:   []*Value{f32([]float32{3, 3, 3, 3}, 1, 4)},
			want: f32([]float32{0.25, 0.25, 0.25, 0.25}, 1, 4),
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			n := &Node{Name: tt.name, OpType: tt.op, Attributes: tt.attrs}
			got, err := operators[tt.op](n, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got[0], cmpopts.EquateEmpty(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", tt.op, diff)
			}
		})
	}
}

func TestOperatorShapeErrors(t *testing.T) {
	cases := []struct {
		name string
		op   string
		in   []*Value
	}{
		{"add incompatible", "Add", []*Value{f32(make([]float32, 2), 2), f32(make([]float32, 3), 3)}},
		{"reshape count", "Reshape", []*Value{f32(make([]float32, 6), 2, 3), i64([]int64{4}, 1)}},
		{"matmul inner", "MatMul", []*Value{f32(make([]float32, 6), 2, 3), f32(make([]float32, 4), 2, 2)}},
		{"gather range", "Gather", []*Value{i64([]int64{1, 2}, 2), i64([]int64{2})}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := operators[tt.op](&Node{OpType: tt.op}, tt.in); err == nil {
				t.Errorf("%s: Fehler erwartet", tt.op)
			}
		})
	}
}

func TestConvMatchesKernel(t *testing.T) {
	x := ml.Zeros(1, 2, 5, 6)
	w := ml.Zeros(3, 2, 3, 3)
	for i := range x.Data {
		x.Data[i] = float32(i%7) - 3
	}
	for i := range w.Data {
		w.Data[i] = float32(i%5) * 0.1
	}
	bias := []float32{1, 0, -1}

	want, err := nn.Conv2D(x, w, &ml.Tensor{Shape: []int{3}, Data: bias}, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	n := &Node{OpType: "Conv", Attributes: []*Attribute{
		AttrInts("kernel_shape", 3, 3), AttrInts("strides", 2, 2), AttrInts("pads", 1, 1, 1, 1),
	}}
	got, err := conv(n, []*Value{FloatValue(x), FloatValue(w), f32(bias, 3)})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want.Shape, got[0].Shape); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Data, got[0].Float); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
}

func linearGraph(t *testing.T, w, b *ml.Tensor) *Model {
	t.Helper()
	wt, err := ml.Transpose2D(w)
	if err != nil {
		t.Fatal(err)
	}

	g := NewBuilder("linear")
	x := g.Input("x", DataTypeFloat, Dim{Value: 1}, Dim{Param: "seq_len"}, Dim{Value: int64(w.Shape[1])})
	h := g.Op("MatMul", []string{x, g.Initializer("w", wt)})
	y := g.OpTo("y", "Add", []string{h, g.Initializer("b", b)})
	g.Output(y, DataTypeFloat, Dim{Value: 1}, Dim{Param: "seq_len"}, Dim{Value: int64(w.Shape[0])})
	return g.Model()
}

func TestInterpreterMatchesLinear(t *testing.T) {
	w, _ := ml.NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b, _ := ml.NewTensor([]float32{0.5, -0.5}, 2)
	x, _ := ml.NewTensor([]float32{1, 0, -1, 2, 2, 2, 0.5, 0.25, 0}, 1, 3, 3)

	rt, err := NewInterpreter(linearGraph(t, w, b))
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	out, err := rt.Run(context.Background(), map[string]*Value{"x": FloatValue(x)})
	if err != nil {
		t.Fatal(err)
	}
	got, err := out["y"].Tensor()
	if err != nil {
		t.Fatal(err)
	}

	want, _ := nn.Linear(x, w, b)
	if d, err := ml.MaxAbsDiff(want, got); err != nil || d > 1e-6 {
		t.Errorf("max abs diff %v (err %v)", d, err)
	}
}

func TestInterpreterInputValidation(t *testing.T) {
	w, _ := ml.NewTensor(make([]float32, 6), 2, 3)
	b, _ := ml.NewTensor(make([]float32, 2), 2)
	rt, err := NewInterpreter(linearGraph(t, w, b))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		feeds map[string]*Value
	}{
		{"missing", map[string]*Value{}},
		{"dtype", map[string]*Value{"x": i64(make([]int64, 3), 1, 1, 3)}},
		{"rank", map[string]*Value{"x": f32(make([]float32, 3), 1, 3)}},
		{"fixed dim", map[string]*Value{"x": f32(make([]float32, 4), 1, 1, 4)}},
		{"data length", map[string]*Value{"x": f32(make([]float32, 2), 1, 1, 3)}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rt.Run(context.Background(), tt.feeds); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestInterpreterSymbolicDimBinding(t *testing.T) {
	g := NewBuilder("pair")
	a := g.Input("a", DataTypeFloat, Dim{Param: "n"})
	b := g.Input("b", DataTypeFloat, Dim{Param: "n"})
	g.Output(g.OpTo("c", "Add", []string{a, b}), DataTypeFloat, Dim{Param: "n"})

	rt, err := NewInterpreter(g.Model())
	if err != nil {
		t.Fatal(err)
	}
	_, err = rt.Run(context.Background(), map[string]*Value{
		"a": f32([]float32{1, 2}, 2),
		"b": f32([]float32{1, 2, 3}, 3),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Got %v, want ErrInvalidInput", err)
	}
}

func TestInterpreterUnsupportedOperator(t *testing.T) {
	g := NewBuilder("bad")
	x := g.Input("x", DataTypeFloat, Dim{Value: 1})
	g.Output(g.OpTo("y", "NonMaxSuppression", []string{x}), DataTypeFloat, Dim{Value: 1})

	if _, err := NewInterpreter(g.Model()); !errors.Is(err, ErrUnsupportedOperator) {
		t.Errorf("Got %v, want ErrUnsupportedOperator", err)
	}
}

func TestInterpreterCanceled(t *testing.T) {
	w, _ := ml.NewTensor(make([]float32, 6), 2, 3)
	b, _ := ml.NewTensor(make([]float32, 2), 2)
	rt, err := NewInterpreter(linearGraph(t, w, b))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rt.Run(ctx, map[string]*Value{"x": f32(make([]float32, 3), 1, 1, 3)})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Got %v, want context.Canceled", err)
	}
}
