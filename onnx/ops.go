// ops.go - Operator-Implementierungen des Interpreters (Opset 17 Teilmenge)
//
// Enthaelt:
// - Elementweise Operatoren mit Broadcasting (Add, Sub, Mul, Div, Greater, Where)
// - Unaere Operatoren (Erf, Sin, Cos, Sqrt, Neg, Sigmoid, Cast, Identity)
// - Shape-Operatoren (Shape, Gather, Range, Unsqueeze, Reshape, Transpose, Concat, Slice, Tile)
// - Rechen-Operatoren (MatMul, Conv, LayerNormalization, Softmax, ReduceMean)
package onnx

import (
	"fmt"
	"math"
	"slices"

	"github.com/ollama/asrexport/ml"
)

type operator func(n *Node, in []*Value) ([]*Value, error)

var operators map[string]operator

func init() {
	operators = map[string]operator{
		"Add": arith(func(a, b float32) float32 { return a + b }, func(a, b int64) int64 { return a + b }),
		"Sub": arith(func(a, b float32) float32 { return a - b }, func(a, b int64) int64 { return a - b }),
		"Mul": arith(func(a, b float32) float32 { return a * b }, func(a, b int64) int64 { return a * b }),
		"Div": arith(func(a, b float32) float32 { return a / b }, divInt),

		"Greater": compare(func(a, b float32) bool { return a > b }, func(a, b int64) bool { return a > b }),
		"Where":   where,

		"Erf":     unary(math.Erf),
		"Sin":     unary(math.Sin),
		"Cos":     unary(math.Cos),
		"Sqrt":    unary(math.Sqrt),
		"Sigmoid": unary(sigmoid),
		"Neg":     neg,

		"Cast":     cast,
		"Identity": func(_ *Node, in []*Value) ([]*Value, error) { return []*Value{in[0]}, nil },

		"Shape":     shape,
		"Gather":    gather,
		"Range":     rangeOp,
		"Unsqueeze": unsqueeze,
		"Reshape":   reshape,
		"Transpose": transpose,
		"Concat":    concat,
		"Slice":     slice,
		"Tile":      tile,

		"MatMul":             matmul,
		"Conv":               conv,
		"LayerNormalization": layerNorm,
		"Softmax":            softmax,
		"ReduceMean":         reduceMean,
	}
}

// ============================================================================
// Elementweise Operatoren
// ============================================================================

func arith(ff func(a, b float32) float32, fi func(a, b int64) int64) operator {
	return func(_ *Node, in []*Value) ([]*Value, error) {
		a, b := in[0], in[1]
		if a.DataType != b.DataType {
			return nil, fmt.Errorf("%w: operand types %s and %s", ErrInvalidInput, a.DataType, b.DataType)
		}

		shape, err := broadcastShape(a.Shape, b.Shape)
		if err != nil {
			return nil, err
		}

		n := ml.Elements(shape...)
		c := newCursor(shape, broadcastStrides(a.Shape, shape), broadcastStrides(b.Shape, shape))
		out := &Value{DataType: a.DataType, Shape: shape}
		switch a.DataType {
		case DataTypeFloat:
			out.Float = make([]float32, n)
			for i := range out.Float {
				out.Float[i] = ff(a.Float[c.offs[0]], b.Float[c.offs[1]])
				c.next()
			}
		case DataTypeInt64:
			out.Int64 = make([]int64, n)
			for i := range out.Int64 {
				out.Int64[i] = fi(a.Int64[c.offs[0]], b.Int64[c.offs[1]])
				c.next()
			}
		default:
			return nil, fmt.Errorf("%w: arithmetic on %s", ErrInvalidInput, a.DataType)
		}
		return []*Value{out}, nil
	}
}

func divInt(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func compare(ff func(a, b float32) bool, fi func(a, b int64) bool) operator {
	return func(_ *Node, in []*Value) ([]*Value, error) {
		a, b := in[0], in[1]
		if a.DataType != b.DataType {
			return nil, fmt.Errorf("%w: operand types %s and %s", ErrInvalidInput, a.DataType, b.DataType)
		}

		shape, err := broadcastShape(a.Shape, b.Shape)
		if err != nil {
			return nil, err
		}

		c := newCursor(shape, broadcastStrides(a.Shape, shape), broadcastStrides(b.Shape, shape))
		out := &Value{DataType: DataTypeBool, Shape: shape, Int64: make([]int64, ml.Elements(shape...))}
		for i := range out.Int64 {
			var r bool
			if a.DataType == DataTypeFloat {
				r = ff(a.Float[c.offs[0]], b.Float[c.offs[1]])
			} else {
				r = fi(a.Int64[c.offs[0]], b.Int64[c.offs[1]])
			}
			if r {
				out.Int64[i] = 1
			}
			c.next()
		}
		return []*Value{out}, nil
	}
}

func where(_ *Node, in []*Value) ([]*Value, error) {
	cond, x, y := in[0], in[1], in[2]
	if cond.DataType != DataTypeBool || x.DataType != y.DataType {
		return nil, fmt.Errorf("%w: Where(%s, %s, %s)", ErrInvalidInput, cond.DataType, x.DataType, y.DataType)
	}

	shape, err := broadcastShape(cond.Shape, x.Shape, y.Shape)
	if err != nil {
		return nil, err
	}

	n := ml.Elements(shape...)
	src := make([]int, n)
	fromX := make([]bool, n)
	c := newCursor(shape, broadcastStrides(cond.Shape, shape), broadcastStrides(x.Shape, shape), broadcastStrides(y.Shape, shape))
	for i := range n {
		if cond.Int64[c.offs[0]] != 0 {
			src[i], fromX[i] = c.offs[1], true
		} else {
			src[i] = c.offs[2]
		}
		c.next()
	}

	out := &Value{DataType: x.DataType, Shape: shape}
	if x.DataType == DataTypeFloat {
		out.Float = make([]float32, n)
		for i, s := range src {
			if fromX[i] {
				out.Float[i] = x.Float[s]
			} else {
				out.Float[i] = y.Float[s]
			}
		}
	} else {
		out.Int64 = make([]int64, n)
		for i, s := range src {
			if fromX[i] {
				out.Int64[i] = x.Int64[s]
			} else {
				out.Int64[i] = y.Int64[s]
			}
		}
	}
	return []*Value{out}, nil
}

func unary(f func(float64) float64) operator {
	return func(_ *Node, in []*Value) ([]*Value, error) {
		x := in[0]
		if x.DataType != DataTypeFloat {
			return nil, fmt.Errorf("%w: unary op on %s", ErrInvalidInput, x.DataType)
		}

		out := &Value{DataType: DataTypeFloat, Shape: slices.Clone(x.Shape), Float: make([]float32, len(x.Float))}
		for i, v := range x.Float {
			out.Float[i] = float32(f(float64(v)))
		}
		return []*Value{out}, nil
	}
}

func neg(_ *Node, in []*Value) ([]*Value, error) {
	x := in[0]
	out := &Value{DataType: x.DataType, Shape: slices.Clone(x.Shape)}
	switch x.DataType {
	case DataTypeFloat:
		out.Float = make([]float32, len(x.Float))
		for i, v := range x.Float {
			out.Float[i] = -v
		}
	case DataTypeInt64:
		out.Int64 = make([]int64, len(x.Int64))
		for i, v := range x.Int64 {
			out.Int64[i] = -v
		}
	default:
		return nil, fmt.Errorf("%w: Neg on %s", ErrInvalidInput, x.DataType)
	}
	return []*Value{out}, nil
}

func cast(n *Node, in []*Value) ([]*Value, error) {
	x := in[0]
	to := DataType(attrInt(n, "to", 0))
	out := &Value{DataType: to, Shape: slices.Clone(x.Shape)}

	switch {
	case to == x.DataType:
		out.Float, out.Int64 = x.Float, x.Int64
	case to == DataTypeFloat:
		out.Float = make([]float32, len(x.Int64))
		for i, v := range x.Int64 {
			out.Float[i] = float32(v)
		}
	case to == DataTypeInt64 && x.DataType == DataTypeFloat:
		out.Int64 = make([]int64, len(x.Float))
		for i, v := range x.Float {
			out.Int64[i] = int64(v)
		}
	case to == DataTypeInt64:
		out.Int64 = x.Int64
	case to == DataTypeBool:
		out.Int64 = make([]int64, x.Elements())
		for i := range out.Int64 {
			if (x.DataType == DataTypeFloat && x.Float[i] != 0) || (x.DataType != DataTypeFloat && x.Int64[i] != 0) {
				out.Int64[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("%w: Cast from %s to %s", ErrInvalidInput, x.DataType, to)
	}
	return []*Value{out}, nil
}

// ============================================================================
// Shape-Operatoren
// ============================================================================

func shape(n *Node, in []*Value) ([]*Value, error) {
	rank := int64(len(in[0].Shape))
	start, end := attrInt(n, "start", 0), attrInt(n, "end", rank)
	if start < 0 {
		start += rank
	}
	if end < 0 {
		end += rank
	}
	start, end = min(max(start, 0), rank), min(max(end, 0), rank)
	end = max(end, start)

	dims := make([]int64, 0, end-start)
	for _, d := range in[0].Shape[start:end] {
		dims = append(dims, int64(d))
	}
	return []*Value{Int64Value(dims, len(dims))}, nil
}

func gather(n *Node, in []*Value) ([]*Value, error) {
	data, indices := in[0], in[1]
	axis, err := normAxis(attrInt(n, "axis", 0), len(data.Shape))
	if err != nil {
		return nil, err
	}
	idx, err := intsOf(indices)
	if err != nil {
		return nil, err
	}

	dim := data.Shape[axis]
	outer := ml.Elements(data.Shape[:axis]...)
	inner := ml.Elements(data.Shape[axis+1:]...)

	src := make([]int, 0, outer*len(idx)*inner)
	for o := range outer {
		for _, j := range idx {
			if j < 0 {
				j += int64(dim)
			}
			if j < 0 || j >= int64(dim) {
				return nil, fmt.Errorf("%w: gather index %d out of range %d", ErrInvalidInput, j, dim)
			}
			base := (o*dim + int(j)) * inner
			for k := range inner {
				src = append(src, base+k)
			}
		}
	}

	shape := slices.Concat(data.Shape[:axis], indices.Shape, data.Shape[axis+1:])
	return []*Value{take(data, shape, src)}, nil
}

func rangeOp(_ *Node, in []*Value) ([]*Value, error) {
	if in[0].DataType == DataTypeFloat {
		start, limit, delta := in[0].Float[0], in[1].Float[0], in[2].Float[0]
		count := max(int(math.Ceil(float64((limit-start)/delta))), 0)
		out := make([]float32, count)
		for i := range out {
			out[i] = start + float32(i)*delta
		}
		return []*Value{{DataType: DataTypeFloat, Shape: []int{count}, Float: out}}, nil
	}

	start, limit, delta := in[0].Int64[0], in[1].Int64[0], in[2].Int64[0]
	if delta == 0 {
		return nil, fmt.Errorf("%w: Range with zero delta", ErrInvalidInput)
	}
	count := max(int(math.Ceil(float64(limit-start)/float64(delta))), 0)
	out := make([]int64, count)
	for i := range out {
		out[i] = start + int64(i)*delta
	}
	return []*Value{Int64Value(out, count)}, nil
}

func unsqueeze(_ *Node, in []*Value) ([]*Value, error) {
	axes, err := intsOf(in[1])
	if err != nil {
		return nil, err
	}

	rank := len(in[0].Shape) + len(axes)
	insert := make([]bool, rank)
	for _, a := range axes {
		ax, err := normAxis(a, rank)
		if err != nil {
			return nil, err
		}
		if insert[ax] {
			return nil, fmt.Errorf("%w: duplicate unsqueeze axis %d", ErrInvalidInput, a)
		}
		insert[ax] = true
	}

	shape := make([]int, 0, rank)
	rest := in[0].Shape
	for _, ins := range insert {
		if ins {
			shape = append(shape, 1)
		} else {
			shape = append(shape, rest[0])
			rest = rest[1:]
		}
	}

	out, err := reshaped(in[0], shape)
	if err != nil {
		return nil, err
	}
	return []*Value{out}, nil
}

func reshape(_ *Node, in []*Value) ([]*Value, error) {
	target, err := intsOf(in[1])
	if err != nil {
		return nil, err
	}

	shape := make([]int, len(target))
	infer := -1
	known := 1
	for i, d := range target {
		switch {
		case d == 0:
			if i >= len(in[0].Shape) {
				return nil, fmt.Errorf("%w: reshape copies dim %d of %v", ml.ErrShapeMismatch, i, in[0].Shape)
			}
			shape[i] = in[0].Shape[i]
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("%w: reshape %v has more than one -1", ml.ErrShapeMismatch, target)
			}
			infer = i
			continue
		default:
			shape[i] = int(d)
		}
		known *= shape[i]
	}

	if infer >= 0 {
		if known == 0 {
			return nil, fmt.Errorf("%w: cannot infer dim of %v from %v", ml.ErrShapeMismatch, target, in[0].Shape)
		}
		shape[infer] = in[0].Elements() / known
	}

	out, err := reshaped(in[0], shape)
	if err != nil {
		return nil, err
	}
	return []*Value{out}, nil
}

func transpose(n *Node, in []*Value) ([]*Value, error) {
	x := in[0]
	rank := len(x.Shape)

	perm := attrInts(n, "perm")
	if perm == nil {
		for i := rank - 1; i >= 0; i-- {
			perm = append(perm, int64(i))
		}
	}
	if len(perm) != rank {
		return nil, fmt.Errorf("%w: perm %v for rank %d", ml.ErrShapeMismatch, perm, rank)
	}

	src := stridesOf(x.Shape)
	shape := make([]int, rank)
	strides := make([]int, rank)
	for i, p := range perm {
		shape[i] = x.Shape[p]
		strides[i] = src[p]
	}

	return []*Value{take(x, shape, offsets(shape, 0, strides))}, nil
}

// offsets zaehlt die Quell-Offsets einer strided Sicht row-major auf.
func offsets(shape []int, base int, strides []int) []int {
	n := ml.Elements(shape...)
	out := make([]int, n)
	c := newCursor(shape, strides)
	c.offs[0] = base
	for i := range out {
		out[i] = c.offs[0]
		c.next()
	}
	return out
}

func concat(n *Node, in []*Value) ([]*Value, error) {
	first := in[0]
	axis, err := normAxis(attrInt(n, "axis", 0), len(first.Shape))
	if err != nil {
		return nil, err
	}

	shape := slices.Clone(first.Shape)
	shape[axis] = 0
	for _, v := range in {
		if v.DataType != first.DataType || len(v.Shape) != len(shape) {
			return nil, fmt.Errorf("%w: concat %s%v with %s%v", ml.ErrShapeMismatch, first.DataType, first.Shape, v.DataType, v.Shape)
		}
		for i, d := range v.Shape {
			if i != axis && d != first.Shape[i] {
				return nil, fmt.Errorf("%w: concat %v with %v on axis %d", ml.ErrShapeMismatch, first.Shape, v.Shape, axis)
			}
		}
		shape[axis] += v.Shape[axis]
	}

	outer := ml.Elements(shape[:axis]...)
	inner := ml.Elements(shape[axis+1:]...)
	out := &Value{DataType: first.DataType, Shape: shape}
	if first.DataType == DataTypeFloat {
		out.Float = make([]float32, 0, ml.Elements(shape...))
	} else {
		out.Int64 = make([]int64, 0, ml.Elements(shape...))
	}

	for o := range outer {
		for _, v := range in {
			block := v.Shape[axis] * inner
			if first.DataType == DataTypeFloat {
				out.Float = append(out.Float, v.Float[o*block:(o+1)*block]...)
			} else {
				out.Int64 = append(out.Int64, v.Int64[o*block:(o+1)*block]...)
			}
		}
	}
	return []*Value{out}, nil
}

func slice(_ *Node, in []*Value) ([]*Value, error) {
	x := in[0]
	rank := len(x.Shape)

	starts, err := intsOf(in[1])
	if err != nil {
		return nil, err
	}
	ends, err := intsOf(in[2])
	if err != nil {
		return nil, err
	}
	if len(starts) != len(ends) {
		return nil, fmt.Errorf("%w: %d starts and %d ends", ErrInvalidInput, len(starts), len(ends))
	}

	axes := make([]int64, len(starts))
	for i := range axes {
		axes[i] = int64(i)
	}
	if len(in) > 3 && in[3] != nil {
		if axes, err = intsOf(in[3]); err != nil {
			return nil, err
		}
	}
	steps := make([]int64, len(starts))
	for i := range steps {
		steps[i] = 1
	}
	if len(in) > 4 && in[4] != nil {
		if steps, err = intsOf(in[4]); err != nil {
			return nil, err
		}
	}

	shape := slices.Clone(x.Shape)
	src := stridesOf(x.Shape)
	strides := slices.Clone(src)
	base := 0
	for i, a := range axes {
		ax, err := normAxis(a, rank)
		if err != nil {
			return nil, err
		}

		dim := int64(x.Shape[ax])
		start, end, step := starts[i], ends[i], steps[i]
		if step == 0 {
			return nil, fmt.Errorf("%w: slice step 0", ErrInvalidInput)
		}
		if start < 0 {
			start += dim
		}
		if end < 0 {
			end += dim
		}

		var count int64
		if step > 0 {
			start, end = min(max(start, 0), dim), min(max(end, 0), dim)
			count = max((end-start+step-1)/step, 0)
		} else {
			start, end = min(max(start, 0), dim-1), min(max(end, -1), dim-1)
			count = max((start-end-step-1)/(-step), 0)
		}

		shape[ax] = int(count)
		strides[ax] = src[ax] * int(step)
		if count > 0 {
			base += int(start) * src[ax]
		}
	}

	return []*Value{take(x, shape, offsets(shape, base, strides))}, nil
}

func tile(_ *Node, in []*Value) ([]*Value, error) {
	x := in[0]
	repeats, err := intsOf(in[1])
	if err != nil {
		return nil, err
	}
	if len(repeats) != len(x.Shape) {
		return nil, fmt.Errorf("%w: %d repeats for rank %d", ml.ErrShapeMismatch, len(repeats), len(x.Shape))
	}

	shape := make([]int, len(x.Shape))
	for i, r := range repeats {
		shape[i] = x.Shape[i] * int(r)
	}

	strides := stridesOf(x.Shape)
	src := make([]int, ml.Elements(shape...))
	c := newCursor(shape)
	for i := range src {
		for d, j := range c.idx {
			src[i] += (j % x.Shape[d]) * strides[d]
		}
		c.next()
	}
	return []*Value{take(x, shape, src)}, nil
}

// ============================================================================
// Rechen-Operatoren
// ============================================================================

func matmul(_ *Node, in []*Value) ([]*Value, error) {
	a, b := in[0], in[1]
	if a.DataType != DataTypeFloat || b.DataType != DataTypeFloat {
		return nil, fmt.Errorf("%w: MatMul on %s and %s", ErrInvalidInput, a.DataType, b.DataType)
	}
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("%w: MatMul needs rank >= 2, got %v and %v", ml.ErrShapeMismatch, a.Shape, b.Shape)
	}

	ra, rb := len(a.Shape), len(b.Shape)
	m, k, n := a.Shape[ra-2], a.Shape[ra-1], b.Shape[rb-1]
	if b.Shape[rb-2] != k {
		return nil, fmt.Errorf("%w: MatMul %v x %v", ml.ErrShapeMismatch, a.Shape, b.Shape)
	}

	batchA, batchB := a.Shape[:ra-2], b.Shape[:rb-2]
	batch, err := broadcastShape(batchA, batchB)
	if err != nil {
		return nil, err
	}

	out := &Value{DataType: DataTypeFloat, Shape: append(slices.Clone(batch), m, n)}
	out.Float = make([]float32, ml.Elements(out.Shape...))

	c := newCursor(batch, broadcastStrides(batchA, batch), broadcastStrides(batchB, batch))
	for i := range ml.Elements(batch...) {
		oa, ob := c.offs[0]*m*k, c.offs[1]*k*n
		matMulKernel(out.Float[i*m*n:(i+1)*m*n], a.Float[oa:oa+m*k], b.Float[ob:ob+k*n], m, k, n)
		c.next()
	}
	return []*Value{out}, nil
}

func conv(n *Node, in []*Value) ([]*Value, error) {
	x, w := in[0], in[1]
	if len(x.Shape) != 4 || len(w.Shape) != 4 || w.Shape[1] != x.Shape[1] {
		return nil, fmt.Errorf("%w: Conv input %v with weight %v", ml.ErrShapeMismatch, x.Shape, w.Shape)
	}
	if g := attrInt(n, "group", 1); g != 1 {
		return nil, fmt.Errorf("%w: Conv with group %d", ErrUnsupportedOperator, g)
	}
	for _, d := range attrInts(n, "dilations") {
		if d != 1 {
			return nil, fmt.Errorf("%w: Conv with dilation %d", ErrUnsupportedOperator, d)
		}
	}

	stride, pad := int64(1), int64(0)
	if s := attrInts(n, "strides"); len(s) > 0 {
		stride = s[0]
		for _, v := range s {
			if v != stride {
				return nil, fmt.Errorf("%w: Conv with strides %v", ErrUnsupportedOperator, s)
			}
		}
	}
	if p := attrInts(n, "pads"); len(p) > 0 {
		pad = p[0]
		for _, v := range p {
			if v != pad {
				return nil, fmt.Errorf("%w: Conv with pads %v", ErrUnsupportedOperator, p)
			}
		}
	}

	var bias []float32
	if len(in) > 2 && in[2] != nil {
		bias = in[2].Float
	}

	batch, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, kh, kw := w.Shape[0], w.Shape[2], w.Shape[3]

	var data []float32
	var oh, ow int
	for b := range batch {
		var y []float32
		y, oh, ow = convKernel(x.Float[b*cin*h*wd:(b+1)*cin*h*wd], cin, h, wd, w.Float, cout, kh, kw, bias, int(stride), int(pad))
		data = append(data, y...)
	}
	return []*Value{{DataType: DataTypeFloat, Shape: []int{batch, cout, oh, ow}, Float: data}}, nil
}

func lastAxis(n *Node, x *Value, def int64) error {
	axis, err := normAxis(attrInt(n, "axis", def), len(x.Shape))
	if err != nil {
		return err
	}
	if axis != len(x.Shape)-1 {
		return fmt.Errorf("%w: %s over axis %d", ErrUnsupportedOperator, n.OpType, axis)
	}
	return nil
}

func layerNorm(n *Node, in []*Value) ([]*Value, error) {
	x, scale := in[0], in[1]
	if err := lastAxis(n, x, -1); err != nil {
		return nil, err
	}

	width := x.Shape[len(x.Shape)-1]
	if scale.Elements() != width {
		return nil, fmt.Errorf("%w: layer norm scale %v for width %d", ml.ErrShapeMismatch, scale.Shape, width)
	}

	var bias []float32
	if len(in) > 2 && in[2] != nil {
		bias = in[2].Float
	}

	out := &Value{DataType: DataTypeFloat, Shape: slices.Clone(x.Shape), Float: make([]float32, len(x.Float))}
	layerNormKernel(out.Float, x.Float, scale.Float, bias, width, float64(attrFloat(n, "epsilon", 1e-5)))
	return []*Value{out}, nil
}

func softmax(n *Node, in []*Value) ([]*Value, error) {
	x := in[0]
	if err := lastAxis(n, x, -1); err != nil {
		return nil, err
	}

	out := &Value{DataType: DataTypeFloat, Shape: slices.Clone(x.Shape), Float: make([]float32, len(x.Float))}
	if len(x.Float) > 0 {
		softmaxKernel(out.Float, x.Float, x.Shape[len(x.Shape)-1])
	}
	return []*Value{out}, nil
}

func reduceMean(n *Node, in []*Value) ([]*Value, error) {
	x := in[0]
	rank := len(x.Shape)

	reduce := make([]bool, rank)
	axes := attrInts(n, "axes")
	if len(axes) == 0 {
		for i := range reduce {
			reduce[i] = true
		}
	}
	for _, a := range axes {
		ax, err := normAxis(a, rank)
		if err != nil {
			return nil, err
		}
		reduce[ax] = true
	}

	kept := make([]int, rank)
	count := 1
	for i, d := range x.Shape {
		if reduce[i] {
			kept[i] = 1
			count *= d
		} else {
			kept[i] = d
		}
	}

	sums := make([]float64, ml.Elements(kept...))
	c := newCursor(x.Shape, broadcastStrides(kept, x.Shape))
	for _, v := range x.Float {
		sums[c.offs[0]] += float64(v)
		c.next()
	}

	out := &Value{DataType: DataTypeFloat, Float: make([]float32, len(sums))}
	for i, s := range sums {
		out.Float[i] = float32(s / float64(count))
	}

	if attrInt(n, "keepdims", 1) == 1 {
		out.Shape = kept
	} else {
		for i, d := range kept {
			if !reduce[i] {
				out.Shape = append(out.Shape, d)
			}
		}
	}
	return []*Value{out}, nil
}
