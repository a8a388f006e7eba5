// MODUL: onnx/interpreter
// ZWECK: Reine Go Ausfuehrung von ONNX Graphen fuer die Export-Validierung
// INPUT: Model (Initializer aufgeloest), benannte Eingaben
// OUTPUT: benannte Ausgaben
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: ml (Rechen-Kernel in kernels.go)
// HINWEISE: Knoten laufen in Graph-Reihenfolge (topologisch, wie vom Builder erzeugt).
//           Zwischenwerte werden nach ihrer letzten Verwendung freigegeben.

package onnx

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ollama/asrexport/logutil"
)

// Interpreter implementiert Runtime ohne native Abhaengigkeiten.
type Interpreter struct {
	graph   *Graph
	inits   map[string]*Value
	lastUse map[string]int
	outputs map[string]struct{}
}

// NewInterpreter bereitet m fuer die Ausfuehrung vor und uebernimmt dabei
// die Rohdaten der Initializer. Unbekannte Operatoren werden hier und nicht
// erst in Run gemeldet.
func NewInterpreter(m *Model) (*Interpreter, error) {
	g := m.Graph
	in := &Interpreter{
		graph:   g,
		inits:   make(map[string]*Value, len(g.Initializers)),
		lastUse: make(map[string]int),
		outputs: make(map[string]struct{}, len(g.Outputs)),
	}

	for _, t := range g.Initializers {
		v, err := valueFromTensorProto(t)
		if err != nil {
			return nil, err
		}
		in.inits[t.Name] = v
		t.RawData = nil
	}

	for i, n := range g.Nodes {
		if _, ok := operators[n.OpType]; !ok || n.Domain != "" {
			return nil, fmt.Errorf("%w: %s (node %s)", ErrUnsupportedOperator, n.OpType, n.Name)
		}
		for _, name := range n.Inputs {
			in.lastUse[name] = i
		}
	}

	for _, o := range g.Outputs {
		in.outputs[o.Name] = struct{}{}
	}
	return in, nil
}

func (in *Interpreter) checkFeeds(feeds map[string]*Value) error {
	params := make(map[string]int)
	for _, vi := range in.graph.Inputs {
		v, ok := feeds[vi.Name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrInvalidInput, vi.Name)
		}
		if err := v.check(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidInput, vi.Name, err)
		}
		if v.DataType != vi.ElemType {
			return fmt.Errorf("%w: %s has type %s, want %s", ErrInvalidInput, vi.Name, v.DataType, vi.ElemType)
		}
		if len(v.Shape) != len(vi.Shape) {
			return fmt.Errorf("%w: %s has rank %d, want %d", ErrInvalidInput, vi.Name, len(v.Shape), len(vi.Shape))
		}

		for i, d := range vi.Shape {
			got := v.Shape[i]
			switch {
			case d.Param != "":
				if prev, ok := params[d.Param]; ok && prev != got {
					return fmt.Errorf("%w: %s dim %s = %d, bound to %d", ErrInvalidInput, vi.Name, d.Param, got, prev)
				}
				params[d.Param] = got
			case int64(got) != d.Value:
				return fmt.Errorf("%w: %s dim %d = %d, want %d", ErrInvalidInput, vi.Name, i, got, d.Value)
			}
		}
	}
	return nil
}

// Run fuehrt den Graphen aus.
func (in *Interpreter) Run(ctx context.Context, feeds map[string]*Value) (map[string]*Value, error) {
	if err := in.checkFeeds(feeds); err != nil {
		return nil, err
	}

	env := make(map[string]*Value, len(in.inits)+len(feeds))
	for name, v := range in.inits {
		env[name] = v
	}
	for name, v := range feeds {
		env[name] = v
	}

	for i, n := range in.graph.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		args := make([]*Value, len(n.Inputs))
		for j, name := range n.Inputs {
			if name == "" {
				continue
			}
			v, ok := env[name]
			if !ok {
				return nil, fmt.Errorf("node %s: input %s is undefined", n.Name, name)
			}
			args[j] = v
		}

		results, err := operators[n.OpType](n, args)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", n.Name, n.OpType, err)
		}
		for j, name := range n.Outputs {
			env[name] = results[j]
		}
		logutil.Trace("onnx node", "name", n.Name, "op", n.OpType, "out", results[0])

		for _, name := range n.Inputs {
			if in.lastUse[name] != i {
				continue
			}
			if _, ok := in.inits[name]; ok {
				continue
			}
			if _, ok := in.outputs[name]; ok {
				continue
			}
			delete(env, name)
		}
	}

	out := make(map[string]*Value, len(in.graph.Outputs))
	for _, o := range in.graph.Outputs {
		v, ok := env[o.Name]
		if !ok {
			return nil, fmt.Errorf("output %s was not produced", o.Name)
		}
		out[o.Name] = v
	}

	slog.Debug("onnx graph executed", "graph", in.graph.Name, "nodes", len(in.graph.Nodes))
	return out, nil
}

func (in *Interpreter) Close() error {
	in.inits = nil
	return nil
}
