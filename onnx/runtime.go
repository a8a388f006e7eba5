// MODUL: onnx/runtime
// ZWECK: Gemeinsame Schnittstelle fuer Graph-Ausfuehrung (Go-Interpreter, ONNX Runtime)
// INPUT: Modellpfad bzw. Model, benannte Eingaben
// OUTPUT: benannte Ausgaben
// NEBENEFFEKTE: ORT-Backend alloziert native Ressourcen
// ABHAENGIGKEITEN: keine
// HINWEISE: Close MUSS aufgerufen werden

package onnx

import (
	"cmp"
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedOperator = errors.New("onnx: unsupported operator")
	ErrInvalidInput        = errors.New("onnx: invalid input")
	ErrRuntimeUnavailable  = errors.New("onnx: runtime unavailable")
)

// Runtime fuehrt einen geladenen Graphen aus.
type Runtime interface {
	Run(ctx context.Context, feeds map[string]*Value) (map[string]*Value, error)
	Close() error
}

const (
	RuntimeGo  = "go"
	RuntimeORT = "ort"
)

// CheckRuntime prueft, ob das Backend name in diesem Build nutzbar ist.
// Leer steht fuer DefaultRuntime.
func CheckRuntime(name string) error {
	switch cmp.Or(name, DefaultRuntime) {
	case RuntimeGo:
		return nil
	case RuntimeORT:
		return checkORT()
	default:
		return fmt.Errorf("%w: unknown runtime %q", ErrRuntimeUnavailable, name)
	}
}

// Open laedt path fuer das Backend name. Leer steht fuer DefaultRuntime.
func Open(name, path string) (Runtime, error) {
	switch cmp.Or(name, DefaultRuntime) {
	case RuntimeGo:
		m, err := Load(path)
		if err != nil {
			return nil, err
		}
		return NewInterpreter(m)
	case RuntimeORT:
		return NewORTRuntime(path)
	default:
		return nil, fmt.Errorf("%w: unknown runtime %q", ErrRuntimeUnavailable, name)
	}
}
