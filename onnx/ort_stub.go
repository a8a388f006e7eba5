//go:build !(ort && cgo)

package onnx

import "fmt"

// DefaultRuntime ist ohne onnxruntime der Go-Interpreter.
const DefaultRuntime = RuntimeGo

func checkORT() error {
	return fmt.Errorf("%w: built without onnxruntime support (use -tags ort)", ErrRuntimeUnavailable)
}

// NewORTRuntime ist ohne den Build-Tag "ort" (und cgo) nicht verfuegbar.
func NewORTRuntime(path string) (Runtime, error) {
	return nil, checkORT()
}
