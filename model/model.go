// Package model - Architektur-Registry und Gewichtsbindung
//
// Dieses Paket ordnet Architektur-Namen aus config.json den Config-Parsern
// der einzelnen Modelle zu und bindet Gewichte per Struct-Tags.
//
// Hauptkomponenten:
// - Config: Interface fuer aufgeloeste Modell-Konfigurationen
// - Register: Registriert Config-Parser je Architektur
// - New: Parst config.json fuer eine registrierte Architektur
// - Bind: Befuellt Parameter-Strukturen aus einem Store (bind.go)

package model

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ollama/asrexport/ml"
)

// Fehler-Definitionen
var ErrUnsupportedModel = errors.New("model not supported")

// Config ist eine aufgeloeste, validierte Modell-Konfiguration.
type Config interface {
	Architecture() string
}

// Validator ist ein optionales Interface fuer Pruefungen nach dem Binden
type Validator interface {
	Validate() error
}

// Store liefert Tensoren per Namen. Fehlende Namen melden einen Fehler,
// der safetensors.ErrWeightNotFound umschliesst.
type Store interface {
	Tensor(name string) (*ml.Tensor, error)
}

// configs speichert registrierte Config-Parser
var configs = make(map[string]func([]byte) (Config, error))

// Register registriert einen Config-Parser fuer eine Architektur
func Register(name string, f func([]byte) (Config, error)) {
	if _, ok := configs[name]; ok {
		panic("model: model already registered")
	}

	configs[name] = f
}

// New parst data (config.json) mit dem Parser der ersten bekannten Architektur.
func New(architectures []string, data []byte) (Config, error) {
	for _, arch := range architectures {
		if f, ok := configs[arch]; ok {
			return f(data)
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUnsupportedModel, architectures)
}

// Architectures gibt alle registrierten Architekturen sortiert zurueck.
func Architectures() []string {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
