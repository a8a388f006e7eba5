// Package kvcache - Externer Key/Value-Cache des Decoders
//
// Dieses Modul enthaelt:
// - Entry: Key/Value-Paar [1, kvHeads, len, headDim] eines Layers
// - Cache: Ein Entry je Layer, waechst pro Schritt um die Schrittlaenge
// - Concat: Verkettung past + neu entlang der Sequenzachse
//
// Die Laenge eines Layers schrumpft innerhalb einer Sitzung nie. Ein frischer
// Cache hat Laenge 0 (Prefill).
package kvcache

import (
	"fmt"

	"github.com/ollama/asrexport/ml"
)

// Entry haelt Key und Value eines Layers im Layout [1, kvHeads, len, headDim].
type Entry struct {
	Key, Value *ml.Tensor
}

// Len gibt die gecachte Sequenzlaenge zurueck.
func (e Entry) Len() int {
	if e.Key == nil {
		return 0
	}
	return e.Key.Dim(2)
}

type Cache struct {
	kvHeads int
	headDim int

	entries []Entry
}

func NewCache(layers, kvHeads, headDim int) *Cache {
	c := &Cache{
		kvHeads: kvHeads,
		headDim: headDim,
		entries: make([]Entry, layers),
	}
	c.Reset()
	return c
}

// Reset leert alle Layer auf Laenge 0.
func (c *Cache) Reset() {
	for i := range c.entries {
		c.entries[i] = Entry{
			Key:   ml.Zeros(1, c.kvHeads, 0, c.headDim),
			Value: ml.Zeros(1, c.kvHeads, 0, c.headDim),
		}
	}
}

func (c *Cache) Layers() int { return len(c.entries) }

// Len gibt die gecachte Laenge zurueck. Alle Layer haben nach einem
// vollstaendigen Schritt dieselbe Laenge.
func (c *Cache) Len() int {
	if len(c.entries) == 0 {
		return 0
	}
	return c.entries[0].Len()
}

// Past gibt den Cache-Eintrag fuer layer zurueck, der als past-Eingabe dient.
func (c *Cache) Past(layer int) Entry {
	return c.entries[layer]
}

// Update ersetzt den Eintrag von layer durch present. present muss den
// bisherigen Eintrag als Praefix enthalten, also mindestens gleich lang sein.
func (c *Cache) Update(layer int, present Entry) error {
	if layer < 0 || layer >= len(c.entries) {
		return fmt.Errorf("kvcache: layer %d out of range [0, %d)", layer, len(c.entries))
	}

	n := present.Len()
	for _, t := range []*ml.Tensor{present.Key, present.Value} {
		if t == nil {
			return fmt.Errorf("%w: layer %d present is nil", ml.ErrShapeMismatch, layer)
		}
		if err := t.CheckShape(fmt.Sprintf("layer %d present", layer), 1, c.kvHeads, n, c.headDim); err != nil {
			return err
		}
	}

	if past := c.entries[layer].Len(); n < past {
		return fmt.Errorf("%w: layer %d cache would shrink from %d to %d", ml.ErrShapeMismatch, layer, past, n)
	}

	c.entries[layer] = present
	return nil
}

// Concat haengt cur [1, kv, s, d] an past [1, kv, p, d] an und gibt
// [1, kv, p+s, d] zurueck.
func Concat(past, cur *ml.Tensor) (*ml.Tensor, error) {
	if len(past.Shape) != 4 || len(cur.Shape) != 4 ||
		past.Shape[0] != cur.Shape[0] || past.Shape[1] != cur.Shape[1] || past.Shape[3] != cur.Shape[3] {
		return nil, fmt.Errorf("%w: cannot concat cache %v with %v", ml.ErrShapeMismatch, past.Shape, cur.Shape)
	}

	batch, heads, p, s, dim := past.Shape[0], past.Shape[1], past.Shape[2], cur.Shape[2], past.Shape[3]
	out := ml.Zeros(batch, heads, p+s, dim)
	for h := range batch * heads {
		dst := out.Data[h*(p+s)*dim:]
		copy(dst, past.Data[h*p*dim:(h+1)*p*dim])
		copy(dst[p*dim:], cur.Data[h*s*dim:(h+1)*s*dim])
	}
	return out, nil
}
