// Package model - Reflection-basierte Gewichtsbindung
//
// Dieses Modul enthaelt die Reflection-Logik zum Befuellen von
// Parameter-Strukturen mit Tensoren aus einem Store.
//
// Hauptkomponenten:
// - Bind: Befuellt eine Struktur vollstaendig oder gar nicht
// - populateFields: Befuellt Strukturfelder rekursiv
// - Tag: weight-Tag-Struktur fuer Tensor-Namen
// - parseTag: Parst weight-Tags aus Struct-Tags
//
// Tag-Syntax: `weight:"name,alt:other"`. Verschachtelte Strukturen und
// Slices haengen ihren Namen bzw. Index als Segment an.

package model

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/ollama/asrexport/logutil"
	"github.com/ollama/asrexport/ml"
)

// Tag repraesentiert einen geparsten weight-Tag
type Tag struct {
	name         string
	alternatives []string
}

// parseTag parst einen weight-Tag-String in eine Tag-Struktur
func parseTag(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	tag.name = parts[0]
	for _, part := range parts[1:] {
		if value, ok := strings.CutPrefix(part, "alt:"); ok {
			tag.alternatives = append(tag.alternatives, value)
		}
	}
	return
}

var tensorType = reflect.TypeOf((*ml.Tensor)(nil))

// Bind befuellt dst (Pointer auf Struktur) aus store. Alle Tensor-Felder
// werden unter prefix aufgeloest. Schlaegt ein Name fehl, bleibt dst
// unveraendert und der Fehler nennt den vollstaendigen Namen.
func Bind(store Store, prefix string, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("model: bind target must be a non-nil struct pointer, got %T", dst)
	}

	staged := reflect.New(v.Elem().Type()).Elem()
	staged.Set(v.Elem())

	var tags []Tag
	if prefix != "" {
		tags = append(tags, Tag{name: prefix})
	}
	if err := populateFields(store, staged, tags...); err != nil {
		return err
	}

	if validator, ok := staged.Addr().Interface().(Validator); ok {
		if err := validator.Validate(); err != nil {
			return err
		}
	}

	v.Elem().Set(staged)
	return nil
}

// populateFields befuellt Strukturfelder rekursiv mit Tensoren aus store
func populateFields(store Store, v reflect.Value, tags ...Tag) error {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		vv := v.Field(i)
		if !vv.CanSet() {
			continue
		}

		tag, ok := field.Tag.Lookup("weight")
		if !ok || tag == "-" {
			continue
		}

		// Kopie erstellen
		tagsCopy := append(tags[:len(tags):len(tags)], parseTag(tag))

		switch {
		case field.Type == tensorType:
			tensor, err := lookup(store, tagsCopy)
			if err != nil {
				return err
			}
			vv.Set(reflect.ValueOf(tensor))
		case field.Type.Kind() == reflect.Pointer && field.Type.Elem().Kind() == reflect.Struct:
			if err := setPointer(store, vv, tagsCopy); err != nil {
				return err
			}
		case field.Type.Kind() == reflect.Struct:
			if err := populateFields(store, vv, tagsCopy...); err != nil {
				return err
			}
		case field.Type.Kind() == reflect.Slice || field.Type.Kind() == reflect.Array:
			if vv.Kind() == reflect.Slice {
				cp := reflect.MakeSlice(field.Type, vv.Len(), vv.Len())
				reflect.Copy(cp, vv)
				vv.Set(cp)
			}
			for j := range vv.Len() {
				vvv := vv.Index(j)
				indexed := append(tagsCopy[:len(tagsCopy):len(tagsCopy)], Tag{name: strconv.Itoa(j)})
				var err error
				if vvv.Kind() == reflect.Pointer {
					err = setPointer(store, vvv, indexed)
				} else {
					err = populateFields(store, vvv, indexed...)
				}
				if err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("model: field %s has unsupported type %s", field.Name, field.Type)
		}
	}

	return nil
}

// setPointer befuellt eine frische Kopie des Ziels und setzt erst danach den Pointer
func setPointer(store Store, v reflect.Value, tags []Tag) error {
	nv := reflect.New(v.Type().Elem())
	if !v.IsNil() {
		nv.Elem().Set(v.Elem())
	}
	if err := populateFields(store, nv.Elem(), tags...); err != nil {
		return err
	}
	v.Set(nv)
	return nil
}

// lookup probiert alle aus den Tags gebildeten Namen in Reihenfolge.
// Gemeldet wird der Primaername.
func lookup(store Store, tags []Tag) (*ml.Tensor, error) {
	names := buildTensorNames(tags)

	var first error
	for _, name := range names {
		tensor, err := store.Tensor(name)
		if err == nil {
			logutil.Trace("found tensor", "name", name, "shape", tensor.Shape)
			return tensor, nil
		}
		if first == nil {
			first = err
		}
	}

	if first == nil {
		first = errors.New("model: empty weight tag")
	}
	return nil, first
}

// buildTensorNames baut die vollstaendigen Tensor-Namen aus Tags,
// Primaernamen zuerst
func buildTensorNames(tags []Tag) []string {
	names := []string{""}
	for _, tag := range tags {
		if tag.name == "" {
			continue
		}

		var next []string
		for _, prefix := range names {
			for _, n := range append([]string{tag.name}, tag.alternatives...) {
				if prefix != "" {
					n = prefix + "." + n
				}
				next = append(next, n)
			}
		}
		names = next
	}

	if len(names) == 1 && names[0] == "" {
		return nil
	}
	return names
}
