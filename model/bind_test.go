package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/asrexport/ml"
)

var errNotFound = errors.New("weight not found")

type mapStore map[string]*ml.Tensor

func (s mapStore) Tensor(name string) (*ml.Tensor, error) {
	if t, ok := s[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", errNotFound, name)
}

type testNorm struct {
	Weight *ml.Tensor `weight:"weight"`
	Bias   *ml.Tensor `weight:"bias"`
}

type testLayer struct {
	Norm  testNorm   `weight:"norm"`
	Proj  *ml.Tensor `weight:"proj.weight,alt:projection.weight"`
	Index int
}

type testModel struct {
	Layers []*testLayer `weight:"layers"`
	Out    *testNorm    `weight:"ln_post"`
	Skip   *ml.Tensor   `weight:"-"`
}

func (m *testModel) Validate() error {
	if m.Out.Weight.Dim(0) != 2 {
		return fmt.Errorf("%w: ln_post", ml.ErrShapeMismatch)
	}
	return nil
}

func fullStore() mapStore {
	s := mapStore{
		"enc.ln_post.weight": ml.Zeros(2),
		"enc.ln_post.bias":   ml.Zeros(2),
	}
	for i := range 2 {
		s[fmt.Sprintf("enc.layers.%d.norm.weight", i)] = ml.Zeros(2)
		s[fmt.Sprintf("enc.layers.%d.norm.bias", i)] = ml.Zeros(2)
		s[fmt.Sprintf("enc.layers.%d.proj.weight", i)] = ml.Zeros(2, 2)
	}
	return s
}

func TestBind(t *testing.T) {
	store := fullStore()
	m := testModel{Layers: make([]*testLayer, 2)}
	if err := Bind(store, "enc", &m); err != nil {
		t.Fatal(err)
	}

	for i, l := range m.Layers {
		if l == nil || l.Proj != store[fmt.Sprintf("enc.layers.%d.proj.weight", i)] {
			t.Errorf("layer %d: proj nicht gebunden", i)
		}
		if l.Norm.Bias == nil {
			t.Errorf("layer %d: norm.bias nicht gebunden", i)
		}
	}
	if m.Skip != nil {
		t.Error("Feld mit weight:\"-\" darf nicht gebunden werden")
	}
}

func TestBindAlternativeName(t *testing.T) {
	store := fullStore()
	store["enc.layers.1.projection.weight"] = store["enc.layers.1.proj.weight"]
	delete(store, "enc.layers.1.proj.weight")

	m := testModel{Layers: make([]*testLayer, 2)}
	if err := Bind(store, "enc", &m); err != nil {
		t.Fatal(err)
	}
}

func TestBindMissingWeight(t *testing.T) {
	store := fullStore()
	delete(store, "enc.layers.1.norm.bias")

	m := testModel{Layers: make([]*testLayer, 2)}
	err := Bind(store, "enc", &m)
	if !errors.Is(err, errNotFound) {
		t.Fatalf("Got %v, want not found", err)
	}
	if !strings.Contains(err.Error(), "enc.layers.1.norm.bias") {
		t.Errorf("Fehler muss den fehlenden Namen nennen: %v", err)
	}

	// Alles-oder-nichts: dst bleibt unveraendert
	if diff := cmp.Diff([]*testLayer{nil, nil}, m.Layers); diff != "" {
		t.Errorf("Teilweise gebunden (-want +got):\n%s", diff)
	}
	if m.Out != nil {
		t.Error("ln_post darf nach Fehler nicht gesetzt sein")
	}
}

func TestBindValidate(t *testing.T) {
	store := fullStore()
	store["enc.ln_post.weight"] = ml.Zeros(3)

	m := testModel{Layers: make([]*testLayer, 2)}
	if err := Bind(store, "enc", &m); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Errorf("Got %v, want ErrShapeMismatch", err)
	}
}

func TestBindRejectsNonPointer(t *testing.T) {
	if err := Bind(mapStore{}, "", testModel{}); err == nil {
		t.Error("Erwartete Fehler fuer Nicht-Pointer")
	}
}

func TestBuildTensorNames(t *testing.T) {
	got := buildTensorNames([]Tag{
		{name: "thinker.model"},
		{name: "layers"},
		{name: "0"},
		parseTag("self_attn.o_proj.weight,alt:attn.out.weight"),
	})
	want := []string{
		"thinker.model.layers.0.self_attn.o_proj.weight",
		"thinker.model.layers.0.attn.out.weight",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry(t *testing.T) {
	if _, err := New([]string{"UnknownForCausalLM"}, nil); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("Got %v, want ErrUnsupportedModel", err)
	}
}
