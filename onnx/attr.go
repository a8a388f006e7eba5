// attr.go - Konstruktoren und Zugriff fuer Knoten-Attribute
package onnx

func AttrInt(name string, v int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInt, I: v}
}

func AttrInts(name string, vs ...int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInts, Ints: vs}
}

func AttrFloat(name string, f float32) *Attribute {
	return &Attribute{Name: name, Type: AttributeFloat, F: f}
}

func attrInt(n *Node, name string, def int64) int64 {
	if a := n.Attribute(name); a != nil {
		return a.I
	}
	return def
}

func attrInts(n *Node, name string) []int64 {
	if a := n.Attribute(name); a != nil {
		return a.Ints
	}
	return nil
}

func attrFloat(n *Node, name string, def float32) float32 {
	if a := n.Attribute(name); a != nil {
		return a.F
	}
	return def
}
