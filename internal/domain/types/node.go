package types

// Attrs holds the attributes of a Node.
type Attrs map[string]string

// Node is a protocol stanza: a tag, attributes and either child nodes or
// a binary payload.
type Node struct {
	Tag      string `json:"tag"`
	Attrs    Attrs  `json:"attrs,omitempty"`
	Children []Node `json:"children,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
}

// Attr returns the named attribute or "".
func (n Node) Attr(name string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// Child returns the first child with the given tag.
func (n Node) Child(tag string) (Node, bool) {
	for _, c := range n.Children {
		if c.Tag == tag {
			return c, true
		}
	}
	return Node{}, false
}

// ChildrenByTag returns every child with the given tag.
func (n Node) ChildrenByTag(tag string) []Node {
	var out []Node
	for _, c := range n.Children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}
