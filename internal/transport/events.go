package transport

import (
	"sort"

	"companion/internal/domain"
)

// Event names with a fixed meaning.
const (
	EventFrame = "frame"
	// EventRaw carries decrypted plaintext that did not decode as a node.
	EventRaw = "raw"
	tagPrefix  = "TAG:"
	cbPrefix   = "CB:"
)

// Event is what subscribers receive.
type Event struct {
	Name string
	Node domain.Node
	Raw  []byte
}

// Handler consumes events. Handlers run on the reader goroutine and must
// not block.
type Handler func(Event)

// TagEvent is the event name for responses carrying id.
func TagEvent(id string) string { return tagPrefix + id }

// CallbackEvent joins tag and parts into a CB: event name.
func CallbackEvent(tag string, parts ...string) string {
	name := cbPrefix + tag
	for _, p := range parts {
		name += "," + p
	}
	return name
}

// eventNames lists every event a node fires, most specific first.
func eventNames(n domain.Node) []string {
	var names []string
	if id := n.Attr("id"); id != "" {
		names = append(names, TagEvent(id))
	}
	var child string
	if len(n.Children) > 0 {
		child = n.Children[0].Tag
	}
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv := k + ":" + n.Attrs[k]
		names = append(names,
			CallbackEvent(n.Tag, kv, child),
			CallbackEvent(n.Tag, kv),
			CallbackEvent(n.Tag, k),
		)
	}
	names = append(names, CallbackEvent(n.Tag, "", child), CallbackEvent(n.Tag))
	return names
}

type listeners struct {
	next uint64
	byID map[string]map[uint64]Handler
}

func (l *listeners) add(event string, h Handler) uint64 {
	if l.byID == nil {
		l.byID = make(map[string]map[uint64]Handler)
	}
	l.next++
	if l.byID[event] == nil {
		l.byID[event] = make(map[uint64]Handler)
	}
	l.byID[event][l.next] = h
	return l.next
}

func (l *listeners) remove(event string, id uint64) {
	hs := l.byID[event]
	delete(hs, id)
	if len(hs) == 0 {
		delete(l.byID, event)
	}
}

func (l *listeners) snapshot(event string) []Handler {
	hs := l.byID[event]
	out := make([]Handler, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	return out
}

func (l *listeners) count() int {
	n := 0
	for _, hs := range l.byID {
		n += len(hs)
	}
	return n
}
