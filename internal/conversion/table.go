package conversion

import (
	"fmt"
	"strings"
	"time"
)

// Frame geometry.
const (
	// FrameSize is the fixed payload length of every encoded frame.
	FrameSize = 8

	// MaxStandardID is the largest 11-bit identifier. Anything above is
	// sent as a 29-bit extended frame.
	MaxStandardID = 0x7FF

	// MaxExtendedID is the largest 29-bit identifier.
	MaxExtendedID = 0x1FFFFFFF
)

// FieldKind identifies how a field is laid out in a frame.
type FieldKind uint8

// Field kinds.
const (
	KindInt8 FieldKind = iota + 1
	KindInt16
	KindBool
	KindColorHex
	KindEnum
)

// Width returns the number of frame bytes the kind occupies.
func (k FieldKind) Width() int {
	switch k {
	case KindInt8, KindBool, KindEnum:
		return 1
	case KindInt16:
		return 2
	case KindColorHex:
		return 3
	default:
		return 0
	}
}

// String returns the canonical table spelling of the kind.
func (k FieldKind) String() string {
	switch k {
	case KindInt8:
		return "int"
	case KindInt16:
		return "int16"
	case KindBool:
		return "bool"
	case KindColorHex:
		return "hex"
	case KindEnum:
		return "enum"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// EnumValue is one symbolic name and its one-byte code.
type EnumValue struct {
	Name string `json:"name"`
	Code byte   `json:"code"`
}

// Enum is an ordered symbol set. Codes are unique within an Enum; the
// loader rejects tables that break this.
type Enum struct {
	values []EnumValue
	tree   *Node
}

// NewEnum builds an Enum preserving the given order.
func NewEnum(values ...EnumValue) *Enum {
	e := &Enum{
		values: make([]EnumValue, len(values)),
		tree:   newBranch(""),
	}
	copy(e.values, values)
	for _, v := range values {
		e.tree.add(&Node{Key: v.Name, Value: v.Code})
	}
	return e
}

// Code returns the code for a symbolic name.
func (e *Enum) Code(name string) (byte, bool) {
	for _, v := range e.values {
		if v.Name == name {
			return v.Code, true
		}
	}
	return 0, false
}

// Lookup reverse-resolves a code to the first name mapped to it.
func (e *Enum) Lookup(code byte) (string, bool) {
	path, ok := Search(e.tree, code)
	if !ok {
		return "", false
	}
	return path[0], true
}

// Values returns a copy of the symbol set in declaration order.
func (e *Enum) Values() []EnumValue {
	out := make([]EnumValue, len(e.values))
	copy(out, e.values)
	return out
}

// FieldSpec describes one named field of an entry.
type FieldSpec struct {
	Name string
	Kind FieldKind
	Enum *Enum // set only for KindEnum
}

// Width returns the number of bytes the field occupies.
func (f FieldSpec) Width() int {
	return f.Kind.Width()
}

// Entry maps one topic path to one frame identifier and its field layout.
type Entry struct {
	Category string
	Subtopic string
	Topic    string
	FrameID  uint32
	Fields   []FieldSpec
}

// Path returns the lookup key "category/subtopic".
func (e *Entry) Path() string {
	return e.Category + "/" + e.Subtopic
}

// Width returns the total byte width of all fields.
func (e *Entry) Width() int {
	n := 0
	for _, f := range e.Fields {
		n += f.Width()
	}
	return n
}

// Extended reports whether the entry's frame ID needs a 29-bit identifier.
func (e *Entry) Extended() bool {
	return e.FrameID > MaxStandardID
}

// Category groups the entries declared under one top-level key.
type Category struct {
	Name    string
	Entries []*Entry
}

// Table is an immutable, validated conversion table. It is safe for
// concurrent use by any number of readers.
type Table struct {
	categories []*Category
	byPath     map[string]*Entry
	byTopic    map[string]*Entry
	ids        *Node
	source     string
	loadedAt   time.Time
}

// newTable indexes the categories. Callers must have validated them.
func newTable(categories []*Category, source string) *Table {
	t := &Table{
		categories: categories,
		byPath:     make(map[string]*Entry),
		byTopic:    make(map[string]*Entry),
		ids:        newBranch(""),
		source:     source,
		loadedAt:   time.Now(),
	}
	for _, c := range categories {
		cat := t.ids.add(newBranch(c.Name))
		for _, e := range c.Entries {
			t.byPath[e.Path()] = e
			if _, dup := t.byTopic[e.Topic]; !dup {
				t.byTopic[e.Topic] = e
			}
			sub := cat.add(newBranch(e.Subtopic))
			sub.add(&Node{Key: "id", Value: e.FrameID})
		}
	}
	return t
}

// HasTopic reports whether topic is exactly some entry's topic.
func (t *Table) HasTopic(topic string) bool {
	_, ok := t.byTopic[topic]
	return ok
}

// Lookup resolves an entry by its two-level key.
func (t *Table) Lookup(category, subtopic string) (*Entry, bool) {
	e, ok := t.byPath[category+"/"+subtopic]
	return e, ok
}

// LookupTopic resolves the entry an incoming MQTT topic addresses. The
// topic matches an entry when it equals the entry's topic or extends it by
// exactly one segment (a command subtopic such as "led/config/set").
// Otherwise the first two segments are tried as category/subtopic.
func (t *Table) LookupTopic(topic string) (*Entry, bool) {
	if e, ok := t.byTopic[topic]; ok {
		return e, true
	}
	if i := strings.LastIndexByte(topic, '/'); i > 0 {
		if e, ok := t.byTopic[topic[:i]]; ok {
			return e, true
		}
	}
	category, subtopic, err := SplitTopic(topic)
	if err != nil {
		return nil, false
	}
	return t.Lookup(category, subtopic)
}

// FindByFrameID resolves the entry owning a frame identifier by
// searching the table in declaration order.
func (t *Table) FindByFrameID(id uint32) (*Entry, bool) {
	path, ok := Search(t.ids, id)
	if !ok || len(path) < 2 {
		return nil, false
	}
	return t.Lookup(path[0], path[1])
}

// Entries returns every entry in declaration order.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, len(t.byPath))
	for _, c := range t.categories {
		out = append(out, c.Entries...)
	}
	return out
}

// Categories returns the category names in declaration order.
func (t *Table) Categories() []string {
	out := make([]string, len(t.categories))
	for i, c := range t.categories {
		out[i] = c.Name
	}
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.byPath)
}

// Source returns where the table was loaded from.
func (t *Table) Source() string {
	return t.source
}

// LoadedAt returns when the table was built.
func (t *Table) LoadedAt() time.Time {
	return t.loadedAt
}

// SplitTopic extracts the category and subtopic from an MQTT topic.
// Extra trailing segments are allowed and ignored.
func SplitTopic(topic string) (category, subtopic string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q needs category/subtopic", ErrMalformedTopic, topic)
	}
	return parts[0], parts[1], nil
}
