package conversion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the serialization of a table source.
type Format int

// Supported table formats.
const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatForPath picks the format from a file extension. Anything that is
// not .yaml or .yml is read as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and validates a conversion table file.
//
// Returns:
//   - *Table: Immutable table ready for lookups
//   - error: *LoadError (matching ErrTableLoad) describing every problem
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied table path
	if err != nil {
		return nil, &LoadError{Source: path, Problems: []string{err.Error()}}
	}
	return Parse(data, FormatForPath(path), path)
}

// Parse validates a table from raw bytes. source is used in error messages.
func Parse(data []byte, format Format, source string) (*Table, error) {
	var (
		root *rawNode
		err  error
	)
	switch format {
	case FormatYAML:
		root, err = parseYAML(data)
	default:
		root, err = parseJSON(data)
	}
	if err != nil {
		return nil, &LoadError{Source: source, Problems: []string{err.Error()}}
	}

	b := &tableBuilder{
		seenIDs:    make(map[uint32]string),
		seenTopics: make(map[string]string),
	}
	categories := b.build(root)
	if len(b.problems) > 0 {
		return nil, &LoadError{Source: source, Problems: b.problems}
	}
	return newTable(categories, source), nil
}

// ─── Ordered document model ─────────────────────────────────────────

type rawKind int

const (
	rawScalar rawKind = iota
	rawObject
	rawArray
)

// numberLit is a numeric scalar kept in its source spelling so both
// "4880" and "0x1310" can be interpreted by the builder.
type numberLit string

// rawNode is an order-preserving parse of a JSON or YAML document.
type rawNode struct {
	kind   rawKind
	keys   []string
	values []*rawNode
	items  []*rawNode
	scalar any // string, numberLit, bool or nil
}

func (n *rawNode) get(key string) (*rawNode, bool) {
	for i, k := range n.keys {
		if k == key {
			return n.values[i], true
		}
	}
	return nil, false
}

func (n *rawNode) describe() string {
	switch n.kind {
	case rawObject:
		return "object"
	case rawArray:
		return "array"
	}
	switch n.scalar.(type) {
	case string:
		return "string"
	case numberLit:
		return "number"
	case bool:
		return "boolean"
	default:
		return "null"
	}
}

func parseJSON(data []byte) (*rawNode, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	root, err := readJSONValue(dec)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid JSON: trailing data after document")
	}
	return root, nil
}

func readJSONValue(dec *json.Decoder) (*rawNode, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			n := &rawNode{kind: rawObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				child, err := readJSONValue(dec)
				if err != nil {
					return nil, err
				}
				n.keys = append(n.keys, key)
				n.values = append(n.values, child)
			}
			_, err := dec.Token() // '}'
			return n, err
		case '[':
			n := &rawNode{kind: rawArray}
			for dec.More() {
				child, err := readJSONValue(dec)
				if err != nil {
					return nil, err
				}
				n.items = append(n.items, child)
			}
			_, err := dec.Token() // ']'
			return n, err
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", v)
		}
	case json.Number:
		return &rawNode{kind: rawScalar, scalar: numberLit(v.String())}, nil
	default:
		return &rawNode{kind: rawScalar, scalar: v}, nil
	}
}

func parseYAML(data []byte) (*rawNode, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("invalid YAML: empty document")
	}
	return fromYAML(doc.Content[0])
}

func fromYAML(y *yaml.Node) (*rawNode, error) {
	switch y.Kind {
	case yaml.AliasNode:
		return fromYAML(y.Alias)
	case yaml.MappingNode:
		n := &rawNode{kind: rawObject}
		for i := 0; i+1 < len(y.Content); i += 2 {
			child, err := fromYAML(y.Content[i+1])
			if err != nil {
				return nil, err
			}
			n.keys = append(n.keys, y.Content[i].Value)
			n.values = append(n.values, child)
		}
		return n, nil
	case yaml.SequenceNode:
		n := &rawNode{kind: rawArray}
		for _, c := range y.Content {
			child, err := fromYAML(c)
			if err != nil {
				return nil, err
			}
			n.items = append(n.items, child)
		}
		return n, nil
	case yaml.ScalarNode:
		switch y.ShortTag() {
		case "!!int", "!!float":
			return &rawNode{kind: rawScalar, scalar: numberLit(y.Value)}, nil
		case "!!bool":
			var b bool
			if err := y.Decode(&b); err != nil {
				return nil, fmt.Errorf("line %d: %w", y.Line, err)
			}
			return &rawNode{kind: rawScalar, scalar: b}, nil
		case "!!null":
			return &rawNode{kind: rawScalar}, nil
		default:
			return &rawNode{kind: rawScalar, scalar: y.Value}, nil
		}
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node", y.Line)
	}
}

// ─── Table builder ──────────────────────────────────────────────────

// entryKeys are the keys an entry object may carry.
var entryKeys = map[string]bool{
	"topic":          true,
	"id":             true,
	"arbitration_id": true,
	"data":           true,
	"fields":         true,
	"description":    true,
}

type tableBuilder struct {
	problems   []string
	seenIDs    map[uint32]string
	seenTopics map[string]string
}

// claimTopic reserves topic for the entry at path. Entry topics and
// category/subtopic paths share one namespace, so a topic may resolve to a
// single entry only.
func (b *tableBuilder) claimTopic(topic, path string) {
	if prev, dup := b.seenTopics[topic]; dup && prev != path {
		b.fail("%s: topic %q already used by %s", path, topic, prev)
		return
	}
	b.seenTopics[topic] = path
}

func (b *tableBuilder) fail(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

func (b *tableBuilder) build(root *rawNode) []*Category {
	if root.kind != rawObject {
		b.fail("root must be an object of categories, got %s", root.describe())
		return nil
	}

	var categories []*Category
	seenCat := make(map[string]bool)
	for i, name := range root.keys {
		if strings.HasPrefix(name, "$") || strings.HasPrefix(name, "_") {
			continue // metadata such as "$schema" or "_comment"
		}
		if seenCat[name] {
			b.fail("category %q declared twice", name)
			continue
		}
		seenCat[name] = true

		node := root.values[i]
		if node.kind != rawObject {
			b.fail("category %q must be an object, got %s", name, node.describe())
			continue
		}
		if strings.ContainsAny(name, "/+#") || name == "" {
			b.fail("category %q is not a valid topic segment", name)
			continue
		}

		cat := &Category{Name: name}
		seenSub := make(map[string]bool)
		for j, sub := range node.keys {
			if seenSub[sub] {
				b.fail("entry %s/%s declared twice", name, sub)
				continue
			}
			seenSub[sub] = true
			if e := b.buildEntry(name, sub, node.values[j]); e != nil {
				cat.Entries = append(cat.Entries, e)
			}
		}
		categories = append(categories, cat)
	}
	return categories
}

func (b *tableBuilder) buildEntry(category, subtopic string, n *rawNode) *Entry {
	path := category + "/" + subtopic
	if n.kind != rawObject {
		b.fail("%s: entry must be an object, got %s", path, n.describe())
		return nil
	}
	if subtopic == "" || strings.ContainsAny(subtopic, "/+#") {
		b.fail("%s: subtopic is not a valid topic segment", path)
		return nil
	}
	for _, k := range n.keys {
		if !entryKeys[k] {
			b.fail("%s: unknown key %q", path, k)
		}
	}

	e := &Entry{Category: category, Subtopic: subtopic, Topic: path}
	failed := len(b.problems)

	if t, ok := n.get("topic"); ok {
		s, isStr := t.scalar.(string)
		switch {
		case t.kind != rawScalar || !isStr:
			b.fail("%s: topic must be a string", path)
		case s == "" || strings.ContainsAny(s, "+#"):
			b.fail("%s: topic %q is not a publishable topic", path, s)
		default:
			if _, _, err := SplitTopic(s); err != nil {
				b.fail("%s: %v", path, err)
				break
			}
			e.Topic = s
		}
	}
	b.claimTopic(path, path)
	if e.Topic != path {
		b.claimTopic(e.Topic, path)
	}

	idNode, ok := n.get("arbitration_id")
	if !ok {
		idNode, ok = n.get("id")
	}
	if !ok {
		b.fail("%s: missing arbitration_id", path)
	} else if id, err := parseFrameID(idNode); err != nil {
		b.fail("%s: %v", path, err)
	} else if prev, dup := b.seenIDs[id]; dup {
		b.fail("%s: frame id 0x%X already used by %s", path, id, prev)
	} else {
		b.seenIDs[id] = path
		e.FrameID = id
	}

	fieldsNode, ok := n.get("data")
	if !ok {
		fieldsNode, ok = n.get("fields")
	}
	if !ok {
		b.fail("%s: missing data", path)
	} else {
		e.Fields = b.buildFields(path, fieldsNode)
	}

	if w := e.Width(); w > FrameSize {
		b.fail("%s: fields need %d bytes, frame holds %d", path, w, FrameSize)
	}

	if len(b.problems) > failed {
		return nil
	}
	return e
}

func (b *tableBuilder) buildFields(path string, n *rawNode) []FieldSpec {
	var fields []FieldSpec
	seen := make(map[string]bool)
	add := func(f FieldSpec, ok bool) {
		if !ok {
			return
		}
		if seen[f.Name] {
			b.fail("%s: field %q declared twice", path, f.Name)
			return
		}
		seen[f.Name] = true
		fields = append(fields, f)
	}

	switch n.kind {
	case rawObject:
		// { "intensity": "int", "mode": { "off": 0, "on": 1 } }
		for i, name := range n.keys {
			add(b.buildField(path, name, n.values[i], nil))
		}
	case rawArray:
		// [ { "name": "mode", "type": "enum", "dict": { ... } } ]
		for i, item := range n.items {
			if item.kind != rawObject {
				b.fail("%s: data[%d] must be an object", path, i)
				continue
			}
			nameNode, ok := item.get("name")
			name, isStr := "", false
			if ok {
				name, isStr = nameNode.scalar.(string)
			}
			if !isStr || name == "" {
				b.fail("%s: data[%d] needs a name", path, i)
				continue
			}
			dict, ok := item.get("dict")
			if !ok {
				dict, _ = item.get("enum")
			}
			typ, ok := item.get("type")
			if !ok {
				if dict == nil {
					b.fail("%s: field %q needs a type", path, name)
					continue
				}
				typ = dict
			}
			add(b.buildField(path, name, typ, dict))
		}
	default:
		b.fail("%s: data must be an object or array, got %s", path, n.describe())
	}
	return fields
}

// buildField resolves one field. kind is either a kind string or an enum
// mapping; dict, when set, is the mapping attached to an "enum" kind.
func (b *tableBuilder) buildField(path, name string, kind, dict *rawNode) (FieldSpec, bool) {
	f := FieldSpec{Name: name}
	if name == "" {
		b.fail("%s: empty field name", path)
		return f, false
	}

	if kind.kind == rawObject {
		dict = kind
		f.Kind = KindEnum
	} else {
		s, ok := kind.scalar.(string)
		if kind.kind != rawScalar || !ok {
			b.fail("%s: field %q kind must be a string or mapping, got %s", path, name, kind.describe())
			return f, false
		}
		k, err := ParseKind(s)
		if err != nil {
			b.fail("%s: field %q: %v", path, name, err)
			return f, false
		}
		f.Kind = k
	}

	if f.Kind != KindEnum {
		return f, true
	}
	if dict == nil || dict.kind != rawObject {
		b.fail("%s: enum field %q needs a mapping of names to codes", path, name)
		return f, false
	}

	values := make([]EnumValue, 0, len(dict.keys))
	codes := make(map[byte]string)
	ok := true
	for i, sym := range dict.keys {
		code, err := parseUint(dict.values[i], 0xFF)
		if err != nil {
			b.fail("%s: enum field %q symbol %q: %v", path, name, sym, err)
			ok = false
			continue
		}
		c := byte(code)
		if prev, dup := codes[c]; dup {
			b.fail("%s: enum field %q code %d used by both %q and %q", path, name, c, prev, sym)
			ok = false
			continue
		}
		codes[c] = sym
		values = append(values, EnumValue{Name: sym, Code: c})
	}
	if len(values) == 0 && ok {
		b.fail("%s: enum field %q has no symbols", path, name)
		ok = false
	}
	f.Enum = NewEnum(values...)
	return f, ok
}

// ParseKind maps a table kind string to a FieldKind. Matching ignores case.
// "enum" and "dict" are only valid with an attached mapping.
func ParseKind(s string) (FieldKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "uint8", "byte":
		return KindInt8, nil
	case "int16", "uint16", "u16":
		return KindInt16, nil
	case "bool", "boolean":
		return KindBool, nil
	case "hex", "rgb":
		return KindColorHex, nil
	case "enum", "dict":
		return KindEnum, nil
	default:
		return 0, fmt.Errorf("unknown kind %q", s)
	}
}

func parseFrameID(n *rawNode) (uint32, error) {
	id, err := parseUint(n, MaxExtendedID)
	if err != nil {
		return 0, fmt.Errorf("arbitration_id: %w", err)
	}
	return uint32(id), nil
}

// parseUint reads a number or a numeric string ("0x1310", "4880").
func parseUint(n *rawNode, maxValue uint64) (uint64, error) {
	var lit string
	switch v := n.scalar.(type) {
	case numberLit:
		lit = string(v)
	case string:
		lit = strings.TrimSpace(v)
	default:
		return 0, fmt.Errorf("expected a number, got %s", n.describe())
	}
	if n.kind != rawScalar {
		return 0, fmt.Errorf("expected a number, got %s", n.describe())
	}

	v, err := strconv.ParseUint(lit, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a non-negative integer", lit)
	}
	if v > maxValue {
		return 0, fmt.Errorf("%d exceeds 0x%X", v, maxValue)
	}
	return v, nil
}
