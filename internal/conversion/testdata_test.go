package conversion

import (
	"testing"
)

// testTableJSON covers every field kind and both field-list forms.
const testTableJSON = `{
  "led": {
    "config": {
      "topic": "led/config",
      "arbitration_id": 4880,
      "data": { "intensity": "int", "color": "hex" }
    }
  },
  "sensors": {
    "update": {
      "topic": "sensors/update",
      "id": "0x51E",
      "data": {
        "temperature": "int16",
        "present": "bool",
        "mode": { "off": 0, "eco": 1, "boost": 2 }
      }
    },
    "init": {
      "arbitration_id": 1311,
      "data": {}
    }
  },
  "imu": {
    "config": {
      "topic": "imu/config",
      "id": 1312,
      "data": [
        { "name": "rate", "type": "uint16" },
        { "name": "state", "type": "enum", "dict": { "idle": 0, "stream": 7 } },
        { "name": "tint", "type": "rgb" }
      ]
    }
  }
}`

func mustParse(t *testing.T, doc string) *Table {
	t.Helper()
	table, err := Parse([]byte(doc), FormatJSON, "test.json")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return table
}

func mustEntry(t *testing.T, table *Table, category, subtopic string) *Entry {
	t.Helper()
	e, ok := table.Lookup(category, subtopic)
	if !ok {
		t.Fatalf("Lookup(%q, %q) not found", category, subtopic)
	}
	return e
}
