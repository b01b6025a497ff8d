// Package conversion implements the table-driven transcoding engine that
// translates between MQTT messages (topic + JSON object) and CAN frames
// (identifier + 8 data bytes).
//
// # Conversion Table
//
// A table maps category → subtopic → entry. The first two segments of an
// MQTT topic select the entry; the entry declares the frame identifier and
// an ordered list of fields that are packed from byte 0 onwards:
//
//	{
//	  "led": {
//	    "config": {
//	      "topic": "led/config",
//	      "arbitration_id": 4880,
//	      "data": { "intensity": "int", "color": "hex" }
//	    }
//	  },
//	  "imu": {
//	    "config": {
//	      "topic": "imu/config",
//	      "id": "0x520",
//	      "data": [
//	        { "name": "rate", "type": "uint16" },
//	        { "name": "mode", "type": "enum", "dict": { "idle": 0, "stream": 1 } }
//	      ]
//	    }
//	  }
//	}
//
// Field kinds (case-insensitive):
//
//   - int, uint8, byte: 1 byte, 0-255
//   - int16, uint16, u16: 2 bytes big-endian, unsigned 0-65535; encoding
//     masks the value to 16 bits, so -1 is sent as 0xFFFF; integers
//     outside the int64 range are masked the same way
//   - bool, boolean: 1 byte, 1 or 0
//   - hex, rgb: 3 bytes, "#RRGGBB" (decoded as uppercase)
//   - a mapping, or enum/dict with an attached mapping: 1 byte code
//
// Tables are validated when loaded: each entry fits in 8 bytes, frame
// identifiers are unique and enum codes are unique per field. A table that
// breaks any rule is rejected as a whole with a *LoadError. YAML files
// (.yaml, .yml) use the same schema.
//
// # Translation
//
// Encode aborts the whole frame on the first field error. Decode tolerates
// short frames (fields that do not fit are left out) and unknown enum codes
// (that field is left out). Identifier lookup and enum reverse lookup both
// use Search: depth-first, declaration order, first match.
//
// # Thread Safety
//
// A *Table is immutable after loading. Store publishes reloaded tables with
// an atomic pointer swap, so a translation that called Current keeps a
// consistent table for its whole duration.
package conversion
