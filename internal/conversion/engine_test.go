package conversion

import (
	"errors"
	"reflect"
	"testing"
)

// ─── Encode ────────────────────────────────────────────────────────

func TestEncodeLEDConfig(t *testing.T) {
	table := mustParse(t, testTableJSON)

	frame, err := table.Encode("led", "config", Record{"intensity": 200, "color": "#FF00FF"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	want := [FrameSize]byte{200, 255, 0, 255, 0, 0, 0, 0}
	if frame.Data != want {
		t.Errorf("Encode() data = % X, want % X", frame.Data, want)
	}
	if frame.ID != 0x1310 {
		t.Errorf("Encode() id = 0x%X, want 0x1310", frame.ID)
	}
	if !frame.Extended {
		t.Error("Encode() extended = false, want true for id above 0x7FF")
	}
}

func TestEncodeStandardID(t *testing.T) {
	table := mustParse(t, testTableJSON)

	frame, err := table.Encode("sensors", "update", Record{"temperature": 4000, "present": true, "mode": "eco"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if frame.Extended {
		t.Error("Encode() extended = true, want false for 0x51E")
	}
	want := [FrameSize]byte{0x0F, 0xA0, 1, 1, 0, 0, 0, 0}
	if frame.Data != want {
		t.Errorf("Encode() data = % X, want % X", frame.Data, want)
	}
}

func TestEncodeEmptyEntry(t *testing.T) {
	table := mustParse(t, testTableJSON)

	frame, err := table.Encode("sensors", "init", Record{})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if frame.Data != [FrameSize]byte{} {
		t.Errorf("Encode() data = % X, want all zero", frame.Data)
	}
}

func TestEncodeErrors(t *testing.T) {
	table := mustParse(t, testTableJSON)

	tests := []struct {
		name      string
		category  string
		subtopic  string
		rec       Record
		wantErr   error
		wantField string
	}{
		{"unknown category", "door", "config", Record{}, ErrUnknownTopic, ""},
		{"unknown subtopic", "led", "blink", Record{}, ErrUnknownTopic, ""},
		{"missing field", "led", "config", Record{"intensity": 10}, ErrMissingField, "color"},
		{"null field", "led", "config", Record{"intensity": nil, "color": "#000000"}, ErrMissingField, "intensity"},
		{"range", "led", "config", Record{"intensity": 300, "color": "#000000"}, ErrRange, "intensity"},
		{"format", "led", "config", Record{"intensity": 1, "color": "red"}, ErrFormat, "color"},
		{"unknown symbol", "sensors", "update", Record{"temperature": 1, "present": false, "mode": "turbo"}, ErrUnknownSymbol, "mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := table.Encode(tt.category, tt.subtopic, tt.rec)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Encode() error = %v, want %v", err, tt.wantErr)
			}
			if frame != (Frame{}) {
				t.Errorf("Encode() returned partial frame %+v", frame)
			}
			if tt.wantField == "" {
				return
			}
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("Encode() error %T is not a *FieldError", err)
			}
			if fe.Field != tt.wantField {
				t.Errorf("FieldError.Field = %q, want %q", fe.Field, tt.wantField)
			}
		})
	}
}

func TestEncodeEntryOverflow(t *testing.T) {
	// Built by hand: the loader would reject this layout.
	entry := &Entry{
		Topic:   "wide/entry",
		FrameID: 0x100,
		Fields: []FieldSpec{
			{Name: "a", Kind: KindColorHex},
			{Name: "b", Kind: KindColorHex},
			{Name: "c", Kind: KindColorHex},
		},
	}
	rec := Record{"a": "#000000", "b": "#000000", "c": "#000000"}

	_, err := EncodeEntry(entry, rec)
	if !errors.Is(err, ErrFrameOverflow) {
		t.Errorf("EncodeEntry() error = %v, want ErrFrameOverflow", err)
	}
}

func TestEncodeMessage(t *testing.T) {
	table := mustParse(t, testTableJSON)

	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"plain topic", "led/config", `{"intensity":200,"color":"#ff00ff"}`, nil},
		{"command suffix", "led/config/cmd", `{"intensity":200,"color":"#FF00FF","extra":1}`, nil},
		{"one segment", "led", `{}`, ErrMalformedTopic},
		{"empty subtopic", "led/", `{}`, ErrMalformedTopic},
		{"unknown topic", "led/blink", `{}`, ErrUnknownTopic},
		{"not an object", "led/config", `[1,2]`, ErrFormat},
		{"null payload", "led/config", `null`, ErrFormat},
		{"not json", "led/config", `intensity=3`, ErrFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, _, err := table.EncodeMessage(tt.topic, []byte(tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("EncodeMessage() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			want := [FrameSize]byte{200, 0xFF, 0x00, 0xFF}
			if frame.Data != want {
				t.Errorf("EncodeMessage() data = % X, want % X", frame.Data, want)
			}
		})
	}
}

func TestLookupTopic(t *testing.T) {
	doc := `{
	  "led": {
	    "config": { "topic": "home/kitchen/strip", "id": 16, "data": { "intensity": "int" } },
	    "blink": { "id": 17, "data": {} }
	  }
	}`
	table := mustParse(t, doc)

	tests := []struct {
		topic string
		want  string
	}{
		{"home/kitchen/strip", "led/config"},
		{"home/kitchen/strip/set", "led/config"},
		{"led/blink", "led/blink"},
		{"led/blink/cmd", "led/blink"},
		{"led/config", "led/config"},
		{"home/kitchen", ""},
		{"home/kitchen/strip/a/b", ""},
		{"nothing", ""},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			e, ok := table.LookupTopic(tt.topic)
			if tt.want == "" {
				if ok {
					t.Errorf("LookupTopic(%q) = %s, want no match", tt.topic, e.Path())
				}
				return
			}
			if !ok || e.Path() != tt.want {
				t.Errorf("LookupTopic(%q) = %v, %v, want %s", tt.topic, e, ok, tt.want)
			}
		})
	}
}

// ─── Decode ────────────────────────────────────────────────────────

func TestRoundTrip(t *testing.T) {
	table := mustParse(t, testTableJSON)

	tests := []struct {
		category, subtopic string
		rec                Record
	}{
		{"led", "config", Record{"intensity": 0, "color": "#1A2B3C"}},
		{"led", "config", Record{"intensity": 255, "color": "#FFFFFF"}},
		{"sensors", "update", Record{"temperature": 4000, "present": true, "mode": "boost"}},
		{"sensors", "update", Record{"temperature": 65535, "present": false, "mode": "off"}},
		{"sensors", "init", Record{}},
		{"imu", "config", Record{"rate": 1, "state": "stream", "tint": "#000000"}},
	}

	for _, tt := range tests {
		t.Run(tt.category+"/"+tt.subtopic, func(t *testing.T) {
			frame, err := table.Encode(tt.category, tt.subtopic, tt.rec)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			d, err := table.Decode(frame.ID, frame.Data[:])
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(d.Record, tt.rec) {
				t.Errorf("Decode(Encode(r)) = %v, want %v", d.Record, tt.rec)
			}
			if d.Partial() {
				t.Errorf("Decode() partial: truncated=%v unmapped=%v", d.Truncated, d.Unmapped)
			}
		})
	}
}

func TestDecodeUsesEntryTopic(t *testing.T) {
	table := mustParse(t, testTableJSON)

	d, err := table.Decode(1311, nil)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if d.Topic != "sensors/init" {
		t.Errorf("Decode() topic = %q, want default sensors/init", d.Topic)
	}
}

func TestDecodeUnknownFrameID(t *testing.T) {
	table := mustParse(t, testTableJSON)

	for _, id := range []uint32{0, 0x7FF, 0x1311, MaxExtendedID} {
		d, err := table.Decode(id, []byte{1, 2, 3})
		if !errors.Is(err, ErrUnknownFrameID) {
			t.Errorf("Decode(0x%X) error = %v, want ErrUnknownFrameID", id, err)
		}
		if d != nil {
			t.Errorf("Decode(0x%X) returned a record", id)
		}
	}
}

func TestDecodeUnknownEnumCode(t *testing.T) {
	table := mustParse(t, testTableJSON)

	d, err := table.Decode(0x51E, []byte{0x0F, 0xA0, 0x01, 0x09, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := Record{"temperature": 4000, "present": true}
	if !reflect.DeepEqual(d.Record, want) {
		t.Errorf("Decode() record = %v, want %v", d.Record, want)
	}
	if !reflect.DeepEqual(d.Unmapped, []string{"mode"}) {
		t.Errorf("Decode() unmapped = %v, want [mode]", d.Unmapped)
	}
}

func TestDecodeShortFrame(t *testing.T) {
	table := mustParse(t, testTableJSON)

	tests := []struct {
		name          string
		data          []byte
		want          Record
		wantTruncated []string
	}{
		{"empty", nil, Record{}, []string{"temperature", "present", "mode"}},
		{"half of int16", []byte{0x0F}, Record{}, []string{"temperature", "present", "mode"}},
		{"first field only", []byte{0x0F, 0xA0}, Record{"temperature": 4000}, []string{"present", "mode"}},
		{"all but last", []byte{0x0F, 0xA0, 0x00}, Record{"temperature": 4000, "present": false}, []string{"mode"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := table.Decode(0x51E, tt.data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(d.Record, tt.want) {
				t.Errorf("Decode() record = %v, want %v", d.Record, tt.want)
			}
			if !reflect.DeepEqual(d.Truncated, tt.wantTruncated) {
				t.Errorf("Decode() truncated = %v, want %v", d.Truncated, tt.wantTruncated)
			}
		})
	}
}

func TestDecodeIgnoresBytesBeyondFrame(t *testing.T) {
	table := mustParse(t, testTableJSON)

	data := []byte{10, 0x01, 0x02, 0x03, 0, 0, 0, 0, 0xAA, 0xBB}
	d, err := table.Decode(0x1310, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := Record{"intensity": 10, "color": "#010203"}
	if !reflect.DeepEqual(d.Record, want) {
		t.Errorf("Decode() record = %v, want %v", d.Record, want)
	}
}

func TestDecodeTunneled(t *testing.T) {
	table := mustParse(t, testTableJSON)

	t.Run("inner id resolves", func(t *testing.T) {
		d, err := table.DecodeTunneled(0x123, []byte{0x13, 0x10, 200, 0x1A, 0x2B, 0x3C})
		if err != nil {
			t.Fatalf("DecodeTunneled() error = %v", err)
		}
		if !d.Tunneled {
			t.Error("DecodeTunneled() Tunneled = false")
		}
		want := Record{"intensity": 200, "color": "#1A2B3C"}
		if !reflect.DeepEqual(d.Record, want) {
			t.Errorf("DecodeTunneled() record = %v, want %v", d.Record, want)
		}
	})

	t.Run("known id is not tunnelled", func(t *testing.T) {
		d, err := table.DecodeTunneled(0x1310, []byte{1, 2, 3, 4})
		if err != nil {
			t.Fatalf("DecodeTunneled() error = %v", err)
		}
		if d.Tunneled {
			t.Error("DecodeTunneled() Tunneled = true for a direct match")
		}
	})

	t.Run("unknown inner id", func(t *testing.T) {
		_, err := table.DecodeTunneled(0x123, []byte{0x00, 0x01, 5})
		if !errors.Is(err, ErrUnknownFrameID) {
			t.Errorf("DecodeTunneled() error = %v, want ErrUnknownFrameID", err)
		}
	})

	t.Run("too short for header", func(t *testing.T) {
		_, err := table.DecodeTunneled(0x123, []byte{0x13})
		if !errors.Is(err, ErrUnknownFrameID) {
			t.Errorf("DecodeTunneled() error = %v, want ErrUnknownFrameID", err)
		}
	})
}

// ─── Search ────────────────────────────────────────────────────────

func TestSearchFirstMatchPreOrder(t *testing.T) {
	root := newBranch("")
	a := root.add(newBranch("a"))
	a.add(&Node{Key: "x", Value: 1})
	a1 := a.add(newBranch("deep"))
	a1.add(&Node{Key: "y", Value: 7})
	b := root.add(newBranch("b"))
	b.add(&Node{Key: "z", Value: 7})

	path, ok := Search(root, 7)
	if !ok {
		t.Fatal("Search(7) not found")
	}
	if want := []string{"a", "deep", "y"}; !reflect.DeepEqual(path, want) {
		t.Errorf("Search(7) = %v, want %v", path, want)
	}

	if _, ok := Search(root, 99); ok {
		t.Error("Search(99) found a path")
	}
	if _, ok := Search(root, uint32(7)); ok {
		t.Error("Search(uint32(7)) matched an int leaf")
	}
	if _, ok := Search(nil, 7); ok {
		t.Error("Search(nil) found a path")
	}
}

func TestSearchPathsDoNotAlias(t *testing.T) {
	root := newBranch("")
	for _, k := range []string{"a", "b", "c"} {
		br := root.add(newBranch(k))
		br.add(&Node{Key: "leaf", Value: k})
	}

	p1, _ := Search(root, "a")
	p2, _ := Search(root, "c")
	if p1[0] != "a" || p2[0] != "c" {
		t.Errorf("paths alias: %v %v", p1, p2)
	}
}

func TestEnumLookupFirstMatch(t *testing.T) {
	// Duplicate codes cannot come from the loader, but lookup must still
	// be deterministic.
	e := NewEnum(EnumValue{"first", 3}, EnumValue{"second", 3})
	name, ok := e.Lookup(3)
	if !ok || name != "first" {
		t.Errorf("Lookup(3) = %q, %v; want first", name, ok)
	}
}

func TestFindByFrameID(t *testing.T) {
	table := mustParse(t, testTableJSON)

	e, ok := table.FindByFrameID(1312)
	if !ok {
		t.Fatal("FindByFrameID(1312) not found")
	}
	if e.Path() != "imu/config" {
		t.Errorf("FindByFrameID(1312) = %s, want imu/config", e.Path())
	}
}

func TestSplitTopic(t *testing.T) {
	tests := []struct {
		topic   string
		cat     string
		sub     string
		wantErr bool
	}{
		{"led/config", "led", "config", false},
		{"led/config/state", "led", "config", false},
		{"led", "", "", true},
		{"", "", "", true},
		{"/config", "", "", true},
	}
	for _, tt := range tests {
		cat, sub, err := SplitTopic(tt.topic)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			continue
		}
		if cat != tt.cat || sub != tt.sub {
			t.Errorf("SplitTopic(%q) = %q, %q; want %q, %q", tt.topic, cat, sub, tt.cat, tt.sub)
		}
		if tt.wantErr && !errors.Is(err, ErrMalformedTopic) {
			t.Errorf("SplitTopic(%q) error = %v, want ErrMalformedTopic", tt.topic, err)
		}
	}
}
