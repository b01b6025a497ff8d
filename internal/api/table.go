package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/canbridge/internal/bridges/can"
	"github.com/nerrad567/canbridge/internal/conversion"
)

// TableResponse summarises a conversion table.
type TableResponse struct {
	Source   string          `json:"source"`
	LoadedAt time.Time       `json:"loaded_at"`
	Count    int             `json:"count"`
	Entries  []EntryResponse `json:"entries"`
}

// EntryResponse describes one table entry.
type EntryResponse struct {
	Topic    string          `json:"topic"`
	Category string          `json:"category"`
	Subtopic string          `json:"subtopic"`
	FrameID  uint32          `json:"frame_id"`
	IDHex    string          `json:"id_hex"`
	Extended bool            `json:"extended"`
	Width    int             `json:"width"`
	Fields   []FieldResponse `json:"fields"`
}

// FieldResponse describes one field of an entry.
type FieldResponse struct {
	Name   string                 `json:"name"`
	Kind   string                 `json:"kind"`
	Values []conversion.EnumValue `json:"values,omitempty"`
}

func tableResponse(t *conversion.Table) TableResponse {
	entries := t.Entries()
	resp := TableResponse{
		Source:   t.Source(),
		LoadedAt: t.LoadedAt(),
		Count:    len(entries),
		Entries:  make([]EntryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		er := EntryResponse{
			Topic:    e.Topic,
			Category: e.Category,
			Subtopic: e.Subtopic,
			FrameID:  e.FrameID,
			IDHex:    formatID(e.FrameID, e.Extended()),
			Extended: e.Extended(),
			Width:    e.Width(),
			Fields:   make([]FieldResponse, 0, len(e.Fields)),
		}
		for _, f := range e.Fields {
			fr := FieldResponse{Name: f.Name, Kind: f.Kind.String()}
			if f.Enum != nil {
				fr.Values = f.Enum.Values()
			}
			er.Fields = append(er.Fields, fr)
		}
		resp.Entries = append(resp.Entries, er)
	}
	return resp
}

// handleGetTable returns the active conversion table.
func (s *Server) handleGetTable(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, tableResponse(s.tables.Current()))
}

// handleReloadTable re-reads the table file. A table that fails to load
// leaves the previous one active and answers 422 with the problems found.
func (s *Server) handleReloadTable(w http.ResponseWriter, _ *http.Request) {
	t, err := s.tables.Reload()
	if err != nil {
		if conversion.IsLoadError(err) {
			s.logger.Warn("table reload rejected", "error", err)
			writeError(w, http.StatusUnprocessableEntity, ErrCodeTableLoad, err.Error())
			return
		}
		s.logger.Error("table reload failed", "error", err)
		writeInternalError(w, "table reload failed")
		return
	}
	s.logger.Info("table reloaded via API", "entries", t.Len())
	writeJSON(w, http.StatusOK, tableResponse(t))
}

// EncodeRequest is the body of POST /encode.
type EncodeRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeResponse is the frame an MQTT message would produce.
type EncodeResponse struct {
	Topic    string `json:"topic"`
	FrameID  uint32 `json:"frame_id"`
	IDHex    string `json:"id_hex"`
	Extended bool   `json:"extended"`
	Data     string `json:"data"`
}

// handleEncode translates a topic and payload without touching the bus.
func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req EncodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Topic == "" {
		writeBadRequest(w, "topic is required")
		return
	}
	if len(req.Payload) == 0 {
		writeBadRequest(w, "payload is required")
		return
	}

	frame, entry, err := s.tables.Current().EncodeMessage(req.Topic, req.Payload)
	if err != nil {
		writeTranslationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EncodeResponse{
		Topic:    entry.Topic,
		FrameID:  frame.ID,
		IDHex:    formatID(frame.ID, frame.Extended),
		Extended: frame.Extended,
		Data:     strings.ToUpper(hex.EncodeToString(frame.Data[:])),
	})
}

// DecodeRequest is the body of POST /decode. ID accepts a JSON number or
// a "0x"-prefixed hex string; Data is hex, spaces allowed.
type DecodeRequest struct {
	ID   json.RawMessage `json:"id"`
	Data string          `json:"data"`
}

// DecodeResponse is the record a frame would publish.
type DecodeResponse struct {
	Topic     string            `json:"topic"`
	FrameID   uint32            `json:"frame_id"`
	Record    conversion.Record `json:"record"`
	Partial   bool              `json:"partial"`
	Truncated []string          `json:"truncated,omitempty"`
	Unmapped  []string          `json:"unmapped,omitempty"`
	Tunneled  bool              `json:"tunneled,omitempty"`
}

// handleDecode translates a frame without publishing it.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req DecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id, err := parseFrameID(req.ID)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	data, err := hex.DecodeString(strings.ReplaceAll(req.Data, " ", ""))
	if err != nil {
		writeBadRequest(w, "data must be hex")
		return
	}
	if len(data) > can.MaxDataLen {
		writeBadRequest(w, fmt.Sprintf("data exceeds %d bytes", can.MaxDataLen))
		return
	}

	table := s.tables.Current()
	var d *conversion.Decoded
	if s.tunnel {
		d, err = table.DecodeTunneled(id, data)
	} else {
		d, err = table.Decode(id, data)
	}
	if err != nil {
		writeTranslationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DecodeResponse{
		Topic:     d.Topic,
		FrameID:   id,
		Record:    d.Record,
		Partial:   d.Partial(),
		Truncated: d.Truncated,
		Unmapped:  d.Unmapped,
		Tunneled:  d.Tunneled,
	})
}

// writeTranslationError maps a translation failure to 404 for unknown
// topics and identifiers and 422 for everything else. The error code is
// the bridge's drop reason.
func writeTranslationError(w http.ResponseWriter, err error) {
	status := http.StatusUnprocessableEntity
	if errors.Is(err, conversion.ErrUnknownTopic) || errors.Is(err, conversion.ErrUnknownFrameID) {
		status = http.StatusNotFound
	}
	writeError(w, status, can.DropReason(err), err.Error())
}

func parseFrameID(raw json.RawMessage) (uint32, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("id is required")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")
		v, err := strconv.ParseUint(text, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("id %q is not a hex identifier", text)
		}
		return checkFrameID(v)
	}

	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("id must be a non-negative integer or hex string")
	}
	return checkFrameID(n)
}

func checkFrameID(v uint64) (uint32, error) {
	if v > uint64(can.MaxExtendedID) {
		return 0, fmt.Errorf("id 0x%X exceeds 29 bits", v)
	}
	return uint32(v), nil
}

func formatID(id uint32, extended bool) string {
	if extended {
		return fmt.Sprintf("0x%08X", id)
	}
	return fmt.Sprintf("0x%03X", id)
}
