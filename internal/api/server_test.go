package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/canbridge/internal/audit"
	"github.com/nerrad567/canbridge/internal/bridges/can"
	"github.com/nerrad567/canbridge/internal/conversion"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/infrastructure/logging"
)

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
      "id": "0x51E",
      "data": {
        "temperature": "int16",
        "mode": { "off": 0, "eco": 1, "boost": 2 }
      }
    }
  }
}`

// fakeBridge implements BridgeInfo.
type fakeBridge struct {
	status string
	subs   []string
}

func (f *fakeBridge) GetMetrics() can.BridgeMetrics {
	return can.BridgeMetrics{Status: f.status, Interface: "vcan0", Uplink: 3, Subscriptions: len(f.subs)}
}

func (f *fakeBridge) Subscriptions() []string {
	return append([]string(nil), f.subs...)
}

// fakeFrameLog implements FrameLog.
type fakeFrameLog struct {
	records   []can.FrameIDRecord
	drops     []can.DropRecord
	err       error
	lastLimit int
}

func (f *fakeFrameLog) FrameIDs(context.Context) ([]can.FrameIDRecord, error) {
	return f.records, f.err
}

func (f *fakeFrameLog) RecentDrops(_ context.Context, limit int) ([]can.DropRecord, error) {
	f.lastLimit = limit
	return f.drops, f.err
}

type fakeAuditLog struct {
	result     *audit.Page
	err        error
	lastFilter audit.Filter
}

func (f *fakeAuditLog) List(_ context.Context, filter audit.Filter) (*audit.Page, error) {
	f.lastFilter = filter
	return f.result, f.err
}

type fakeMQTT struct{ connected bool }

func (f fakeMQTT) IsConnected() bool { return f.connected }

// writeTable writes the conversion table to a temp dir and returns the
// path and a store loaded from it.
func writeTable(t *testing.T, content string) (string, *conversion.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversion.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	store, err := conversion.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return path, store
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// testServer creates a Server with a real table store and fake components.
func testServer(t *testing.T, mutate func(*Deps)) (*Server, string) {
	t.Helper()

	path, store := writeTable(t, testTableJSON)
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:       testWSConfig(),
		Logger:   testLogger(),
		Tables:   store,
		Bridge:   &fakeBridge{status: "healthy", subs: []string{"led/config/+", "led/config"}},
		MQTT:     fakeMQTT{connected: true},
		Recorder: &fakeFrameLog{},
		Tunnel:   true,
		Version:  "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv.hub = NewHub(srv.wsCfg, srv.logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return srv, path
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func TestNew_Validation(t *testing.T) {
	_, store := writeTable(t, testTableJSON)

	if _, err := New(Deps{Tables: store}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without table store should fail")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t, nil)

	rr := doRequest(t, srv, http.MethodGet, "/api/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body map[string]any
	decodeBody(t, rr, &body)
	if body["status"] != "healthy" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestHealthEndpoint_NoBridge(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Bridge = nil })

	var body map[string]any
	decodeBody(t, doRequest(t, srv, http.MethodGet, "/api/v1/health", ""), &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, path := testServer(t, nil)

	rr := doRequest(t, srv, http.MethodGet, "/api/v1/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var m SystemMetrics
	decodeBody(t, rr, &m)
	if !m.MQTT.Connected {
		t.Error("mqtt.connected = false")
	}
	if m.Bridge == nil || m.Bridge.Uplink != 3 || m.Bridge.Interface != "vcan0" {
		t.Errorf("bridge = %+v", m.Bridge)
	}
	if m.Table.Entries != 2 || m.Table.Source != path {
		t.Errorf("table = %+v", m.Table)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime.goroutines = 0")
	}
	if m.Database != nil {
		t.Error("database metrics without a database")
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "canbridge_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv, _ := testServer(t, func(d *Deps) { d.Gatherer = reg })

	rr := doRequest(t, srv, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "canbridge_test_total 1") {
		t.Errorf("exposition missing counter:\n%s", rr.Body.String())
	}
}

func TestPrometheusEndpoint_Disabled(t *testing.T) {
	srv, _ := testServer(t, nil)
	if rr := doRequest(t, srv, http.MethodGet, "/metrics", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a gatherer", rr.Code)
	}
}

func TestPanelRoute(t *testing.T) {
	panel := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("monitor page"))
	})
	srv, _ := testServer(t, func(d *Deps) { d.Panel = panel })

	rr := doRequest(t, srv, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "monitor page" {
		t.Errorf("GET / = %d %q, want panel", rr.Code, rr.Body.String())
	}

	// API routes are not shadowed by the catch-all.
	rr = doRequest(t, srv, http.MethodGet, "/api/v1/health", "")
	if strings.Contains(rr.Body.String(), "monitor page") {
		t.Error("/api/v1/health served by panel")
	}
}

func TestGetTable(t *testing.T) {
	srv, _ := testServer(t, nil)

	rr := doRequest(t, srv, http.MethodGet, "/api/v1/table", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp TableResponse
	decodeBody(t, rr, &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}

	byTopic := make(map[string]EntryResponse)
	for _, e := range resp.Entries {
		byTopic[e.Topic] = e
	}

	led := byTopic["led/config"]
	if led.FrameID != 4880 || !led.Extended || led.IDHex != "0x00001310" || led.Width != 4 {
		t.Errorf("led/config = %+v", led)
	}

	sensors := byTopic["sensors/update"]
	if sensors.IDHex != "0x51E" || sensors.Extended {
		t.Errorf("sensors/update = %+v", sensors)
	}
	if len(sensors.Fields) != 2 || sensors.Fields[1].Kind != "enum" || len(sensors.Fields[1].Values) != 3 {
		t.Errorf("sensors fields = %+v", sensors.Fields)
	}
}

func TestReloadTable(t *testing.T) {
	srv, path := testServer(t, nil)

	updated := strings.Replace(testTableJSON, `"id": "0x51E"`, `"id": "0x51F"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	rr := doRequest(t, srv, http.MethodPost, "/api/v1/table/reload", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if _, ok := srv.tables.Current().FindByFrameID(0x51F); !ok {
		t.Error("reloaded table should own 0x51F")
	}
}

func TestReloadTable_Invalid(t *testing.T) {
	srv, path := testServer(t, nil)

	if err := os.WriteFile(path, []byte(`{"led": {"config": {"data": {}}}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	rr := doRequest(t, srv, http.MethodPost, "/api/v1/table/reload", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}

	var apiErr Error
	decodeBody(t, rr, &apiErr)
	if apiErr.Code != ErrCodeTableLoad {
		t.Errorf("code = %q, want %q", apiErr.Code, ErrCodeTableLoad)
	}
	if _, ok := srv.tables.Current().FindByFrameID(0x51E); !ok {
		t.Error("previous table should stay active")
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
		wantData string
	}{
		{
			name:     "led config",
			body:     `{"topic":"led/config","payload":{"intensity":200,"color":"#FF8000"}}`,
			wantCode: http.StatusOK,
			wantData: "C8FF800000000000",
		},
		{
			name:     "command subtopic",
			body:     `{"topic":"sensors/update/set","payload":{"temperature":500,"mode":"eco"}}`,
			wantCode: http.StatusOK,
			wantData: "01F4010000000000",
		},
		{
			name:     "unknown topic",
			body:     `{"topic":"led/unknown","payload":{}}`,
			wantCode: http.StatusNotFound,
			wantErr:  can.ReasonUnknownTopic,
		},
		{
			name:     "missing field",
			body:     `{"topic":"led/config","payload":{"intensity":1}}`,
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  can.ReasonMissingField,
		},
		{
			name:     "out of range",
			body:     `{"topic":"led/config","payload":{"intensity":300,"color":"#000000"}}`,
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  can.ReasonOutOfRange,
		},
		{
			name:     "unknown symbol",
			body:     `{"topic":"sensors/update","payload":{"temperature":1,"mode":"turbo"}}`,
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  can.ReasonUnknownSymbol,
		},
		{
			name:     "missing topic",
			body:     `{"payload":{}}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid json",
			body:     `{`,
			wantCode: http.StatusBadRequest,
		},
	}

	srv, _ := testServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, srv, http.MethodPost, "/api/v1/encode", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantCode, rr.Body.String())
			}

			if tt.wantData != "" {
				var resp EncodeResponse
				decodeBody(t, rr, &resp)
				if resp.Data != tt.wantData {
					t.Errorf("data = %s, want %s", resp.Data, tt.wantData)
				}
			}
			if tt.wantErr != "" {
				var apiErr Error
				decodeBody(t, rr, &apiErr)
				if apiErr.Code != tt.wantErr {
					t.Errorf("code = %q, want %q", apiErr.Code, tt.wantErr)
				}
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		tunnel      bool
		body        string
		wantCode    int
		wantTopic   string
		wantPartial bool
		wantTunnel  bool
	}{
		{
			name:      "numeric id",
			body:      `{"id":1310,"data":"01F401"}`,
			wantCode:  http.StatusOK,
			wantTopic: "sensors/update",
		},
		{
			name:      "hex id with spaces in data",
			body:      `{"id":"0x51E","data":"01 F4 01"}`,
			wantCode:  http.StatusOK,
			wantTopic: "sensors/update",
		},
		{
			name:        "short frame",
			body:        `{"id":"0x51E","data":"01"}`,
			wantCode:    http.StatusOK,
			wantTopic:   "sensors/update",
			wantPartial: true,
		},
		{
			name:       "tunnelled",
			tunnel:     true,
			body:       `{"id":"0x7FF","data":"051E01F401"}`,
			wantCode:   http.StatusOK,
			wantTopic:  "sensors/update",
			wantTunnel: true,
		},
		{
			name:     "tunnel disabled",
			body:     `{"id":"0x7FF","data":"051E01F401"}`,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "bad hex",
			body:     `{"id":1310,"data":"zz"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "too long",
			body:     `{"id":1310,"data":"000000000000000000"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "id too large",
			body:     `{"id":"0x20000000","data":""}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing id",
			body:     `{"data":"00"}`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, func(d *Deps) { d.Tunnel = tt.tunnel })

			rr := doRequest(t, srv, http.MethodPost, "/api/v1/decode", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}

			var resp DecodeResponse
			decodeBody(t, rr, &resp)
			if resp.Topic != tt.wantTopic {
				t.Errorf("topic = %q, want %q", resp.Topic, tt.wantTopic)
			}
			if resp.Partial != tt.wantPartial {
				t.Errorf("partial = %v, want %v", resp.Partial, tt.wantPartial)
			}
			if resp.Tunneled != tt.wantTunnel {
				t.Errorf("tunneled = %v, want %v", resp.Tunneled, tt.wantTunnel)
			}
			if !tt.wantPartial && resp.Record["mode"] != "eco" {
				t.Errorf("record = %v", resp.Record)
			}
		})
	}
}

func TestDecode_Record(t *testing.T) {
	srv, _ := testServer(t, nil)

	var resp DecodeResponse
	decodeBody(t, doRequest(t, srv, http.MethodPost, "/api/v1/decode", `{"id":"0x51E","data":"01F401"}`), &resp)

	if resp.Record["temperature"] != float64(500) {
		t.Errorf("temperature = %v, want 500", resp.Record["temperature"])
	}
}

func TestListFrameIDs(t *testing.T) {
	log := &fakeFrameLog{records: []can.FrameIDRecord{
		{FrameID: 0x51E, Topic: "sensors/update", Uplink: 4},
		{FrameID: 0x7FF, Uplink: 1},
	}}
	srv, _ := testServer(t, func(d *Deps) { d.Recorder = log })

	rr := doRequest(t, srv, http.MethodGet, "/api/v1/frame-ids", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var body struct {
		FrameIDs []can.FrameIDRecord `json:"frame_ids"`
		Count    int                 `json:"count"`
		Unknown  int                 `json:"unknown"`
	}
	decodeBody(t, rr, &body)
	if body.Count != 2 || body.Unknown != 1 || body.FrameIDs[0].Uplink != 4 {
		t.Errorf("body = %+v", body)
	}
}

func TestListDrops(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{"default", "", http.StatusOK, defaultDropLimit},
		{"explicit", "?limit=5", http.StatusOK, 5},
		{"capped", "?limit=5000", http.StatusOK, maxDropLimit},
		{"invalid", "?limit=abc", http.StatusBadRequest, 0},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &fakeFrameLog{drops: []can.DropRecord{{ID: "d1", Direction: can.Downlink, Reason: can.ReasonUnknownTopic}}}
			srv, _ := testServer(t, func(d *Deps) { d.Recorder = log })

			rr := doRequest(t, srv, http.MethodGet, "/api/v1/drops"+tt.query, "")
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK && log.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", log.lastLimit, tt.wantLimit)
			}
		})
	}
}

func TestListAuditLogs(t *testing.T) {
	fake := &fakeAuditLog{result: &audit.Page{
		Entries: []audit.Entry{{ID: "aud-1", Action: audit.ActionTableReload, Source: "watcher", Outcome: audit.OutcomeFailed}},
		Total:   1,
		Limit:   10,
	}}
	srv, _ := testServer(t, func(d *Deps) { d.Audit = fake })

	rr := doRequest(t, srv, http.MethodGet, "/api/v1/audit?source=watcher&outcome=failed&limit=10&offset=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	want := audit.Filter{Source: "watcher", Outcome: "failed", Limit: 10, Offset: 2}
	if fake.lastFilter != want {
		t.Errorf("filter = %+v, want %+v", fake.lastFilter, want)
	}

	var got audit.Page
	decodeBody(t, rr, &got)
	if got.Total != 1 || len(got.Entries) != 1 || got.Entries[0].ID != "aud-1" {
		t.Errorf("body = %+v", got)
	}

	if rr := doRequest(t, srv, http.MethodGet, "/api/v1/audit?limit=x", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rr.Code)
	}
	if rr := doRequest(t, srv, http.MethodGet, "/api/v1/audit?offset=x", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad offset status = %d, want 400", rr.Code)
	}
}

func TestListAuditLogs_Errors(t *testing.T) {
	srv, _ := testServer(t, nil)
	if rr := doRequest(t, srv, http.MethodGet, "/api/v1/audit", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("no audit log: status = %d, want 503", rr.Code)
	}

	srv, _ = testServer(t, func(d *Deps) { d.Audit = &fakeAuditLog{err: errors.New("db gone")} })
	if rr := doRequest(t, srv, http.MethodGet, "/api/v1/audit", ""); rr.Code != http.StatusInternalServerError {
		t.Errorf("failing audit log: status = %d, want 500", rr.Code)
	}
}

func TestRecorderEndpoints_Unavailable(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Recorder = nil })

	for _, path := range []string{"/api/v1/frame-ids", "/api/v1/drops"} {
		if rr := doRequest(t, srv, http.MethodGet, path, ""); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rr.Code)
		}
	}
}

func TestRecorderEndpoints_Error(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Recorder = &fakeFrameLog{err: errors.New("disk full")} })

	if rr := doRequest(t, srv, http.MethodGet, "/api/v1/frame-ids", ""); rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestListSubscriptions(t *testing.T) {
	srv, _ := testServer(t, nil)

	var body struct {
		Subscriptions []string `json:"subscriptions"`
		Count         int      `json:"count"`
	}
	decodeBody(t, doRequest(t, srv, http.MethodGet, "/api/v1/subscriptions", ""), &body)

	if body.Count != 2 || body.Subscriptions[0] != "led/config" {
		t.Errorf("body = %+v", body)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://dashboard.local"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rr := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unknown origin = %q, want empty", got)
	}
}

func TestStartAndClose(t *testing.T) {
	srv, _ := testServer(t, nil)
	srv.hub = nil

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Close() //nolint:errcheck // test cleanup

	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHealthCheck_NotStarted(t *testing.T) {
	srv, _ := testServer(t, nil)
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
}

// connectWebSocket starts srv on an ephemeral port and dials /ws.
func connectWebSocket(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func subscribe(t *testing.T, ws *websocket.Conn, channels ...string) {
	t.Helper()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	}); err != nil {
		t.Fatalf("write subscribe message: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var response WSMessage
	if err := ws.ReadJSON(&response); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if response.Type != WSTypeResponse || response.ID != "sub-1" {
		t.Fatalf("response = %+v", response)
	}
}

func TestWebSocket_TranslationEvents(t *testing.T) {
	srv, _ := testServer(t, nil)
	ws := connectWebSocket(t, srv)
	subscribe(t, ws, ChannelUplink, ChannelDropped)

	// Downlink events go to a channel this client did not join.
	srv.hub.HandleEvent(can.Event{Direction: can.Downlink, Topic: "led/config", HasFrame: true, FrameID: 4880})
	srv.hub.HandleEvent(can.Event{Direction: can.Uplink, Topic: "sensors/update", HasFrame: true, FrameID: 0x51E})
	srv.hub.HandleEvent(can.Event{Direction: can.Downlink, Topic: "led/x", Reason: can.ReasonUnknownTopic})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline

	var first, second WSMessage
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if err := ws.ReadJSON(&second); err != nil {
		t.Fatalf("read second event: %v", err)
	}

	if first.Type != WSTypeEvent || first.EventType != ChannelUplink {
		t.Errorf("first = %+v, want uplink event", first)
	}
	if second.EventType != ChannelDropped {
		t.Errorf("second = %+v, want dropped event", second)
	}
	payload, _ := second.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["reason"] != can.ReasonUnknownTopic {
		t.Errorf("drop payload = %v", second.Payload)
	}
}

func TestWebSocket_PingAndInvalid(t *testing.T) {
	srv, _ := testServer(t, nil)
	ws := connectWebSocket(t, srv)

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var pong WSMessage
	if err := ws.ReadJSON(&pong); err != nil {
		t.Fatal(err)
	}
	if pong.Type != WSTypePong || pong.ID != "p1" {
		t.Errorf("pong = %+v", pong)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	var errMsg WSMessage
	if err := ws.ReadJSON(&errMsg); err != nil {
		t.Fatal(err)
	}
	if errMsg.Type != WSTypeError {
		t.Errorf("type = %q, want error", errMsg.Type)
	}
}

func TestHub_ClientCount(t *testing.T) {
	srv, _ := testServer(t, nil)
	connectWebSocket(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}

func TestWebSocket_TopicFilter(t *testing.T) {
	srv, _ := testServer(t, nil)
	ws := connectWebSocket(t, srv)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-led",
		Payload: WSSubscribePayload{Channels: []string{ChannelDownlink}, Topics: []string{"led/#"}},
	}); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var ack WSMessage
	if err := ws.ReadJSON(&ack); err != nil || ack.Type != WSTypeResponse {
		t.Fatalf("ack = %+v, err = %v", ack, err)
	}

	srv.hub.HandleEvent(can.Event{Direction: can.Downlink, Topic: "motor/command", HasFrame: true, FrameID: 0x18FF50E5})
	srv.hub.HandleEvent(can.Event{Direction: can.Downlink, Topic: "led/effect", HasFrame: true, FrameID: 0x1311})

	var ev WSMessage
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	payload, _ := ev.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["topic"] != "led/effect" {
		t.Errorf("event topic = %v, want led/effect", payload["topic"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Stats().Delivered < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st := srv.hub.Stats(); st.Delivered != 1 || st.Overflow != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestWebSocket_InvalidTopicFilter(t *testing.T) {
	srv, _ := testServer(t, nil)
	ws := connectWebSocket(t, srv)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "bad",
		Payload: WSSubscribePayload{Channels: []string{ChannelUplink}, Topics: []string{"led/#/x"}},
	}); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != WSTypeError || resp.ID != "bad" {
		t.Errorf("resp = %+v, want error for bad", resp)
	}
}

func TestUnknownAPIRoute(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Panel = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("monitor page")) //nolint:errcheck // test handler
		})
	})

	rr := doRequest(t, srv, http.MethodGet, "/api/v1/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	var apiErr Error
	if err := json.Unmarshal(rr.Body.Bytes(), &apiErr); err != nil {
		t.Fatal(err)
	}
	if apiErr.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", apiErr.Code, ErrCodeNotFound)
	}
}

func TestRecoverPanics(t *testing.T) {
	srv, _ := testServer(t, nil)
	h := srv.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}
