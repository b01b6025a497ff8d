package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/infrastructure/mqtt"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("CANBRIDGE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingConversionTable verifies a missing table aborts startup
// before any broker or bus connection is attempted.
func TestRun_MissingConversionTable(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "canbridge.yaml")

	configContent := `
bridge:
  id: test-bridge

can:
  interface: vcan0

conversion:
  table: "` + filepath.Join(tmpDir, "missing.json") + `"
  watch: false

database:
  enabled: false

mqtt:
  broker:
    host: "127.0.0.1"
    port: 19999
    client_id: "test-client"

logging:
  level: error
  format: text
  output: stdout

api:
  enabled: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("CANBRIDGE_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when the conversion table is missing")
	}
}

// TestRun_InvalidAdapter verifies config validation rejects unknown adapters.
func TestRun_InvalidAdapter(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "canbridge.yaml")

	configContent := `
can:
  interface: can0
  adapter: usb2can
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("CANBRIDGE_CONFIG", configPath)

	if err := run(context.Background()); err == nil {
		t.Fatal("run() should fail with an unknown CAN adapter")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("CANBRIDGE_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/canbridge.yaml"
	t.Setenv("CANBRIDGE_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestSlcanConfig(t *testing.T) {
	cfg := &config.Config{
		CAN: config.CANConfig{
			Interface: "slcan1",
			Adapter:   "slcan",
			Slcan: config.SlcanConfig{
				Binary:              "/usr/local/bin/slcand",
				Device:              "/dev/ttyUSB0",
				Speed:               8,
				SerialBaud:          115200,
				RestartOnFailure:    true,
				RestartDelaySeconds: 3,
				MaxRestartAttempts:  4,
				USBVendorID:         "0483",
				USBProductID:        "5740",
				USBResetOnRetry:     true,
			},
		},
	}

	got := slcanConfig(cfg)

	if got.Interface != "slcan1" {
		t.Errorf("Interface = %q, want slcan1", got.Interface)
	}
	if got.Device != "/dev/ttyUSB0" || got.Binary != "/usr/local/bin/slcand" {
		t.Errorf("Device/Binary = %q/%q", got.Device, got.Binary)
	}
	if got.Speed != 8 || got.SerialBaud != 115200 {
		t.Errorf("Speed/SerialBaud = %d/%d", got.Speed, got.SerialBaud)
	}
	if got.RestartDelay != 3*time.Second {
		t.Errorf("RestartDelay = %v, want 3s", got.RestartDelay)
	}
	if !got.RestartOnFailure || got.MaxRestartAttempts != 4 {
		t.Errorf("restart policy = %v/%d", got.RestartOnFailure, got.MaxRestartAttempts)
	}
	if got.USBVendorID != "0483" || got.USBProductID != "5740" || !got.USBResetOnRetry {
		t.Errorf("USB settings = %q:%q reset=%v", got.USBVendorID, got.USBProductID, got.USBResetOnRetry)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("converted config should validate: %v", err)
	}
}

func TestSqlDB_Nil(t *testing.T) {
	if sqlDB(nil) != nil {
		t.Error("sqlDB(nil) should be nil")
	}
}

// fakeMQTT records adapter calls.
type fakeMQTT struct {
	published    []string
	retained     bool
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	connected    bool
	err          error
}

func (f *fakeMQTT) Publish(topic string, _ []byte, _ byte, retained bool) error {
	f.published = append(f.published, topic)
	f.retained = retained
	return f.err
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.handlers == nil {
		f.handlers = make(map[string]mqtt.MessageHandler)
	}
	f.handlers[topic] = handler
	return f.err
}

func (f *fakeMQTT) Unsubscribe(topic string) error {
	f.unsubscribed = append(f.unsubscribed, topic)
	return f.err
}

func (f *fakeMQTT) IsConnected() bool { return f.connected }

func TestMQTTBridgeAdapter(t *testing.T) {
	fake := &fakeMQTT{connected: true}
	adapter := &mqttBridgeAdapter{client: fake}

	if err := adapter.Publish("led/config/state", []byte(`{}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(fake.published) != 1 || fake.published[0] != "led/config/state" || fake.retained {
		t.Errorf("published = %v retained=%v", fake.published, fake.retained)
	}

	var gotTopic string
	var gotPayload []byte
	if err := adapter.Subscribe("led/+", 1, func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	handler, ok := fake.handlers["led/+"]
	if !ok {
		t.Fatal("handler not registered")
	}
	if err := handler("led/config", []byte(`{"mode":1}`)); err != nil {
		t.Errorf("wrapped handler returned %v, want nil", err)
	}
	if gotTopic != "led/config" || string(gotPayload) != `{"mode":1}` {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}

	if err := adapter.Unsubscribe("led/+"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if len(fake.unsubscribed) != 1 || fake.unsubscribed[0] != "led/+" {
		t.Errorf("unsubscribed = %v", fake.unsubscribed)
	}

	if !adapter.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestMQTTBridgeAdapter_PropagatesErrors(t *testing.T) {
	wantErr := errors.New("not connected")
	adapter := &mqttBridgeAdapter{client: &fakeMQTT{err: wantErr}}

	if err := adapter.Publish("t", nil, 0, false); !errors.Is(err, wantErr) {
		t.Errorf("Publish() error = %v, want %v", err, wantErr)
	}
	if err := adapter.Subscribe("t", 0, func(string, []byte) {}); !errors.Is(err, wantErr) {
		t.Errorf("Subscribe() error = %v, want %v", err, wantErr)
	}
	if err := adapter.Unsubscribe("t"); !errors.Is(err, wantErr) {
		t.Errorf("Unsubscribe() error = %v, want %v", err, wantErr)
	}
}
