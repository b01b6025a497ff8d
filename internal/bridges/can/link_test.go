package can

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// stubCommands replaces runCommand for the duration of a test.
func stubCommands(t *testing.T, fail string) *[]string {
	t.Helper()
	var calls []string
	orig := runCommand
	runCommand = func(_ context.Context, name string, args ...string) ([]byte, error) {
		line := name + " " + strings.Join(args, " ")
		calls = append(calls, line)
		if fail != "" && strings.Contains(line, fail) {
			return []byte("RTNETLINK answers: Operation not permitted"), errors.New("exit status 2")
		}
		return nil, nil
	}
	t.Cleanup(func() { runCommand = orig })
	return &calls
}

func TestSetupLink(t *testing.T) {
	calls := stubCommands(t, "")

	err := SetupLink(context.Background(), LinkConfig{Interface: "can0", Bitrate: 500000}, nil)
	if err != nil {
		t.Fatalf("SetupLink() error = %v", err)
	}

	want := []string{
		"ip link set can0 down",
		"ip link set can0 type can bitrate 500000",
		"ip link set can0 up",
	}
	if len(*calls) != len(want) {
		t.Fatalf("calls = %v, want %v", *calls, want)
	}
	for i := range want {
		if (*calls)[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, (*calls)[i], want[i])
		}
	}
}

func TestSetupLinkVirtual(t *testing.T) {
	calls := stubCommands(t, "")

	err := SetupLink(context.Background(), LinkConfig{Interface: "vcan0", IPBinary: "/sbin/ip"}, nil)
	if err != nil {
		t.Fatalf("SetupLink() error = %v", err)
	}
	if len(*calls) != 1 || (*calls)[0] != "/sbin/ip link set vcan0 up" {
		t.Errorf("calls = %v, want only the up step", *calls)
	}
}

func TestSetupLinkErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  LinkConfig
		fail string
	}{
		{"no interface", LinkConfig{Bitrate: 500000}, ""},
		{"no bitrate", LinkConfig{Interface: "can0"}, ""},
		{"command fails", LinkConfig{Interface: "can0", Bitrate: 250000}, "bitrate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubCommands(t, tt.fail)
			err := SetupLink(context.Background(), tt.cfg, nil)
			if !errors.Is(err, ErrLinkSetup) {
				t.Errorf("SetupLink() error = %v, want ErrLinkSetup", err)
			}
		})
	}
}
