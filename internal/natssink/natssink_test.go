package natssink

import "testing"

func TestConnectFailsFastWithoutServer(t *testing.T) {
	// nats.Connect's default dial timeout fails immediately against a
	// closed local port rather than retrying, so this exercises the
	// error path without requiring a running broker.
	_, err := Connect("nats://127.0.0.1:1", "trades")
	if err == nil {
		t.Error("Connect(unreachable) succeeded, want error")
	}
}
