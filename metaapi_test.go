package metaapi

import (
	"context"
	"testing"
)

type nopListener struct {
	BaseSynchronizationListener
}

type nopReconnect struct{}

func (*nopReconnect) OnReconnected(ctx context.Context) error { return nil }

func TestNewClientRejectsMissingToken(t *testing.T) {
	cfg := DefaultConfig("")
	if _, err := NewClient(cfg); err == nil {
		t.Fatal("NewClient() should fail without an auth token")
	}
}

func TestNewClientAssemblesAndCloses(t *testing.T) {
	c, err := NewClient(DefaultConfig("test-token"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	l := &nopListener{}
	c.AddSynchronizationListener("account-1", l)
	c.RemoveSynchronizationListener("account-1", l)
	r := &nopReconnect{}
	c.AddReconnectListener("account-1", r)
	c.RemoveReconnectListener("account-1", r)

	if hosts := c.ConnectedHosts(); len(hosts) != 0 {
		t.Errorf("ConnectedHosts() = %v, want empty before any subscribe", hosts)
	}
	logs, err := c.ReadPacketLogs("account-1")
	if err != nil || logs != nil {
		t.Errorf("ReadPacketLogs() = %v, %v; want nil, nil with logging disabled", logs, err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig("token").Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
