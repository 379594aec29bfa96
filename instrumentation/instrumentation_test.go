package instrumentation

import (
	"context"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if inst.config.ServiceName != "oauth-core" {
		t.Errorf("ServiceName = %q, want default", inst.config.ServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q", inst.config.ServiceVersion)
	}
	if inst.Metrics() == nil {
		t.Fatal("Metrics() = nil")
	}
	if inst.Metrics().DispatchesTotal == nil {
		t.Error("DispatchesTotal instrument was not created")
	}
	if inst.Metrics().NoncesMinted == nil {
		t.Error("NoncesMinted instrument was not created")
	}
}

func TestMeterAndTracerScopes(t *testing.T) {
	inst, err := New(Config{ServiceName: "test-service"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Meter("pipeline") == nil {
		t.Error("Meter() = nil")
	}
	if inst.Tracer("pipeline") == nil {
		t.Error("Tracer() = nil")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}
