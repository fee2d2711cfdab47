package pluginregistry

import (
	"context"
	"errors"
	"testing"

	"github.com/dohr-michael/ozzie-gateway/internal/engineadapter"
	"github.com/dohr-michael/ozzie-gateway/internal/ids"
)

type fakeAdapter struct{ id string }

func (f *fakeAdapter) ID() ids.EngineId { return ids.EngineId(f.id) }
func (f *fakeAdapter) BuildRunner(map[string]any, string) (engineadapter.Runner, error) {
	return nil, nil
}
func (f *fakeAdapter) CLICmd() string     { return "" }
func (f *fakeAdapter) InstallCmd() string { return "" }

type fakeTransport struct{ id string }

func (f *fakeTransport) ID() string                                        { return f.id }
func (f *fakeTransport) CheckSetup(context.Context) error                  { return nil }
func (f *fakeTransport) BuildAndRun(context.Context, map[string]any) error { return nil }
func (f *fakeTransport) LockToken() string                                { return f.id + ".lock" }

type fakeCommand struct{ id string }

func (f *fakeCommand) ID() string { return f.id }
func (f *fakeCommand) Handle(context.Context, string) (string, error) { return "ok", nil }

func TestDiscoveryIsLazy(t *testing.T) {
	r := New()
	loaded := false
	r.RegisterEngine("widget", func() (engineadapter.Adapter, error) {
		loaded = true
		return &fakeAdapter{id: "widget"}, nil
	})
	if loaded {
		t.Fatal("expected registration to not invoke the loader")
	}
	if names := r.EntryNames(ids.KindEngine); len(names) != 1 || names[0] != "widget" {
		t.Fatalf("expected discovered name widget, got %v", names)
	}
}

func TestLoadValidatesIDPattern(t *testing.T) {
	r := New()
	r.RegisterEngine("Bad-Name", func() (engineadapter.Adapter, error) {
		return &fakeAdapter{id: "Bad-Name"}, nil
	})
	err := r.Load(ids.KindEngine, "Bad-Name")
	if err == nil {
		t.Fatal("expected a pattern validation error")
	}
}

func TestLoadRejectsReservedID(t *testing.T) {
	r := New()
	r.RegisterEngine("help", func() (engineadapter.Adapter, error) {
		return &fakeAdapter{id: "help"}, nil
	})
	if err := r.Load(ids.KindEngine, "help"); err == nil {
		t.Fatal("expected reserved-id rejection")
	}
}

func TestLoadRejectsBackendIDMismatch(t *testing.T) {
	r := New()
	r.RegisterEngine("widget", func() (engineadapter.Adapter, error) {
		return &fakeAdapter{id: "other"}, nil
	})
	err := r.Load(ids.KindEngine, "widget")
	if err == nil {
		t.Fatal("expected a mismatch error")
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected a *LoadError, got %T", err)
	}
}

func TestLoadSucceedsAndIsRetrievable(t *testing.T) {
	r := New()
	r.RegisterEngine("widget", func() (engineadapter.Adapter, error) {
		return &fakeAdapter{id: "widget"}, nil
	})
	if err := r.Load(ids.KindEngine, "widget"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, ok := r.Engine("widget")
	if !ok || a.ID() != "widget" {
		t.Fatalf("expected widget adapter to be retrievable, got %+v ok=%v", a, ok)
	}
}

func TestFailedLoadDoesNotBlockOtherPlugins(t *testing.T) {
	r := New()
	r.RegisterEngine("broken", func() (engineadapter.Adapter, error) {
		return nil, errors.New("boom")
	})
	r.RegisterEngine("widget", func() (engineadapter.Adapter, error) {
		return &fakeAdapter{id: "widget"}, nil
	})

	errs := r.LoadAll(ids.KindEngine)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one failure, got %v", errs)
	}
	if _, ok := r.Engine("widget"); !ok {
		t.Fatal("expected widget to still load despite broken's failure")
	}
	if _, ok := r.Engine("broken"); ok {
		t.Fatal("broken should not have been registered as loaded")
	}
}

func TestTransportAndCommandValidation(t *testing.T) {
	r := New()
	r.RegisterTransport("telegram", func() (TransportBackend, error) {
		return &fakeTransport{id: "telegram"}, nil
	})
	r.RegisterCommand("status", func() (CommandBackend, error) {
		return &fakeCommand{id: "status"}, nil
	})

	if err := r.Load(ids.KindTransport, "telegram"); err != nil {
		t.Fatalf("unexpected transport load error: %v", err)
	}
	tr, ok := r.Transport("telegram")
	if !ok || tr.LockToken() != "telegram.lock" {
		t.Fatalf("unexpected transport state: %+v ok=%v", tr, ok)
	}

	// "status" collides with a reserved command id.
	if err := r.Load(ids.KindCommand, "status"); err == nil {
		t.Fatal("expected status to be rejected as a reserved command id")
	}
}
