package syncer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestManagerStartSyncUnknownAccount(t *testing.T) {
	m := NewManager(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err := m.StartSync(context.Background(), "nobody@example.com"); err == nil {
		t.Fatal("StartSync should fail for an unregistered account")
	}
}

func TestManagerDropsRequestWhileActive(t *testing.T) {
	m := NewManager(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	o, _, _ := newTestOrchestrator(t, &fakeMailbox{})
	o.active.Store(true)
	m.Register(testEmail, o)

	if err := m.StartSync(context.Background(), testEmail); !errors.Is(err, ErrSyncActive) {
		t.Fatalf("StartSync = %v, want ErrSyncActive", err)
	}
}

func TestManagerLosingSingleFlightRaceIsNotAnError(t *testing.T) {
	// The Active check in StartSync races with the orchestrator's own guard.
	// A pass that loses that race must log below error level.
	var buf bytes.Buffer
	m := NewManager(slog.New(slog.NewTextHandler(&buf, nil)))
	o, _, _ := newTestOrchestrator(t, &fakeMailbox{})
	o.active.Store(true)
	m.Register(testEmail, o)

	m.run(context.Background(), testEmail, o)

	if out := buf.String(); strings.Contains(out, "level=ERROR") {
		t.Errorf("run logged at error level:\n%s", out)
	}
}
