package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/live-tender/config"
)

func TestNewSupervisorRejectsDuplicateRooms(t *testing.T) {
	f := newFixture(t)
	cfg := *f.cfg
	cfg.Rooms = []config.RoomConfig{{RoomID: "chan"}, {RoomID: "chan"}}
	if _, err := NewSupervisor(&cfg, f.deps(), nil); !errors.Is(err, ErrDuplicateRoom) {
		t.Fatalf("err = %v, want ErrDuplicateRoom", err)
	}
}

func TestSupervisorStatuses(t *testing.T) {
	f := newFixture(t)
	cfg := *f.cfg
	cfg.Rooms = []config.RoomConfig{{RoomID: "zeta"}, {RoomID: "alpha"}}
	s, err := NewSupervisor(&cfg, f.deps(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"zeta", "alpha"} {
		r, ok := s.Runner(id)
		if !ok {
			t.Fatalf("runner %s missing", id)
		}
		r.PollInterval = 5 * time.Millisecond
	}

	s.Start(context.Background())
	waitFor(t, func() bool { return f.live.calls.Load() >= 2 })

	st := s.Statuses()
	if len(st) != 2 || st[0].RoomID != "alpha" || st[1].RoomID != "zeta" {
		t.Fatalf("statuses = %+v", st)
	}
	for _, x := range st {
		if x.Live || x.State != StateIdle {
			t.Errorf("status = %+v", x)
		}
	}
	if got := s.ActiveSessions(); len(got) != 0 {
		t.Errorf("active sessions = %v", got)
	}

	var buf bytes.Buffer
	if err := s.PrintStatus(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"ROOM", "alpha", "zeta", "IDLE"} {
		if !strings.Contains(out, want) {
			t.Errorf("status table missing %q:\n%s", want, out)
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
