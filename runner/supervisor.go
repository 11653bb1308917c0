package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/onnwee/live-tender/config"
)

// ErrDuplicateRoom is returned when a room id is configured twice.
var ErrDuplicateRoom = errors.New("duplicate room")

// Supervisor owns one Runner per configured room.
type Supervisor struct {
	runners []*Runner
	byID    map[string]*Runner
	claims  *claims
	logger  *slog.Logger

	// StopTimeout bounds how long Stop waits for runners to return.
	StopTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor builds a runner for every room of cfg.
func NewSupervisor(cfg *config.Config, deps Deps, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		byID:        make(map[string]*Runner, len(cfg.Rooms)),
		claims:      newClaims(),
		logger:      logger.With(slog.String("component", "supervisor")),
		StopTimeout: 30 * time.Second,
	}
	for _, room := range cfg.Rooms {
		if _, dup := s.byID[room.RoomID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoom, room.RoomID)
		}
		r := New(cfg, room, deps, logger)
		r.claims = s.claims
		s.runners = append(s.runners, r)
		s.byID[room.RoomID] = r
	}
	return s, nil
}

// Start launches every runner. Each runs until ctx ends or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, r := range s.runners {
		s.wg.Add(1)
		go func(r *Runner) {
			defer s.wg.Done()
			r.Run(ctx)
		}(r)
	}
	s.logger.Info("supervisor started", slog.Int("rooms", len(s.runners)))
}

// Stop cancels the runners and waits for them to return.
func (s *Supervisor) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all runners stopped")
		return nil
	case <-time.After(s.StopTimeout):
		return fmt.Errorf("runners still busy after %s", s.StopTimeout)
	}
}

// Runner returns the runner of roomID.
func (s *Supervisor) Runner(roomID string) (*Runner, bool) {
	r, ok := s.byID[roomID]
	return r, ok
}

// Statuses returns a snapshot of every room, ordered by room id.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// ActiveSessions lists the session slugs held by a runner or a manual
// operation. Cleanup uses it to leave in-flight sessions alone.
func (s *Supervisor) ActiveSessions() []string { return s.claims.all() }

// Claim reserves slug for a manual operation. It fails while a runner or
// another manual operation holds the session.
func (s *Supervisor) Claim(slug string) bool { return s.claims.acquire(slug, manualHolder) }

// Release gives back a slug taken with Claim.
func (s *Supervisor) Release(slug string) { s.claims.release(slug) }

// PrintStatus writes a table of every room to w.
func (s *Supervisor) PrintStatus(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tLIVE\tSTATE\tSINCE\tSESSION\tLAST ERROR")
	now := time.Now()
	for _, st := range s.Statuses() {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\n",
			st.RoomID, st.Live, st.State, now.Sub(st.Since).Truncate(time.Second), dash(st.Session), dash(st.LastError))
	}
	return tw.Flush()
}

// StartPrinter prints the status table every interval until ctx ends.
func (s *Supervisor) StartPrinter(ctx context.Context, w io.Writer, every time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.PrintStatus(w); err != nil {
					s.logger.Warn("status print failed", slog.Any("err", err))
				}
			}
		}
	}()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
