package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/live-tender/config"
)

func TestAccept(t *testing.T) {
	tests := []struct {
		name string
		ev   RawEvent
		want bool
	}{
		{"text", RawEvent{Kind: KindText, AuthorID: "1", AuthorName: "a", Text: "hi"}, true},
		{"blank text", RawEvent{Kind: KindText, AuthorID: "1", AuthorName: "a", Text: "  "}, false},
		{"no author id", RawEvent{Kind: KindText, AuthorName: "a", Text: "hi"}, false},
		{"no author name", RawEvent{Kind: KindText, AuthorID: "1", Text: "hi"}, false},
		{"gift", RawEvent{Kind: KindGift, AuthorID: "1", AuthorName: "a", Text: "gifted"}, false},
		{"notice", RawEvent{Kind: KindNotice, AuthorID: "1", AuthorName: "a", Text: "resub"}, false},
		{"system", RawEvent{Kind: KindSystem}, false},
	}
	for _, tt := range tests {
		if got := Accept(tt.ev); got != tt.want {
			t.Errorf("%s: Accept = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// scriptedFeed emits its events on the first run, then fails every later run.
type scriptedFeed struct {
	runs   atomic.Int32
	events []RawEvent
	block  bool
}

func (f *scriptedFeed) Run(ctx context.Context, _ string, emit func(RawEvent)) error {
	n := f.runs.Add(1)
	if n == 1 {
		for _, ev := range f.events {
			emit(ev)
		}
		if f.block {
			<-ctx.Done()
			return nil
		}
	}
	return errors.New("connection refused")
}

func readLines(t *testing.T, p string) []Event {
	t.Helper()
	f, err := os.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestCaptureWritesFilteredEvents(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	feed := &scriptedFeed{block: true, events: []RawEvent{
		{Kind: KindText, Time: ts, AuthorID: "1", AuthorName: "alice", Text: "hello"},
		{Kind: KindGift, Time: ts, AuthorID: "2", AuthorName: "bob", Text: "gift"},
		{Kind: KindText, Time: ts.Add(time.Second), AuthorID: "3", AuthorName: "carol", Text: " <b>hi</b> "},
	}}
	p := filepath.Join(t.TempDir(), "danmu", "danmu.jsonl")
	c, err := Start(context.Background(), feed, "chan", p, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := c.Stop(); got != p {
		t.Fatalf("Stop = %q, want %q", got, p)
	}
	lines := readLines(t, p)
	if len(lines) != 2 {
		t.Fatalf("lines = %+v", lines)
	}
	want := Event{Type: "danmaku", Text: "hello", Time: ts.UnixMilli(), UID: "1", UName: "alice"}
	if lines[0] != want {
		t.Errorf("line 0 = %+v, want %+v", lines[0], want)
	}
	if lines[1].Text != " <b>hi</b> " {
		t.Errorf("line 1 text = %q", lines[1].Text)
	}
}

// flakyFeed fails its first runs, then delivers its events and stays
// connected until cancelled.
type flakyFeed struct {
	failures int32
	runs     atomic.Int32
	events   []RawEvent
}

func (f *flakyFeed) Run(ctx context.Context, _ string, emit func(RawEvent)) error {
	if f.runs.Add(1) <= f.failures {
		return errors.New("connection reset by peer")
	}
	for _, ev := range f.events {
		emit(ev)
	}
	<-ctx.Done()
	return nil
}

func TestCaptureReconnectsIntoSameLog(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	feed := &flakyFeed{failures: 2, events: []RawEvent{
		{Kind: KindText, Time: ts, AuthorID: "1", AuthorName: "alice", Text: "back again"},
		{Kind: KindText, Time: ts.Add(time.Second), AuthorID: "2", AuthorName: "bob", Text: "welcome back"},
	}}
	p := filepath.Join(t.TempDir(), "danmu.jsonl")
	c, err := Start(context.Background(), feed, "chan", p, Options{
		MaxFailures:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for feed.runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if c.Degraded() {
		t.Fatal("capture degraded although the feed came back")
	}
	if got := feed.runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
	if got := c.Stop(); got != p {
		t.Fatalf("Stop = %q, want %q", got, p)
	}
	lines := readLines(t, p)
	if len(lines) != 2 || lines[0].Text != "back again" || lines[1].Text != "welcome back" {
		t.Errorf("lines = %+v", lines)
	}
}

func TestCaptureDegradesAfterFailures(t *testing.T) {
	feed := &scriptedFeed{}
	p := filepath.Join(t.TempDir(), "danmu.jsonl")
	c, err := Start(context.Background(), feed, "chan", p, Options{
		MaxFailures:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !c.Degraded() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !c.Degraded() {
		t.Fatal("capture did not degrade")
	}
	if got := feed.runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
	if got := c.Stop(); got != "" {
		t.Errorf("Stop = %q, want empty for a capture with no events", got)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("empty overlay log should be removed")
	}
}

func TestRenderASS(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	log := filepath.Join(dir, "danmu.jsonl")
	lines := []string{
		`{"type":"danmaku","text":"second {x}","time":` + itoa(start.Add(65*time.Second).UnixMilli()) + `,"uid":"2","uname":"b"}`,
		`not json`,
		`{"type":"gift","text":"nope","time":` + itoa(start.UnixMilli()) + `}`,
		`{"type":"danmaku","text":"first","time":` + itoa(start.Add(1500*time.Millisecond).UnixMilli()) + `,"uid":"1","uname":"a"}`,
		`{"type":"danmaku","text":"early","time":` + itoa(start.Add(-time.Second).UnixMilli()) + `,"uid":"1","uname":"a"}`,
	}
	if err := os.WriteFile(log, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	style := config.DanmuAssConfig{PlayResX: 1920, PlayResY: 1080, Font: "Sans", FontSize: 45, Duration: 6, RowCount: 2, LineHeight: 40, MarginTop: 60, ScrollEnd: -200}
	ass := filepath.Join(dir, "out.ass")
	ok, err := RenderASS(log, ass, start, style)
	if err != nil || !ok {
		t.Fatalf("RenderASS = %v, %v", ok, err)
	}
	b, _ := os.ReadFile(ass)
	out := string(b)
	if !strings.Contains(out, "PlayResX: 1920") || !strings.Contains(out, "Style: Danmaku,Sans,45,") {
		t.Errorf("header missing:\n%s", out)
	}
	var dialogues []string
	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, "Dialogue:") {
			dialogues = append(dialogues, l)
		}
	}
	if len(dialogues) != 3 {
		t.Fatalf("dialogues = %v", dialogues)
	}
	wantPrefixes := []string{
		`Dialogue: 0,0:00:00.00,0:00:06.00,Danmaku,,0,0,0,,{\bord1.2\shad0\move(1920,60,-200,60)}early`,
		`Dialogue: 0,0:00:01.50,0:00:07.50,Danmaku,,0,0,0,,{\bord1.2\shad0\move(1920,100,-200,100)}first`,
		`Dialogue: 0,0:01:05.00,0:01:11.00,Danmaku,,0,0,0,,{\bord1.2\shad0\move(1920,60,-200,60)}second （x）`,
	}
	for i, want := range wantPrefixes {
		if dialogues[i] != want {
			t.Errorf("dialogue %d =\n%s\nwant\n%s", i, dialogues[i], want)
		}
	}
}

func TestRenderASSNoEvents(t *testing.T) {
	dir := t.TempDir()
	ok, err := RenderASS(filepath.Join(dir, "missing.jsonl"), filepath.Join(dir, "x.ass"), time.Now(), config.DanmuAssConfig{})
	if ok || err != nil {
		t.Errorf("missing log: %v, %v", ok, err)
	}
	empty := filepath.Join(dir, "empty.jsonl")
	_ = os.WriteFile(empty, []byte("\n"), 0o644)
	ok, err = RenderASS(empty, filepath.Join(dir, "x.ass"), time.Now(), config.DanmuAssConfig{})
	if ok || err != nil {
		t.Errorf("empty log: %v, %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.ass")); !os.IsNotExist(err) {
		t.Error("no subtitle file should be written")
	}
}

func TestAssTime(t *testing.T) {
	tests := map[float64]string{
		0:       "0:00:00.00",
		5.5:     "0:00:05.50",
		59.996:  "0:01:00.00",
		3725.25: "1:02:05.25",
		-3:      "0:00:00.00",
	}
	for in, want := range tests {
		if got := assTime(in); got != want {
			t.Errorf("assTime(%v) = %q, want %q", in, got, want)
		}
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
