// Package store owns the on-disk layout of recording sessions: where raw
// segments, merged files, splits and overlay logs live, how session slugs are
// formed and parsed, and the marker files that record a session's fate.
//
// Layout under <data_path>/data:
//
//	records/<slug>/<room>_<ts>.ts      raw segments, one per capture run
//	outputs/<slug>/                    remux intermediates
//	merge_confs/<slug>_merge_conf.txt  concat manifest
//	merged/<slug>_merged.mp4           merged session
//	splits/<slug>/<slug>_0000.mp4      upload units
//	danmu/<slug>/danmu.jsonl           overlay log (+ <slug>.ass)
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SlugLayout is the timestamp format embedded in slugs and segment names.
const SlugLayout = "2006-01-02_15-04-05"

// Subdirs are the artifact directories under the data root, in pipeline order.
var Subdirs = []string{"records", "outputs", "merge_confs", "merged", "splits", "danmu"}

var segmentExts = map[string]bool{".ts": true, ".flv": true}

// Session is one recording session of one room.
type Session struct {
	Root   string // <data_path>/data
	RoomID string
	Start  time.Time
	Slug   string
}

// NewSession names a session started at start.
func NewSession(root, roomID string, start time.Time) *Session {
	start = start.Truncate(time.Second)
	return &Session{
		Root:   root,
		RoomID: roomID,
		Start:  start,
		Slug:   roomID + "_" + start.Format(SlugLayout),
	}
}

// FromSlug rebuilds a Session from a slug found on disk.
func FromSlug(root, slug string) (*Session, error) {
	room, start, ok := ParseSlug(slug)
	if !ok {
		return nil, fmt.Errorf("not a session slug: %q", slug)
	}
	s := NewSession(root, room, start)
	if s.Slug != slug {
		return nil, fmt.Errorf("not a session slug: %q", slug)
	}
	return s, nil
}

var slugRE = regexp.MustCompile(`^(.+?)_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})(?:[._]|$)`)

// ParseSlug extracts the room and start time from a slug or from any artifact
// name that begins with one (segments, merged files, manifests, splits).
func ParseSlug(name string) (roomID string, start time.Time, ok bool) {
	m := slugRE.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	t, err := time.ParseInLocation(SlugLayout, m[2], time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], t, true
}

// SlugOf returns the slug an artifact name belongs to, or "".
func SlugOf(name string) string {
	room, start, ok := ParseSlug(name)
	if !ok {
		return ""
	}
	return room + "_" + start.Format(SlugLayout)
}

func (s *Session) RecordsDir() string { return filepath.Join(s.Root, "records", s.Slug) }
func (s *Session) OutputsDir() string { return filepath.Join(s.Root, "outputs", s.Slug) }
func (s *Session) SplitsDir() string  { return filepath.Join(s.Root, "splits", s.Slug) }
func (s *Session) DanmuDir() string   { return filepath.Join(s.Root, "danmu", s.Slug) }
func (s *Session) MergedDir() string  { return filepath.Join(s.Root, "merged") }

func (s *Session) MergedFile() string {
	return filepath.Join(s.MergedDir(), s.Slug+"_merged.mp4")
}

func (s *Session) MergeConf() string {
	return filepath.Join(s.Root, "merge_confs", s.Slug+"_merge_conf.txt")
}

func (s *Session) DanmuLog() string { return filepath.Join(s.DanmuDir(), "danmu.jsonl") }
func (s *Session) DanmuASS() string { return filepath.Join(s.DanmuDir(), s.Slug+".ass") }

// SplitPath returns the path of the idx-th upload unit.
func (s *Session) SplitPath(idx int) string {
	return filepath.Join(s.SplitsDir(), fmt.Sprintf("%s_%04d.mp4", s.Slug, idx))
}

// SegmentPath returns a fresh raw segment path named by ts. A numeric suffix is
// added when a segment with that second already exists.
func (s *Session) SegmentPath(ts time.Time) string {
	base := s.RoomID + "_" + ts.Format(SlugLayout)
	p := filepath.Join(s.RecordsDir(), base+".ts")
	for i := 1; exists(p); i++ {
		p = filepath.Join(s.RecordsDir(), fmt.Sprintf("%s-%d.ts", base, i))
	}
	return p
}

// Dirs lists the per-session directories in which markers may live.
func (s *Session) Dirs() []string {
	return []string{s.RecordsDir(), s.OutputsDir(), s.SplitsDir(), s.DanmuDir()}
}

// EnsureDirs creates every directory the session will write to.
func (s *Session) EnsureDirs() error {
	for _, d := range []string{s.RecordsDir(), s.OutputsDir(), s.SplitsDir(), s.DanmuDir(), s.MergedDir(), filepath.Dir(s.MergeConf())} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// EnsureBase creates the shared artifact directories under root.
func EnsureBase(root string) error {
	for _, sub := range Subdirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return nil
}

// Discard removes every artifact of a session that produced nothing.
func (s *Session) Discard() error {
	for _, p := range []string{s.RecordsDir(), s.OutputsDir(), s.SplitsDir(), s.DanmuDir(), s.MergedFile(), s.MergeConf()} {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

// RawSegments lists the session's raw segments in capture order.
func (s *Session) RawSegments() ([]string, error) {
	return listFiles(s.RecordsDir(), func(name string) bool {
		return segmentExts[strings.ToLower(filepath.Ext(name))]
	})
}

// SplitFiles lists the session's upload units in order.
func (s *Session) SplitFiles() ([]string, error) {
	return ListMedia(s.SplitsDir())
}

// ListMedia lists finished .mp4 files in dir, sorted by name.
func ListMedia(dir string) ([]string, error) {
	return listFiles(dir, func(name string) bool {
		return strings.EqualFold(filepath.Ext(name), ".mp4") && !strings.HasSuffix(name, ".part.mp4")
	})
}

// RemoveRaw deletes the raw segments, keeping the directory and any marker.
func (s *Session) RemoveRaw() error {
	segs, err := s.RawSegments()
	if err != nil {
		return err
	}
	for _, p := range segs {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RemoveSplits deletes the upload units, keeping the directory and its markers.
func (s *Session) RemoveSplits() error {
	return RemoveMedia(s.SplitsDir())
}

// RemoveMedia deletes the finished .mp4 files of dir, keeping the directory
// and its markers.
func RemoveMedia(dir string) error {
	files, err := ListMedia(dir)
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func listFiles(dir string, keep func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !keep(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// FileSize returns the size of p, or 0 when it cannot be stat'ed.
func FileSize(p string) int64 {
	fi, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return fi.Size()
}
