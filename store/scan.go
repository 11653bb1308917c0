package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resume names the stage an interrupted session should continue from.
type Resume int

const (
	ResumeNone Resume = iota
	ResumeProcessing
	ResumeSplitting
	ResumeUploading
)

func (r Resume) String() string {
	switch r {
	case ResumeProcessing:
		return "processing"
	case ResumeSplitting:
		return "splitting"
	case ResumeUploading:
		return "uploading"
	default:
		return "none"
	}
}

// Pending is an interrupted session found on disk.
type Pending struct {
	Session *Session
	Resume  Resume
}

// Scan finds the sessions of roomID that stopped before their terminal state.
// Sessions carrying a failure marker are left for manual action and are not
// returned.
func Scan(root, roomID string) ([]Pending, error) {
	slugs, err := sessionSlugs(root, roomID)
	if err != nil {
		return nil, err
	}
	var out []Pending
	for _, slug := range slugs {
		s, err := FromSlug(root, slug)
		if err != nil || s.RoomID != roomID {
			continue
		}
		if r := s.resumePoint(); r != ResumeNone {
			out = append(out, Pending{Session: s, Resume: r})
		}
	}
	return out, nil
}

func (s *Session) resumePoint() Resume {
	if s.Marked() || s.Completed() {
		return ResumeNone
	}
	splits, _ := s.SplitFiles()
	if len(splits) > 0 {
		return ResumeUploading
	}
	if exists(s.MergedFile()) {
		return ResumeSplitting
	}
	segs, _ := s.RawSegments()
	if len(segs) > 0 {
		return ResumeProcessing
	}
	return ResumeNone
}

// sessionSlugs collects the distinct slugs of roomID found in records, merged and splits.
func sessionSlugs(root, roomID string) ([]string, error) {
	seen := make(map[string]bool)
	for _, sub := range []string{"records", "merged", "splits"} {
		entries, err := os.ReadDir(filepath.Join(root, sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), roomID+"_") {
				continue
			}
			if slug := SlugOf(e.Name()); slug != "" {
				seen[slug] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
