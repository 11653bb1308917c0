package overlay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/live-tender/config"
)

type cue struct {
	offset float64
	text   string
}

// RenderASS turns the overlay log at jsonlPath into scrolling subtitles at
// assPath, timed relative to sessionStart. It reports false when the log is
// missing or holds no usable event, in which case nothing is written.
func RenderASS(jsonlPath, assPath string, sessionStart time.Time, style config.DanmuAssConfig) (bool, error) {
	f, err := os.Open(jsonlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	startMS := sessionStart.UnixMilli()
	var cues []cue
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Type != eventType || ev.Time == 0 {
			continue
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			continue
		}
		offset := float64(ev.Time-startMS) / 1000
		if offset < 0 {
			offset = 0
		}
		cues = append(cues, cue{offset: offset, text: text})
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("read overlay log: %w", err)
	}
	if len(cues) == 0 {
		return false, nil
	}
	sort.SliceStable(cues, func(i, j int) bool { return cues[i].offset < cues[j].offset })

	if err := os.MkdirAll(filepath.Dir(assPath), 0o755); err != nil {
		return false, err
	}
	out, err := os.Create(assPath)
	if err != nil {
		return false, err
	}
	w := bufio.NewWriter(out)
	w.WriteString(assHeader(style))
	rows := style.RowCount
	if rows < 1 {
		rows = 1
	}
	for i, c := range cues {
		y := style.MarginTop + (i%rows)*style.LineHeight
		fmt.Fprintf(w, "Dialogue: 0,%s,%s,Danmaku,,0,0,0,,{\\bord1.2\\shad0\\move(%d,%d,%d,%d)}%s\n",
			assTime(c.offset), assTime(c.offset+style.Duration),
			style.PlayResX, y, style.ScrollEnd, y, escapeASS(c.text))
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return false, err
	}
	if err := out.Close(); err != nil {
		return false, err
	}
	return true, nil
}

func assHeader(style config.DanmuAssConfig) string {
	var b strings.Builder
	b.WriteString("[Script Info]\nScriptType: v4.00+\n")
	fmt.Fprintf(&b, "PlayResX: %d\nPlayResY: %d\n", style.PlayResX, style.PlayResY)
	b.WriteString("Collisions: Normal\nWrapStyle: 2\nScaledBorderAndShadow: yes\nYCbCr Matrix: TV.601\n\n")
	b.WriteString("[V4+ Styles]\n")
	b.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, " +
		"Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, " +
		"Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&b, "Style: Danmaku,%s,%d,&H00FFFFFF,&H00FFFFFF,&H64000000,&H96000000,-1,0,0,0,100,100,0,0,1,1.5,0,2,30,30,20,1\n\n",
		style.Font, style.FontSize)
	b.WriteString("[Events]\nFormat: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	return b.String()
}

// assTime formats seconds as h:mm:ss.cc.
func assTime(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	cs := int64(math.Round(sec * 100))
	h := cs / 360000
	m := (cs / 6000) % 60
	s := (cs / 100) % 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs%100)
}

// escapeASS keeps braces in chat text from being read as override tags.
func escapeASS(s string) string {
	s = strings.ReplaceAll(s, "{", "（")
	s = strings.ReplaceAll(s, "}", "）")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
