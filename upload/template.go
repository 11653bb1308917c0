package upload

import (
	"strconv"
	"strings"
	"time"
)

// RoughTime names the part of day an hour falls in.
func RoughTime(hour int) string {
	switch {
	case hour < 6:
		return "late night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

// Render expands {date} {year} {month} {day} {hour} {minute} {second}
// {rough_time} and {room_name} in tmpl. Unknown braces are left as-is.
func Render(tmpl string, start time.Time, roomName string) string {
	r := strings.NewReplacer(
		"{date}", start.Format("2006-01-02"),
		"{year}", strconv.Itoa(start.Year()),
		"{month}", strconv.Itoa(int(start.Month())),
		"{day}", strconv.Itoa(start.Day()),
		"{hour}", strconv.Itoa(start.Hour()),
		"{minute}", strconv.Itoa(start.Minute()),
		"{second}", strconv.Itoa(start.Second()),
		"{rough_time}", RoughTime(start.Hour()),
		"{room_name}", roomName,
	)
	return r.Replace(tmpl)
}
