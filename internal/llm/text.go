package llm

import (
	"fmt"
	"math"
	"strings"
)

// FormatSize renders a byte count as "512 B", "1.5 KB", "3.0 MB"...
func FormatSize(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}
	exp := int(math.Log(float64(size)) / math.Log(1024))
	if exp > 6 {
		exp = 6
	}
	pre := "KMGTPE"[exp-1]
	return fmt.Sprintf("%.1f %cB", float64(size)/math.Pow(1024, float64(exp)), pre)
}

const maxValueLength = 64

// FormatValue renders a value on one line, abbreviating the middle of long values
func FormatValue(v any) string {
	if v == nil {
		return "null"
	}
	s := fmt.Sprint(v)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", "")

	runes := []rune(s)
	total := len(runes)
	tag := fmt.Sprintf(" *(...%d more chars...)* ", total-maxValueLength)
	tagLen := len([]rune(tag))
	if total <= maxValueLength+tagLen+8 {
		return s
	}

	keep := maxValueLength - tagLen
	start := keep/2 + keep%2
	end := total - keep/2
	return string(runes[:start]) + tag + string(runes[end:])
}
