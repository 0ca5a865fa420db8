// Package normalizer unifies heterogeneous log records — documents pulled
// from a search backend, or lines pushed by an agent — into the canonical
// shape the rest of the pipeline consumes.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Record is the canonical output shape: {timestamp, level, message, logger,
// thread, service, stack_trace?, log_id}.
type Record struct {
	Timestamp  time.Time
	Level      string
	Message    string
	Logger     string
	Thread     string
	Service    string
	StackTrace []string
	LogID      string
}

// rawTextFields lists, in priority order, the keys under which a
// search-backend document stores its original multi-line log line. The
// first one present is parsed for the timestamp/thread/level/logger
// prefix; later ones are ignored once a match is found.
var rawTextFields = []string{"raw_text", "raw", "log", "content"}

var linePrefixPattern = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3})\s+\[([^\]]*)\]\s+(\w+)\s+(\S+)\s+-\s+(.*)$`,
)

var stackFramePrefixes = []string{"at ", "Caused by:", "... "}

func looksLikeStackFrame(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, p := range stackFramePrefixes {
		if strings.HasPrefix(trimmed, p) {
			if p == "... " {
				return strings.HasSuffix(trimmed, "more")
			}
			return true
		}
	}
	return strings.HasPrefix(trimmed, `File "`)
}

var fieldAliases = map[string]string{
	"@timestamp": "timestamp",
	"time":       "timestamp",
	"datetime":   "timestamp",

	"msg":         "message",
	"text":        "message",
	"log_message": "message",

	"log_level": "level",
	"severity":  "level",

	"thread_name": "thread",
	"thread_id":   "thread",

	"application":  "service",
	"app_name":     "service",
	"service_name": "service",
}

var levelAliases = map[string]string{
	"WARN":   "WARNING",
	"ERR":    "ERROR",
	"FATAL":  "CRITICAL",
	"SEVERE": "CRITICAL",
	"TRACE":  "DEBUG",
}

var stackTraceAliases = []string{"exception.stacktrace", "error"}

// Normalize maps an arbitrary record into the canonical shape. Identical
// inputs always yield identical outputs, including a deterministic LogID
// when the source omits one.
func Normalize(raw map[string]any) Record {
	canonical := make(map[string]any, len(raw))
	for k, v := range raw {
		key := strings.ToLower(k)
		if alias, ok := fieldAliases[key]; ok {
			key = alias
		}
		canonical[key] = v
	}

	rec := Record{}

	if raw, ok := firstRawText(canonical); ok {
		applyRawText(&rec, raw)
	}

	if ts, ok := canonical["timestamp"]; ok && rec.Timestamp.IsZero() {
		rec.Timestamp = parseTimestamp(ts)
	}
	if rec.Message == "" {
		if m, ok := canonical["message"]; ok {
			rec.Message = fmt.Sprint(m)
		}
	}
	if rec.Logger == "" {
		if l, ok := canonical["logger"]; ok {
			rec.Logger = fmt.Sprint(l)
		}
	}
	if rec.Thread == "" {
		if t, ok := canonical["thread"]; ok {
			rec.Thread = fmt.Sprint(t)
		}
	}
	if rec.Service == "" {
		if s, ok := canonical["service"]; ok {
			rec.Service = fmt.Sprint(s)
		}
	}
	if lvl, ok := canonical["level"]; ok {
		rec.Level = normalizeLevel(fmt.Sprint(lvl))
	}

	if len(rec.StackTrace) == 0 {
		for _, key := range stackTraceAliases {
			if v, ok := canonical[key]; ok {
				rec.StackTrace = coerceStackTrace(v)
				if len(rec.StackTrace) > 0 {
					break
				}
			}
		}
	}

	if logID, ok := canonical["log_id"]; ok {
		rec.LogID = fmt.Sprint(logID)
	} else {
		rec.LogID = deriveLogID(rec)
	}

	return rec
}

// NormalizeJSON maps a raw JSON document straight to the canonical shape,
// using gjson's dotted-path traversal to reach fields search backends
// nest under an object (e.g. "exception.stacktrace") that a flat
// map[string]any iteration in Normalize would never see.
func NormalizeJSON(raw []byte) Record {
	canonical := make(map[string]any)
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		canonical[strings.ToLower(key.String())] = value.Value()
		return true
	})

	rec := Normalize(canonical)

	if len(rec.StackTrace) == 0 {
		for _, path := range stackTraceAliases {
			if v := gjson.GetBytes(raw, path); v.Exists() {
				rec.StackTrace = coerceStackTrace(v.Value())
				if len(rec.StackTrace) > 0 {
					break
				}
			}
		}
	}

	return rec
}

func firstRawText(canonical map[string]any) (string, bool) {
	for _, field := range rawTextFields {
		if v, ok := canonical[field]; ok {
			if s := fmt.Sprint(v); s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// applyRawText parses the prefix line of a raw-text blob into timestamp,
// thread, level, logger, and message, and classifies any trailing lines as
// stack trace or continuation of the message.
func applyRawText(rec *Record, raw string) {
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 {
		return
	}

	first := lines[0]
	if m := linePrefixPattern.FindStringSubmatch(first); m != nil {
		rec.Timestamp = parseTimestamp(m[1])
		rec.Thread = m[2]
		rec.Level = normalizeLevel(m[3])
		rec.Logger = m[4]
		rec.Message = m[5]
	} else {
		rec.Message = first
	}

	var stack []string
	var extra []string
	for _, line := range lines[1:] {
		if looksLikeStackFrame(line) {
			stack = append(stack, strings.TrimSpace(line))
		} else if strings.TrimSpace(line) != "" {
			extra = append(extra, strings.TrimSpace(line))
		}
	}
	if len(extra) > 0 {
		if rec.Message != "" {
			rec.Message = rec.Message + " " + strings.Join(extra, " ")
		} else {
			rec.Message = strings.Join(extra, " ")
		}
	}
	if len(stack) > 0 {
		rec.StackTrace = stack
	}
}

func normalizeLevel(level string) string {
	upper := strings.ToUpper(strings.TrimSpace(level))
	if mapped, ok := levelAliases[upper]; ok {
		return mapped
	}
	return upper
}

func coerceStackTrace(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		var out []string
		for _, line := range strings.Split(val, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	default:
		return nil
	}
}

func parseTimestamp(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		if t, ok := v.(time.Time); ok {
			return t
		}
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.000Z07:00",
		"2006-01-02T15:04:05.000",
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// deriveLogID hashes (timestamp, logger, thread, message[:50]) so identical
// inputs always yield the same identifier.
func deriveLogID(rec Record) string {
	msg := rec.Message
	if len(msg) > 50 {
		msg = msg[:50]
	}
	h := sha256.New()
	h.Write([]byte(rec.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(rec.Logger))
	h.Write([]byte{0})
	h.Write([]byte(rec.Thread))
	h.Write([]byte{0})
	h.Write([]byte(msg))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
