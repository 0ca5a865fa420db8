// Package extractor recognizes exception-bearing log records and parses
// their stack frames into the shape the clusterer keys on.
package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/logs/fingerprint"
	"github.com/opslens/sentinel/internal/logs/normalizer"
)

// consideredLevels are the only record levels the extractor acts on; every
// other level produces no descriptor.
var consideredLevels = map[string]bool{
	"ERROR":    true,
	"CRITICAL": true,
	"FATAL":    true,
}

// exceptionHeaderPattern matches "TYPE: message" where TYPE ends in
// "Exception" or "Error".
var exceptionHeaderPattern = regexp.MustCompile(`^([\w.$]*(?:Exception|Error)):\s*(.*)$`)

var javaFramePattern = regexp.MustCompile(`at\s+([\w.$<>]+)\(([^:()]+):(\d+)\)`)
var pythonFramePattern = regexp.MustCompile(`File "([^"]+)",\s*line\s*(\d+),\s*in\s*(\S+)`)

// Extract returns an exception descriptor for a normalized record, or
// false when the record is not exception-bearing.
func Extract(rec normalizer.Record) (domain.ExceptionDescriptor, bool) {
	if !consideredLevels[rec.Level] {
		return domain.ExceptionDescriptor{}, false
	}

	excType, excMessage := parseExceptionHeader(rec.Message)

	combined := rec.Message
	if len(rec.StackTrace) > 0 {
		combined = combined + "\n" + strings.Join(rec.StackTrace, "\n")
	}
	frames := extractFrames(combined)

	desc := domain.ExceptionDescriptor{
		LogID:            rec.LogID,
		ServiceHint:      rec.Service,
		ExceptionType:    excType,
		ExceptionMessage: excMessage,
		Frames:           frames,
		HasStackTrace:    len(frames) > 0,
		LoggerPath:       rec.Logger,
		Timestamp:        rec.Timestamp,
		RawMessage:       rec.Message,
	}

	if len(frames) > 0 {
		desc.FingerprintStatic = staticFingerprint(excType, frames)
	} else {
		desc.FingerprintTemplate = fingerprint.Template(excMessage)
		desc.FingerprintSemantic = fingerprint.Semantic(excType, "", rec.Logger, excMessage)
		desc.ErrorCategory = fingerprint.ClassifyCategory(excType, excMessage)
		desc.FingerprintCategory = fingerprint.Category(excType, desc.ErrorCategory)
		desc.KeyTerms = fingerprint.KeyTerms(excMessage)
		desc.FingerprintStatic = mixInLoggerPath(desc.FingerprintTemplate, rec.Logger)
	}

	return desc, true
}

func parseExceptionHeader(message string) (excType, excMessage string) {
	if m := exceptionHeaderPattern.FindStringSubmatch(message); m != nil {
		return m[1], m[2]
	}
	excMessage = message
	if len(excMessage) > 200 {
		excMessage = excMessage[:200]
	}
	return "UnknownError", excMessage
}

func extractFrames(text string) []domain.StackFrame {
	var frames []domain.StackFrame

	for _, m := range javaFramePattern.FindAllStringSubmatch(text, -1) {
		line, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		frames = append(frames, domain.StackFrame{
			Symbol:    m[1],
			File:      m[2],
			Line:      line,
			FrameType: "java",
		})
	}

	for _, m := range pythonFramePattern.FindAllStringSubmatch(text, -1) {
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		frames = append(frames, domain.StackFrame{
			Symbol:    m[3],
			File:      m[1],
			Line:      line,
			FrameType: "python",
		})
	}

	return frames
}

// staticFingerprint hashes the exception type with the top three frames'
// file:symbol, per the frame-present branch. Only the top three are used so
// that records sharing their top three frames cluster together regardless
// of how deep the stack goes beyond that.
func staticFingerprint(excType string, frames []domain.StackFrame) string {
	top := frames
	if len(top) > 3 {
		top = top[:3]
	}

	parts := []string{excType}
	for _, f := range top {
		parts = append(parts, fmt.Sprintf("%s:%s", f.File, f.Symbol))
	}
	return fingerprint.Exact(strings.Join(parts, "|"))
}

// mixInLoggerPath folds the logger path into the no-frames fingerprint so
// two templates that collide textually but originate from different
// loggers still land in separate clusters.
func mixInLoggerPath(templateFingerprint, loggerPath string) string {
	return fingerprint.Exact(templateFingerprint + "|" + loggerPath)
}
