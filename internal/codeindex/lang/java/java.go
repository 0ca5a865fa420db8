// Package java implements the code indexer's Java extractor (§4.5.1).
// No dedicated Java grammar was available in the reference tree-sitter
// bindings the rest of the indexer uses, so this package always takes
// the documented fallback path: a regex over class/method signatures
// followed by brace-counting to find the exact end line.
package java

import (
	"regexp"
	"strings"

	"github.com/opslens/sentinel/internal/codeindex"
	"github.com/opslens/sentinel/internal/domain"
)

var (
	classPattern = regexp.MustCompile(`(?m)^[ \t]*(?:(?:public|private|protected|static|final|abstract)\s+)*class\s+(\w+)[^{]*\{`)

	methodPattern = regexp.MustCompile(`(?m)^[ \t]*(?:(?:public|private|protected|static|final|abstract|synchronized|native)\s+)+[\w<>\[\],.?\s]+?\s(\w+)\s*\(([^)]*)\)\s*(?:throws\s+[\w,.\s]+)?\s*\{`)
)

// Extractor parses Java source with a signature regex plus brace
// counting.
type Extractor struct{}

// New constructs a Java Extractor.
func New() *Extractor { return &Extractor{} }

// Extract walks path's source for class and method declarations.
func (e *Extractor) Extract(path string, content []byte) ([]codeindex.Block, error) {
	lines := newLineIndex(content)

	var blocks []codeindex.Block
	seen := make(map[int]bool) // opening-brace byte offset already consumed by a class match

	for _, m := range classPattern.FindAllSubmatchIndex(content, -1) {
		braceOpen := m[1] - 1 // position of the '{' that closed the overall match
		seen[braceOpen] = true
		braceClose := matchBrace(content, braceOpen)
		if braceClose < 0 {
			continue
		}
		name := string(content[m[2]:m[3]])
		blocks = append(blocks, codeindex.Block{
			SymbolName:  name,
			SymbolType:  domain.SymbolClass,
			LineStart:   lines.lineOf(m[0]),
			LineEnd:     lines.lineOf(braceClose),
			CodeSnippet: string(content[m[0] : braceClose+1]),
			Docstring:   javadocAbove(content, lines, m[0]),
		})
	}

	for _, m := range methodPattern.FindAllSubmatchIndex(content, -1) {
		braceOpen := m[1] - 1
		if seen[braceOpen] {
			continue // this '{' already belongs to a class header, not a method body
		}
		braceClose := matchBrace(content, braceOpen)
		if braceClose < 0 {
			continue
		}
		name := string(content[m[2]:m[3]])
		signature := strings.TrimSpace(string(content[m[0] : m[1]-1]))
		blocks = append(blocks, codeindex.Block{
			SymbolName:        name,
			SymbolType:        domain.SymbolMethod,
			LineStart:         lines.lineOf(m[0]),
			LineEnd:           lines.lineOf(braceClose),
			CodeSnippet:       string(content[m[0] : braceClose+1]),
			Docstring:         javadocAbove(content, lines, m[0]),
			FunctionSignature: signature,
		})
	}

	return blocks, nil
}

// matchBrace finds the byte offset of the '{' at openIdx's matching '}',
// respecting string literals, char literals, and both comment forms so
// a brace inside any of them never perturbs the count.
func matchBrace(content []byte, openIdx int) int {
	depth := 0
	i := openIdx
	for i < len(content) {
		c := content[i]

		switch {
		case c == '/' && i+1 < len(content) && content[i+1] == '/':
			for i < len(content) && content[i] != '\n' {
				i++
			}
			continue

		case c == '/' && i+1 < len(content) && content[i+1] == '*':
			i += 2
			for i+1 < len(content) && !(content[i] == '*' && content[i+1] == '/') {
				i++
			}
			i += 2
			continue

		case c == '"':
			i++
			for i < len(content) && content[i] != '"' {
				if content[i] == '\\' {
					i++
				}
				i++
			}
			i++
			continue

		case c == '\'':
			i++
			for i < len(content) && content[i] != '\'' {
				if content[i] == '\\' {
					i++
				}
				i++
			}
			i++
			continue

		case c == '{':
			depth++
			i++

		case c == '}':
			depth--
			i++
			if depth == 0 {
				return i - 1
			}

		default:
			i++
		}
	}
	return -1
}

// javadocAbove captures a `/** ... */` block immediately above a
// declaration, allowing only blank lines between the two.
func javadocAbove(content []byte, lines *lineIndex, declStart int) string {
	end := declStart
	for end > 0 && (content[end-1] == ' ' || content[end-1] == '\t' || content[end-1] == '\n' || content[end-1] == '\r') {
		end--
	}
	if end < 2 || content[end-1] != '/' || content[end-2] != '*' {
		return ""
	}
	start := strings.LastIndex(string(content[:end]), "/**")
	if start < 0 {
		return ""
	}
	return string(content[start:end])
}

// lineIndex maps a byte offset to a 1-based line number.
type lineIndex struct {
	starts []int
}

func newLineIndex(content []byte) *lineIndex {
	starts := []int{0}
	for i, c := range content {
		if c == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &lineIndex{starts: starts}
}

func (l *lineIndex) lineOf(offset int) int {
	lo, hi := 0, len(l.starts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if l.starts[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}
