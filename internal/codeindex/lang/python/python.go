// Package python implements the code indexer's Python extractor (§4.5.1):
// parses each file to a syntax tree and walks top-level and nested
// functions and classes.
package python

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/opslens/sentinel/internal/codeindex"
	"github.com/opslens/sentinel/internal/domain"
)

// classBodyPrefixLines bounds how much of a class body is kept as its
// code snippet — the body itself is reindexed block-by-block through its
// own methods, so the class entry only needs enough context to orient a
// reader.
const classBodyPrefixLines = 20

// Extractor parses Python source via tree-sitter.
type Extractor struct{}

// New constructs a Python Extractor.
func New() *Extractor { return &Extractor{} }

// Extract walks path's syntax tree for function and class definitions.
func (e *Extractor) Extract(path string, content []byte) ([]codeindex.Block, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var blocks []codeindex.Block
	walk(tree.RootNode(), content, "", &blocks)
	return blocks, nil
}

func walk(node *sitter.Node, content []byte, qualifiedPrefix string, blocks *[]codeindex.Block) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "class_definition":
		name := childText(node, "name", content)
		qualified := joinQualified(qualifiedPrefix, name)
		*blocks = append(*blocks, classBlock(node, content, qualified))

		if body := node.ChildByFieldName("body"); body != nil {
			walk(body, content, qualified, blocks)
		}
		return

	case "function_definition":
		name := childText(node, "name", content)
		qualified := joinQualified(qualifiedPrefix, name)
		symbolType := domain.SymbolFunction
		if qualifiedPrefix != "" {
			symbolType = domain.SymbolMethod
		}
		*blocks = append(*blocks, functionBlock(node, content, qualified, symbolType))

		if body := node.ChildByFieldName("body"); body != nil {
			walk(body, content, qualified, blocks)
		}
		return
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		walk(node.Child(i), content, qualifiedPrefix, blocks)
	}
}

func functionBlock(node *sitter.Node, content []byte, qualified string, symbolType domain.SymbolType) codeindex.Block {
	params := childText(node, "parameters", content)
	returnType := childText(node, "return_type", content)

	signature := "def " + lastSegment(qualified) + params
	if returnType != "" {
		signature += " -> " + returnType
	}

	snippet := nodeText(node, content)
	return codeindex.Block{
		SymbolName:        qualified,
		SymbolType:        symbolType,
		LineStart:         int(node.StartPoint().Row) + 1,
		LineEnd:           int(node.EndPoint().Row) + 1,
		CodeSnippet:       snippet,
		Docstring:         docstring(node, content),
		FunctionSignature: signature,
	}
}

func classBlock(node *sitter.Node, content []byte, qualified string) codeindex.Block {
	snippet := boundedPrefix(nodeText(node, content), classBodyPrefixLines)
	return codeindex.Block{
		SymbolName:  qualified,
		SymbolType:  domain.SymbolClass,
		LineStart:   int(node.StartPoint().Row) + 1,
		LineEnd:     int(node.EndPoint().Row) + 1,
		CodeSnippet: snippet,
		Docstring:   docstring(node, content),
	}
}

// docstring reads the first statement of a function/class body when it's
// a bare string expression.
func docstring(node *sitter.Node, content []byte) string {
	body := node.ChildByFieldName("body")
	if body == nil || body.ChildCount() == 0 {
		return ""
	}
	first := body.Child(0)
	if first.Type() != "expression_statement" || first.ChildCount() == 0 {
		return ""
	}
	str := first.Child(0)
	if str.Type() != "string" {
		return ""
	}
	return strings.Trim(nodeText(str, content), "\"'rRbBuU \t\n")
}

func boundedPrefix(text string, maxLines int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= maxLines {
		return text
	}
	return strings.Join(lines[:maxLines], "\n")
}

func joinQualified(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func lastSegment(qualified string) string {
	if i := strings.LastIndexByte(qualified, '.'); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

func childText(node *sitter.Node, field string, content []byte) string {
	child := node.ChildByFieldName(field)
	if child == nil {
		return ""
	}
	return nodeText(child, content)
}

func nodeText(node *sitter.Node, content []byte) string {
	return string(content[node.StartByte():node.EndByte()])
}
