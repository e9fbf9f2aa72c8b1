package ingest

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// Unit is one extracted interface-level unit: a function, method, or
// class, with its signature text, full source body, and outgoing calls.
type Unit struct {
	Name      string
	Signature string
	Code      string
	Calls     []string
}

// Parser wraps tree-sitter parsers for the supported languages.
type Parser struct {
	jsParser *sitter.Parser
	pyParser *sitter.Parser
}

// NewParser creates a parser for JavaScript/TypeScript and Python.
func NewParser() *Parser {
	jsParser := sitter.NewParser()
	jsParser.SetLanguage(javascript.GetLanguage())

	pyParser := sitter.NewParser()
	pyParser.SetLanguage(python.GetLanguage())

	return &Parser{jsParser: jsParser, pyParser: pyParser}
}

// ExtractUnits parses source and returns the interface units it defines.
func (p *Parser) ExtractUnits(content []byte, lang string) ([]*Unit, error) {
	var parser *sitter.Parser
	var extract func(*sitter.Node, []byte) []*Unit

	switch lang {
	case "py", "python":
		parser = p.pyParser
		extract = extractPythonUnits
	default:
		parser = p.jsParser
		extract = extractJSUnits
	}

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing failed: %w", err)
	}

	return extract(tree.RootNode(), content), nil
}

func extractJSUnits(root *sitter.Node, content []byte) []*Unit {
	var units []*Unit

	iter := sitter.NewIterator(root, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			break
		}

		switch n.Type() {
		case "function_declaration":
			if u := jsFunctionUnit(n, content, ""); u != nil {
				units = append(units, u)
			}
		case "class_declaration":
			className := childOfType(n, content, "identifier")
			if className == "" {
				continue
			}
			units = append(units, &Unit{
				Name:      className,
				Signature: "class " + className,
				Code:      n.Content(content),
				Calls:     collectCalls(n, content),
			})
			units = append(units, jsMethodUnits(n, content, className)...)
		case "lexical_declaration", "variable_declaration":
			units = append(units, jsArrowUnits(n, content)...)
		}
	}

	return units
}

func jsFunctionUnit(n *sitter.Node, content []byte, className string) *Unit {
	name := childOfType(n, content, "identifier")
	if name == "" {
		return nil
	}
	params := childOfType(n, content, "formal_parameters")
	fullName := name
	if className != "" {
		fullName = className + "." + name
	}
	return &Unit{
		Name:      fullName,
		Signature: fmt.Sprintf("function %s%s", fullName, params),
		Code:      n.Content(content),
		Calls:     collectCalls(n, content),
	}
}

func jsMethodUnits(classNode *sitter.Node, content []byte, className string) []*Unit {
	var units []*Unit

	var body *sitter.Node
	for i := 0; i < int(classNode.ChildCount()); i++ {
		if classNode.Child(i).Type() == "class_body" {
			body = classNode.Child(i)
			break
		}
	}
	if body == nil {
		return units
	}

	for i := 0; i < int(body.ChildCount()); i++ {
		m := body.Child(i)
		if m.Type() != "method_definition" {
			continue
		}
		name := childOfType(m, content, "property_identifier")
		if name == "" {
			continue
		}
		params := childOfType(m, content, "formal_parameters")
		units = append(units, &Unit{
			Name:      className + "." + name,
			Signature: fmt.Sprintf("function %s.%s%s", className, name, params),
			Code:      m.Content(content),
			Calls:     collectCalls(m, content),
		})
	}
	return units
}

func jsArrowUnits(n *sitter.Node, content []byte) []*Unit {
	var units []*Unit
	for i := 0; i < int(n.ChildCount()); i++ {
		decl := n.Child(i)
		if decl.Type() != "variable_declarator" {
			continue
		}
		var name string
		var fn *sitter.Node
		for j := 0; j < int(decl.ChildCount()); j++ {
			child := decl.Child(j)
			switch child.Type() {
			case "identifier":
				name = child.Content(content)
			case "arrow_function", "function":
				fn = child
			}
		}
		if name == "" || fn == nil {
			continue
		}
		params := childOfType(fn, content, "formal_parameters")
		units = append(units, &Unit{
			Name:      name,
			Signature: fmt.Sprintf("function %s%s", name, params),
			Code:      decl.Content(content),
			Calls:     collectCalls(fn, content),
		})
	}
	return units
}

func extractPythonUnits(root *sitter.Node, content []byte) []*Unit {
	var units []*Unit

	iter := sitter.NewIterator(root, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			break
		}

		switch n.Type() {
		case "function_definition":
			// Methods are emitted under their class name below.
			if insideClass(n) {
				continue
			}
			if u := pyFunctionUnit(n, content, ""); u != nil {
				units = append(units, u)
			}
		case "class_definition":
			className := childOfType(n, content, "identifier")
			if className == "" {
				continue
			}
			units = append(units, &Unit{
				Name:      className,
				Signature: "class " + className,
				Code:      n.Content(content),
				Calls:     nil,
			})
			units = append(units, pyMethodUnits(n, content, className)...)
		}
	}

	return units
}

func insideClass(n *sitter.Node) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Type() == "class_definition" {
			return true
		}
	}
	return false
}

func pyFunctionUnit(n *sitter.Node, content []byte, className string) *Unit {
	var name, params string
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		switch child.Type() {
		case "identifier":
			if name == "" {
				name = child.Content(content)
			}
		case "parameters":
			params = child.Content(content)
		}
	}
	if name == "" {
		return nil
	}
	fullName := name
	if className != "" {
		fullName = className + "." + name
	}
	return &Unit{
		Name:      fullName,
		Signature: fmt.Sprintf("def %s%s", fullName, params),
		Code:      n.Content(content),
		Calls:     collectCalls(n, content),
	}
}

func pyMethodUnits(classNode *sitter.Node, content []byte, className string) []*Unit {
	var units []*Unit

	var body *sitter.Node
	for i := 0; i < int(classNode.ChildCount()); i++ {
		if classNode.Child(i).Type() == "block" {
			body = classNode.Child(i)
			break
		}
	}
	if body == nil {
		return units
	}

	for i := 0; i < int(body.ChildCount()); i++ {
		child := body.Child(i)
		if child.Type() == "function_definition" {
			if u := pyFunctionUnit(child, content, className); u != nil {
				units = append(units, u)
			}
		}
	}
	return units
}

// collectCalls returns the callee names of every call expression inside
// the node. Method calls contribute both "obj.method" and "method" so
// name resolution can match either form.
func collectCalls(root *sitter.Node, content []byte) []string {
	var calls []string
	seen := make(map[string]bool)

	iter := sitter.NewIterator(root, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			break
		}
		if n.Type() != "call_expression" && n.Type() != "call" {
			continue
		}

		fn := n.ChildByFieldName("function")
		if fn == nil && n.ChildCount() > 0 {
			fn = n.Child(0)
		}
		if fn == nil {
			continue
		}

		for _, name := range calleeNames(fn, content) {
			if name != "" && !seen[name] {
				seen[name] = true
				calls = append(calls, name)
			}
		}
	}
	return calls
}

func calleeNames(fn *sitter.Node, content []byte) []string {
	switch fn.Type() {
	case "identifier":
		return []string{fn.Content(content)}
	case "member_expression", "attribute":
		full := fn.Content(content)
		var last *sitter.Node
		for i := 0; i < int(fn.ChildCount()); i++ {
			child := fn.Child(i)
			if child.Type() == "property_identifier" || child.Type() == "identifier" {
				last = child
			}
		}
		if last != nil {
			return []string{full, last.Content(content)}
		}
		return []string{full}
	default:
		return nil
	}
}

func childOfType(n *sitter.Node, content []byte, nodeType string) string {
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child.Type() == nodeType {
			return child.Content(content)
		}
	}
	return ""
}
