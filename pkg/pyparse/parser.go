// Package pyparse parses one Python file into its intermediate
// representation using github.com/alexaandru/go-tree-sitter-bare and the
// python grammar from github.com/alexaandru/go-sitter-forest/python:
// pooled *sitter.Parser instances, field-based node access, byte-slice
// text extraction.
package pyparse

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	forest "github.com/alexaandru/go-sitter-forest/python"
	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/shiftcmd/pycodegraph/pkg/ir"
)

// Version is folded into the cache fingerprint by pkg/extract. Bumping it
// invalidates every cache entry a prior build produced.
const Version = "pyparse-python/1"

// Parser parses Python source files into ir.ParsedModule. It is safe for
// concurrent use: each call borrows a *sitter.Parser from an internal pool.
type Parser struct {
	language *sitter.Language
	pool     sync.Pool
}

// New constructs a Parser bound to the Python grammar.
func New() *Parser {
	lang := sitter.NewLanguage(forest.GetLanguage())

	p := &Parser{language: lang}
	p.pool.New = func() any {
		ts := sitter.NewParser()
		ts.SetLanguage(lang)

		return ts
	}

	return p
}

// Parse builds a ParsedModule for one file's content. A file that fails
// syntactic parsing yields a module with only Name/Path and a parse_errors
// entry, never an error return; the caller decides what to do with it.
func (p *Parser) Parse(ctx context.Context, path string, content []byte) *ir.ParsedModule {
	mod := &ir.ParsedModule{
		Path:      path,
		Name:      moduleName(path),
		LineCount: bytes.Count(content, []byte("\n")) + 1,
		SizeBytes: int64(len(content)),
	}

	tsParser, _ := p.pool.Get().(*sitter.Parser)
	defer p.pool.Put(tsParser)

	tree, err := tsParser.ParseString(ctx, nil, content)
	if err != nil {
		mod.ParseErrors = append(mod.ParseErrors, ir.ParseError{
			Kind:    ir.ParseErrorSyntax,
			Message: fmt.Sprintf("parse %s: %v", path, err),
		})

		return mod
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.IsNull() {
		mod.ParseErrors = append(mod.ParseErrors, ir.ParseError{
			Kind:    ir.ParseErrorSyntax,
			Message: "empty syntax tree",
		})

		return mod
	}

	// A tree containing ERROR nodes means the file is not syntactically
	// valid Python; such a file yields only name/path plus the error
	// record, with no partially-recovered members.
	if root.HasError() {
		mod.ParseErrors = append(mod.ParseErrors, ir.ParseError{
			Kind:    ir.ParseErrorSyntax,
			Message: "syntax error",
			Line:    firstErrorLine(root),
		})

		return mod
	}

	w := &walker{src: content}
	w.walkModule(root, mod)

	return mod
}

// firstErrorLine locates the first ERROR node so the parse error can point
// at a line; zero when the error position cannot be pinned down.
func firstErrorLine(n sitter.Node) int {
	if n.Type() == "ERROR" || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}

	for i := range n.NamedChildCount() {
		child := n.NamedChild(i)
		if !child.HasError() {
			continue
		}

		if line := firstErrorLine(child); line > 0 {
			return line
		}

		return int(child.StartPoint().Row) + 1
	}

	return 0
}

func moduleName(p string) string {
	base := filepath.Base(p)

	return strings.TrimSuffix(base, filepath.Ext(base))
}

// walker carries the source bytes needed to slice node text.
type walker struct {
	src []byte
}

func (w *walker) text(n sitter.Node) string {
	if n.IsNull() {
		return ""
	}

	start, end := n.StartByte(), n.EndByte()
	if end < start || int(end) > len(w.src) {
		return ""
	}

	return string(w.src[start:end])
}

func lineRange(n sitter.Node) (start, end int) {
	return int(n.StartPoint().Row) + 1, int(n.EndPoint().Row) + 1
}

// walkStatements visits every leaf statement reachable from n, recursing
// through compound-statement containers (if/for/while/try/with and their
// clause/block children) without crossing into a nested function or class
// body — those are their own scope and are visited as a single leaf
// statement (function_definition/class_definition/decorated_definition) by
// the caller.
func walkStatements(n sitter.Node, visit func(sitter.Node)) {
	for i := range n.NamedChildCount() {
		child := n.NamedChild(i)

		switch child.Type() {
		case "if_statement", "for_statement", "while_statement", "try_statement",
			"with_statement", "elif_clause", "else_clause", "except_clause",
			"except_group_clause", "finally_clause", "block":
			walkStatements(child, visit)
		default:
			visit(child)
		}
	}
}

// walkModule populates mod's module-scope imports, classes, functions, and
// variables from the module's root syntax node.
func (w *walker) walkModule(root sitter.Node, mod *ir.ParsedModule) {
	mod.Docstring = w.docstring(root)

	walkStatements(root, func(stmt sitter.Node) {
		switch stmt.Type() {
		case "import_statement":
			mod.Imports = append(mod.Imports, w.parseImport(stmt)...)
		case "import_from_statement":
			mod.Imports = append(mod.Imports, w.parseImportFrom(stmt)...)
		case "class_definition":
			mod.Classes = append(mod.Classes, w.parseClass(stmt, nil))
		case "function_definition":
			mod.Functions = append(mod.Functions, w.parseFunction(stmt, nil, false))
		case "decorated_definition":
			decorators, inner := w.splitDecorated(stmt)

			switch inner.Type() {
			case "function_definition":
				mod.Functions = append(mod.Functions, w.parseFunction(inner, decorators, false))
			case "class_definition":
				mod.Classes = append(mod.Classes, w.parseClass(inner, decorators))
			}
		case "expression_statement":
			if v, ok := w.parseAssignment(stmt, ir.ScopeModule); ok {
				mod.Variables = append(mod.Variables, v)
			}
		}
	})
}

// splitDecorated separates a decorated_definition into its decorator name
// list (leading "@" stripped) and the wrapped function/class definition.
func (w *walker) splitDecorated(stmt sitter.Node) ([]string, sitter.Node) {
	var decorators []string

	var defNode sitter.Node

	for i := range stmt.NamedChildCount() {
		c := stmt.NamedChild(i)

		switch c.Type() {
		case "decorator":
			decorators = append(decorators, strings.TrimPrefix(strings.TrimSpace(w.text(c)), "@"))
		case "function_definition", "class_definition":
			defNode = c
		}
	}

	return decorators, defNode
}

// docstring extracts the first string-literal statement of a block
// (module, class, or function body).
func (w *walker) docstring(body sitter.Node) string {
	if body.NamedChildCount() == 0 {
		return ""
	}

	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}

	strNode := first.NamedChild(0)
	if strNode.Type() != "string" {
		return ""
	}

	return cleanStringLiteral(w.text(strNode))
}

// cleanStringLiteral strips an optional string-prefix letter and the
// surrounding quote characters (triple or single) from raw string-literal
// source text.
func cleanStringLiteral(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "rRbBuUfF")

	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return strings.TrimSpace(s[len(q) : len(s)-len(q)])
		}
	}

	return s
}

func containsDecorator(decorators []string, name string) bool {
	for _, d := range decorators {
		if d == name || strings.HasSuffix(d, "."+name) {
			return true
		}
	}

	return false
}

// parseImport handles a plain `import a.b, c as d` statement.
func (w *walker) parseImport(n sitter.Node) []ir.Import {
	start, end := lineRange(n)

	var imports []ir.Import

	for i := range n.NamedChildCount() {
		c := n.NamedChild(i)

		switch c.Type() {
		case "dotted_name", "identifier":
			imports = append(imports, ir.Import{Name: w.text(c), LineStart: start, LineEnd: end})
		case "aliased_import":
			imports = append(imports, ir.Import{
				Name:      w.text(c.ChildByFieldName("name")),
				Alias:     w.text(c.ChildByFieldName("alias")),
				LineStart: start, LineEnd: end,
			})
		}
	}

	return imports
}

// parseImportFrom handles `from X import a, b as c` and `from .pkg import *`,
// capturing the relative-import level and star imports.
func (w *walker) parseImportFrom(n sitter.Node) []ir.Import {
	start, end := lineRange(n)

	fromModule, isRelative, level := splitRelative(w.text(n.ChildByFieldName("module_name")))

	build := func(name, alias string, star bool) ir.Import {
		return ir.Import{
			Name: name, FromModule: fromModule, Alias: alias, IsStar: star,
			IsRelative: isRelative, RelativeLevel: level,
			LineStart: start, LineEnd: end,
		}
	}

	var imports []ir.Import

	appendItem := func(c sitter.Node) {
		switch c.Type() {
		case "dotted_name", "identifier":
			imports = append(imports, build(w.text(c), "", false))
		case "aliased_import":
			imports = append(imports, build(w.text(c.ChildByFieldName("name")), w.text(c.ChildByFieldName("alias")), false))
		case "wildcard_import":
			imports = append(imports, build("*", "", true))
		}
	}

	handled := false

	for i := range n.NamedChildCount() {
		child := n.NamedChild(i)

		switch child.Type() {
		case "import_list":
			handled = true

			for j := range child.NamedChildCount() {
				appendItem(child.NamedChild(j))
			}
		case "wildcard_import":
			handled = true

			appendItem(child)
		}
	}

	// Older/simpler grammar shapes may place import items directly as
	// named children of import_from_statement rather than inside an
	// import_list wrapper; fall back to scanning those directly.
	if !handled {
		moduleField := n.ChildByFieldName("module_name")

		for i := range n.NamedChildCount() {
			child := n.NamedChild(i)
			if sameSpan(child, moduleField) || child.Type() == "relative_import" {
				continue
			}

			appendItem(child)
		}
	}

	return imports
}

func sameSpan(a, b sitter.Node) bool {
	return !a.IsNull() && !b.IsNull() && a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte()
}

func splitRelative(text string) (fromModule string, isRelative bool, level int) {
	if text == "" {
		return "", false, 0
	}

	trimmed := strings.TrimLeft(text, ".")
	level = len(text) - len(trimmed)

	return trimmed, level > 0, level
}

// parseClass builds a Class from a class_definition node: bases are kept
// by textual expression, ABC/Protocol bases flag the class interface-like.
func (w *walker) parseClass(n sitter.Node, decorators []string) ir.Class {
	start, end := lineRange(n)
	bases := w.parseBases(n.ChildByFieldName("superclasses"))

	cls := ir.Class{
		Name:            w.text(n.ChildByFieldName("name")),
		Bases:           bases,
		Decorators:      decorators,
		IsInterfaceLike: anyBaseIsInterfaceLike(bases),
		LineStart:       start,
		LineEnd:         end,
	}

	body := n.ChildByFieldName("body")
	if !body.IsNull() {
		cls.Docstring = w.docstring(body)
		cls.Methods, cls.ClassVariables, cls.InnerClasses = w.collectClassScope(body)
	}

	return cls
}

func anyBaseIsInterfaceLike(bases []string) bool {
	for _, b := range bases {
		if strings.Contains(b, "ABC") || strings.Contains(b, "Protocol") {
			return true
		}
	}

	return false
}

func (w *walker) parseBases(n sitter.Node) []string {
	if n.IsNull() {
		return nil
	}

	var bases []string

	for i := range n.NamedChildCount() {
		c := n.NamedChild(i)
		if c.Type() == "keyword_argument" {
			continue // e.g. metaclass=... is not an inheritance base.
		}

		bases = append(bases, w.text(c))
	}

	return bases
}

func (w *walker) collectClassScope(body sitter.Node) (methods []ir.Function, vars []ir.Variable, inner []ir.Class) {
	walkStatements(body, func(stmt sitter.Node) {
		switch stmt.Type() {
		case "function_definition":
			methods = append(methods, w.parseFunction(stmt, nil, true))
		case "class_definition":
			inner = append(inner, w.parseClass(stmt, nil))
		case "decorated_definition":
			decorators, defNode := w.splitDecorated(stmt)

			switch defNode.Type() {
			case "function_definition":
				methods = append(methods, w.parseFunction(defNode, decorators, true))
			case "class_definition":
				inner = append(inner, w.parseClass(defNode, decorators))
			}
		case "expression_statement":
			if v, ok := w.parseAssignment(stmt, ir.ScopeClass); ok {
				vars = append(vars, v)
			}
		}
	})

	return methods, vars, inner
}

// parseFunction builds a Function from a function_definition node:
// signature text, parameter kinds/annotations, return annotation,
// decorators, async flag, complexity.
func (w *walker) parseFunction(n sitter.Node, decorators []string, isMethod bool) ir.Function {
	start, end := lineRange(n)
	body := n.ChildByFieldName("body")

	header := w.text(n)
	if !body.IsNull() {
		header = string(w.src[n.StartByte():body.StartByte()])
	}

	header = strings.TrimRight(strings.TrimSpace(header), ": \t\n")

	fn := ir.Function{
		Name:          w.text(n.ChildByFieldName("name")),
		Signature:     header,
		Parameters:    w.parseParameters(n.ChildByFieldName("parameters")),
		ReturnType:    w.text(n.ChildByFieldName("return_type")),
		Decorators:    decorators,
		IsMethod:      isMethod,
		IsStatic:      containsDecorator(decorators, "staticmethod"),
		IsClassMethod: containsDecorator(decorators, "classmethod"),
		IsAsync:       strings.HasPrefix(strings.TrimSpace(w.text(n)), "async "),
		LineStart:     start,
		LineEnd:       end,
	}

	if body.IsNull() {
		fn.Complexity = 1

		return fn
	}

	fn.Docstring = w.docstring(body)
	fn.Complexity = 1 + countBranches(body)
	fn.LocalVariables, fn.NestedFunctions = w.collectFunctionScope(body)

	return fn
}

func (w *walker) collectFunctionScope(body sitter.Node) (vars []ir.Variable, nested []ir.Function) {
	walkStatements(body, func(stmt sitter.Node) {
		switch stmt.Type() {
		case "function_definition":
			nested = append(nested, w.parseFunction(stmt, nil, false))
		case "decorated_definition":
			decorators, defNode := w.splitDecorated(stmt)
			if defNode.Type() == "function_definition" {
				nested = append(nested, w.parseFunction(defNode, decorators, false))
			}
		case "expression_statement":
			if v, ok := w.parseAssignment(stmt, ir.ScopeFunction); ok {
				vars = append(vars, v)
			}
		}
	})

	return vars, nested
}

// countBranches counts the branching constructs that feed cyclomatic
// complexity: if, for, while, except handlers, with statements, asserts,
// and one point per boolean_operator node (each contributes exactly one
// operand beyond its left-hand side). Traversal does not cross into a
// nested function or class body; those contribute to their own complexity.
func countBranches(n sitter.Node) int {
	count := 0

	for i := range n.NamedChildCount() {
		child := n.NamedChild(i)

		switch child.Type() {
		case "function_definition", "class_definition", "lambda":
			continue
		case "if_statement", "for_statement", "while_statement", "except_clause",
			"except_group_clause", "with_statement", "assert_statement", "boolean_operator":
			count++
		}

		count += countBranches(child)
	}

	return count
}

// parseParameters builds the parameter list of a `parameters` node:
// position, kind (positional/keyword_only/vararg/kwarg), textual
// annotation, and textual default.
func (w *walker) parseParameters(n sitter.Node) []ir.Parameter {
	if n.IsNull() {
		return nil
	}

	var params []ir.Parameter

	position := 0
	keywordOnly := false

	for i := range n.NamedChildCount() {
		c := n.NamedChild(i)

		switch c.Type() {
		case "keyword_separator":
			keywordOnly = true
		case "positional_separator":
			// Marks the end of positional-only parameters; kind tracking
			// here only distinguishes positional vs keyword_only, so this
			// is a no-op.
		case "identifier":
			kind := ir.ParameterPositional
			if keywordOnly {
				kind = ir.ParameterKeywordOnly
			}

			params = append(params, ir.Parameter{Name: w.text(c), Position: position, Kind: kind})
			position++
		case "typed_parameter":
			params = append(params, w.typedParameter(c, position, &keywordOnly))
			position++
		case "default_parameter":
			kind := ir.ParameterPositional
			if keywordOnly {
				kind = ir.ParameterKeywordOnly
			}

			params = append(params, ir.Parameter{
				Name: w.text(c.ChildByFieldName("name")), Position: position, Kind: kind,
				Default: w.text(c.ChildByFieldName("value")),
			})
			position++
		case "typed_default_parameter":
			kind := ir.ParameterPositional
			if keywordOnly {
				kind = ir.ParameterKeywordOnly
			}

			params = append(params, ir.Parameter{
				Name: w.text(c.ChildByFieldName("name")), Position: position, Kind: kind,
				Annotation: w.text(c.ChildByFieldName("type")),
				Default:    w.text(c.ChildByFieldName("value")),
			})
			position++
		case "list_splat_pattern":
			params = append(params, ir.Parameter{
				Name: w.text(firstNamedChild(c)), Position: position, Kind: ir.ParameterVararg,
			})
			position++
			keywordOnly = true
		case "dictionary_splat_pattern":
			params = append(params, ir.Parameter{
				Name: w.text(firstNamedChild(c)), Position: position, Kind: ir.ParameterKwarg,
			})
			position++
		}
	}

	return params
}

// typedParameter handles `name: Type` parameters, including a typed splat
// (`*args: int` / `**kwargs: str`).
func (w *walker) typedParameter(c sitter.Node, position int, keywordOnly *bool) ir.Parameter {
	nameNode := firstNamedChild(c)
	annotation := w.text(c.ChildByFieldName("type"))

	kind := ir.ParameterPositional
	if *keywordOnly {
		kind = ir.ParameterKeywordOnly
	}

	name := w.text(nameNode)

	switch nameNode.Type() {
	case "list_splat_pattern":
		kind = ir.ParameterVararg
		*keywordOnly = true
		name = w.text(firstNamedChild(nameNode))
	case "dictionary_splat_pattern":
		kind = ir.ParameterKwarg
		name = w.text(firstNamedChild(nameNode))
	}

	return ir.Parameter{Name: name, Position: position, Kind: kind, Annotation: annotation}
}

func firstNamedChild(n sitter.Node) sitter.Node {
	if n.IsNull() || n.NamedChildCount() == 0 {
		return sitter.Node{}
	}

	return n.NamedChild(0)
}

// parseAssignment recognizes a plain `name = value` or `name: Type = value`
// statement. Tuple/attribute assignment targets are not modeled as
// Variables.
func (w *walker) parseAssignment(stmt sitter.Node, scope ir.VariableScope) (ir.Variable, bool) {
	if stmt.NamedChildCount() == 0 {
		return ir.Variable{}, false
	}

	inner := stmt.NamedChild(0)
	if inner.Type() != "assignment" {
		return ir.Variable{}, false
	}

	left := inner.ChildByFieldName("left")
	if left.IsNull() || left.Type() != "identifier" {
		return ir.Variable{}, false
	}

	start, end := lineRange(stmt)
	name := w.text(left)

	return ir.Variable{
		Name:         name,
		InferredType: w.text(inner.ChildByFieldName("type")),
		ValueRepr:    w.text(inner.ChildByFieldName("right")),
		IsConstant:   isConstantName(name),
		Scope:        scope,
		LineStart:    start,
		LineEnd:      end,
	}, true
}

// isConstantName reports whether name is all uppercase with digits and
// underscores only.
func isConstantName(name string) bool {
	if name == "" {
		return false
	}

	hasUpper := false

	for _, r := range name {
		switch {
		case r == '_' || (r >= '0' && r <= '9'):
			continue
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		default:
			return false
		}
	}

	return hasUpper
}
