// Package ir defines the intermediate representation produced by the
// parser (pkg/pyparse) for one Python source file, and the document that
// wraps one job's full set of parsed modules. Every exported type here is
// a concrete struct with explicit fields, no interface{}/map[string]any
// payloads, so serialization stays reflection-predictable and field order
// stable.
package ir

// ParameterKind enumerates how a function parameter binds its argument.
type ParameterKind string

// Parameter kinds.
const (
	ParameterPositional  ParameterKind = "positional"
	ParameterKeywordOnly ParameterKind = "keyword_only"
	ParameterVararg      ParameterKind = "vararg"
	ParameterKwarg       ParameterKind = "kwarg"
)

// VariableScope enumerates where a variable binding lives.
type VariableScope string

// Variable scopes.
const (
	ScopeModule   VariableScope = "module"
	ScopeClass    VariableScope = "class"
	ScopeFunction VariableScope = "function"
)

// Import captures one import statement (plain or from-import).
type Import struct {
	Name          string `json:"name"`
	FromModule    string `json:"from_module,omitempty"`
	Alias         string `json:"alias,omitempty"`
	IsStar        bool   `json:"is_star"`
	LineStart     int    `json:"line_start"`
	LineEnd       int    `json:"line_end"`
	IsRelative    bool   `json:"is_relative"`
	RelativeLevel int    `json:"relative_level"`
}

// Parameter captures one function/method parameter.
type Parameter struct {
	Name       string        `json:"name"`
	Position   int           `json:"position"`
	Kind       ParameterKind `json:"kind"`
	Annotation string        `json:"annotation,omitempty"`
	Default    string        `json:"default,omitempty"`
}

// Function captures one function or method definition. Methods are
// functions with IsMethod set true.
type Function struct {
	Name            string      `json:"name"`
	Signature       string      `json:"signature"`
	Parameters      []Parameter `json:"parameters"`
	ReturnType      string      `json:"return_type,omitempty"`
	Decorators      []string    `json:"decorators,omitempty"`
	IsMethod        bool        `json:"is_method"`
	IsStatic        bool        `json:"is_static"`
	IsClassMethod   bool        `json:"is_class_method"`
	IsAsync         bool        `json:"is_async"`
	Complexity      int         `json:"complexity"`
	Docstring       string      `json:"docstring,omitempty"`
	LineStart       int         `json:"line_start"`
	LineEnd         int         `json:"line_end"`
	LocalVariables  []Variable  `json:"local_variables,omitempty"`
	NestedFunctions []Function  `json:"nested_functions,omitempty"`
}

// Variable captures one module-, class-, or function-scoped assignment.
type Variable struct {
	Name         string        `json:"name"`
	InferredType string        `json:"inferred_type,omitempty"`
	ValueRepr    string        `json:"value_repr,omitempty"`
	IsConstant   bool          `json:"is_constant"`
	Scope        VariableScope `json:"scope"`
	LineStart    int           `json:"line_start"`
	LineEnd      int           `json:"line_end"`
}

// Class captures one class definition.
type Class struct {
	Name            string     `json:"name"`
	Bases           []string   `json:"bases,omitempty"`
	Docstring       string     `json:"docstring,omitempty"`
	Decorators      []string   `json:"decorators,omitempty"`
	IsInterfaceLike bool       `json:"is_interface_like"`
	Methods         []Function `json:"methods,omitempty"`
	ClassVariables  []Variable `json:"class_variables,omitempty"`
	InnerClasses    []Class    `json:"inner_classes,omitempty"`
	LineStart       int        `json:"line_start"`
	LineEnd         int        `json:"line_end"`
}

// ParseErrorKind enumerates why a file could not be fully parsed.
type ParseErrorKind string

// Parse error kinds.
const (
	ParseErrorSyntax   ParseErrorKind = "syntax_error"
	ParseErrorEncoding ParseErrorKind = "encoding_error"
	ParseErrorTooLarge ParseErrorKind = "file_too_large"
	ParseErrorIO       ParseErrorKind = "io_error"
)

// ParseError records one failure to fully parse a file. Such a file still
// yields Name/Path plus this record, never aborting the run.
type ParseError struct {
	Kind    ParseErrorKind `json:"kind"`
	Message string         `json:"message"`
	Line    int            `json:"line,omitempty"`
}

// ParsedModule is the intermediate representation of one source file.
type ParsedModule struct {
	Path               string       `json:"path"`
	Name               string       `json:"name"`
	Docstring          string       `json:"docstring,omitempty"`
	LineCount          int          `json:"line_count"`
	SizeBytes          int64        `json:"size_bytes"`
	ContentFingerprint string       `json:"content_fingerprint"`
	Imports            []Import     `json:"imports,omitempty"`
	Classes            []Class      `json:"classes,omitempty"`
	Functions          []Function   `json:"functions,omitempty"`
	Variables          []Variable   `json:"variables,omitempty"`
	ParseErrors        []ParseError `json:"parse_errors,omitempty"`
}

// HasFatalParseError reports whether the module only has a name/path and a
// parse error, i.e. the parser could not build a syntax tree at all.
func (m *ParsedModule) HasFatalParseError() bool {
	return len(m.ParseErrors) > 0 && len(m.Classes) == 0 && len(m.Functions) == 0 && len(m.Variables) == 0
}
