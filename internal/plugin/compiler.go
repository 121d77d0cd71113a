package plugin

import (
	"errors"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"reflect"
	"regexp"
	"strings"

	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Compiler turns plugin source text into a callable entry point
type Compiler interface {
	Compile(name string, spec Spec) (*Unit, error)
}

// blockedPackages are standard library packages plugins may not import
var blockedPackages = []string{
	"os",
	"syscall",
	"net",
	"unsafe",
	"plugin",
	"runtime/debug",
	"io/ioutil",
	"path/filepath",
	"log/syslog",
}

// YaegiCompiler interprets plugin source with a restricted standard library
type YaegiCompiler struct {
	symbols interp.Exports
}

// NewYaegiCompiler creates a compiler whose plugins can import only the
// side-effect free part of the standard library
func NewYaegiCompiler() *YaegiCompiler {
	symbols := make(interp.Exports, len(stdlib.Symbols))
	for key, values := range stdlib.Symbols {
		if isBlocked(key) {
			continue
		}
		symbols[key] = values
	}
	return &YaegiCompiler{symbols: symbols}
}

// isBlocked reports whether a yaegi symbol key ("import/path/name") belongs to a blocked package
func isBlocked(key string) bool {
	path := key
	if i := strings.LastIndex(key, "/"); i > 0 {
		path = key[:i]
	}
	for _, p := range blockedPackages {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Compile evaluates the source in a fresh interpreter and resolves its entry point
func (c *YaegiCompiler) Compile(name string, spec Spec) (unit *Unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			unit = nil
			err = compilationError(name, fmt.Errorf("interpreter panic: %v", r))
		}
	}()

	if err := validateSpec(name, spec); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(c.symbols); err != nil {
		return nil, errs.Wrap(errs.KindCompilation, "plugin.compile", err, "load symbols")
	}

	if _, err := i.Eval(spec.Source); err != nil {
		return nil, compilationError(name, err)
	}

	v, err := i.Eval(spec.EntryPoint())
	if err != nil {
		return nil, compilationError(name, fmt.Errorf("entry point %s not found: %w", spec.EntryPoint(), err))
	}

	entry, err := adaptEntry(v)
	if err != nil {
		return nil, compilationError(name, err)
	}

	return newUnit(name, spec, entry), nil
}

func adaptEntry(v reflect.Value) (func(Input) (string, error), error) {
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, fmt.Errorf("entry point is not a function")
	}

	switch fn := v.Interface().(type) {
	case func(map[string]string) (string, error):
		return func(in Input) (string, error) { return fn(in) }, nil
	case func(string) (string, error):
		return func(in Input) (string, error) { return fn(in["text"]) }, nil
	case func(string) string:
		return func(in Input) (string, error) { return fn(in["text"]), nil }, nil
	default:
		return nil, fmt.Errorf("unsupported entry signature %s", v.Type())
	}
}

func validateSpec(name string, spec Spec) error {
	var diags []string
	if strings.TrimSpace(name) == "" {
		diags = append(diags, "plugin name is required")
	}
	if strings.TrimSpace(spec.Source) == "" {
		diags = append(diags, "source is empty")
	}
	if spec.EntryClass == "" || spec.EntryMethod == "" {
		diags = append(diags, "entry class and method are required")
	}
	if len(diags) == 0 {
		return nil
	}
	return &errs.Error{
		Kind:        errs.KindCompilation,
		Op:          "plugin.compile",
		Msg:         fmt.Sprintf("plugin %q: invalid definition", name),
		Diagnostics: diags,
	}
}

func compilationError(name string, err error) error {
	return &errs.Error{
		Kind:        errs.KindCompilation,
		Op:          "plugin.compile",
		Msg:         fmt.Sprintf("plugin %q", name),
		Err:         err,
		Diagnostics: diagnostics(err),
	}
}

// diagnostics splits a compiler error into one line per problem
func diagnostics(err error) []string {
	var list scanner.ErrorList
	if errors.As(err, &list) {
		out := make([]string, 0, len(list))
		for _, e := range list {
			out = append(out, e.Error())
		}
		return out
	}

	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

var entryHeader = regexp.MustCompile(`(?m)^//\s*entry:\s*([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\s*$`)

// EntryFromSource derives the entry point of a plugin file. An explicit
// "// entry: Class.Method" line wins; otherwise the package name and Handle
// are used.
func EntryFromSource(source string) (class, method string, err error) {
	if m := entryHeader.FindStringSubmatch(source); m != nil {
		return m[1], m[2], nil
	}

	f, err := parser.ParseFile(token.NewFileSet(), "", source, parser.PackageClauseOnly)
	if err != nil {
		return "", "", compilationError("", err)
	}
	return f.Name.Name, "Handle", nil
}
