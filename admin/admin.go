// Package admin implements the narrow administrative command interface carried
// by CommandString datagrams: a fixed registry of named operations with typed
// arguments. Nothing outside the registry can be executed.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrUnknownCommand = errors.New("admin: unknown command")
	ErrEmptyCommand   = errors.New("admin: empty command")
	ErrDuplicate      = errors.New("admin: command already registered")
)

// Kind is the type of a command argument.
type Kind int

const (
	String Kind = iota
	Float
	Int
	Bool
)

// String returns the kind name used in usage text.
func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Float:
		return "float"
	case Int:
		return "int"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// ArgError reports an argument that is missing, surplus or does not parse as
// its declared kind.
type ArgError struct {
	Command string
	Index   int
	Kind    Kind
	Value   string
	Reason  string
}

func (e *ArgError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("admin: %s: argument %d (%s): %s", e.Command, e.Index, e.Kind, e.Reason)
	}

	return fmt.Sprintf("admin: %s: argument %d (%s) %q: %s", e.Command, e.Index, e.Kind, e.Value, e.Reason)
}

// Args holds parsed arguments. Accessors panic on an index or kind that does
// not match the command's declaration, which is a programming error in the
// handler rather than bad input.
type Args struct {
	values []any
}

// Len returns the argument count; String, Float, Int, Bool and Float32 return
// argument i as the declared kind.
func (a Args) Len() int              { return len(a.values) }
func (a Args) String(i int) string   { return a.values[i].(string) }
func (a Args) Float(i int) float64   { return a.values[i].(float64) }
func (a Args) Int(i int) int64       { return a.values[i].(int64) }
func (a Args) Bool(i int) bool       { return a.values[i].(bool) }
func (a Args) Float32(i int) float32 { return float32(a.Float(i)) }

// Command is one registered operation.
type Command struct {
	Name string
	Help string
	Args []Kind
	Run  func(ctx context.Context, args Args) error
}

// Registry maps command names to operations. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds cmd. Names are case-insensitive.
func (r *Registry) Register(cmd Command) error {
	name := strings.ToLower(cmd.Name)
	if name == "" || cmd.Run == nil {
		return fmt.Errorf("admin: command needs a name and a Run function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	cmd.Name = name
	r.commands[name] = cmd
	return nil
}

// MustRegister is Register for static setup; it panics on error.
func (r *Registry) MustRegister(cmd Command) {
	if err := r.Register(cmd); err != nil {
		panic(err)
	}
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute parses text as "name arg..." and runs the matching command. String
// arguments may be double-quoted to include spaces.
//
// Parameters:
//   - ctx: Context passed to the command
//   - text: Command text received from the coordinator
//
// Returns:
//   - ErrEmptyCommand, ErrUnknownCommand, an *ArgError, or the command's own error
func (r *Registry) Execute(ctx context.Context, text string) error {
	tokens, err := tokenize(text)
	if err != nil {
		return err
	}

	if len(tokens) == 0 {
		return ErrEmptyCommand
	}

	name := strings.ToLower(tokens[0])

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	args, err := parseArgs(cmd, tokens[1:])
	if err != nil {
		return err
	}

	return cmd.Run(ctx, args)
}

func parseArgs(cmd Command, raw []string) (Args, error) {
	if len(raw) > len(cmd.Args) {
		return Args{}, &ArgError{Command: cmd.Name, Index: len(cmd.Args), Kind: String, Value: raw[len(cmd.Args)], Reason: "unexpected argument"}
	}

	values := make([]any, len(cmd.Args))
	for i, kind := range cmd.Args {
		if i >= len(raw) {
			return Args{}, &ArgError{Command: cmd.Name, Index: i, Kind: kind, Reason: "missing"}
		}

		v, err := parseValue(kind, raw[i])
		if err != nil {
			return Args{}, &ArgError{Command: cmd.Name, Index: i, Kind: kind, Value: raw[i], Reason: err.Error()}
		}
		values[i] = v
	}

	return Args{values: values}, nil
}

func parseValue(kind Kind, s string) (any, error) {
	switch kind {
	case Float:
		return strconv.ParseFloat(s, 64)
	case Int:
		return strconv.ParseInt(s, 10, 64)
	case Bool:
		return strconv.ParseBool(s)
	default:
		return s, nil
	}
}

// tokenize splits on whitespace, treating a double-quoted run (with Go escape
// sequences) as one token.
func tokenize(text string) ([]string, error) {
	var tokens []string

	s := strings.TrimSpace(text)
	for len(s) > 0 {
		if s[0] == '"' {
			end := closingQuote(s)
			if end < 0 {
				return nil, fmt.Errorf("admin: unterminated quote in %q", text)
			}

			tok, err := strconv.Unquote(s[:end+1])
			if err != nil {
				return nil, fmt.Errorf("admin: bad quoted argument %s: %w", s[:end+1], err)
			}

			tokens = append(tokens, tok)
			s = strings.TrimLeft(s[end+1:], " \t\r\n")
			continue
		}

		end := strings.IndexAny(s, " \t\r\n")
		if end < 0 {
			tokens = append(tokens, s)
			break
		}

		tokens = append(tokens, s[:end])
		s = strings.TrimLeft(s[end:], " \t\r\n")
	}

	return tokens, nil
}

func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}

	return -1
}
