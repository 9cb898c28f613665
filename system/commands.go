package system

import (
	"errors"
	"sync"
)

// CommandHandler runs a `$`-command given its raw argument string (e.g. the
// "100" in "$110=100").
type CommandHandler func(arg string) error

// Command is one registered `$` system command.
type Command struct {
	Name    string // e.g. "$H", "$X", "$110"
	Help    string
	Handler CommandHandler
}

// CommandRegistry is the `$`-command dispatch table. Grounded on the
// teacher's core/command.go CommandRegistry: a mutex-guarded map keyed by
// name instead of by numeric OID, since CR1's system commands are named
// ASCII tokens, not Klipper wire-protocol object IDs.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: make(map[string]*Command)}
}

// Register adds a command. Re-registering the same name replaces it.
func (r *CommandRegistry) Register(name, help string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = &Command{Name: name, Help: help, Handler: handler}
}

// Get retrieves a command by name.
func (r *CommandRegistry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Dispatch runs the named command's handler with the given argument.
func (r *CommandRegistry) Dispatch(name, arg string) error {
	cmd, ok := r.Get(name)
	if !ok {
		return errors.New("system: unknown command " + name)
	}
	return cmd.Handler(arg)
}

// List returns every registered command, for `$` help output.
func (r *CommandRegistry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	return out
}
