// Package plugin compiles, hosts and measures hot-loadable command plugins.
//
// A plugin is Go source text interpreted by yaegi. Its entry point is an
// exported function EntryClass.EntryMethod, where EntryClass is the package
// name declared by the source. Supported entry signatures:
//
//	func(map[string]string) (string, error)
//	func(string) (string, error)
//	func(string) string
//
// The map form receives the request fields (text, command, args, chat_id,
// user_id, username, bot_id, request_id); the string forms receive the text.
//
// Compiled units are immutable. Replacing a plugin swaps the active unit
// pointer under a per-name lock, so an execution always runs against one
// complete unit: either the old one (which finishes normally) or the new one.
package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/keepmind9/botfleet/pkg/constants"
)

// Input is the argument map passed to a plugin entry point
type Input map[string]string

// Spec describes the source of a plugin
type Spec struct {
	Source      string
	EntryClass  string
	EntryMethod string
	Author      string
	Description string
}

// EntryPoint returns "Class.Method"
func (s Spec) EntryPoint() string {
	return s.EntryClass + "." + s.EntryMethod
}

// Unit is one compiled, callable version of a plugin
type Unit struct {
	Name       string
	Spec       Spec
	Version    int64  // Monotonic per plugin name
	Tag        string // Content hash of the source
	CompiledAt time.Time

	entry    func(Input) (string, error)
	inflight atomic.Int64
}

func newUnit(name string, spec Spec, entry func(Input) (string, error)) *Unit {
	return &Unit{
		Name:       name,
		Spec:       spec,
		Tag:        SourceTag(spec.Source),
		CompiledAt: time.Now(),
		entry:      entry,
	}
}

// SourceTag returns the content tag of a plugin source
func SourceTag(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])[:constants.PluginTagLength]
}

// InFlight returns the number of executions currently running on this unit
func (u *Unit) InFlight() int64 {
	return u.inflight.Load()
}

// call invokes the entry point, converting a panic into an error
func (u *Unit) call(in Input) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	return u.entry(in)
}
