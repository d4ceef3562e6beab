// Package system defines system descriptors: a unit of behavior together with
// the access rights and execution mode the engine validates it against.
package system

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/extensivelabs/agentecs/internal/access"
	"github.com/extensivelabs/agentecs/internal/buffer"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/errs"
	"github.com/extensivelabs/agentecs/internal/storage"
)

// Mode selects the access an activation receives.
type Mode uint8

const (
	// ModeBuffered activations get full scoped access and write through a buffer.
	ModeBuffered Mode = iota
	// ModePure activations read only and return a Result describing their changes.
	ModePure
	// ModeReadOnly activations read only and have no effects.
	ModeReadOnly
)

func (m Mode) String() string {
	switch m {
	case ModeBuffered:
		return "buffered"
	case ModePure:
		return "pure"
	case ModeReadOnly:
		return "readonly"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// RunFunc is the activation of a buffered system.
type RunFunc func(ctx context.Context, a *access.Scoped) error

// PureFunc is the activation of a pure system.
type PureFunc func(ctx context.Context, r *access.ReadOnly) (*Result, error)

// ObserveFunc is the activation of a read-only system.
type ObserveFunc func(ctx context.Context, r *access.ReadOnly) error

// Descriptor declares a system. Descriptors are immutable once registered.
type Descriptor struct {
	Name string
	Mode Mode

	// Exactly one of Run, Pure and Observe is set, matching Mode.
	Run     RunFunc
	Pure    PureFunc
	Observe ObserveFunc

	Reads  access.TypeSet
	Writes access.TypeSet

	// Dev grants unrestricted access. Dev systems always run alone.
	Dev bool
}

// Option configures a descriptor built by one of the constructors.
type Option func(*Descriptor)

// WithReads declares readable types.
func WithReads(types ...component.TypeID) Option {
	return func(d *Descriptor) {
		d.Reads = d.Reads.Union(access.Types(types...))
	}
}

// WithWrites declares writable types. Writing implies reading.
func WithWrites(types ...component.TypeID) Option {
	return func(d *Descriptor) {
		d.Writes = d.Writes.Union(access.Types(types...))
	}
}

// WithAllReads declares that every type may be read.
func WithAllReads() Option {
	return func(d *Descriptor) {
		d.Reads = access.AllTypes()
	}
}

// WithAllWrites declares that every type may be written.
func WithAllWrites() Option {
	return func(d *Descriptor) {
		d.Writes = access.AllTypes()
	}
}

// AsDev marks the system as a dev system.
func AsDev() Option {
	return func(d *Descriptor) {
		d.Dev = true
	}
}

// NewBuffered builds a buffered descriptor.
func NewBuffered(name string, fn RunFunc, opts ...Option) *Descriptor {
	return build(&Descriptor{Name: name, Mode: ModeBuffered, Run: fn}, opts)
}

// NewPure builds a pure descriptor.
func NewPure(name string, fn PureFunc, opts ...Option) *Descriptor {
	return build(&Descriptor{Name: name, Mode: ModePure, Pure: fn}, opts)
}

// NewObserver builds a read-only descriptor.
func NewObserver(name string, fn ObserveFunc, opts ...Option) *Descriptor {
	return build(&Descriptor{Name: name, Mode: ModeReadOnly, Observe: fn}, opts)
}

func build(d *Descriptor, opts []Option) *Descriptor {
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Rights returns the rights enforced on the descriptor's activations.
func (d *Descriptor) Rights() access.Rights {
	return access.Rights{Reads: d.Reads, Writes: d.Writes, Dev: d.Dev}
}

// Validate checks that the descriptor is well formed.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("system name is required")
	}
	set := 0
	for _, ok := range []bool{d.Run != nil, d.Pure != nil, d.Observe != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("system %q: exactly one activation function must be set", d.Name)
	}
	switch d.Mode {
	case ModeBuffered:
		if d.Run == nil {
			return fmt.Errorf("system %q: buffered mode requires Run", d.Name)
		}
	case ModePure:
		if d.Pure == nil {
			return fmt.Errorf("system %q: pure mode requires Pure", d.Name)
		}
	case ModeReadOnly:
		if d.Observe == nil {
			return fmt.Errorf("system %q: readonly mode requires Observe", d.Name)
		}
		if !d.Dev && (d.Writes.IsAll() || len(d.Writes.List()) > 0) {
			return fmt.Errorf("system %q: readonly systems cannot declare writes", d.Name)
		}
	default:
		return fmt.Errorf("system %q: unknown mode %s", d.Name, d.Mode)
	}
	return nil
}

// Activate runs one activation against snap and returns the buffer it
// produced. Read-only activations return an empty buffer. A panic inside the
// activation is reported as a fatal activation failure. Every returned error
// carries the system name.
func (d *Descriptor) Activate(ctx context.Context, reg *component.Registry, snap storage.Snapshot) (buf *buffer.Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = errs.WithSystem(errs.Fatal(fmt.Errorf("panic: %v\n%s", r, debug.Stack())), d.Name)
		}
	}()

	buf = buffer.New(d.Name)
	rights := d.Rights()

	switch d.Mode {
	case ModeBuffered:
		err = d.Run(ctx, access.NewScoped(reg, snap, buf, rights))
	case ModePure:
		var res *Result
		res, err = d.Pure(ctx, access.NewReadOnly(reg, snap, rights, d.Name))
		if err == nil && res != nil {
			err = res.replay(access.NewScoped(reg, snap, buf, rights))
		}
	case ModeReadOnly:
		err = d.Observe(ctx, access.NewReadOnly(reg, snap, rights, d.Name))
	default:
		err = fmt.Errorf("unknown mode %s", d.Mode)
	}
	if err != nil {
		return nil, errs.WithSystem(err, d.Name)
	}
	return buf, nil
}
