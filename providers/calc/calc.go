// Package calc provides derived read-only signals computed from other signals
// with expr expressions, addressed as calc://<expression>.
package calc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/signal"
)

// Transport is the source prefix served by the provider.
const Transport = "calc"

const inputPoll = 10 * time.Millisecond

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithInput binds a named input signal.
func WithInput(name string, sig *signal.Signal) Option {
	return func(p *Provider) {
		p.inputs[name] = sig
	}
}

// Provider evaluates expressions over named input signals.
type Provider struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	inputs map[string]*signal.Signal
}

// New creates a provider with the given inputs.
func New(opts ...Option) *Provider {
	p := &Provider{logger: zerolog.Nop(), inputs: make(map[string]*signal.Signal)}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Bind adds or replaces a named input. Backends created afterwards can reference it.
func (p *Provider) Bind(name string, sig *signal.Signal) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("calc: input name must not be empty")
	}
	if sig == nil {
		return fmt.Errorf("calc: input %s is nil", name)
	}
	if !sig.Access().Readable() {
		return fmt.Errorf("calc: input %s: %w", name, signal.ErrNotReadable)
	}
	p.mu.Lock()
	p.inputs[name] = sig
	p.mu.Unlock()
	return nil
}

// Inputs lists the bound input names.
func (p *Provider) Inputs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.inputs))
	for name := range p.inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transport implements signal.Provider.
func (p *Provider) Transport() string { return Transport }

// NewBackend compiles the expression. Every identifier that is not an expr
// builtin must name a bound input.
func (p *Provider) NewBackend(address string, kind config.ValueKind) (signal.Backend, error) {
	expression := strings.TrimSpace(address)
	if expression == "" {
		return nil, errors.New("calc: expression must not be empty")
	}
	p.mu.RLock()
	env := make(map[string]interface{}, len(p.inputs))
	for name := range p.inputs {
		env[name] = nil
	}
	p.mu.RUnlock()

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("calc: compile %q: %w", expression, err)
	}
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("calc: parse %q: %w", expression, err)
	}
	refs := &identifiers{known: env, seen: make(map[string]struct{})}
	ast.Walk(&tree.Node, refs)

	p.mu.RLock()
	inputs := make(map[string]*signal.Signal, len(refs.names))
	for _, name := range refs.names {
		inputs[name] = p.inputs[name]
	}
	p.mu.RUnlock()

	return &backend{
		logger:     p.logger.With().Str("source", signal.CanonicalSource(Transport, expression)).Logger(),
		expression: expression,
		kind:       kind,
		program:    program,
		names:      refs.names,
		inputs:     inputs,
	}, nil
}

type identifiers struct {
	known map[string]interface{}
	seen  map[string]struct{}
	names []string
}

func (v *identifiers) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok {
		return
	}
	if _, known := v.known[id.Value]; !known {
		return
	}
	if _, dup := v.seen[id.Value]; dup {
		return
	}
	v.seen[id.Value] = struct{}{}
	v.names = append(v.names, id.Value)
}

type backend struct {
	logger     zerolog.Logger
	expression string
	kind       config.ValueKind
	program    *vm.Program
	names      []string
	inputs     map[string]*signal.Signal
}

func (b *backend) Source() string {
	return signal.CanonicalSource(Transport, b.expression)
}

// Connect waits until every referenced input is connected. Inputs are usually
// scheduled in the same batch, so they may still be connecting.
func (b *backend) Connect(ctx context.Context) error {
	ticker := time.NewTicker(inputPoll)
	defer ticker.Stop()
	for {
		var missing []string
		for _, name := range b.names {
			if !b.inputs[name].Connected() {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("inputs %s not connected: %w", strings.Join(missing, ", "), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *backend) GetDescriptor(ctx context.Context) (signal.Descriptor, error) {
	r, err := b.GetReading(ctx)
	if err != nil {
		return signal.Descriptor{}, err
	}
	return signal.DescribeValue(b.Source(), r.Value), nil
}

func (b *backend) GetReading(ctx context.Context) (signal.Reading, error) {
	readings := make([]signal.Reading, len(b.names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range b.names {
		g.Go(func() error {
			r, err := b.inputs[name].GetReading(gctx)
			if err != nil {
				return fmt.Errorf("input %s: %w", name, err)
			}
			readings[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return signal.Reading{}, err
	}
	return b.evaluate(readings)
}

func (b *backend) evaluate(readings []signal.Reading) (signal.Reading, error) {
	env := make(map[string]interface{}, len(b.names))
	var (
		stamp    time.Time
		severity = signal.SeverityNone
	)
	for i, name := range b.names {
		r := readings[i]
		env[name] = r.Value
		if r.Timestamp.After(stamp) {
			stamp = r.Timestamp
		}
		severity = worse(severity, r.Severity)
	}
	out, err := vm.Run(b.program, env)
	if err != nil {
		return signal.Reading{}, fmt.Errorf("evaluate %q: %w", b.expression, err)
	}
	value, err := signal.Coerce(b.kind, out)
	if err != nil {
		return signal.Reading{}, fmt.Errorf("evaluate %q: %w", b.expression, err)
	}
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return signal.Reading{Value: value, Timestamp: stamp, Severity: severity}, nil
}

func worse(a, b signal.Severity) signal.Severity {
	if a == signal.SeverityInvalid || b == signal.SeverityInvalid {
		return signal.SeverityInvalid
	}
	if b > a {
		return b
	}
	return a
}

func (b *backend) Put(context.Context, any, bool) error {
	return fmt.Errorf("%s: %w", b.Source(), signal.ErrNotWritable)
}

// Monitor subscribes to every input and emits a new result each time any input
// updates, once all inputs have produced a first value.
func (b *backend) Monitor(cb signal.Callback, onErr signal.ErrorHandler) (signal.Monitor, error) {
	m := &monitor{
		backend: b,
		cb:      cb,
		onErr:   onErr,
		latest:  make([]signal.Reading, len(b.names)),
		have:    make([]bool, len(b.names)),
	}
	for i, name := range b.names {
		handle, err := b.inputs[name].Monitor(func(r signal.Reading) {
			m.update(i, r)
		}, signal.WithErrorHandler(m.fail))
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("monitor input %s: %w", name, err)
		}
		m.mu.Lock()
		m.handles = append(m.handles, handle)
		m.mu.Unlock()
	}
	if len(b.names) == 0 {
		r, err := b.evaluate(nil)
		if err != nil {
			m.Close()
			return nil, err
		}
		cb(r)
	}
	return m, nil
}

type monitor struct {
	*backend
	cb    signal.Callback
	onErr signal.ErrorHandler

	mu      sync.Mutex
	latest  []signal.Reading
	have    []bool
	handles []signal.Monitor
	closed  bool
	failed  bool
}

func (m *monitor) update(i int, r signal.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.failed {
		return
	}
	m.latest[i] = r
	m.have[i] = true
	for _, ok := range m.have {
		if !ok {
			return
		}
	}
	result, err := m.evaluate(m.latest)
	if err != nil {
		m.logger.Warn().Err(err).Msg("calc evaluation failed")
		return
	}
	m.cb(result)
}

func (m *monitor) fail(err error) {
	m.mu.Lock()
	if m.closed || m.failed {
		m.mu.Unlock()
		return
	}
	m.failed = true
	m.mu.Unlock()
	if m.onErr != nil {
		m.onErr(err)
	}
}

func (m *monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := m.handles
	m.handles = nil
	m.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}
