// Package indicator implements the streaming indicator engine: per-symbol
// ring buffers over tick and orderbook streams, a base-type registry with
// parameter schemas, a variant registry with shared computation, and both
// event-driven and time-driven evaluation.
package indicator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/schema"
)

const defaultBufferCapacity = 1000

// MarketView exposes the engine's buffers to calculators. Both accessors
// return points inside the half-open interval (from, to], oldest first.
type MarketView interface {
	Ticks(from, to time.Time) []schema.Tick
	Books(from, to time.Time) []schema.OrderbookSnapshot
}

// Calculator produces one observation from the market view. Implementations
// are CPU-bound and must not perform I/O; missing data yields a null value,
// never an error.
type Calculator interface {
	Compute(now time.Time, view MarketView) *schema.IndicatorValue
}

// ParamKind types a base-type parameter.
type ParamKind int

const (
	ParamFloat ParamKind = iota
	ParamString
	ParamBool
)

// ParamSpec declares one parameter accepted by a base type.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Required bool
	Default  any
}

// BaseType couples a calculation constructor with its parameter schema.
type BaseType struct {
	Name     string
	Category string
	Params   []ParamSpec
	// New builds a calculator from validated parameters.
	New func(params Params) (Calculator, error)
}

// Params is a validated, defaulted parameter set.
type Params map[string]any

// Float returns the named float parameter, or def when absent.
func (p Params) Float(name string, def float64) float64 {
	v, ok := p[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

// String returns the named string parameter, or def when absent.
func (p Params) String(name, def string) string {
	if s, ok := p[name].(string); ok {
		return s
	}
	return def
}

// Bool returns the named bool parameter, or def when absent.
func (p Params) Bool(name string, def bool) bool {
	if b, ok := p[name].(bool); ok {
		return b
	}
	return def
}

// Registry holds the known base types. Registration happens at startup;
// lookups run concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[string]BaseType
}

// NewRegistry returns a registry pre-loaded with the built-in base types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]BaseType)}
	registerPriceTypes(r)
	registerVelocityTypes(r)
	registerOrderbookTypes(r)
	registerCompositeTypes(r)
	registerScriptedType(r)
	return r
}

// Register adds a base type. Re-registering a name replaces the previous entry.
func (r *Registry) Register(bt BaseType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[bt.Name] = bt
}

// Lookup returns the base type for name.
func (r *Registry) Lookup(name string) (BaseType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bt, ok := r.types[name]
	if !ok {
		return BaseType{}, errs.New("indicator/registry", errs.CodeNotFound,
			errs.WithMessage("unknown indicator base type"),
			errs.WithField("base_type", name))
	}
	return bt, nil
}

// Names returns the registered base-type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateParams checks raw parameters against the schema and applies
// defaults, returning the effective parameter set.
func (r *Registry) ValidateParams(baseType string, raw map[string]any) (Params, error) {
	bt, err := r.Lookup(baseType)
	if err != nil {
		return nil, err
	}
	params := make(Params, len(bt.Params))
	for _, spec := range bt.Params {
		v, ok := raw[spec.Name]
		if !ok {
			if spec.Required {
				return nil, errs.New("indicator/params", errs.CodeInvalid,
					errs.WithMessage(fmt.Sprintf("missing required parameter %q", spec.Name)),
					errs.WithField("base_type", baseType))
			}
			if spec.Default != nil {
				params[spec.Name] = spec.Default
			}
			continue
		}
		coerced, err := coerceParam(spec, v)
		if err != nil {
			return nil, errs.New("indicator/params", errs.CodeInvalid,
				errs.WithCause(err),
				errs.WithField("base_type", baseType),
				errs.WithField("parameter", spec.Name))
		}
		params[spec.Name] = coerced
	}
	// interval is a reserved engine parameter: any base type may declare a
	// refresh cadence in seconds to opt into time-driven computation.
	if v, ok := raw["interval"]; ok {
		coerced, err := coerceParam(ParamSpec{Name: "interval", Kind: ParamFloat}, v)
		if err != nil {
			return nil, errs.New("indicator/params", errs.CodeInvalid,
				errs.WithCause(err),
				errs.WithField("base_type", baseType),
				errs.WithField("parameter", "interval"))
		}
		params["interval"] = coerced
	}
	return params, nil
}

// NewCalculator validates parameters and constructs the calculator.
func (r *Registry) NewCalculator(baseType string, raw map[string]any) (Calculator, error) {
	bt, err := r.Lookup(baseType)
	if err != nil {
		return nil, err
	}
	params, err := r.ValidateParams(baseType, raw)
	if err != nil {
		return nil, err
	}
	return bt.New(params)
}

func coerceParam(spec ParamSpec, v any) (any, error) {
	switch spec.Kind {
	case ParamFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("expected number, got %T", v)
		}
	case ParamString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case ParamBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported parameter kind %d", spec.Kind)
	}
}

// windowFromParams extracts and normalizes {t1, t2}, logging inversions.
func windowFromParams(baseType string, p Params, prefix string) Window {
	t1 := p.Float(prefix+"t1", 60)
	t2 := p.Float(prefix+"t2", 0)
	w, corrected := NormalizeWindow(t1, t2)
	if corrected {
		logWindowCorrection(baseType, t1, t2)
	}
	return w
}
