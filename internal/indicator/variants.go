package indicator

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/schema"
)

// VariantRegistry owns indicator variant definitions. Variants are immutable
// once created; deletion transitively removes any runtime indicators bound to
// the variant through the onDelete hook the engine installs.
type VariantRegistry struct {
	registry *Registry
	now      func() time.Time

	mu       sync.RWMutex
	variants map[string]schema.IndicatorVariant
	onDelete func(variantID string)
}

// NewVariantRegistry builds an empty registry over the base types.
func NewVariantRegistry(registry *Registry) *VariantRegistry {
	return &VariantRegistry{
		registry: registry,
		now:      time.Now,
		variants: make(map[string]schema.IndicatorVariant),
	}
}

// SetDeleteHook installs the callback fired after a variant is removed.
func (r *VariantRegistry) SetDeleteHook(fn func(variantID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = fn
}

// Create validates parameters against the base-type schema, assigns an id and
// stores the definition.
func (r *VariantRegistry) Create(baseType string, variantType schema.VariantType, params map[string]any, createdBy string) (schema.IndicatorVariant, error) {
	if variantType == "" {
		variantType = schema.VariantGeneral
	}
	if !variantType.Valid() {
		return schema.IndicatorVariant{}, errs.New("indicator/variant", errs.CodeInvalid,
			errs.WithMessage("unknown variant type"),
			errs.WithField("variant_type", string(variantType)))
	}
	effective, err := r.registry.ValidateParams(baseType, params)
	if err != nil {
		return schema.IndicatorVariant{}, err
	}
	variant := schema.IndicatorVariant{
		ID:          baseType + "_" + uuid.NewString()[:8],
		BaseType:    baseType,
		VariantType: variantType,
		Parameters:  map[string]any(effective),
		CreatedBy:   createdBy,
		CreatedAt:   r.now().UTC(),
	}
	r.mu.Lock()
	r.variants[variant.ID] = variant
	r.mu.Unlock()
	return variant, nil
}

// Get returns the variant definition for id.
func (r *VariantRegistry) Get(id string) (schema.IndicatorVariant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	variant, ok := r.variants[id]
	if !ok {
		return schema.IndicatorVariant{}, errs.New("indicator/variant", errs.CodeNotFound,
			errs.WithField("variant_id", id))
	}
	return variant, nil
}

// List returns all variant definitions ordered by creation time, then id.
func (r *VariantRegistry) List() []schema.IndicatorVariant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.IndicatorVariant, 0, len(r.variants))
	for _, v := range r.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes the definition and fires the engine hook so bound runtime
// indicators are unregistered.
func (r *VariantRegistry) Delete(id string) error {
	r.mu.Lock()
	_, ok := r.variants[id]
	if !ok {
		r.mu.Unlock()
		return errs.New("indicator/variant", errs.CodeNotFound,
			errs.WithField("variant_id", id))
	}
	delete(r.variants, id)
	hook := r.onDelete
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return nil
}
