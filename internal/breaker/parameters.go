package breaker

import (
	"fmt"
	"sort"
)

// Parameter names accepted by ApplyParameterSet. These match the names
// the external FDI/configuration collaborator produces from device
// description packages.
const (
	ParamOvercurrentPickup = "OvercurrentPickup"
	ParamOvercurrentDelay  = "OvercurrentDelay"
	ParamGroundFaultPickup = "GroundFaultPickup"
	ParamGroundFaultDelay  = "GroundFaultDelay"
	ParamArcFaultPickup    = "ArcFaultPickup"
	ParamArcFaultDelay     = "ArcFaultDelay"
	ParamThermalPickup     = "ThermalPickup"
	ParamThermalDelay      = "ThermalDelay"
	ParamProtectionEnabled = "ProtectionEnabled"
)

// ParameterSetResult reports the per-name outcome of ApplyParameterSet.
type ParameterSetResult struct {
	// Applied lists parameter names that were accepted, sorted.
	Applied []string

	// Rejected maps each rejected name to its error (ErrUnknownParameter
	// or ErrInvalidValue, wrapped with detail).
	Rejected map[string]error
}

// OK reports whether every parameter in the set was applied.
func (r ParameterSetResult) OK() bool {
	return len(r.Rejected) == 0
}

// ApplyParameterSet applies named protection parameters.
//
// Each name is validated and applied independently: unknown names and
// invalid values are rejected individually without aborting the rest of
// the set, and a rejected name never mutates state. Numeric values must
// be positive; ProtectionEnabled takes a bool.
func (b *Breaker) ApplyParameterSet(params map[string]any) ParameterSetResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := ParameterSetResult{Rejected: make(map[string]error)}

	// Validate the whole set against a scratch copy first, then commit,
	// so a set is applied consistently regardless of map iteration order.
	staged := b.settings
	for name, value := range params {
		if err := applyParameter(&staged, name, value); err != nil {
			result.Rejected[name] = err
			continue
		}
		result.Applied = append(result.Applied, name)
	}
	b.settings = staged

	sort.Strings(result.Applied)
	return result
}

// applyParameter validates and applies one name/value pair to s.
func applyParameter(s *Settings, name string, value any) error {
	if name == ParamProtectionEnabled {
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants bool, got %T", ErrInvalidValue, name, value)
		}
		s.ProtectionEnabled = v
		return nil
	}

	var target *float64
	switch name {
	case ParamOvercurrentPickup:
		target = &s.OvercurrentPickupAmps
	case ParamOvercurrentDelay:
		target = &s.OvercurrentDelayMs
	case ParamGroundFaultPickup:
		target = &s.GroundFaultPickupAmps
	case ParamGroundFaultDelay:
		target = &s.GroundFaultDelayMs
	case ParamArcFaultPickup:
		target = &s.ArcFaultPickupAmps
	case ParamArcFaultDelay:
		target = &s.ArcFaultDelayMs
	case ParamThermalPickup:
		target = &s.ThermalPickupAmps
	case ParamThermalDelay:
		target = &s.ThermalDelaySeconds
	default:
		return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}

	v, ok := toPositiveFloat(value)
	if !ok {
		return fmt.Errorf("%w: %s wants positive number, got %v", ErrInvalidValue, name, value)
	}
	*target = v
	return nil
}

// toPositiveFloat accepts the numeric types JSON decoding produces.
func toPositiveFloat(value any) (float64, bool) {
	var v float64
	switch n := value.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	default:
		return 0, false
	}
	if v <= 0 {
		return 0, false
	}
	return v, true
}

// Configuration returns the current settings keyed by parameter name,
// suitable for a get_configuration command response.
func (b *Breaker) Configuration() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]any{
		ParamOvercurrentPickup: b.settings.OvercurrentPickupAmps,
		ParamOvercurrentDelay:  b.settings.OvercurrentDelayMs,
		ParamGroundFaultPickup: b.settings.GroundFaultPickupAmps,
		ParamGroundFaultDelay:  b.settings.GroundFaultDelayMs,
		ParamArcFaultPickup:    b.settings.ArcFaultPickupAmps,
		ParamArcFaultDelay:     b.settings.ArcFaultDelayMs,
		ParamThermalPickup:     b.settings.ThermalPickupAmps,
		ParamThermalDelay:      b.settings.ThermalDelaySeconds,
		ParamProtectionEnabled: b.settings.ProtectionEnabled,
	}
}

// unwrapValues flattens FDI-style {"name": {"value": v}} entries into
// plain name/value pairs. Entries without the wrapper pass through.
func unwrapValues(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for name, raw := range params {
		if name == "template" {
			continue
		}
		if wrapped, ok := raw.(map[string]any); ok {
			if v, ok := wrapped["value"]; ok {
				out[name] = v
				continue
			}
		}
		out[name] = raw
	}
	return out
}

// configurePayload shapes a ParameterSetResult for a command response.
func configurePayload(result ParameterSetResult) map[string]any {
	out := map[string]any{"applied": result.Applied}
	if !result.OK() {
		rejected := make(map[string]any, len(result.Rejected))
		for name, err := range result.Rejected {
			rejected[name] = err.Error()
		}
		out["rejected"] = rejected
	}
	return out
}

// Configuration template names.
const (
	TemplateStandardProtection = "StandardProtection"
	TemplateHighSensitivity    = "HighSensitivity"
	TemplateMotorProtection    = "MotorProtection"
)

// templates are the named parameter sets the external configuration
// source ships for this device family.
var templates = map[string]map[string]any{
	TemplateStandardProtection: {
		ParamOvercurrentPickup: 100.0,
		ParamOvercurrentDelay:  1000.0,
		ParamGroundFaultPickup: 5.0,
		ParamGroundFaultDelay:  500.0,
		ParamArcFaultPickup:    50.0,
		ParamArcFaultDelay:     100.0,
	},
	TemplateHighSensitivity: {
		ParamOvercurrentPickup: 80.0,
		ParamOvercurrentDelay:  500.0,
		ParamGroundFaultPickup: 2.0,
		ParamGroundFaultDelay:  250.0,
		ParamArcFaultPickup:    30.0,
		ParamArcFaultDelay:     50.0,
	},
	TemplateMotorProtection: {
		ParamOvercurrentPickup: 125.0,
		ParamOvercurrentDelay:  2000.0,
		ParamThermalPickup:     110.0,
		ParamThermalDelay:      600.0,
	},
}

// TemplateNames returns the defined template names, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyTemplate applies a named configuration template, optionally
// overlaid with explicit parameter overrides.
//
// Returns ErrUnknownTemplate if name is not defined; per-parameter
// failures are reported in the result, as with ApplyParameterSet.
func (b *Breaker) ApplyTemplate(name string, overrides map[string]any) (ParameterSetResult, error) {
	base, ok := templates[name]
	if !ok {
		return ParameterSetResult{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	return b.ApplyParameterSet(merged), nil
}
