package breaker

import (
	"fmt"
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
)

// Metric aliases assigned at birth. Aliases are stable for the life of
// the process so data frames can carry alias-only metrics.
const (
	AliasCurrentA         uint64 = 1
	AliasCurrentB         uint64 = 2
	AliasCurrentC         uint64 = 3
	AliasVoltageA         uint64 = 4
	AliasVoltageB         uint64 = 5
	AliasVoltageC         uint64 = 6
	AliasPowerFactor      uint64 = 7
	AliasActivePower      uint64 = 8
	AliasApparentPower    uint64 = 9
	AliasFrequency        uint64 = 10
	AliasTemperature      uint64 = 11
	AliasLoadPercent      uint64 = 12
	AliasEnergy           uint64 = 13
	AliasGroundFault      uint64 = 14
	AliasState            uint64 = 15
	AliasTripCount        uint64 = 16
	AliasArcFaultDetected uint64 = 17
)

// Metric names published on the telemetry plane.
const (
	MetricCurrentA         = "current_a_amps"
	MetricCurrentB         = "current_b_amps"
	MetricCurrentC         = "current_c_amps"
	MetricVoltageA         = "voltage_a_volts"
	MetricVoltageB         = "voltage_b_volts"
	MetricVoltageC         = "voltage_c_volts"
	MetricPowerFactor      = "power_factor"
	MetricActivePower      = "active_power_kw"
	MetricApparentPower    = "apparent_power_kva"
	MetricFrequency        = "frequency_hz"
	MetricTemperature      = "temperature_c"
	MetricLoadPercent      = "load_percent"
	MetricEnergy           = "energy_kwh"
	MetricGroundFault      = "ground_fault_amps"
	MetricState            = "breaker_state"
	MetricTripCount        = "trip_count"
	MetricArcFaultDetected = "arc_fault_detected"
)

// BirthMetrics returns the full metric set with names and aliases, used
// in birth frames to establish the alias table.
func (s Sample) BirthMetrics(now time.Time) []codec.Metric {
	return s.metrics(now, true)
}

// DataMetrics returns the metric set with aliases only, used in data
// frames after a birth has established the alias table.
func (s Sample) DataMetrics(now time.Time) []codec.Metric {
	return s.metrics(now, false)
}

func (s Sample) metrics(now time.Time, withNames bool) []codec.Metric {
	ts := now.UnixMilli()
	m := func(name string, alias uint64, dt codec.DataType, value any) codec.Metric {
		if !withNames {
			name = ""
		}
		return codec.Metric{Name: name, Alias: alias, Timestamp: ts, Type: dt, Value: value}
	}
	return []codec.Metric{
		m(MetricCurrentA, AliasCurrentA, codec.DataTypeDouble, s.CurrentA),
		m(MetricCurrentB, AliasCurrentB, codec.DataTypeDouble, s.CurrentB),
		m(MetricCurrentC, AliasCurrentC, codec.DataTypeDouble, s.CurrentC),
		m(MetricVoltageA, AliasVoltageA, codec.DataTypeDouble, s.VoltageA),
		m(MetricVoltageB, AliasVoltageB, codec.DataTypeDouble, s.VoltageB),
		m(MetricVoltageC, AliasVoltageC, codec.DataTypeDouble, s.VoltageC),
		m(MetricPowerFactor, AliasPowerFactor, codec.DataTypeDouble, s.PowerFactor),
		m(MetricActivePower, AliasActivePower, codec.DataTypeDouble, s.ActivePowerKW),
		m(MetricApparentPower, AliasApparentPower, codec.DataTypeDouble, s.ApparentPowerKVA),
		m(MetricFrequency, AliasFrequency, codec.DataTypeDouble, s.FrequencyHz),
		m(MetricTemperature, AliasTemperature, codec.DataTypeDouble, s.TemperatureC),
		m(MetricLoadPercent, AliasLoadPercent, codec.DataTypeDouble, s.LoadPercent),
		m(MetricEnergy, AliasEnergy, codec.DataTypeDouble, s.EnergyKWh),
		m(MetricGroundFault, AliasGroundFault, codec.DataTypeDouble, s.GroundFaultAmps),
		m(MetricState, AliasState, codec.DataTypeString, string(s.State)),
		m(MetricTripCount, AliasTripCount, codec.DataTypeInt32, int32(s.TripCount)),
		m(MetricArcFaultDetected, AliasArcFaultDetected, codec.DataTypeBoolean, s.ArcFaultDetected),
	}
}

// ObjectTree builds the management-plane object representation:
// device info (3), connectivity monitoring (4), breaker status (3200)
// and protection settings (3201).
func (b *Breaker) ObjectTree() codec.ObjectTree {
	b.mu.Lock()
	defer b.mu.Unlock()

	return codec.ObjectTree{
		"3": {
			"0": {
				"0":  "GridLink Systems",
				"1":  "GL-SB300",
				"2":  b.cfg.EndpointID,
				"3":  "1.2.0",
				"17": "smart_breaker",
			},
		},
		"4": {
			"0": {
				"0": int64(41), // cellular
				"2": int64(-67),
				"3": int64(-72),
			},
		},
		"3200": {
			"0": {
				"0": string(b.state),
				"1": int64(b.tripCount),
				"2": b.cfg.RatedCurrentAmps,
				"3": b.cfg.RatedVoltageVolts,
				"4": b.cfg.RatedFrequencyHz,
				"5": int64(b.cfg.PoleCount),
				"6": b.lastTripReason,
				"7": b.alarmActive,
			},
		},
		"3201": {
			"0": {
				"0": b.settings.OvercurrentPickupAmps,
				"1": b.settings.OvercurrentDelayMs,
				"2": b.settings.GroundFaultPickupAmps,
				"3": b.settings.GroundFaultDelayMs,
				"4": b.settings.ArcFaultPickupAmps,
				"5": b.settings.ArcFaultDelayMs,
				"6": b.settings.ThermalPickupAmps,
				"7": b.settings.ThermalDelaySeconds,
				"8": b.settings.ProtectionEnabled,
			},
		},
	}
}

// CommandResult is what executing a device command produced. Trip is
// non-nil when the command tripped the breaker, so the session can emit
// the trip notification on both planes.
type CommandResult struct {
	Payload map[string]any
	Trip    *TripEvent
}

// Execute runs a named device command and returns its result payload.
// Unknown commands return an error the session reports on the response
// frame; they never mutate state.
func (b *Breaker) Execute(command string, params map[string]any) (CommandResult, error) {
	switch command {
	case "trip":
		trip := b.Trip(TripRemoteCommand)
		return CommandResult{
			Payload: map[string]any{"state": string(b.State())},
			Trip:    trip,
		}, nil
	case "close":
		if err := b.Close(); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Payload: map[string]any{"state": string(b.State())}}, nil
	case "reset":
		b.Reset()
		return CommandResult{Payload: map[string]any{"state": string(b.State())}}, nil
	case "configure":
		// FDI-style payloads nest settings under "settings" and may wrap
		// each value as {"value": v}; plain name/value maps work too.
		set := params
		if nested, ok := params["settings"].(map[string]any); ok {
			set = nested
		}
		set = unwrapValues(set)

		if tmpl, ok := params["template"].(string); ok && tmpl != "" {
			result, err := b.ApplyTemplate(tmpl, set)
			if err != nil {
				return CommandResult{}, err
			}
			return CommandResult{Payload: configurePayload(result)}, nil
		}
		return CommandResult{Payload: configurePayload(b.ApplyParameterSet(set))}, nil
	case "get_configuration":
		return CommandResult{Payload: b.Configuration()}, nil
	default:
		return CommandResult{}, fmt.Errorf("unknown command %q", command)
	}
}
