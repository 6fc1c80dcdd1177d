// Package breaker models a simulated smart circuit breaker: three-phase
// electrical measurements, protection functions (overcurrent, ground
// fault, arc fault, thermal) and the management surface a device session
// exposes for commands and named parameter sets.
//
// The model is deliberately self-contained: it knows nothing about
// transport or sessions. A session calls Sample() once per telemetry
// interval and forwards commands to the Trip/Close/Reset/ApplyParameterSet
// methods.
package breaker
