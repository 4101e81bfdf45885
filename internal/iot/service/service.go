// Package service defines the dispatch contracts for the external
// collaborators invoked by the command processor: schedule persistence,
// Wi-Fi station configuration, and the solenoid/actuator driver. Per
// SPEC_FULL.md §1 these are out-of-scope leaf services; only the interface
// enumerated in §6 and the in-memory stand-ins used by tests live here.
// Grounded on internal/rtmp/client's RTMPClientFactory/RTMPClient interface
// pattern — a small, test-friendly seam between core protocol logic and an
// external system.
package service

import "context"

// Schedule applies a schedule update and reports a status code (0 = ok,
// negative = service-defined error per §7 "status <= -2 for malformed
// payloads per service").
type Schedule interface {
	Apply(ctx context.Context, payload []byte) (status int8, err error)
}

// WifiScanner performs a network scan and returns a JSON blob suitable for
// attaching verbatim as a response payload.
type WifiScanner interface {
	Scan(ctx context.Context) (result []byte, err error)
}

// WifiConfigurer applies station configuration and reports a status code.
type WifiConfigurer interface {
	Configure(ctx context.Context, payload []byte) (status int8, err error)
}

// Services aggregates the three collaborators the command processor
// dispatches to.
type Services struct {
	Schedule       Schedule
	WifiScanner    WifiScanner
	WifiConfigurer WifiConfigurer
}
