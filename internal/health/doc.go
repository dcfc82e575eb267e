// Package health implements service readiness probing for the berth CLI.
//
// The central property it verifies is the one a manual runbook checks by
// hand after each startup step: the service's port accepts a connection
// within a timeout. TCP probes dial the port; HTTP probes additionally
// issue a GET (with configurable headers, e.g. an MCP proxy's API-key
// header) and require a non-5xx response.
//
// WaitReady retries a probe on an interval until a deadline; CheckStack
// probes many services concurrently with errgroup.
package health
