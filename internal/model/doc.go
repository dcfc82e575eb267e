// Package model defines the domain types and value objects for the
// berth CLI.
//
// This package contains pure data structures with no external dependencies.
// All entities (ServiceRecord, PortBinding, etc.) are transient
// representations reconstructed at runtime from pidfiles, the OS port
// table, and Docker container labels — there is no service database.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
