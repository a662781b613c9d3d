// Package meta holds build-wide identifiers shared by the coordinator and its workers.
package meta

// Name is the command and metric namespace.
const Name = "openbt"

// Version is reported by the CLI and every worker health check. Coordinator and workers
// must run the same version.
var Version = "0.4.0"

// EnvPrefix starts every environment override.
const EnvPrefix = "OPENBT_"
