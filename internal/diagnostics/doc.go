// Package diagnostics reports resource usage of the host and of the function
// runtime process. Collection is best-effort: unsupported metrics are left zero.
package diagnostics
