// Package observability builds the process logger.
package observability
