// Package httputil provides the shared JSON response helpers for the
// API handlers: one envelope for errors, one encoder for everything
// else.
package httputil
