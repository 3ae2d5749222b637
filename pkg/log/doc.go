// Package log wraps zerolog with the controller's logging conventions:
// a process-global logger initialized once, and child-logger helpers that
// attach component, pod, and tenant fields.
package log
