// File: internal/stack/doc.go
// Brief: Stack dependency resolution and phase orchestration.

// Package stack turns a stack of services and projects into a dependency
// graph, resolves cross-unit output references, and drives the init, build,
// and deploy phases across that graph through pluggable executors.
package stack
