// Package backend reports which compute backends this build can target.
package backend

import (
	"fmt"
	"strings"
)

const (
	CPU   = "cpu"
	CUDA  = "cuda"
	Metal = "metal"
	Auto  = "auto"
)

// Normalize lowercases a backend name and maps the empty string to Auto.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, CUDA, Metal, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, cuda or metal)", backend)
	}
}

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{CPU}
	for _, name := range []string{CUDA, Metal} {
		if Has(name) {
			entries = append(entries, name)
		}
	}
	return strings.Join(entries, ",")
}
