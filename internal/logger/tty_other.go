//go:build !aix && !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !solaris && !zos

package logger

import "io"

func isTerminal(io.Writer) bool { return false }
