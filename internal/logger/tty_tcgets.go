//go:build linux || aix || solaris || zos

package logger

import "golang.org/x/sys/unix"

const ioctlReadTermios = unix.TCGETS
