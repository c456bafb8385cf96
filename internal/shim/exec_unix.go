//go:build unix

package shim

import "syscall"

var defaultExec ExecFunc = syscall.Exec
