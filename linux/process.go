// Package linux provides process-scoped primitives: rlimits and I/O priority.
package linux

import (
	"fmt"

	"golang.org/x/sys/unix"

	cerrors "ocirun/errors"
	"ocirun/spec"
)

// rlimitNames maps each config.json RLIMIT_* token to its resource
// identifier.
var rlimitNames = map[string]int{
	"RLIMIT_CPU":        unix.RLIMIT_CPU,
	"RLIMIT_FSIZE":      unix.RLIMIT_FSIZE,
	"RLIMIT_DATA":       unix.RLIMIT_DATA,
	"RLIMIT_STACK":      unix.RLIMIT_STACK,
	"RLIMIT_CORE":       unix.RLIMIT_CORE,
	"RLIMIT_RSS":        unix.RLIMIT_RSS,
	"RLIMIT_NPROC":      unix.RLIMIT_NPROC,
	"RLIMIT_NOFILE":     unix.RLIMIT_NOFILE,
	"RLIMIT_MEMLOCK":    unix.RLIMIT_MEMLOCK,
	"RLIMIT_AS":         unix.RLIMIT_AS,
	"RLIMIT_LOCKS":      unix.RLIMIT_LOCKS,
	"RLIMIT_SIGPENDING": unix.RLIMIT_SIGPENDING,
	"RLIMIT_MSGQUEUE":   unix.RLIMIT_MSGQUEUE,
	"RLIMIT_NICE":       unix.RLIMIT_NICE,
	"RLIMIT_RTPRIO":     unix.RLIMIT_RTPRIO,
	"RLIMIT_RTTIME":     unix.RLIMIT_RTTIME,
}

// SetRlimits applies each rlimit entry to the calling process. Per entry,
// getrlimit MUST succeed first (the OCI spec requires the resource to be
// gettable before it's set); an unknown type string fails the whole call.
func SetRlimits(rlimits []spec.POSIXRlimit) error {
	for _, rl := range rlimits {
		resource, ok := rlimitNames[rl.Type]
		if !ok {
			return cerrors.New(cerrors.ErrRlimit, "setrlimit", fmt.Sprintf("unknown rlimit type %q", rl.Type))
		}

		var existing unix.Rlimit
		if err := unix.Getrlimit(resource, &existing); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrRlimit, "getrlimit", rl.Type)
		}

		limit := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(resource, &limit); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrRlimit, "setrlimit", rl.Type)
		}
	}
	return nil
}

// I/O priority scheduling classes and ioprio_set(2) "who" argument.
const (
	ioprioClassRT   = 1
	ioprioClassBE   = 2
	ioprioClassIdle = 3

	ioprioWhoProcess = 1
	ioprioClassShift = 13
)

var ioprioClasses = map[string]int{
	"IOPRIO_CLASS_RT":   ioprioClassRT,
	"IOPRIO_CLASS_BE":   ioprioClassBE,
	"IOPRIO_CLASS_IDLE": ioprioClassIdle,
}

// SetIOPriority invokes ioprio_set on the calling process with the
// configured scheduling class and priority, when present.
func SetIOPriority(p *spec.LinuxIOPriority) error {
	if p == nil {
		return nil
	}

	class, ok := ioprioClasses[p.Class]
	if !ok {
		return cerrors.New(cerrors.ErrIoPriority, "ioprio_set", fmt.Sprintf("unknown io priority class %q", p.Class))
	}

	ioprio := (class << ioprioClassShift) | p.Priority
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, 0, uintptr(ioprio))
	if errno != 0 {
		return cerrors.Wrap(errno, cerrors.ErrIoPriority, "ioprio_set")
	}
	return nil
}
