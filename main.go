// ocirun is an OCI-compliant low-level container runtime.
//
// It implements the create/start/kill/delete lifecycle against the OCI
// Runtime Specification: parent/child process handoff via clone3 and a
// named FIFO, cgroup v2 resource control, namespace and mount setup, and
// OCI state.json reporting.
package main

import (
	"fmt"
	"os"

	"ocirun/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ocirun: %v\n", err)
		os.Exit(1)
	}
}
