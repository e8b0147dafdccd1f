// Package spec provides OCI state types.
package spec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// ContainerStatus is the running status of a container.
type ContainerStatus string

// Container statuses as defined by OCI Runtime Spec.
const (
	// StatusCreating indicates the container is being created.
	StatusCreating ContainerStatus = "creating"

	// StatusCreated indicates the container has been created but not started.
	StatusCreated ContainerStatus = "created"

	// StatusRunning indicates the container process has been started and is running.
	StatusRunning ContainerStatus = "running"

	// StatusStopped indicates the container process has exited.
	StatusStopped ContainerStatus = "stopped"
)

// State holds information about the runtime state of the container.
// This is the exact format returned by the "state" operation and persisted
// to state.json, per the OCI Runtime Spec. Field order and the absence of
// omitempty here are load-bearing: they reproduce the spec's literal JSON
// shape, with pid and annotations always emitted even when zero or empty.
type State struct {
	// Version is the OCI specification version used by the runtime.
	Version string `json:"ociVersion"`

	// Pid is the ID of the container process (as seen by the host).
	// This is the pid of the init process in the container.
	Pid int `json:"pid"`

	// ID is the container's ID.
	ID string `json:"id"`

	// Status is the runtime status of the container.
	Status ContainerStatus `json:"status"`

	// Bundle is the absolute path to the container's bundle directory.
	Bundle string `json:"bundle"`

	// Annotations are key-value pairs associated with the container.
	Annotations map[string]string `json:"annotations"`
}

// NewState builds a State with a non-nil Annotations map so it always
// serializes as {} rather than null when empty.
func NewState(id, bundle string, annotations map[string]string) *State {
	if annotations == nil {
		annotations = make(map[string]string)
	}
	return &State{
		Version:     Version,
		ID:          id,
		Status:      StatusCreating,
		Bundle:      bundle,
		Annotations: annotations,
	}
}

// Save writes the state to path atomically via a temp file + rename.
func (s *State) Save(path string) error {
	return atomicWriteJSON(path, s)
}

// LoadState loads the OCI state document from a JSON file.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Annotations == nil {
		state.Annotations = make(map[string]string)
	}
	return &state, nil
}

// RuntimeMeta holds bookkeeping the runtime needs that is not part of the
// OCI state.json document (created timestamp, resolved rootfs, cgroup
// owner, the bundle's original spec for debugging). Persisted alongside
// state.json as runtime.json so state.json stays byte-exact to the OCI
// shape.
type RuntimeMeta struct {
	// Created is the time the container was created.
	Created time.Time `json:"created"`

	// Rootfs is the absolute path to the root filesystem.
	Rootfs string `json:"rootfs"`

	// Owner is the user who created the container.
	Owner string `json:"owner,omitempty"`

	// CgroupPath is the resolved cgroup directory for this container.
	CgroupPath string `json:"cgroupPath,omitempty"`

	// Config holds the original spec, for debugging/introspection.
	Config *Spec `json:"config,omitempty"`
}

// Save writes the runtime metadata to path atomically.
func (m *RuntimeMeta) Save(path string) error {
	return atomicWriteJSON(path, m)
}

// LoadRuntimeMeta loads runtime metadata from a JSON file.
func LoadRuntimeMeta(path string) (*RuntimeMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta RuntimeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ContainerState bundles the OCI state with its runtime metadata for
// in-memory use. It is never marshaled as a whole; State and RuntimeMeta
// are persisted to separate files (see Container.SaveState).
type ContainerState struct {
	State
	RuntimeMeta
}

// ToOCIState returns just the OCI-compliant state portion.
func (s *ContainerState) ToOCIState() *State {
	return &s.State
}

// atomicWriteJSON marshals v and writes it to path using a temp file in the
// same directory followed by an atomic rename, so a crash mid-write never
// leaves a corrupt file at path.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	success = true
	return nil
}
