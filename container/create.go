// Package container implements the create operation.
package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	cerrors "ocirun/errors"
	"ocirun/linux"
	"ocirun/spec"
	"ocirun/utils"
)

// CreateOptions contains options for container creation.
type CreateOptions struct {
	// ConsoleSocket is the path to a unix socket for the console.
	ConsoleSocket string

	// PidFile is the path to write the container PID.
	PidFile string

	// NoPivot is accepted and not read by Create; it does not change how
	// the root filesystem is switched.
	NoPivot bool

	// NoNewKeyring is accepted and not read by Create; no session keyring
	// is created either way.
	NoNewKeyring bool
}

// Create creates a container but doesn't start the user process.
// The container will be in "created" state, waiting for Start().
func (c *Container) Create(ctx context.Context, opts *CreateOptions) error {
	// Check context cancellation
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if opts == nil {
		opts = &CreateOptions{}
	}

	// Create exec FIFO for synchronization
	if err := c.CreateExecFifo(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrResource, "create exec fifo")
	}

	// Cleanup function to call on error after FIFO is created
	var cgroup *linux.Cgroup
	cleanup := func() {
		// Remove FIFO
		os.Remove(c.ExecFifoPath())
		// Destroy cgroup if created
		if cgroup != nil {
			cgroup.Destroy()
		}
	}

	// Require the unified (v2) cgroup hierarchy before touching anything else.
	if err := linux.DetectVersion(); err != nil {
		cleanup()
		return fmt.Errorf("detect cgroup version: %w", err)
	}

	// Resolve the cgroup path per the absolute/relative cgroups_path rule.
	var rawCgroupsPath string
	if c.Spec.Linux != nil {
		rawCgroupsPath = c.Spec.Linux.CgroupsPath
	}
	cgroupPath := linux.ResolveCgroupPath(c.ID, rawCgroupsPath)
	c.CgroupPath = cgroupPath

	// Enable parent controllers
	linux.EnsureParentControllers(cgroupPath)

	// Create cgroup
	var err error
	cgroup, err = linux.NewCgroup(cgroupPath)
	if err != nil {
		cleanup()
		return fmt.Errorf("create cgroup: %w", err)
	}

	// Apply resource limits
	if c.Spec.Linux != nil && c.Spec.Linux.Resources != nil {
		if err := cgroup.ApplyResources(c.Spec.Linux.Resources); err != nil {
			cleanup()
			return fmt.Errorf("apply resources: %w", err)
		}
	}

	// Open the cgroup directory so the child can be placed into it
	// atomically at clone time via CLONE_INTO_CGROUP, instead of migrating
	// it in after the fact (which would race with the child's own startup).
	cgroupDir, err := cgroup.OpenDir()
	if err != nil {
		cleanup()
		return fmt.Errorf("open cgroup dir: %w", err)
	}
	defer cgroupDir.Close()

	// Ready pipe: the child writes a single status byte once namespace,
	// cgroup, and rootfs setup have completed but before it blocks on the
	// exec FIFO. The parent only marks the container "created" after
	// reading that byte, so a "created" observation always implies the
	// child is quiescent at the FIFO rendezvous.
	readyR, readyW, err := os.Pipe()
	if err != nil {
		cleanup()
		return fmt.Errorf("create ready pipe: %w", err)
	}
	defer readyR.Close()

	// Get path to our own executable
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable: %w", err)
	}

	// Build command for init process
	// We re-exec ourselves with "init" command
	cmd := exec.Command(self, "init")
	cmd.Dir = c.Bundle

	// Setup namespace flags
	sysProcAttr, err := linux.BuildSysProcAttr(c.Spec)
	if err != nil {
		return fmt.Errorf("build sysprocattr: %w", err)
	}
	sysProcAttr.UseCgroupFD = true
	sysProcAttr.CgroupFD = int(cgroupDir.Fd())
	cmd.SysProcAttr = sysProcAttr

	// The ready pipe's write end is inherited as an extra file descriptor.
	// ExtraFiles[0] lands at fd 3 in the child.
	cmd.ExtraFiles = []*os.File{readyW}

	// Setup environment for init
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("_OCIRUN_INIT_BUNDLE=%s", c.Bundle),
		fmt.Sprintf("_OCIRUN_INIT_FIFO=%s", c.ExecFifoPath()),
		fmt.Sprintf("_OCIRUN_INIT_ID=%s", c.ID),
		fmt.Sprintf("_OCIRUN_STATE_DIR=%s", c.StateDir),
		"_OCIRUN_READY_FD=3",
	)

	// Setup stdin/stdout/stderr
	var console *utils.Console
	var consoleSlave *os.File
	if c.Spec.Process != nil && c.Spec.Process.Terminal && opts.ConsoleSocket != "" {
		// Console socket mode: create PTY and send master to socket
		var err error
		console, err = utils.NewConsole()
		if err != nil {
			return fmt.Errorf("create console: %w", err)
		}
		// Open slave PTY in parent and pass to child via inheritance
		consoleSlave, err = console.OpenSlave()
		if err != nil {
			console.Close()
			return fmt.Errorf("open console slave: %w", err)
		}
		// Connect child's stdio to slave PTY
		cmd.Stdin = consoleSlave
		cmd.Stdout = consoleSlave
		cmd.Stderr = consoleSlave
		// Note: Don't set Setctty here - it interferes with namespace creation
		// The controlling terminal is set up in InitContainer instead
	} else if c.Spec.Process != nil && c.Spec.Process.Terminal {
		// Direct terminal mode: inherit from parent
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		// Non-terminal mode
		cmd.Stdin = nil
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	// Start the init process
	if err := cmd.Start(); err != nil {
		if console != nil {
			console.Close()
		}
		cleanup()
		return fmt.Errorf("start init: %w", err)
	}

	// Send PTY master to console socket (must be after cmd.Start)
	if console != nil {
		if err := utils.SendConsoleToSocket(opts.ConsoleSocket, console.Master()); err != nil {
			cmd.Process.Kill()
			console.Close()
			if consoleSlave != nil {
				consoleSlave.Close()
			}
			cleanup()
			return fmt.Errorf("send console to socket: %w", err)
		}
		console.Close() // Parent doesn't need master anymore
		if consoleSlave != nil {
			consoleSlave.Close() // Parent doesn't need slave anymore
		}
	}

	c.InitProcess = cmd.Process.Pid
	c.State.Pid = c.InitProcess

	// Parent's copy of the write end must be closed so the read below only
	// unblocks once the child itself has written or exited (closing its fd).
	readyW.Close()

	// Read the child's ready status, retrying on EINTR. A zero byte means
	// the child completed namespace/cgroup/rootfs setup and is now
	// blocked on the exec FIFO; anything else (including EOF from an
	// early exit) is an init failure.
	status, err := readReadyByte(readyR)
	if err != nil {
		cmd.Process.Kill()
		cleanup()
		return fmt.Errorf("read ready status: %w", err)
	}
	if status != 0 {
		cmd.Process.Kill()
		cleanup()
		return fmt.Errorf("init process reported failure (status %d)", status)
	}

	// Write PID file if requested
	if opts.PidFile != "" {
		if err := os.WriteFile(opts.PidFile, []byte(fmt.Sprintf("%d", c.InitProcess)), 0644); err != nil {
			cmd.Process.Kill()
			cleanup()
			return fmt.Errorf("write pid file: %w", err)
		}
	}

	// Update state to created
	c.State.Status = spec.StatusCreated
	if err := c.SaveState(); err != nil {
		cmd.Process.Kill()
		cleanup()
		return fmt.Errorf("save state: %w", err)
	}

	// Don't wait for cmd - the init process will block on the FIFO
	// waiting for Start() to be called

	return nil
}

// InitContainer is called inside the container namespace to complete setup.
// This is executed by the re-exec'd process. Any error before the FIFO
// rendezvous is reported to the parent as a nonzero ready-pipe status byte.
func InitContainer() error {
	if err := initContainer(); err != nil {
		writeReadyByte(1)
		return err
	}
	return nil
}

func initContainer() error {
	// Get init parameters from environment
	bundle := os.Getenv("_OCIRUN_INIT_BUNDLE")
	fifoPath := os.Getenv("_OCIRUN_INIT_FIFO")
	// containerID := os.Getenv("_OCIRUN_INIT_ID")
	// stateDir := os.Getenv("_OCIRUN_STATE_DIR")

	if bundle == "" || fifoPath == "" {
		return fmt.Errorf("missing init environment")
	}

	// Load spec
	specPath := filepath.Join(bundle, "config.json")
	s, err := spec.LoadSpec(specPath)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrBundle, "load spec")
	}

	if s.Process != nil && s.Process.Cwd != "" && !filepath.IsAbs(s.Process.Cwd) {
		return cerrors.New(cerrors.ErrBundle, "load spec", fmt.Sprintf("process.cwd %q is not absolute", s.Process.Cwd))
	}

	// Join namespaces if paths specified
	if s.Linux != nil {
		if err := linux.SetNamespaces(s.Linux.Namespaces); err != nil {
			return fmt.Errorf("set namespaces: %w", err)
		}
	}

	// Set hostname
	if s.Hostname != "" {
		if err := linux.SetHostname(s.Hostname); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	}

	// Set domainname
	if s.Domainname != "" {
		if err := linux.SetDomainname(s.Domainname); err != nil {
			return fmt.Errorf("set domainname: %w", err)
		}
	}

	// IMPORTANT: Open FIFO BEFORE pivot_root, as it won't be accessible after.
	// O_RDWR so the open itself does not block waiting for a writer; the
	// Read below is what blocks until Start() writes to the FIFO.
	fifo, err := os.OpenFile(fifoPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open fifo: %w", err)
	}

	// Setup rootfs (pivot_root, mounts, etc.)
	if err := linux.SetupRootfs(s, bundle); err != nil {
		fifo.Close()
		return fmt.Errorf("setup rootfs: %w", err)
	}

	// Setup devices
	if s.Linux != nil && len(s.Linux.Devices) > 0 {
		if err := linux.CreateDevices(s.Linux.Devices); err != nil {
			fmt.Printf("[init] warning: create devices: %v\n", err)
		}
	}

	// Setup default devices
	linux.SetupDefaultDevices()
	linux.SetupDevSymlinks()
	linux.SetupDevPts()

	// Change to working directory
	if s.Process != nil && s.Process.Cwd != "" {
		if err := os.Chdir(s.Process.Cwd); err != nil {
			fifo.Close()
			return fmt.Errorf("chdir %s: %w", s.Process.Cwd, err)
		}
	}

	// Apply rlimits and I/O priority before the ready-notify: both must be
	// in place before the parent observes "created" and the caller is free
	// to Start() the user process.
	if s.Process != nil {
		if err := linux.SetRlimits(s.Process.Rlimits); err != nil {
			fifo.Close()
			return err
		}
		if err := linux.SetIOPriority(s.Process.IOPriority); err != nil {
			fifo.Close()
			return err
		}
	}

	// Namespace, cgroup, and rootfs setup are done: tell the parent it may
	// mark the container "created" now that we're about to block on the
	// exec FIFO.
	if err := writeReadyByte(0); err != nil {
		fifo.Close()
		return fmt.Errorf("write ready status: %w", err)
	}

	// Now wait on FIFO - this blocks until Start() is called
	// Read from FIFO (blocks until writer connects)
	buf := make([]byte, 1)
	_, err = fifo.Read(buf)
	fifo.Close()

	if err != nil {
		return fmt.Errorf("read fifo: %w", err)
	}

	// Create /dev/console if stdin is a PTY (character device)
	// Go's Setctty flag handles setsid() and TIOCSCTTY automatically
	var stat syscall.Stat_t
	if err := syscall.Fstat(0, &stat); err == nil {
		if stat.Mode&syscall.S_IFCHR != 0 {
			os.Remove("/dev/console")
			if err := syscall.Mknod("/dev/console", syscall.S_IFCHR|0600, int(stat.Rdev)); err != nil {
				fmt.Printf("[init] warning: failed to create /dev/console: %v\n", err)
			}
		}
	}

	// Apply capabilities
	if s.Process != nil && s.Process.Capabilities != nil {
		if err := linux.ApplyCapabilities(s.Process.Capabilities); err != nil {
			return fmt.Errorf("apply capabilities: %w", err)
		}
	}

	// Apply seccomp
	if s.Linux != nil && s.Linux.Seccomp != nil {
		if err := linux.SetupSeccomp(s.Linux.Seccomp); err != nil {
			return fmt.Errorf("setup seccomp: %w", err)
		}
	}

	// Set user
	if s.Process != nil {
		if err := setUser(s.Process.User); err != nil {
			return fmt.Errorf("set user: %w", err)
		}
	}

	// Clear the inherited environment (the caller's own env plus our
	// internal _OCIRUN_* vars) before repopulating it from process.env,
	// so none of it leaks into the container.
	for _, env := range os.Environ() {
		parts := splitEnv(env)
		os.Unsetenv(parts[0])
	}
	if s.Process != nil {
		for _, env := range s.Process.Env {
			parts := splitEnv(env)
			if len(parts) == 2 {
				os.Setenv(parts[0], parts[1])
			}
		}
	}

	// Exec the user process
	if s.Process == nil || len(s.Process.Args) == 0 {
		return fmt.Errorf("no process args specified")
	}

	// If stdin is a TTY, ensure it's the controlling terminal
	// This is needed because Go's Setctty doesn't work reliably with Cloneflags
	if s.Process.Terminal {
		// Try to become session leader (may already be one, which is fine)
		syscall.Setsid()
		// Set stdin as controlling terminal
		utils.SetControllingTerminal(os.Stdin)
		// Enable signal generation and set foreground process group
		utils.SetupTerminalSignals(os.Stdin)
	}

	args := s.Process.Args
	path, err := exec.LookPath(args[0])
	if err != nil {
		return fmt.Errorf("lookup %s: %w", args[0], err)
	}

	// Instead of exec'ing directly (which would make user command PID 1),
	// fork/exec and forward signals. PID 1 in Linux ignores signals without handlers.
	cmd := exec.Command(path, args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	// Start the user process
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start user process: %w", err)
	}

	// Forward signals to the child process
	// PID 1 in Linux ignores signals without handlers, so we must catch and forward them
	sigChan := make(chan os.Signal, 10)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)

	// Signal forwarding goroutine
	done := make(chan struct{})
	go func() {
		defer close(done)
		for sig := range sigChan {
			// Ignore errors - process may have exited
			_ = cmd.Process.Signal(sig)
		}
	}()

	// Wait for child to exit and propagate its exit code
	waitErr := cmd.Wait()

	// Stop signal forwarding and clean up
	signal.Stop(sigChan)
	close(sigChan)
	<-done // Wait for goroutine to finish

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return waitErr
	}
	os.Exit(0)
	return nil // unreachable
}

// readReadyByte reads the single ready-status byte off the pipe, retrying
// reads interrupted by a signal.
func readReadyByte(r *os.File) (byte, error) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return 0, err
		}
		if n == 1 {
			return buf[0], nil
		}
	}
}

// writeReadyByte writes a single status byte to fd 3, retrying on EINTR.
func writeReadyByte(status byte) error {
	f := os.NewFile(3, "ready")
	defer f.Close()
	buf := []byte{status}
	for {
		_, err := f.Write(buf)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return err
		}
		return nil
	}
}

// splitEnv splits an environment variable string into key and value.
func splitEnv(env string) []string {
	for i := 0; i < len(env); i++ {
		if env[i] == '=' {
			return []string{env[:i], env[i+1:]}
		}
	}
	return []string{env}
}

// setUser sets the user ID and group ID.
func setUser(user spec.User) error {
	// Set supplementary groups
	if len(user.AdditionalGids) > 0 {
		gids := make([]int, len(user.AdditionalGids))
		for i, g := range user.AdditionalGids {
			gids[i] = int(g)
		}
		// setgroups might fail in user namespaces, log warning but don't fail
		if err := setGroups(gids); err != nil {
			fmt.Printf("[init] warning: setgroups failed (expected in user namespaces): %v\n", err)
		}
	}

	// Set GID first (must be before UID)
	if user.GID != 0 {
		if err := setGid(int(user.GID)); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}

	// Set UID
	if user.UID != 0 {
		if err := setUid(int(user.UID)); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}

	// Set umask
	if user.Umask != nil {
		oldMask := setUmask(int(*user.Umask))
		_ = oldMask // Ignore old mask
	}

	return nil
}
