// Package linux provides cgroup v2 resource management.
package linux

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	cerrors "ocirun/errors"
	"ocirun/spec"
)

// validCgroupKey matches valid cgroup v2 controller file names.
// Valid keys are like: cpu.max, memory.max, pids.max, io.bfq.weight
var validCgroupKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)*$`)

const cgroupRoot = "/sys/fs/cgroup"

// cgroup2SuperMagic is the f_type value statfs(2) reports for a unified
// (v2) cgroup filesystem.
const cgroup2SuperMagic = 0x63677270

// Cgroup represents a cgroup v2 control group.
type Cgroup struct {
	path string
}

// DetectVersion inspects the filesystem type of the cgroup mount point via
// statfs and reports whether it is the unified (v2) hierarchy. Any other
// magic number, including the v1 tmpfs-backed hierarchy, is rejected.
func DetectVersion() error {
	var st unix.Statfs_t
	if err := unix.Statfs(cgroupRoot, &st); err != nil {
		return cerrors.Wrap(err, cerrors.ErrCgroup, "statfs cgroup root")
	}
	if int64(st.Type) != cgroup2SuperMagic {
		return cerrors.WrapWithDetail(nil, cerrors.ErrCgroup, "detect version",
			fmt.Sprintf("%s is not a cgroup v2 (unified) hierarchy", cgroupRoot))
	}
	return nil
}

// ResolveCgroupPath implements the path-resolution rule, returning a path
// relative to cgroupRoot: an absent cgroupsPath defaults to
// <containerID>; an absolute cgroupsPath is treated as relative to
// cgroupRoot (leading separator stripped); a relative cgroupsPath is
// joined as-is.
func ResolveCgroupPath(containerID, cgroupsPath string) string {
	if cgroupsPath == "" {
		return containerID
	}
	return strings.TrimPrefix(cgroupsPath, "/")
}

// GetCgroupPath returns the default cgroup path (relative to cgroupRoot)
// for a container.
func GetCgroupPath(containerID string, cgroupsPath string) string {
	return ResolveCgroupPath(containerID, cgroupsPath)
}

// NewCgroup creates the leaf cgroup directory at cgroupRoot/relPath,
// failing if it already exists, per the create contract: a container
// claims its cgroup exactly once.
func NewCgroup(relPath string) (*Cgroup, error) {
	fullPath := filepath.Join(cgroupRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCgroup, "create cgroup parent")
	}
	if err := os.Mkdir(fullPath, 0755); err != nil {
		if os.IsExist(err) {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrCgroup, "create cgroup",
				fmt.Sprintf("%s already exists", fullPath))
		}
		return nil, cerrors.Wrap(err, cerrors.ErrCgroup, "create cgroup directory")
	}
	return &Cgroup{path: fullPath}, nil
}

// Path returns the filesystem path of the cgroup.
func (c *Cgroup) Path() string {
	return c.path
}

// OpenCgroup returns a handle to an already-existing cgroup directory at
// cgroupRoot/relPath, for delete and other post-create operations that
// must not create it.
func OpenCgroup(relPath string) (*Cgroup, error) {
	fullPath := filepath.Join(cgroupRoot, relPath)
	if _, err := os.Stat(fullPath); err != nil {
		return nil, err
	}
	return &Cgroup{path: fullPath}, nil
}

// OpenDir opens the cgroup directory for use as a clone3 CLONE_INTO_CGROUP
// target (equivalently, Go's exec.Cmd.SysProcAttr.CgroupFD).
func (c *Cgroup) OpenDir() (*os.File, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCgroup, "open cgroup directory")
	}
	return f, nil
}

// AddProcess adds a process to this cgroup. Only needed as a fallback when
// the child was not placed into the cgroup atomically at clone time.
func (c *Cgroup) AddProcess(pid int) error {
	procsPath := filepath.Join(c.path, "cgroup.procs")
	return os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644)
}

// ApplyResources applies OCI resource limits to the cgroup, controller by
// controller. Any I/O failure is fatal; the create orchestrator unwinds
// without partial cleanup.
func (c *Cgroup) ApplyResources(resources *spec.LinuxResources) error {
	if resources == nil {
		return nil
	}

	if err := c.applyMemory(resources.Memory); err != nil {
		return err
	}
	if err := c.applyCPU(resources.CPU); err != nil {
		return err
	}
	if err := c.applyBlockIO(resources.BlockIO); err != nil {
		return err
	}
	if err := c.applyHugeTLB(resources.HugepageLimits); err != nil {
		return err
	}
	if err := c.applyRdma(resources.Rdma); err != nil {
		return err
	}
	if err := c.applyPids(resources.Pids); err != nil {
		return err
	}

	for key, value := range resources.Unified {
		if err := validateCgroupKey(key); err != nil {
			return fmt.Errorf("invalid cgroup key %q: %w", key, err)
		}
		path := filepath.Join(c.path, key)
		if err := os.WriteFile(path, []byte(value), 0644); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}

	return nil
}

// applyMemory writes the optional memory fields to their cgroup v2
// interface files. Missing fields are left untouched (never written).
func (c *Cgroup) applyMemory(memory *spec.LinuxMemory) error {
	if memory == nil {
		return nil
	}

	if memory.Limit != nil {
		if err := c.writeFile("memory.max", strconv.FormatInt(*memory.Limit, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
	}
	if memory.Reservation != nil {
		if err := c.writeFile("memory.low", strconv.FormatInt(*memory.Reservation, 10)); err != nil {
			return fmt.Errorf("set memory.low: %w", err)
		}
	}
	if memory.Swap != nil {
		if err := c.writeFile("memory.swap.max", strconv.FormatInt(*memory.Swap, 10)); err != nil {
			return fmt.Errorf("set memory.swap.max: %w", err)
		}
	}
	if memory.Swappiness != nil {
		if err := c.writeFile("memory.swappiness", strconv.FormatUint(*memory.Swappiness, 10)); err != nil {
			return fmt.Errorf("set memory.swappiness: %w", err)
		}
	}
	if memory.DisableOOMKiller != nil {
		if err := c.writeFile("memory.oom_control", boolBit(*memory.DisableOOMKiller)); err != nil {
			return fmt.Errorf("set memory.oom_control: %w", err)
		}
	}
	if memory.UseHierarchy != nil {
		if err := c.writeFile("memory.use_hierarchy", boolBit(*memory.UseHierarchy)); err != nil {
			return fmt.Errorf("set memory.use_hierarchy: %w", err)
		}
	}

	return nil
}

// applyCPU writes cpu.max.burst (cpu.max's quota/period themselves are
// owned by the unified map so operators can specify "max" literally).
func (c *Cgroup) applyCPU(cpu *spec.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	if cpu.Burst != nil {
		if err := c.writeFile("cpu.max.burst", strconv.FormatUint(*cpu.Burst, 10)); err != nil {
			return fmt.Errorf("set cpu.max.burst: %w", err)
		}
	}
	return nil
}

// applyBlockIO reads io.weight and io.max, overlays the configured
// per-device values, and writes each back so kernel-set defaults survive.
func (c *Cgroup) applyBlockIO(blkio *spec.LinuxBlockIO) error {
	if blkio == nil {
		return nil
	}

	weightPath := filepath.Join(c.path, "io.weight")
	weights, err := readFlatKeyedFile(weightPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read io.weight: %w", err)
	}
	if weights == nil {
		weights = map[string]string{}
	}
	if blkio.Weight != nil {
		weights["default"] = strconv.FormatUint(uint64(*blkio.Weight), 10)
	}
	for _, wd := range blkio.WeightDevice {
		key := fmt.Sprintf("%d:%d", wd.Major, wd.Minor)
		if wd.Weight != nil {
			weights[key] = strconv.FormatUint(uint64(*wd.Weight), 10)
		}
	}
	if len(weights) > 0 {
		if err := writeFlatKeyedFile(weightPath, weights); err != nil {
			return fmt.Errorf("write io.weight: %w", err)
		}
	}

	maxPath := filepath.Join(c.path, "io.max")
	throttles, err := readNestedKeyedFile(maxPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read io.max: %w", err)
	}
	if throttles == nil {
		throttles = map[string]map[string]string{}
	}
	overlayThrottle(throttles, blkio.ThrottleReadBpsDevice, "rbps")
	overlayThrottle(throttles, blkio.ThrottleWriteBpsDevice, "wbps")
	overlayThrottle(throttles, blkio.ThrottleReadIOPSDevice, "riops")
	overlayThrottle(throttles, blkio.ThrottleWriteIOPSDevice, "wiops")
	if len(throttles) > 0 {
		if err := writeNestedKeyedFile(maxPath, throttles); err != nil {
			return fmt.Errorf("write io.max: %w", err)
		}
	}

	return nil
}

// overlayThrottle inserts each device's rate under subkey, the subkey the
// caller actually passed in (rbps/wbps/riops/wiops) rather than a hardcoded
// one, so distinct throttle lists don't collide on write-back.
func overlayThrottle(throttles map[string]map[string]string, devices []spec.LinuxThrottleDevice, subkey string) {
	for _, d := range devices {
		key := fmt.Sprintf("%d:%d", d.Major, d.Minor)
		if throttles[key] == nil {
			throttles[key] = map[string]string{}
		}
		throttles[key][subkey] = strconv.FormatUint(d.Rate, 10)
	}
}

// applyHugeTLB opens-truncates-creates hugepage.<size>.max for each limit.
func (c *Cgroup) applyHugeTLB(limits []spec.LinuxHugepageLimit) error {
	for _, l := range limits {
		name := fmt.Sprintf("hugepage.%s.max", l.Pagesize)
		if err := c.writeFile(name, strconv.FormatUint(l.Limit, 10)); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	return nil
}

// applyRdma reads rdma.max, overlays hca_handle/hca_object per device, and
// writes back.
func (c *Cgroup) applyRdma(limits map[string]spec.LinuxRdma) error {
	if len(limits) == 0 {
		return nil
	}

	path := filepath.Join(c.path, "rdma.max")
	existing, err := readNestedKeyedFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read rdma.max: %w", err)
	}
	if existing == nil {
		existing = map[string]map[string]string{}
	}

	for device, limit := range limits {
		if existing[device] == nil {
			existing[device] = map[string]string{}
		}
		if limit.HcaHandles != nil {
			existing[device]["hca_handle"] = strconv.FormatUint(uint64(*limit.HcaHandles), 10)
		}
		if limit.HcaObjects != nil {
			existing[device]["hca_object"] = strconv.FormatUint(uint64(*limit.HcaObjects), 10)
		}
	}

	return writeNestedKeyedFile(path, existing)
}

// applyPids truncate-creates pids.max.
func (c *Cgroup) applyPids(pids *spec.LinuxPids) error {
	if pids == nil {
		return nil
	}
	return c.writeFile("pids.max", strconv.FormatInt(pids.Limit, 10))
}

func (c *Cgroup) writeFile(name, value string) error {
	return os.WriteFile(filepath.Join(c.path, name), []byte(value), 0644)
}

func boolBit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// readFlatKeyedFile parses lines of "KEY VAL" into a map.
func readFlatKeyedFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		result[fields[0]] = fields[1]
	}
	return result, scanner.Err()
}

// writeFlatKeyedFile emits "KEY VAL" lines joined with a single space,
// newline-terminated, with "default" sorted first if present for
// readability.
func writeFlatKeyedFile(path string, values map[string]string) error {
	var b strings.Builder
	if v, ok := values["default"]; ok {
		fmt.Fprintf(&b, "default %s\n", v)
	}
	for k, v := range values {
		if k == "default" {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", k, v)
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// readNestedKeyedFile parses lines of "KEY SUB0=VAL0 SUB1=VAL1 ...".
// Malformed or missing sub-pairs are ignored rather than failing the read.
func readNestedKeyedFile(path string) (map[string]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		key := fields[0]
		subs := make(map[string]string)
		for _, pair := range fields[1:] {
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) != 2 {
				continue
			}
			subs[parts[0]] = parts[1]
		}
		result[key] = subs
	}
	return result, scanner.Err()
}

// writeNestedKeyedFile emits "KEY SUB0=VAL0 SUB1=VAL1 ..." lines.
func writeNestedKeyedFile(path string, values map[string]map[string]string) error {
	var b strings.Builder
	for key, subs := range values {
		fmt.Fprintf(&b, "%s", key)
		for sk, sv := range subs {
			fmt.Fprintf(&b, " %s=%s", sk, sv)
		}
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// Destroy removes the cgroup. The directory must be empty of processes.
func (c *Cgroup) Destroy() error {
	return os.Remove(c.path)
}

// GetMemoryCurrent returns current memory usage.
func (c *Cgroup) GetMemoryCurrent() (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.current"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// GetPidsCurrent returns current number of processes.
func (c *Cgroup) GetPidsCurrent() (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "pids.current"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Freeze freezes all processes in the cgroup.
func (c *Cgroup) Freeze() error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.freeze"), []byte("1"), 0644)
}

// Thaw unfreezes all processes in the cgroup.
func (c *Cgroup) Thaw() error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.freeze"), []byte("0"), 0644)
}

// EnsureParentControllers enables controllers on parent cgroups so the
// leaf cgroup is permitted to use them.
func EnsureParentControllers(cgroupPath string) error {
	parts := strings.Split(strings.Trim(cgroupPath, "/"), "/")
	current := cgroupRoot

	controllers := "+cpu +memory +pids +cpuset +io +hugetlb +rdma"

	for _, part := range parts {
		controlFile := filepath.Join(current, "cgroup.subtree_control")
		os.WriteFile(controlFile, []byte(controllers), 0644) // best effort
		current = filepath.Join(current, part)
	}

	return nil
}

// validateCgroupKey validates a cgroup controller file key to prevent path
// traversal via crafted unified keys.
func validateCgroupKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("key contains path separator")
	}
	if key == "." || key == ".." {
		return fmt.Errorf("key is relative path component")
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("key starts with dot")
	}
	if !validCgroupKey.MatchString(key) {
		return fmt.Errorf("key does not match valid cgroup key pattern")
	}
	return nil
}
