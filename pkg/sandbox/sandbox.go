// Package sandbox runs one dispatched Run inside an isolated execution
// environment on the Worker. The runtime provisioner itself (interpreter,
// venv) is a black box; this package prepares the environment an OCI
// runtime needs — bundle directory, config.json generated from
// runtime-spec, resource limits — and supervises the provisioner process
// for the Run's lifetime.
package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

// Limits are the per-Run resource bounds taken from the Worker's
// resource_limits and the Task's own caps.
type Limits struct {
	CPUMillis   int64 // 1000 = one core
	MemoryBytes int64
	PidsMax     int64
}

// RunSpec describes one Run's execution environment.
type RunSpec struct {
	RunID      string
	Command    []string // provisioner argv, e.g. ["python3", "main.py"]
	Env        map[string]string
	WorkDir    string // working directory inside the rootfs
	ProjectDir string // host path of the synced project tree, mounted read-only
	Hostname   string
	Limits     Limits
}

// BuildOCISpec renders spec into an OCI runtime-spec document. The rootfs is
// the host filesystem (bind semantics, like a chroot-less runsc/runc
// rootless profile); isolation hardening beyond resource limits is the OCI
// runtime's concern.
func BuildOCISpec(spec RunSpec) (*specs.Spec, error) {
	if len(spec.Command) == 0 {
		return nil, taskerr.New(taskerr.KindValidation, "sandbox: empty command")
	}

	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cwd := spec.WorkDir
	if cwd == "" {
		cwd = "/workspace"
	}

	oci := &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			Args: spec.Command,
			Env:  env,
			Cwd:  cwd,
			User: specs.User{UID: 0, GID: 0},
		},
		Root:     &specs.Root{Path: "rootfs", Readonly: false},
		Hostname: spec.Hostname,
		Mounts: []specs.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "mode=755"}},
		},
	}
	if spec.ProjectDir != "" {
		oci.Mounts = append(oci.Mounts, specs.Mount{
			Destination: cwd,
			Type:        "bind",
			Source:      spec.ProjectDir,
			Options:     []string{"rbind", "ro"},
		})
	}

	if spec.Limits != (Limits{}) {
		resources := &specs.LinuxResources{}
		if spec.Limits.MemoryBytes > 0 {
			mem := spec.Limits.MemoryBytes
			resources.Memory = &specs.LinuxMemory{Limit: &mem}
		}
		if spec.Limits.CPUMillis > 0 {
			period := uint64(100_000)
			quota := spec.Limits.CPUMillis * 100 // millis -> CFS quota at 100ms period
			resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
		}
		if spec.Limits.PidsMax > 0 {
			resources.Pids = &specs.LinuxPids{Limit: spec.Limits.PidsMax}
		}
		oci.Linux = &specs.Linux{Resources: resources}
	}
	return oci, nil
}

// WriteBundle lays out an OCI bundle for spec under dir: config.json plus an
// empty rootfs directory the runtime binds over.
func WriteBundle(dir string, spec RunSpec) error {
	oci, err := BuildOCISpec(spec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, "rootfs"), 0o755); err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "sandbox: create bundle", err)
	}
	raw, err := json.MarshalIndent(oci, "", "  ")
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "sandbox: encode config.json", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644); err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "sandbox: write config.json", err)
	}
	return nil
}

// Runner executes a RunSpec to completion, streaming output as it goes.
type Runner interface {
	// Run blocks until the process exits or ctx is cancelled, returning the
	// exit code. Cancelling ctx kills the process tree.
	Run(ctx context.Context, spec RunSpec, stdout, stderr io.Writer) (int, error)
}

// OCIRunner drives an external OCI runtime binary (runc-compatible) against
// a bundle written per Run under BundleRoot.
type OCIRunner struct {
	RuntimeBin string // e.g. "runc"
	BundleRoot string
}

func (r *OCIRunner) Run(ctx context.Context, spec RunSpec, stdout, stderr io.Writer) (int, error) {
	bundle := filepath.Join(r.BundleRoot, spec.RunID)
	if err := WriteBundle(bundle, spec); err != nil {
		return -1, err
	}
	defer os.RemoveAll(bundle)

	cmd := exec.CommandContext(ctx, r.RuntimeBin, "run", "--bundle", bundle, spec.RunID)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return runAndWait(ctx, cmd)
}

// ProcessRunner executes the provisioner directly as a child process with no
// OCI isolation — the single-node development profile.
type ProcessRunner struct{}

func (ProcessRunner) Run(ctx context.Context, spec RunSpec, stdout, stderr io.Writer) (int, error) {
	if len(spec.Command) == 0 {
		return -1, taskerr.New(taskerr.KindValidation, "sandbox: empty command")
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.ProjectDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return runAndWait(ctx, cmd)
}

func runAndWait(ctx context.Context, cmd *exec.Cmd) (int, error) {
	if err := cmd.Start(); err != nil {
		return -1, taskerr.Wrap(taskerr.KindInternal, "sandbox: start process", err)
	}
	err := cmd.Wait()
	if ctx.Err() != nil {
		return -1, taskerr.Wrap(taskerr.KindTimeout, "sandbox: run cancelled", ctx.Err())
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, taskerr.Wrap(taskerr.KindInternal, "sandbox: wait", err)
	}
	return 0, nil
}
