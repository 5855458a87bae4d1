package hypervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"vmenergy/internal/logging"
	"vmenergy/internal/retry"
)

// NoIP tags VMs whose address could not be resolved.
const NoIP = "No IP found"

// Hypervisor is the view of the virtualization host needed for CPU sampling.
type Hypervisor interface {
	// ListRunningVMs returns the names of running domains.
	ListRunningVMs(ctx context.Context) ([]string, error)
	// IPAddress returns the first IPv4 address of vm, or NoIP.
	IPAddress(ctx context.Context, vm string) (string, error)
	// CPUTimeCounters returns cumulative CPU time in nanoseconds per running domain.
	CPUTimeCounters(ctx context.Context) (map[string]uint64, error)
}

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, binary string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	// #nosec G204 -- binary comes from configuration, domain names from virsh itself
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w, stderr: %s", binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Virsh talks to libvirt through the virsh CLI.
type Virsh struct {
	binary  string
	connect string
	runner  Runner
	retry   retry.Policy
	logger  *logging.Logger
}

// NewVirsh creates an adapter. connect is an optional libvirt URI such as qemu:///system.
func NewVirsh(binary, connect string, runner Runner, policy retry.Policy, logger *logging.Logger) *Virsh {
	if binary == "" {
		binary = "virsh"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Virsh{binary: binary, connect: connect, runner: runner, retry: policy, logger: logger}
}

func (v *Virsh) run(ctx context.Context, args ...string) ([]byte, error) {
	if v.connect != "" {
		args = append([]string{"--connect", v.connect}, args...)
	}
	var out []byte
	err := v.retry.Do(ctx, "virsh "+args[len(args)-1], func(ctx context.Context) error {
		var runErr error
		out, runErr = v.runner.Run(ctx, v.binary, args...)
		return runErr
	})
	return out, err
}

// ListRunningVMs runs `virsh list --name`.
func (v *Virsh) ListRunningVMs(ctx context.Context) ([]string, error) {
	out, err := v.run(ctx, "list", "--name")
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	return names, scanner.Err()
}

var ipv4Pattern = regexp.MustCompile(`ipv4\s+(\S+)`)

// IPAddress parses `virsh domifaddr <vm>`. The prefix length is dropped.
// A domain without an IPv4 lease yields NoIP without error.
func (v *Virsh) IPAddress(ctx context.Context, vm string) (string, error) {
	out, err := v.run(ctx, "domifaddr", vm)
	if err != nil {
		return NoIP, fmt.Errorf("failed to query address of %s: %w", vm, err)
	}
	return parseIPv4(out), nil
}

func parseIPv4(out []byte) string {
	m := ipv4Pattern.FindSubmatch(out)
	if m == nil {
		return NoIP
	}
	addr := string(m[1])
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// CPUTimeCounters parses `virsh domstats --cpu-total`. A domain without a
// cpu.time line reports 0.
func (v *Virsh) CPUTimeCounters(ctx context.Context) (map[string]uint64, error) {
	out, err := v.run(ctx, "domstats", "--cpu-total")
	if err != nil {
		return nil, fmt.Errorf("failed to read domain stats: %w", err)
	}
	return parseDomstats(out, v.logger)
}

func parseDomstats(out []byte, logger *logging.Logger) (map[string]uint64, error) {
	counters := make(map[string]uint64)
	current := ""

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "Domain:"):
			current = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "Domain:")), `'"`)
			counters[current] = 0
		case current != "" && strings.HasPrefix(line, "cpu.time="):
			value, err := strconv.ParseUint(strings.TrimPrefix(line, "cpu.time="), 10, 64)
			if err != nil {
				logger.Warn("hypervisor.domstats.parse_failed", "Unparseable cpu.time", map[string]interface{}{
					"vm":   current,
					"line": line,
				})
				continue
			}
			counters[current] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan domain stats: %w", err)
	}
	return counters, nil
}
