package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Docker implements Engine by invoking the docker CLI.
type Docker struct {
	Binary string
	Logger *slog.Logger
}

// NewDocker returns a docker CLI engine. An empty binary means "docker"
// from PATH.
func NewDocker(binary string, logger *slog.Logger) *Docker {
	if binary == "" {
		binary = "docker"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Docker{Binary: binary, Logger: logger}
}

func (d *Docker) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, d.Binary, args...)
}

func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	out, err := d.command(ctx, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s failed: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.run(ctx, "version", "--format", "{{.Server.Version}}")
	return err
}

func (d *Docker) ImageExists(ctx context.Context, ref string) (bool, error) {
	out, err := d.command(ctx, "image", "inspect", "--format", "{{.Id}}", ref).CombinedOutput()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && strings.Contains(strings.ToLower(string(out)), "no such image") {
		return false, nil
	}
	return false, fmt.Errorf("docker image inspect failed: %s: %w", strings.TrimSpace(string(out)), err)
}

func (d *Docker) PullImage(ctx context.Context, ref string, progress func(PullProgress)) error {
	cmd := d.command(ctx, "pull", ref)
	return d.streamLines(cmd, func(line string) {
		if progress != nil {
			p := ParseProgressLine(line)
			p.Ref = ref
			progress(p)
		}
	})
}

func (d *Docker) BuildImage(ctx context.Context, opts BuildOptions) error {
	cmd := d.command(ctx, "build", "--progress", "plain", "-t", opts.Tag, "-f", opts.Dockerfile, ".")
	cmd.Dir = opts.ContextDir
	return d.streamLines(cmd, func(line string) {
		if opts.Progress != nil {
			opts.Progress(PullProgress{Ref: opts.Tag, Status: line})
		}
	})
}

// streamLines runs cmd, calling fn for every line of combined output.
func (d *Docker) streamLines(cmd *exec.Cmd, fn func(string)) error {
	reader, writer := io.Pipe()
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", cmd.Args[1], err)
	}

	var tail []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			tail = append(tail, line)
			if len(tail) > 5 {
				tail = tail[1:]
			}
			fn(line)
		}
		io.Copy(io.Discard, reader)
	}()

	err := cmd.Wait()
	writer.Close()
	<-done
	if err != nil {
		return fmt.Errorf("docker %s failed: %s: %w", cmd.Args[1], strings.Join(tail, "; "), err)
	}
	return nil
}

var progressPattern = regexp.MustCompile(`^([0-9a-f]{6,64}): ([A-Za-z ]+?)(?:\s+\[[=> ]*\])?\s*(?:([\d.]+\s*[kMGT]?B)/([\d.]+\s*[kMGT]?B))?$`)

// ParseProgressLine parses one line of `docker pull` output. Lines that are
// not layer progress come back with only Status set.
func ParseProgressLine(line string) PullProgress {
	m := progressPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return PullProgress{Status: strings.TrimSpace(line)}
	}
	p := PullProgress{Layer: m[1], Status: strings.TrimSpace(m[2])}
	if m[3] != "" {
		p.Current = parseSize(m[3])
		p.Total = parseSize(m[4])
	}
	return p
}

func parseSize(s string) int64 {
	s = strings.ReplaceAll(s, " ", "")
	multiplier := float64(1)
	switch {
	case strings.HasSuffix(s, "kB"):
		multiplier, s = 1e3, strings.TrimSuffix(s, "kB")
	case strings.HasSuffix(s, "MB"):
		multiplier, s = 1e6, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		multiplier, s = 1e9, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "TB"):
		multiplier, s = 1e12, strings.TrimSuffix(s, "TB")
	default:
		s = strings.TrimSuffix(s, "B")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * multiplier))
}

func (d *Docker) NetworkExists(ctx context.Context, name string) (bool, error) {
	out, err := d.command(ctx, "network", "inspect", "--format", "{{.Name}}", name).CombinedOutput()
	if err == nil {
		return true, nil
	}
	if strings.Contains(strings.ToLower(string(out)), "not found") || strings.Contains(strings.ToLower(string(out)), "no such network") {
		return false, nil
	}
	return false, fmt.Errorf("docker network inspect failed: %s: %w", strings.TrimSpace(string(out)), err)
}

func (d *Docker) CreateNetwork(ctx context.Context, name string, internal bool) error {
	args := []string{"network", "create", "--label", LabelManaged + "=true"}
	if internal {
		args = append(args, "--internal")
	}
	args = append(args, name)
	_, err := d.run(ctx, args...)
	return err
}

func (d *Docker) ConnectNetwork(ctx context.Context, network, container string) error {
	_, err := d.run(ctx, "network", "connect", network, container)
	return err
}

func (d *Docker) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	out, err := d.run(ctx, RunArgs(spec)...)
	if err != nil {
		return "", err
	}
	id := out
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		id = out[i+1:]
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id, nil
}

// RunArgs builds the `docker run` argument list for spec.
func RunArgs(spec ContainerSpec) []string {
	args := []string{"run", "-d", "--name", spec.Name}

	labelKeys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)
	for _, k := range labelKeys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, host := range spec.ExtraHosts {
		args = append(args, "--add-host", host)
	}
	for _, port := range spec.Ports {
		args = append(args, "-p", port)
	}
	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}
	for _, m := range spec.Mounts {
		v := m.Source + ":" + m.Target
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)
	return args
}

func (d *Docker) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	_, err := d.run(ctx, "stop", "-t", strconv.Itoa(secs), name)
	return err
}

func (d *Docker) KillContainer(ctx context.Context, name string) error {
	_, err := d.run(ctx, "kill", name)
	return err
}

func (d *Docker) RemoveContainer(ctx context.Context, name string) error {
	_, err := d.run(ctx, "rm", "-f", name)
	return err
}

func (d *Docker) ContainerState(ctx context.Context, name string) (string, error) {
	out, err := d.command(ctx, "inspect", "-f", "{{.State.Status}}", name).CombinedOutput()
	if err != nil {
		if strings.Contains(strings.ToLower(string(out)), "no such") {
			return "", nil
		}
		return "", fmt.Errorf("docker inspect failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (d *Docker) ListContainers(ctx context.Context, labelFilter string) ([]Container, error) {
	format := fmt.Sprintf(`{{.Names}}\t{{.Label %q}}\t{{.Label %q}}\t{{.State}}`, LabelRun, LabelRole)
	out, err := d.run(ctx, "ps", "-a", "--filter", "label="+labelFilter, "--format", format)
	if err != nil {
		return nil, err
	}
	return parseContainerList(out), nil
}

func parseContainerList(out string) []Container {
	var containers []Container
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		for len(fields) < 4 {
			fields = append(fields, "")
		}
		containers = append(containers, Container{
			Name:  fields[0],
			RunID: fields[1],
			Role:  fields[2],
			State: fields[3],
		})
	}
	return containers
}

func (d *Docker) CopyTo(ctx context.Context, container, hostPath, containerPath string) error {
	_, err := d.run(ctx, "cp", hostPath, container+":"+containerPath)
	return err
}

// ExecArgs builds the `docker exec` argument list for spec.
func ExecArgs(spec ExecSpec) []string {
	args := []string{"exec"}
	if spec.Interactive {
		args = append(args, "-i")
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}
	args = append(args, spec.Container)
	return append(args, spec.Cmd...)
}

func (d *Docker) Exec(ctx context.Context, spec ExecSpec) (Process, error) {
	cmd := d.command(ctx, ExecArgs(spec)...)
	p := &cliProcess{cmd: cmd}
	if spec.Interactive {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
		p.stdin = stdin
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	p.stdout = stdout
	cmd.Stderr = &logWriter{logger: d.Logger, container: spec.Container}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting docker exec: %w", err)
	}
	return p, nil
}

func (d *Docker) ExecOutput(ctx context.Context, spec ExecSpec) ([]byte, error) {
	out, err := d.command(ctx, ExecArgs(spec)...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("docker exec failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return out, nil
}

type cliProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *cliProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *cliProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *cliProcess) Wait() error           { return p.cmd.Wait() }
func (p *cliProcess) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Kill()
}

// logWriter forwards agent stderr to the structured log, one record per write.
type logWriter struct {
	logger    *slog.Logger
	container string
}

func (w *logWriter) Write(b []byte) (int, error) {
	if text := strings.TrimSpace(string(b)); text != "" {
		w.logger.Debug("exec stderr", "container", w.container, "output", text)
	}
	return len(b), nil
}
