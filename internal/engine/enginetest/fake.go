// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zpdzap/drydock/internal/engine"
)

// Fake records every call and keeps container and image state in memory.
type Fake struct {
	mu sync.Mutex

	PingErr error
	RunErr  error
	// PullFunc, when set, replaces the default instant pull.
	PullFunc func(ctx context.Context, ref string, progress func(engine.PullProgress)) error
	// ExecFunc, when set, serves Exec calls.
	ExecFunc func(ctx context.Context, spec engine.ExecSpec) (engine.Process, error)

	images     map[string]bool
	networks   map[string]bool
	containers map[string]*container

	Runs    []engine.ContainerSpec
	Stops   []string
	Kills   []string
	Removes []string
	Copies  []string
	Execs   []engine.ExecSpec
	Pulls   []string
	Builds  []engine.BuildOptions
	Connect []string
}

type container struct {
	spec  engine.ContainerSpec
	state string
}

var _ engine.Engine = (*Fake)(nil)

// New returns a fake engine that already has the given images.
func New(images ...string) *Fake {
	f := &Fake{
		images:     make(map[string]bool),
		networks:   make(map[string]bool),
		containers: make(map[string]*container),
	}
	for _, ref := range images {
		f.images[ref] = true
	}
	return f
}

// AddContainer seeds a container as if left behind by an earlier process.
func (f *Fake) AddContainer(name string, labels map[string]string, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = &container{spec: engine.ContainerSpec{Name: name, Labels: labels}, state: state}
}

// HasContainer reports whether name currently exists.
func (f *Fake) HasContainer(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok
}

// RunCount returns how many containers were started.
func (f *Fake) RunCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Runs)
}

// LastRun returns the most recently started container spec.
func (f *Fake) LastRun() engine.ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Runs) == 0 {
		return engine.ContainerSpec{}
	}
	return f.Runs[len(f.Runs)-1]
}

func (f *Fake) Ping(ctx context.Context) error { return f.PingErr }

func (f *Fake) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *Fake) PullImage(ctx context.Context, ref string, progress func(engine.PullProgress)) error {
	f.mu.Lock()
	f.Pulls = append(f.Pulls, ref)
	pull := f.PullFunc
	f.mu.Unlock()

	if pull != nil {
		if err := pull(ctx, ref, progress); err != nil {
			return err
		}
	} else if progress != nil {
		progress(engine.PullProgress{Ref: ref, Layer: "0123456789ab", Status: "Downloading", Current: 50, Total: 100})
		progress(engine.PullProgress{Ref: ref, Layer: "0123456789ab", Status: "Pull complete"})
	}

	f.mu.Lock()
	f.images[ref] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) BuildImage(ctx context.Context, opts engine.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Builds = append(f.Builds, opts)
	f.images[opts.Tag] = true
	return nil
}

func (f *Fake) NetworkExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name], nil
}

func (f *Fake) CreateNetwork(ctx context.Context, name string, internal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *Fake) ConnectNetwork(ctx context.Context, network, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connect = append(f.Connect, network+"/"+name)
	return nil
}

func (f *Fake) RunContainer(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RunErr != nil {
		return "", f.RunErr
	}
	if _, exists := f.containers[spec.Name]; exists {
		return "", fmt.Errorf("container name %q already in use", spec.Name)
	}
	f.Runs = append(f.Runs, spec)
	f.containers[spec.Name] = &container{spec: spec, state: "running"}
	return fmt.Sprintf("%012d", len(f.Runs)), nil
}

func (f *Fake) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stops = append(f.Stops, name)
	if c, ok := f.containers[name]; ok {
		c.state = "exited"
	}
	return nil
}

func (f *Fake) KillContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Kills = append(f.Kills, name)
	if c, ok := f.containers[name]; ok {
		c.state = "exited"
	}
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removes = append(f.Removes, name)
	delete(f.containers, name)
	return nil
}

func (f *Fake) ContainerState(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		return c.state, nil
	}
	return "", nil
}

func (f *Fake) ListContainers(ctx context.Context, labelFilter string) ([]engine.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, value, hasValue := strings.Cut(labelFilter, "=")
	var out []engine.Container
	for name, c := range f.containers {
		v, ok := c.spec.Labels[key]
		if !ok || (hasValue && v != value) {
			continue
		}
		out = append(out, engine.Container{
			Name:   name,
			RunID:  c.spec.Labels[engine.LabelRun],
			Role:   c.spec.Labels[engine.LabelRole],
			State:  c.state,
			Labels: c.spec.Labels,
		})
	}
	return out, nil
}

func (f *Fake) CopyTo(ctx context.Context, name, hostPath, containerPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Copies = append(f.Copies, hostPath+"->"+name+":"+containerPath)
	return nil
}

func (f *Fake) Exec(ctx context.Context, spec engine.ExecSpec) (engine.Process, error) {
	f.mu.Lock()
	f.Execs = append(f.Execs, spec)
	fn := f.ExecFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	return NewProcess(ctx, ""), nil
}

func (f *Fake) ExecOutput(ctx context.Context, spec engine.ExecSpec) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Execs = append(f.Execs, spec)
	return nil, nil
}

// Process is an engine.Process whose stdout is fed by the test.
type Process struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu     sync.Mutex
	stdin  strings.Builder
	done   chan struct{}
	once   sync.Once
	exitFn func() error
}

// NewProcess returns a process that writes output to stdout and then
// exits, or blocks until ctx is cancelled when output is empty.
func NewProcess(ctx context.Context, output string) *Process {
	p := newProcess(nil)
	go func() {
		if output != "" {
			io.WriteString(p.stdoutW, output)
			p.Exit(nil)
			return
		}
		select {
		case <-ctx.Done():
			p.Exit(ctx.Err())
		case <-p.done:
		}
	}()
	return p
}

// NewScripted returns a process that calls respond with every line written
// to its stdin, in order, and exits cleanly when stdin is closed. respond
// runs on its own goroutine and may call Emit.
func NewScripted(ctx context.Context, respond func(p *Process, line string)) *Process {
	p := newProcess(respond)
	go func() {
		select {
		case <-ctx.Done():
			p.Exit(ctx.Err())
		case <-p.done:
		}
	}()
	return p
}

func newProcess(respond func(p *Process, line string)) *Process {
	p := &Process{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()

	lines := make(chan string, 256)
	go func() {
		for line := range lines {
			if respond != nil {
				respond(p, line)
			}
		}
		if respond != nil {
			p.Exit(nil)
		}
	}()
	go func() {
		defer close(lines)
		buf := make([]byte, 4096)
		var partial strings.Builder
		for {
			n, err := p.stdinR.Read(buf)
			if n > 0 {
				p.mu.Lock()
				p.stdin.Write(buf[:n])
				p.mu.Unlock()
				partial.Write(buf[:n])
				for {
					text := partial.String()
					i := strings.IndexByte(text, '\n')
					if i < 0 {
						break
					}
					lines <- text[:i]
					partial.Reset()
					partial.WriteString(text[i+1:])
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// Emit writes one line to stdout. It fails once the process has exited.
func (p *Process) Emit(line string) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

// Exit closes stdout and makes Wait return err.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.exitFn = func() error { return err }
		p.stdoutW.Close()
		close(p.done)
	})
}

// StdinText returns everything written to stdin so far.
func (p *Process) StdinText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.ReadCloser { return p.stdoutR }
func (p *Process) Wait() error {
	<-p.done
	return p.exitFn()
}
func (p *Process) Kill() error {
	p.Exit(fmt.Errorf("killed"))
	p.stdinR.Close()
	return nil
}
