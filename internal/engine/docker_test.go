package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunArgs(t *testing.T) {
	args := RunArgs(ContainerSpec{
		Name:   "drydock-abc",
		Image:  "agent:latest",
		Labels: map[string]string{LabelRun: "abc", LabelManaged: "true"},
		Env:    []string{"GOMAXPROCS=2"},
		Mounts: []Mount{
			{Source: "/repo/wt", Target: "/workspace"},
			{Source: "/home/u/.ssh/agent.sock", Target: "/run/ssh-agent.sock", ReadOnly: true},
		},
		CPUs:    1.5,
		Memory:  "4g",
		Network: "drydock-internal",
		Cmd:     []string{"sleep", "infinity"},
	})

	assert.Equal(t, []string{
		"run", "-d", "--name", "drydock-abc",
		"--label", "drydock.managed=true",
		"--label", "drydock.run=abc",
		"--cpus", "1.5",
		"--memory", "4g",
		"--network", "drydock-internal",
		"-e", "GOMAXPROCS=2",
		"-v", "/repo/wt:/workspace",
		"-v", "/home/u/.ssh/agent.sock:/run/ssh-agent.sock:ro",
		"agent:latest", "sleep", "infinity",
	}, args)
}

func TestRunArgsOmitsUnsetLimits(t *testing.T) {
	args := RunArgs(ContainerSpec{Name: "c", Image: "img"})
	assert.Equal(t, []string{"run", "-d", "--name", "c", "img"}, args)
}

func TestExecArgs(t *testing.T) {
	args := ExecArgs(ExecSpec{
		Container:   "drydock-abc",
		User:        "agent",
		WorkDir:     "/workspace",
		Env:         []string{"A=1"},
		Cmd:         []string{"claude", "-p", "hi"},
		Interactive: true,
	})
	assert.Equal(t, []string{"exec", "-i", "--user", "agent", "-w", "/workspace", "-e", "A=1", "drydock-abc", "claude", "-p", "hi"}, args)
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line string
		want PullProgress
	}{
		{
			"a2abf6c4d29d: Downloading [=====>          ]  12.3MB/45.6MB",
			PullProgress{Layer: "a2abf6c4d29d", Status: "Downloading", Current: 12300000, Total: 45600000},
		},
		{
			"a2abf6c4d29d: Pull complete",
			PullProgress{Layer: "a2abf6c4d29d", Status: "Pull complete"},
		},
		{
			"latest: Pulling from library/ubuntu",
			PullProgress{Status: "latest: Pulling from library/ubuntu"},
		},
		{
			"Status: Downloaded newer image for ubuntu:latest",
			PullProgress{Status: "Status: Downloaded newer image for ubuntu:latest"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseProgressLine(tt.line))
		})
	}
}

func TestParseContainerList(t *testing.T) {
	out := "drydock-r1\tr1\tsandbox\trunning\ndrydock-egress\t\tegress\texited\n"
	containers := parseContainerList(out)
	require.Len(t, containers, 2)
	assert.Equal(t, Container{Name: "drydock-r1", RunID: "r1", Role: "sandbox", State: "running"}, containers[0])
	assert.Equal(t, "egress", containers[1].Role)
	assert.Empty(t, containers[1].RunID)
}
