package cron

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(id string) NodeResult   { return NodeResult{NodeID: id, RunID: "run-" + id, State: "completed"} }
func fail(id string) NodeResult { return NodeResult{NodeID: id, RunID: "run-" + id, Error: "boom"} }

func TestSummarize(t *testing.T) {
	cases := []struct {
		name    string
		results []NodeResult
		want    Status
	}{
		{"all succeeded", []NodeResult{ok("a"), ok("b")}, StatusSuccess},
		{"some failed", []NodeResult{ok("a"), fail("b")}, StatusPartial},
		{"all failed", []NodeResult{fail("a"), fail("b")}, StatusFailed},
		{"never started", []NodeResult{{NodeID: "a", Error: "starting run: repo missing"}}, StatusFailed},
		{"no results", nil, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Summarize(tc.results))
		})
	}
}

func TestLevels(t *testing.T) {
	w := Workflow{Nodes: []Node{
		{ID: "deploy", Prompt: "deploy", DependsOn: []string{"build", "lint"}},
		{ID: "build", Prompt: "build"},
		{ID: "lint", Prompt: "lint"},
		{ID: "notify", Prompt: "notify", DependsOn: []string{"deploy"}},
	}}
	levels, err := w.levels()
	require.NoError(t, err)

	var ids [][]string
	for _, level := range levels {
		var row []string
		for _, n := range level {
			row = append(row, n.ID)
		}
		ids = append(ids, row)
	}
	assert.Equal(t, [][]string{{"build", "lint"}, {"deploy"}, {"notify"}}, ids)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]Workflow{
		"empty":     {},
		"no id":     {Nodes: []Node{{Prompt: "x"}}},
		"no prompt": {Nodes: []Node{{ID: "a"}}},
		"duplicate": {Nodes: []Node{{ID: "a", Prompt: "x"}, {ID: "a", Prompt: "y"}}},
		"self":      {Nodes: []Node{{ID: "a", Prompt: "x", DependsOn: []string{"a"}}}},
		"unknown":   {Nodes: []Node{{ID: "a", Prompt: "x", DependsOn: []string{"b"}}}},
		"cycle": {Nodes: []Node{
			{ID: "a", Prompt: "x", DependsOn: []string{"b"}},
			{ID: "b", Prompt: "y", DependsOn: []string{"a"}},
		}},
	}
	for name, w := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, w.Validate(), ErrInvalidWorkflow)
		})
	}
}

func TestFailureSummary(t *testing.T) {
	assert.Equal(t, "", failureSummary([]NodeResult{ok("a")}))
	assert.Equal(t, "1 of 2 steps failed: b: boom", failureSummary([]NodeResult{ok("a"), fail("b")}))
}
