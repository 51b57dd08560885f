package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

// loopProgram wires two Stage children inside Main with the given
// connections so each test only varies the topology under analysis.
func loopProgram(conns []ir.Connection) *ir.Program {
	return &ir.Program{
		Main: "Main",
		Reactors: []*ir.ReactorClass{
			{
				Name:    "Stage",
				Inputs:  []ir.Port{{Name: "in", Type: ir.TypeInt}},
				Outputs: []ir.Port{{Name: "out", Type: ir.TypeInt}},
				Reactions: []ir.Reaction{
					{Triggers: []ir.Ref{"in"}, Effects: []ir.Ref{"out"}, Body: "relay"},
				},
			},
			{
				Name: "Main",
				Children: []ir.Child{
					{Name: "a", Class: "Stage"},
					{Name: "b", Class: "Stage"},
				},
				Connections: conns,
			},
		},
	}
}

func TestAnalyzeCycles_EmptyProgram(t *testing.T) {
	warnings := AnalyzeCycles(&ir.Program{Main: "Main"})
	assert.Empty(t, warnings)
}

func TestAnalyzeCycles_DAG(t *testing.T) {
	prog := loopProgram([]ir.Connection{
		{From: "a.out", To: "b.in"},
	})

	warnings := AnalyzeCycles(prog)
	assert.Empty(t, warnings, "a pipeline has no loops")
}

func TestAnalyzeCycles_AfterDelayBreaksLoop(t *testing.T) {
	prog := loopProgram([]ir.Connection{
		{From: "a.out", To: "b.in"},
		{From: "b.out", To: "a.in", After: 10 * time.Millisecond, HasAfter: true},
	})

	warnings := AnalyzeCycles(prog)
	assert.Empty(t, warnings, "delayed feedback cannot close a zero-delay loop")
}

func TestAnalyzeCycles_ZeroAfterStillBreaksLoop(t *testing.T) {
	prog := loopProgram([]ir.Connection{
		{From: "a.out", To: "b.in"},
		{From: "b.out", To: "a.in", After: 0, HasAfter: true},
	})

	warnings := AnalyzeCycles(prog)
	assert.Empty(t, warnings, "a zero after still delays by one microstep")
}

func TestAnalyzeCycles_SelfLoop(t *testing.T) {
	prog := loopProgram([]ir.Connection{
		{From: "a.out", To: "a.in"},
	})

	warnings := AnalyzeCycles(prog)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"a", "a"}, warnings[0].Path)
	assert.Equal(t, `Main: zero-delay self loop on child "a"`, warnings[0].Message)
	assert.Equal(t, "warning", warnings[0].Level)
}

func TestAnalyzeCycles_TwoNodeCycle(t *testing.T) {
	prog := loopProgram([]ir.Connection{
		{From: "a.out", To: "b.in"},
		{From: "b.out", To: "a.in"},
	})

	warnings := AnalyzeCycles(prog)
	require.Len(t, warnings, 1)

	w := warnings[0]
	require.Len(t, w.Path, 3, "cycle path should be closed")
	assert.Equal(t, w.Path[0], w.Path[2])
	assert.ElementsMatch(t, []string{"a", "b"}, w.Path[:2])
	assert.Contains(t, w.Message, "Main: potential zero-delay loop:")
	assert.Contains(t, w.Message, " -> ")
	assert.Equal(t, "warning", w.Level)
}

func TestAnalyzeCycles_BoundaryRelaysIgnored(t *testing.T) {
	prog := &ir.Program{
		Main: "Main",
		Reactors: []*ir.ReactorClass{
			{
				Name:    "Relay",
				Inputs:  []ir.Port{{Name: "in", Type: ir.TypeInt}},
				Outputs: []ir.Port{{Name: "out", Type: ir.TypeInt}},
				Children: []ir.Child{
					{Name: "inner", Class: "Stage"},
				},
				Connections: []ir.Connection{
					{From: "in", To: "inner.in"},
					{From: "inner.out", To: "out"},
				},
			},
			{
				Name:    "Stage",
				Inputs:  []ir.Port{{Name: "in", Type: ir.TypeInt}},
				Outputs: []ir.Port{{Name: "out", Type: ir.TypeInt}},
				Reactions: []ir.Reaction{
					{Triggers: []ir.Ref{"in"}, Effects: []ir.Ref{"out"}, Body: "relay"},
				},
			},
		},
	}

	warnings := AnalyzeCycles(prog)
	assert.Empty(t, warnings, "hierarchy boundary relays cannot loop inside the class")
}

func TestAnalyzeCycles_MultipleContainers(t *testing.T) {
	prog := loopProgram([]ir.Connection{
		{From: "a.out", To: "a.in"},
	})
	prog.Reactors = append(prog.Reactors, &ir.ReactorClass{
		Name: "Other",
		Children: []ir.Child{
			{Name: "x", Class: "Stage"},
			{Name: "y", Class: "Stage"},
		},
		Connections: []ir.Connection{
			{From: "x.out", To: "y.in"},
			{From: "y.out", To: "x.in"},
		},
	})

	warnings := AnalyzeCycles(prog)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0].Message, "Main:")
	assert.Contains(t, warnings[1].Message, "Other:")
}

func TestContainmentCycles_None(t *testing.T) {
	cycles := containmentCycles(loopProgram(nil))
	assert.Empty(t, cycles)
}

func TestContainmentCycles_Indirect(t *testing.T) {
	prog := &ir.Program{
		Main: "A",
		Reactors: []*ir.ReactorClass{
			{Name: "A", Children: []ir.Child{{Name: "b", Class: "B"}}},
			{Name: "B", Children: []ir.Child{{Name: "c", Class: "C"}}},
			{Name: "C", Children: []ir.Child{{Name: "a", Class: "A"}}},
		},
	}

	cycles := containmentCycles(prog)
	require.Len(t, cycles, 1)

	path := cycles[0]
	require.Len(t, path, 4, "three-class cycle closes in four steps")
	assert.Equal(t, path[0], path[3])
	assert.ElementsMatch(t, []string{"A", "B", "C"}, path[:3])
}

func TestHasSelfLoop(t *testing.T) {
	graph := dependencyGraph{
		"a": {"b"},
		"b": {"b"},
	}

	assert.False(t, hasSelfLoop("a", graph))
	assert.True(t, hasSelfLoop("b", graph))
}

func TestTarjanSCC_SingleNode(t *testing.T) {
	sccs := tarjanSCC(dependencyGraph{"a": {}})
	require.Len(t, sccs, 1)
	assert.Equal(t, []string{"a"}, sccs[0])
}

func TestTarjanSCC_Chain(t *testing.T) {
	sccs := tarjanSCC(dependencyGraph{
		"a": {"b"},
		"b": {"c"},
		"c": {},
	})

	require.Len(t, sccs, 3)
	for _, scc := range sccs {
		assert.Len(t, scc, 1)
	}
}

func TestTarjanSCC_Cycle(t *testing.T) {
	sccs := tarjanSCC(dependencyGraph{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})

	require.Len(t, sccs, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, sccs[0])
}

func TestReconstructCyclePath_SelfLoop(t *testing.T) {
	graph := dependencyGraph{"a": {"a"}}
	path := reconstructCyclePath([]string{"a"}, graph)
	assert.Equal(t, []string{"a", "a"}, path)
}

func TestReconstructCyclePath_TwoNodes(t *testing.T) {
	graph := dependencyGraph{
		"a": {"b"},
		"b": {"a"},
	}

	path := reconstructCyclePath([]string{"a", "b"}, graph)
	assert.Equal(t, []string{"a", "b", "a"}, path)
}
