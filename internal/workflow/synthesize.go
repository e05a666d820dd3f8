package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/conductor/internal/capability"
	"github.com/mohammad-safakhou/conductor/internal/task"
)

// Node is one replayable operation of a workflow, carrying the step as it
// actually executed: recovered argument adjustments are preserved.
type Node struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"` // domain.operation
	Domain    capability.Domain      `json:"domain"`
	Operation string                 `json:"operation"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// Edge orders two nodes. Edges follow execution order strictly; no
// parallel branches are inferred.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Definition is a persisted, replayable workflow derived from one
// completed run. Immutable once synthesized.
type Definition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaskID    string    `json:"task_id"`
	Partial   bool      `json:"partial,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
}

// ErrNotCompleted indicates synthesis was requested for a record that is
// not in completed status.
var ErrNotCompleted = fmt.Errorf("record is not completed")

// ErrNoSteps indicates the record holds no successful steps to synthesize.
var ErrNoSteps = fmt.Errorf("record has no successful steps")

// Synthesize converts a completed execution record into a workflow
// definition: one node per successful step outcome, edges in execution
// order.
func Synthesize(rec task.Record) (Definition, error) {
	if rec.Status != task.StatusCompleted {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotCompleted, rec.Status)
	}
	return build(rec, false)
}

// SynthesizePartial converts the successful prefix of any terminal record
// into a workflow. Callers must ask for this explicitly; it is never the
// default for failed or cancelled runs.
func SynthesizePartial(rec task.Record) (Definition, error) {
	if !rec.Status.IsTerminal() {
		return Definition{}, fmt.Errorf("record is not terminal: %s", rec.Status)
	}
	return build(rec, true)
}

func build(rec task.Record, partial bool) (Definition, error) {
	def := Definition{
		ID:        uuid.New().String(),
		Name:      rec.Request.Description,
		TaskID:    rec.TaskID,
		Partial:   partial,
		CreatedAt: time.Now().UTC(),
	}

	// One node per step index, from its successful outcome. Failed attempts
	// stay in the audit log but never become nodes.
	for _, o := range rec.Outcomes {
		if !o.Success {
			continue
		}
		step := o.Step
		node := Node{
			ID:        fmt.Sprintf("node_%d", len(def.Nodes)),
			Name:      step.Description,
			Type:      fmt.Sprintf("%s.%s", step.Domain, step.Operation),
			Domain:    step.Domain,
			Operation: step.Operation,
			Args:      step.Args,
		}
		def.Nodes = append(def.Nodes, node)
		if n := len(def.Nodes); n > 1 {
			def.Edges = append(def.Edges, Edge{From: def.Nodes[n-2].ID, To: node.ID})
		}
	}
	if len(def.Nodes) == 0 {
		return Definition{}, ErrNoSteps
	}
	return def, nil
}
