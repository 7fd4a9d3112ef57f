// Package plan turns a dependency graph into an explicit, inspectable
// sequence of load steps. Planning is pure: no network calls, no side
// effects, and a failed plan means zero writes were attempted.
package plan

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fhirload/internal/fhir"
	"github.com/roach88/fhirload/internal/graph"
)

// StepMode distinguishes a minimal stub write from a full payload write.
type StepMode string

const (
	// StepStub writes only the identity fields of a cycle-group primary so
	// that later writes can reference it.
	StepStub StepMode = "stub"
	// StepFull writes a resource's complete payload.
	StepFull StepMode = "full"
)

// StepRef names a prerequisite step by target and mode.
type StepRef struct {
	Target fhir.Identity
	Mode   StepMode
}

func (r StepRef) String() string {
	return fmt.Sprintf("%s(%s)", r.Mode, r.Target)
}

// Step is one unit of execution: an idempotent PUT of Payload to Target.
// Requires lists the in-batch steps whose success this one depends on; the
// executor uses it to tell DependencyFailed from merely Skipped.
type Step struct {
	Target   fhir.Identity
	Mode     StepMode
	Payload  json.RawMessage
	Requires []StepRef
}

func (s Step) String() string {
	return fmt.Sprintf("%s(%s)", s.Mode, s.Target)
}

// Plan is the total order of steps for one load run.
type Plan struct {
	Steps []Step
}

// Build walks the condensed topological order and emits steps:
//
//   - an acyclic resource yields one Full step, requiring the Full of every
//     in-batch reference target;
//   - a cycle group yields Stub(primary), Full(secondary), Full(primary) in
//     its order slot. The secondary's Full goes first: its reference into the
//     group points at the stubbed primary, which already exists. The
//     primary's Full references the secondary and must follow the
//     secondary's full write.
//
// Every batch member gets exactly one Full; every group exactly one Stub.
func Build(g *graph.Graph) *Plan {
	p := &Plan{}
	for _, node := range g.Order {
		if node.Group == nil {
			resource, _ := g.Batch.Lookup(node.ID)
			p.Steps = append(p.Steps, Step{
				Target:   node.ID,
				Mode:     StepFull,
				Payload:  resource.Payload,
				Requires: fullRequires(g, resource, nil),
			})
			continue
		}

		group := node.Group
		stubRef := StepRef{Target: group.Primary, Mode: StepStub}
		p.Steps = append(p.Steps, Step{
			Target:  group.Primary,
			Mode:    StepStub,
			Payload: fhir.StubPayload(group.Primary),
		})
		for _, member := range []fhir.Identity{group.Secondary, group.Primary} {
			resource, _ := g.Batch.Lookup(member)
			requires := fullRequires(g, resource, group)
			requires = append([]StepRef{stubRef}, requires...)
			if member == group.Primary {
				// Only the primary is stubbed; the reference to the
				// secondary resolves against its full write.
				requires = append(requires, StepRef{Target: group.Secondary, Mode: StepFull})
			}
			p.Steps = append(p.Steps, Step{
				Target:   member,
				Mode:     StepFull,
				Payload:  resource.Payload,
				Requires: requires,
			})
		}
	}
	return p
}

// fullRequires maps a resource's in-batch references to Full-step
// prerequisites, excluding its own cycle partner (the stub covers that).
func fullRequires(g *graph.Graph, resource fhir.Resource, group *graph.CycleGroup) []StepRef {
	var requires []StepRef
	for _, target := range resource.References {
		if !g.Batch.Contains(target) {
			continue
		}
		if group != nil && (target == group.Primary || target == group.Secondary) {
			continue
		}
		requires = append(requires, StepRef{Target: target, Mode: StepFull})
	}
	return requires
}

// Fingerprint hashes the step sequence: targets, modes, and payload bytes,
// with identity strings NFC-normalized. Two runs over the same batch produce
// the same fingerprint; any change to content or order produces a new one.
// The journal uses it to scope resume to an identical batch.
func (p *Plan) Fingerprint() string {
	digest := xxhash.New()
	for _, step := range p.Steps {
		digest.WriteString(norm.NFC.String(step.Target.String()))
		digest.WriteString("\x00")
		digest.WriteString(string(step.Mode))
		digest.WriteString("\x00")
		digest.Write(step.Payload)
		digest.WriteString("\x00")
	}
	return fmt.Sprintf("%016x", digest.Sum64())
}
