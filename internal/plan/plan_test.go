package plan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirload/internal/fhir"
	"github.com/roach88/fhirload/internal/graph"
)

func resource(t *testing.T, identity string, refs ...string) fhir.Resource {
	t.Helper()
	id, ok := fhir.ParseIdentity(identity)
	require.True(t, ok, "bad identity %q", identity)

	references := make([]fhir.Identity, 0, len(refs))
	for _, ref := range refs {
		refID, ok := fhir.ParseIdentity(ref)
		require.True(t, ok, "bad reference %q", ref)
		references = append(references, refID)
	}
	payload, err := json.Marshal(map[string]string{"resourceType": id.Type, "id": id.ID})
	require.NoError(t, err)
	return fhir.Resource{Identity: id, Payload: payload, References: references}
}

func buildPlan(t *testing.T, resources ...fhir.Resource) *Plan {
	t.Helper()
	batch, err := fhir.NewBatch(resources)
	require.NoError(t, err)
	g, err := graph.Build(batch)
	require.NoError(t, err)
	return Build(g)
}

// stepIndex returns the position of the (target, mode) step, or -1.
func stepIndex(p *Plan, target string, mode StepMode) int {
	for i, step := range p.Steps {
		if step.Target.String() == target && step.Mode == mode {
			return i
		}
	}
	return -1
}

func TestBuild_DemoScenario(t *testing.T) {
	// The canonical batch: a standalone patient plus an Encounter/Condition
	// pair referencing each other.
	p := buildPlan(t,
		resource(t, "Patient/p1"),
		resource(t, "Condition/c1", "Encounter/e1"),
		resource(t, "Encounter/e1", "Condition/c1"),
	)

	// One Full per resource, one Stub for the group primary.
	require.Len(t, p.Steps, 4)

	stub := stepIndex(p, "Condition/c1", StepStub)
	fullCondition := stepIndex(p, "Condition/c1", StepFull)
	fullEncounter := stepIndex(p, "Encounter/e1", StepFull)
	fullPatient := stepIndex(p, "Patient/p1", StepFull)

	require.NotEqual(t, -1, stub)
	require.NotEqual(t, -1, fullCondition)
	require.NotEqual(t, -1, fullEncounter)
	require.NotEqual(t, -1, fullPatient)

	// The stub precedes both full writes of the cycle members, and the
	// secondary's full precedes the primary's: every payload only ever
	// references resources that already exist in the store.
	assert.Less(t, stub, fullEncounter)
	assert.Less(t, fullEncounter, fullCondition)

	// The stub payload carries identity fields only.
	assert.JSONEq(t, `{"resourceType": "Condition", "id": "c1"}`, string(p.Steps[stub].Payload))

	// The secondary requires only the stub; the primary also requires the
	// secondary's full, which its payload references.
	stubRef := StepRef{Target: fhir.Identity{Type: "Condition", ID: "c1"}, Mode: StepStub}
	encounterRef := StepRef{Target: fhir.Identity{Type: "Encounter", ID: "e1"}, Mode: StepFull}
	assert.Equal(t, []StepRef{stubRef}, p.Steps[fullEncounter].Requires)
	assert.Equal(t, []StepRef{stubRef, encounterRef}, p.Steps[fullCondition].Requires)

	// The patient has no prerequisites.
	assert.Empty(t, p.Steps[fullPatient].Requires)
}

// payloadResource builds a descriptor whose payload embeds its references,
// so ExtractReferences on step payloads sees them.
func payloadResource(t *testing.T, identity string, refs ...string) fhir.Resource {
	t.Helper()
	id, ok := fhir.ParseIdentity(identity)
	require.True(t, ok, "bad identity %q", identity)

	doc := map[string]any{"resourceType": id.Type, "id": id.ID}
	if len(refs) > 0 {
		targets := make([]map[string]string, 0, len(refs))
		for _, ref := range refs {
			targets = append(targets, map[string]string{"reference": ref})
		}
		doc["partOf"] = targets
	}
	payload, err := json.Marshal(doc)
	require.NoError(t, err)

	resource, err := fhir.NewResource(payload)
	require.NoError(t, err)
	return resource
}

func TestBuild_EveryReferenceTargetPrecedesItsReferencer(t *testing.T) {
	// A store that validates references on write accepts the plan only if
	// each step's payload references nothing but already-written targets;
	// a group's stub counts as existing.
	p := buildPlan(t,
		payloadResource(t, "Patient/p1"),
		payloadResource(t, "Condition/c1", "Encounter/e1", "Patient/p1"),
		payloadResource(t, "Encounter/e1", "Condition/c1", "Patient/p1"),
		payloadResource(t, "Observation/o1", "Encounter/e1"),
	)

	written := make(map[fhir.Identity]bool)
	for _, step := range p.Steps {
		refs, err := fhir.ExtractReferences(step.Payload)
		require.NoError(t, err)
		for _, ref := range refs {
			assert.True(t, written[ref],
				"step %s references %s before it exists", step.String(), ref)
		}
		written[step.Target] = true
	}
}

func TestBuild_AcyclicEdgesRespected(t *testing.T) {
	p := buildPlan(t,
		resource(t, "Observation/o1", "Encounter/e1", "Patient/p1"),
		resource(t, "Encounter/e1", "Patient/p1"),
		resource(t, "Patient/p1"),
	)

	require.Len(t, p.Steps, 3)
	patient := stepIndex(p, "Patient/p1", StepFull)
	encounter := stepIndex(p, "Encounter/e1", StepFull)
	observation := stepIndex(p, "Observation/o1", StepFull)

	// For every reference edge A -> B, B's Full precedes A's Full.
	assert.Less(t, patient, encounter)
	assert.Less(t, encounter, observation)
	assert.Less(t, patient, observation)

	// Requires carries the in-batch targets.
	assert.ElementsMatch(t, []StepRef{
		{Target: fhir.Identity{Type: "Encounter", ID: "e1"}, Mode: StepFull},
		{Target: fhir.Identity{Type: "Patient", ID: "p1"}, Mode: StepFull},
	}, p.Steps[observation].Requires)
}

func TestBuild_NoDuplicateSteps(t *testing.T) {
	p := buildPlan(t,
		resource(t, "Patient/p1"),
		resource(t, "Condition/c1", "Encounter/e1", "Patient/p1"),
		resource(t, "Encounter/e1", "Condition/c1", "Patient/p1"),
		resource(t, "Observation/o1", "Encounter/e1"),
	)

	seen := make(map[string]int)
	for _, step := range p.Steps {
		seen[step.String()]++
	}
	for key, count := range seen {
		assert.Equal(t, 1, count, "step %s appears %d times", key, count)
	}

	// Five steps: four Fulls plus one Stub.
	assert.Len(t, p.Steps, 5)
}

func TestBuild_DownstreamOfCycleFollowsBothFulls(t *testing.T) {
	p := buildPlan(t,
		resource(t, "Condition/c1", "Encounter/e1"),
		resource(t, "Encounter/e1", "Condition/c1"),
		resource(t, "Observation/o1", "Encounter/e1"),
	)

	fullCondition := stepIndex(p, "Condition/c1", StepFull)
	fullEncounter := stepIndex(p, "Encounter/e1", StepFull)
	observation := stepIndex(p, "Observation/o1", StepFull)

	assert.Less(t, fullCondition, observation)
	assert.Less(t, fullEncounter, observation)
}

func TestBuild_DanglingReferenceNotRequired(t *testing.T) {
	p := buildPlan(t,
		resource(t, "Encounter/e1", "Practitioner/dr1"),
	)

	require.Len(t, p.Steps, 1)
	assert.Empty(t, p.Steps[0].Requires)
}

func TestFingerprint_StableAndContentSensitive(t *testing.T) {
	build := func(patientID string) *Plan {
		return buildPlan(t,
			resource(t, "Patient/"+patientID),
			resource(t, "Condition/c1", "Encounter/e1"),
			resource(t, "Encounter/e1", "Condition/c1"),
		)
	}

	first := build("p1")
	second := build("p1")
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())

	changed := build("p2")
	assert.NotEqual(t, first.Fingerprint(), changed.Fingerprint())
}

func TestStepString(t *testing.T) {
	step := Step{
		Target: fhir.Identity{Type: "Encounter", ID: "e1"},
		Mode:   StepFull,
	}
	assert.Equal(t, "full(Encounter/e1)", step.String())

	ref := StepRef{Target: fhir.Identity{Type: "Condition", ID: "c1"}, Mode: StepStub}
	assert.Equal(t, "stub(Condition/c1)", ref.String())
}
