package fhir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractReferences_Nested(t *testing.T) {
	// Encounter referencing a Condition through diagnosis[].condition and a
	// Patient through subject, the way FHIR actually nests these.
	payload := json.RawMessage(`{
		"resourceType": "Encounter",
		"id": "e1",
		"subject": {"reference": "Patient/p1"},
		"diagnosis": [
			{"condition": {"reference": "Condition/c1"}},
			{"condition": {"reference": "Condition/c2"}}
		]
	}`)

	refs, err := ExtractReferences(payload)
	require.NoError(t, err)
	assert.Equal(t, []Identity{
		{Type: "Condition", ID: "c1"},
		{Type: "Condition", ID: "c2"},
		{Type: "Patient", ID: "p1"},
	}, refs)
}

func TestExtractReferences_IgnoresNonRelative(t *testing.T) {
	payload := json.RawMessage(`{
		"resourceType": "Observation",
		"id": "obs1",
		"subject": {"reference": "https://other.example.org/fhir/Patient/p1"},
		"specimen": {"reference": "#contained-specimen"},
		"performer": [{"identifier": {"system": "urn:x", "value": "practitioner-9"}}]
	}`)

	refs, err := ExtractReferences(payload)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestExtractReferences_Deduplicates(t *testing.T) {
	payload := json.RawMessage(`{
		"resourceType": "Condition",
		"id": "c1",
		"encounter": {"reference": "Encounter/e1"},
		"evidence": [{"detail": [{"reference": "Encounter/e1"}]}]
	}`)

	refs, err := ExtractReferences(payload)
	require.NoError(t, err)
	assert.Equal(t, []Identity{{Type: "Encounter", ID: "e1"}}, refs)
}

func TestExtractReferences_ReferenceKeyNotString(t *testing.T) {
	// A "reference" key holding an object is somebody else's extension,
	// not a dependency.
	payload := json.RawMessage(`{
		"resourceType": "Basic",
		"id": "b1",
		"extension": [{"reference": {"display": "free text only"}}]
	}`)

	refs, err := ExtractReferences(payload)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestExtractReferences_KeepsSelfReference(t *testing.T) {
	payload := json.RawMessage(`{
		"resourceType": "Condition",
		"id": "c1",
		"related": {"reference": "Condition/c1"}
	}`)

	refs, err := ExtractReferences(payload)
	require.NoError(t, err)
	// Self-references stay visible; the grapher rejects them.
	assert.Equal(t, []Identity{{Type: "Condition", ID: "c1"}}, refs)
}
