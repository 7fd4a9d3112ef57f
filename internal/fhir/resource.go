package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Identity is the globally unique key of a resource within a load run.
type Identity struct {
	Type string
	ID   string
}

// String renders the identity in FHIR relative-reference form, "Type/id".
func (i Identity) String() string {
	return i.Type + "/" + i.ID
}

// Less orders identities lexicographically by their "Type/id" rendering.
// Used for deterministic primary selection in cycle groups.
func (i Identity) Less(other Identity) bool {
	return i.String() < other.String()
}

// MarshalJSON renders the identity as its "Type/id" string, matching how
// references are written everywhere else.
func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON parses a "Type/id" string.
func (i *Identity) UnmarshalJSON(data []byte) error {
	var ref string
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	id, ok := ParseIdentity(ref)
	if !ok {
		return fmt.Errorf("malformed identity %q", ref)
	}
	*i = id
	return nil
}

// ParseIdentity parses a relative reference of the form "Type/id".
// Returns false for anything else: absolute URLs, logical references,
// contained references, or malformed strings.
func ParseIdentity(ref string) (Identity, bool) {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.Contains(ref, "://") {
		return Identity{}, false
	}
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Identity{}, false
	}
	return Identity{Type: parts[0], ID: parts[1]}, true
}

// Resource is a static descriptor of one resource in a batch: its identity,
// its source payload, and the in-payload references it declares. Immutable
// once constructed.
type Resource struct {
	Identity   Identity
	Payload    json.RawMessage
	References []Identity
}

// NewResource parses a self-describing payload into a descriptor. The payload
// must carry non-empty resourceType and id fields; everything else is opaque.
func NewResource(payload json.RawMessage) (Resource, error) {
	var envelope struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Resource{}, fmt.Errorf("parse resource payload: %w", err)
	}
	if envelope.ResourceType == "" {
		return Resource{}, fmt.Errorf("resource payload has no resourceType")
	}
	if envelope.ID == "" {
		return Resource{}, fmt.Errorf("%s resource has no id", envelope.ResourceType)
	}

	refs, err := ExtractReferences(payload)
	if err != nil {
		return Resource{}, fmt.Errorf("extract references: %w", err)
	}

	return Resource{
		Identity:   Identity{Type: envelope.ResourceType, ID: envelope.ID},
		Payload:    payload,
		References: refs,
	}, nil
}

// StubPayload returns the minimal valid payload for an identity: just the
// identifying fields. Sufficient for the store to accept a forward reference
// to the resource before its full content exists.
func StubPayload(id Identity) json.RawMessage {
	payload, err := json.Marshal(map[string]string{
		"resourceType": id.Type,
		"id":           id.ID,
	})
	if err != nil {
		// Two string fields cannot fail to marshal.
		panic(err)
	}
	return payload
}
