package fhir

import (
	"encoding/json"
	"sort"
)

// ExtractReferences walks a payload and collects every relative reference it
// declares. A reference is any "reference" key whose value is a "Type/id"
// string, at any nesting depth (Encounter.diagnosis[].condition.reference,
// Observation.encounter.reference, and so on).
//
// The result is de-duplicated and sorted for determinism. Self-references
// are kept; the grapher rejects them as unsupported cycles.
func ExtractReferences(payload json.RawMessage) ([]Identity, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}

	seen := make(map[Identity]bool)
	walkReferences(doc, seen)

	if len(seen) == 0 {
		return nil, nil
	}
	refs := make([]Identity, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs, nil
}

func walkReferences(doc any, seen map[Identity]bool) {
	switch v := doc.(type) {
	case map[string]any:
		for key, value := range v {
			if key == "reference" {
				if ref, ok := value.(string); ok {
					if id, ok := ParseIdentity(ref); ok {
						seen[id] = true
					}
					continue
				}
			}
			walkReferences(value, seen)
		}
	case []any:
		for _, item := range v {
			walkReferences(item, seen)
		}
	}
}
