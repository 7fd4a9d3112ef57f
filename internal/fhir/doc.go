// Package fhir provides the input side of the loader: resource descriptors
// parsed from self-describing FHIR JSON payloads, relative-reference
// extraction, and batch reading from a directory of resource or bundle files.
//
// The package is deliberately schema-free. Payloads are opaque JSON except
// for the fields the loader needs:
//
//   - resourceType and id identify the resource (PUT-by-id addressing)
//   - "reference" fields holding relative "Type/id" strings declare
//     dependencies on other resources
//
// Payload validation is the store's job, not the loader's. Absolute URL,
// identifier-based (logical), and "#contained" references cannot point at
// another batch member and are ignored for ordering.
package fhir
