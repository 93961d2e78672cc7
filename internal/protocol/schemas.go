package protocol

import "embed"

// Schemas holds the JSON Schema definitions for the wire format. Producers
// and consumers are validated against these in tests so the two sides
// cannot silently drift.
//
//go:embed schemas/*.schema.json
var Schemas embed.FS
