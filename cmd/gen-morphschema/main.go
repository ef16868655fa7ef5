// Command gen-morphschema reflects the morph.Morphology Go type into a
// JSON Schema document, mirroring dalec's own cmd/gen-jsonschema (same
// invopop/jsonschema reflector, minus its atombender/go-jsonschema
// post-processing pass: the raw reflected schema is already the
// deliverable morphologies are validated against).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	morph "github.com/tacgomes/morph-sub000"
)

func main() {
	var r jsonschema.Reflector
	if err := r.AddGoComments("github.com/tacgomes/morph-sub000", "./"); err != nil {
		panic(err)
	}

	schema := r.Reflect(&morph.Morphology{})
	if schema.PatternProperties == nil {
		schema.PatternProperties = make(map[string]*jsonschema.Schema)
	}
	schema.PatternProperties["^x-"] = &jsonschema.Schema{}

	dt, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		panic(err)
	}

	if len(os.Args) > 1 {
		if err := os.MkdirAll(filepath.Dir(os.Args[1]), 0o755); err != nil {
			panic(err)
		}
		if err := os.WriteFile(os.Args[1], dt, 0o644); err != nil {
			panic(err)
		}
		return
	}
	fmt.Println(string(dt))
}
