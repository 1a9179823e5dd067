package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// FactsSchemaName is the built-in schema applied to extracted facts.
const FactsSchemaName = "facts"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// SchemaViolation is one failed constraint.
type SchemaViolation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(FactsSchemaName, builtinFactsSchema); err != nil {
		panic(fmt.Sprintf("built-in schema does not compile: %v", err))
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name. The schema must
// define #Schema.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#Schema"))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #Schema", name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check unifies data with a named schema and returns every violated constraint.
// The error is reserved for an unknown schema or unencodable data.
func (sr *SchemaRegistry) Check(schemaName string, data interface{}) ([]SchemaViolation, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	dataVal := sr.ctx.Encode(data)
	sr.mu.Unlock()
	if err := dataVal.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err), nil
	}
	return nil, nil
}

// FactsDocument is the subset of Facts checked by the facts schema.
func FactsDocument(f *Facts) map[string]interface{} {
	doc := make(map[string]interface{})
	if f.AccountID != "" {
		doc["account_id"] = f.AccountID
	}
	if f.AccountName != "" {
		doc["account_name"] = f.AccountName
	}
	if f.Environment != "" {
		doc["environment"] = f.Environment
	}
	if f.HasField("regions") || f.HasField("region") {
		regions := make([]interface{}, 0, len(f.Regions))
		for _, r := range f.Regions {
			regions = append(regions, r)
		}
		doc["regions"] = regions
	}
	return doc
}

func convertCUEErrors(err error) []SchemaViolation {
	var out []SchemaViolation
	for _, e := range errors.Errors(err) {
		out = append(out, SchemaViolation{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}
	return out
}

const builtinFactsSchema = `
#Schema: {
	account_id?:   =~"^[0-9]{12}$"
	account_name?: =~"^[a-z0-9][a-z0-9-]{1,62}$"
	environment?:  "development" | "staging" | "production" | "dev" | "stage" | "prod"
	regions?: [string, ...string]
}
`
