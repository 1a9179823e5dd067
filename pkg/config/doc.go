// Package config reads deployment config files and engine settings.
//
// # Overview
//
// The Reader extracts deployment facts (account, regions, environment,
// declared services and resource names) from variable files written in HCL
// assignment syntax. It is not a full HCL parser: a single linear scan with a
// nesting stack tracks brace and bracket depth, skips comments and strings,
// and records only what discovery and key generation need. Input size and
// nesting never cause more than one pass over the bytes.
//
// Reads are memoized in a Cache owned by the caller, normally one per run:
//
//	cache := config.NewCache()
//	reader := config.NewReader(osfs.New(repoRoot), cache)
//	facts, err := reader.Read("deployments/acme-prod/us-east-1/payments/terraform.tfvars")
//
// # Components
//
// Settings: the unitctl.yaml engine configuration with defaults and
// validator tags.
//
// Registry: the accounts.yaml mapping of account names to identifiers and
// environments.
//
// SchemaRegistry: CUE schemas applied to extracted facts.
//
// CheckScript: custom validation checks in Starlark, compiled once and run
// per unit under a timeout and a step budget.
package config
