package config

import (
	"fmt"
	"sort"
)

// Facts are the deployment-relevant values extracted from one config file.
type Facts struct {
	// Path is the file the facts were read from.
	Path string `json:"path"`

	// AccountID is the declared account_id, if any.
	AccountID string `json:"account_id,omitempty"`

	// AccountName is the declared account_name, if any.
	AccountName string `json:"account_name,omitempty"`

	// Environment is the declared environment, if any.
	Environment string `json:"environment,omitempty"`

	// Project is the declared project, if any.
	Project string `json:"project,omitempty"`

	// Regions are the declared regions, from `regions = [...]` or `region = "..."`.
	Regions []string `json:"regions,omitempty"`

	// Fields are the top-level keys in source order.
	Fields []string `json:"fields"`

	// Scalars holds top-level scalar assignments.
	Scalars map[string]string `json:"scalars,omitempty"`

	// Collections are top-level keys whose value is a block or a list of blocks.
	Collections []string `json:"collections,omitempty"`

	// Services is the sorted, deduplicated set of service categories declared.
	Services []string `json:"services,omitempty"`

	// ResourceNames maps a service to its first declared resource name.
	ResourceNames map[string]string `json:"resource_names,omitempty"`

	// ResourceLabels maps a service without a declared name to the first
	// block label of its collections. Labels such as "main" are only unique
	// within a file.
	ResourceLabels map[string]string `json:"resource_labels,omitempty"`

	// Balanced is false when braces or brackets did not pair up.
	Balanced bool `json:"balanced"`
}

// HasField reports whether a top-level key is present.
func (f *Facts) HasField(name string) bool {
	for _, k := range f.Fields {
		if k == name {
			return true
		}
	}
	return false
}

// ConfigReadError reports a config file that could not be read or is malformed.
type ConfigReadError struct {
	Path   string
	Field  string
	Line   int
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ConfigReadError) Error() string {
	msg := "read config " + e.Path
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}
	msg += ": " + e.Reason
	if e.Line > 0 {
		msg += fmt.Sprintf(" (line %d)", e.Line)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConfigReadError) Unwrap() error {
	return e.Err
}

// serviceTable maps collection keys to service categories.
var serviceTable = map[string]string{
	"s3_buckets":       "s3",
	"buckets":          "s3",
	"kms_keys":         "kms",
	"kms_aliases":      "kms",
	"iam_roles":        "iam",
	"iam_policies":     "iam",
	"dynamodb_tables":  "dynamodb",
	"sqs_queues":       "sqs",
	"sns_topics":       "sns",
	"lambda_functions": "lambda",
	"vpcs":             "vpc",
	"subnets":          "vpc",
}

// nameAttributes are attribute names whose value identifies a resource.
var nameAttributes = map[string]bool{
	"bucket_name":   true,
	"name":          true,
	"alias":         true,
	"role_name":     true,
	"table_name":    true,
	"queue_name":    true,
	"topic_name":    true,
	"function_name": true,
	"key_alias":     true,
}

// ServiceFor returns the service category of a collection key.
func ServiceFor(collection string) (string, bool) {
	s, ok := serviceTable[collection]
	return s, ok
}

// KnownServices returns every service category, sorted.
func KnownServices() []string {
	seen := make(map[string]bool)
	for _, s := range serviceTable {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
