// Package nl2sql turns a natural-language question over a semantic model into SQL with two
// model calls: a permission check followed, only when allowed, by SQL generation.
package nl2sql

const DefaultExecutorRole = "analyst"

type Request struct {
	Query         string        `json:"query"`
	ExecutorRole  string        `json:"executorRole"`
	SemanticModel SemanticModel `json:"semanticModel"`
}

type SemanticModel struct {
	Tables         map[string]Table             `json:"tables"`
	Relationships  []Relationship               `json:"relationships"`
	Measures       map[string]Measure           `json:"measures"`
	DefaultFilters map[string]map[string]Filter `json:"default_filters"`
	AccessControl  map[string]TableAccess       `json:"access_control,omitempty"`
}

type Table struct {
	Description string            `json:"description,omitempty"`
	Columns     map[string]Column `json:"columns"`
}

type Column struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type Relationship struct {
	LeftTable   string `json:"left_table"`
	LeftColumn  string `json:"left_column"`
	RightTable  string `json:"right_table"`
	RightColumn string `json:"right_column"`
	Type        string `json:"type"`
}

type Measure struct {
	Expression  string `json:"expression,omitempty"`
	Formula     string `json:"formula,omitempty"`
	Description string `json:"description,omitempty"`
}

type Filter struct {
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// TableAccess lists the roles allowed to read or write a table. ColumnConstraints narrows read
// access for individual columns.
type TableAccess struct {
	Read              []string            `json:"read"`
	Write             []string            `json:"write,omitempty"`
	ColumnConstraints map[string][]string `json:"columnConstraints,omitempty"`
}

type PermissionResult struct {
	Allowed       bool   `json:"allowed"`
	Explanation   string `json:"explanation"`
	ResolvedQuery string `json:"resolvedQuery,omitempty"`
}

type GenerationResult struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

type OutcomeStatus string

const (
	OutcomeAllowed OutcomeStatus = "allowed"
	OutcomeDenied  OutcomeStatus = "denied"
)

// Outcome is the result of a pipeline run that reached a verdict. Denied outcomes carry an empty
// SQL. Failures are returned as errors instead.
type Outcome struct {
	Status        OutcomeStatus `json:"status"`
	SQL           string        `json:"sql"`
	Explanation   string        `json:"explanation"`
	ResolvedQuery string        `json:"resolvedQuery,omitempty"`
	Attempts      int           `json:"attempts"`
}
