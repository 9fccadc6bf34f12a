package nl2sql

import (
	"fmt"
	"sort"
	"strings"
)

// PermissionPrompt asks the model whether role may answer query with the described schema.
// The reply must be a single JSON object with allowed, explanation and optionally resolvedQuery.
func PermissionPrompt(req Request, orgContext string) string {
	model := req.SemanticModel
	var b strings.Builder
	b.WriteString("You decide whether a database question can be answered and whether the asking role may see the data it needs.\n\n")
	writeQueryHeader(&b, req.Query, req.ExecutorRole, orgContext)

	b.WriteString("## SCHEMA\n\n### Tables\n")
	b.WriteString(FormatTables(model.Tables))
	b.WriteString("\n\n### Relationships\n")
	b.WriteString(FormatRelationships(model.Relationships))
	b.WriteString("\n\n### Measures\n")
	b.WriteString(FormatMeasures(model.Measures))
	b.WriteString("\n\n### Access Control\n")
	b.WriteString(FormatAccessControl(model.AccessControl, tableNames(model.Tables)))

	b.WriteString(`

## RULES
1. Work out which tables and columns the question needs, resolving synonyms against the schema and measures.
2. Grant access only when the role is explicitly listed under Read for every required table.
3. When a required column has constraints, the role must also be listed for that column.
4. Never infer permissions that are not listed.
5. If a term cannot be resolved from the schema or measures, deny and name the term.
6. If the question can be restated unambiguously in schema terms, put the restatement in resolvedQuery.
7. Do not write SQL.

## OUTPUT
Reply with exactly one JSON object and nothing else:
{"allowed": true, "explanation": "...", "resolvedQuery": "..."}
or
{"allowed": false, "explanation": "role '<role>' cannot read '<table>.<column>'"}`)
	return b.String()
}

// GenerationPrompt asks for the SQL answering query. When the permission phase produced a resolved
// query, callers pass it as query.
func GenerationPrompt(req Request, query, orgContext string) string {
	model := req.SemanticModel
	var b strings.Builder
	b.WriteString("You write one SQL query that answers a question over the schema below.\n\n")
	writeQueryHeader(&b, query, req.ExecutorRole, orgContext)

	b.WriteString("## SCHEMA\n\n### Tables\n")
	b.WriteString(FormatTables(model.Tables))
	b.WriteString("\n\n### Relationships\n")
	b.WriteString(FormatRelationships(model.Relationships))
	b.WriteString("\n\n### Measures\n")
	b.WriteString(FormatMeasures(model.Measures))
	b.WriteString("\n\n### Default Filters\n")
	b.WriteString(FormatFilters(model.DefaultFilters))
	b.WriteString("\n\n### Access Control\n")
	b.WriteString(FormatAccessControl(model.AccessControl, tableNames(model.Tables)))

	b.WriteString(`

## RULES
1. Answer the question exactly; add GROUP BY, ORDER BY, COALESCE and LIMIT where they help.
2. Apply every default filter that concerns the tables you use, or say in the explanation why not.
3. Use explicit JOIN syntax following the relationships above.
4. Prefer predefined measures over ad hoc expressions.
5. Use short readable aliases and mention them in the explanation.
6. Do not quote identifiers unless they need it.
7. If the schema cannot answer the question, return an empty sql and explain why.

## OUTPUT
Reply with exactly one JSON object and nothing else. Escape newlines inside strings as \n.
{"sql": "...", "explanation": "..."}`)
	return b.String()
}

func writeQueryHeader(b *strings.Builder, query, role, orgContext string) {
	if strings.TrimSpace(query) == "" {
		query = "No query provided"
	}
	if strings.TrimSpace(role) == "" {
		role = DefaultExecutorRole
	}
	fmt.Fprintf(b, "## QUESTION\n%q\n\n## ROLE\n%s\n\n", strings.TrimSpace(query), role)
	if orgContext = strings.TrimSpace(orgContext); orgContext != "" {
		fmt.Fprintf(b, "## ORGANIZATIONAL CONTEXT\n%s\n\n", orgContext)
	}
}

func FormatTables(tables map[string]Table) string {
	if len(tables) == 0 {
		return "No tables defined."
	}
	blocks := make([]string, 0, len(tables))
	for _, name := range sortedKeys(tables) {
		table := tables[name]
		description := table.Description
		if description == "" {
			description = "N/A"
		}
		lines := []string{
			"Table: " + name,
			"Description: " + description,
			"Columns:",
		}
		for _, column := range sortedKeys(table.Columns) {
			lines = append(lines, fmt.Sprintf("- %s (%s)", column, table.Columns[column].Type))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	return strings.Join(blocks, "\n\n")
}

func FormatRelationships(relationships []Relationship) string {
	if len(relationships) == 0 {
		return "No relationships defined."
	}
	lines := make([]string, 0, len(relationships))
	for _, rel := range relationships {
		lines = append(lines, fmt.Sprintf("- %s.%s → %s.%s (%s)", rel.LeftTable, rel.LeftColumn, rel.RightTable, rel.RightColumn, rel.Type))
	}
	return strings.Join(lines, "\n")
}

func FormatMeasures(measures map[string]Measure) string {
	if len(measures) == 0 {
		return "No measures defined."
	}
	lines := make([]string, 0, len(measures))
	for _, name := range sortedKeys(measures) {
		measure := measures[name]
		expression := measure.Expression
		if expression == "" {
			expression = measure.Formula
		}
		if expression == "" {
			expression = "N/A"
		}
		description := measure.Description
		if description == "" {
			description = "No description"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s (%s)", name, expression, description))
	}
	return strings.Join(lines, "\n")
}

func FormatFilters(filters map[string]map[string]Filter) string {
	lines := make([]string, 0)
	for _, table := range sortedKeys(filters) {
		columns := filters[table]
		for _, column := range sortedKeys(columns) {
			filter := columns[column]
			lines = append(lines, fmt.Sprintf("- %s.%s %s %v", table, column, filter.Operator, filter.Value))
		}
	}
	if len(lines) == 0 {
		return "No default filters."
	}
	return strings.Join(lines, "\n")
}

// FormatAccessControl renders the rules for the given tables, matched case-insensitively. An
// empty table list renders every rule.
func FormatAccessControl(access map[string]TableAccess, tables []string) string {
	selected := make(map[string]bool, len(tables))
	for _, table := range tables {
		selected[strings.ToLower(table)] = true
	}

	blocks := make([]string, 0)
	for _, table := range sortedKeys(access) {
		if len(selected) > 0 && !selected[strings.ToLower(table)] {
			continue
		}
		perms := access[table]
		lines := []string{"Table: " + table}
		if len(perms.Read) > 0 {
			lines = append(lines, "  - Read: "+strings.Join(perms.Read, ", "))
		} else {
			lines = append(lines, "  - Read: (no roles have read access)")
		}
		if len(perms.Write) > 0 {
			lines = append(lines, "  - Write: "+strings.Join(perms.Write, ", "))
		}
		if len(perms.ColumnConstraints) > 0 {
			lines = append(lines, "  - Column Constraints:")
			for _, column := range sortedKeys(perms.ColumnConstraints) {
				lines = append(lines, fmt.Sprintf("    • %s: %s", column, strings.Join(perms.ColumnConstraints[column], ", ")))
			}
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}

	if len(blocks) == 0 {
		if len(tables) > 0 {
			return fmt.Sprintf("No access control defined for selected tables: %s.", strings.Join(tables, ", "))
		}
		return "No access control defined."
	}
	return strings.Join(blocks, "\n\n")
}

// MissingAccessControl returns the tables of model that have no access rule.
func MissingAccessControl(model SemanticModel) []string {
	covered := make(map[string]bool, len(model.AccessControl))
	for table := range model.AccessControl {
		covered[strings.ToLower(table)] = true
	}
	missing := make([]string, 0)
	for _, table := range tableNames(model.Tables) {
		if !covered[strings.ToLower(table)] {
			missing = append(missing, table)
		}
	}
	return missing
}

func tableNames(tables map[string]Table) []string {
	return sortedKeys(tables)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
