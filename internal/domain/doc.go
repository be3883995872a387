// Package domain defines the core types of the campaign send pipeline.
//
// Types in this package are pure value objects with no behavior, no database
// dependencies, and no transport concerns. They are the shared language between
// the planner, the dispatch workers, the progress tracker and the repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no redis clients, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
