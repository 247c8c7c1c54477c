// Package draft persists unfinished recordings in a local SQLite database so
// they survive crashes and restarts. At most one draft exists per
// (category, subcategory) pair; saving replaces the previous one.
package draft
