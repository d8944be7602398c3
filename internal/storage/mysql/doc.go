// Package mysql writes task snapshots through to MySQL so a host keeps a
// durable history of the in-memory queue. The schema is managed by the
// embedded migrations under deploy/migrations.
package mysql
