// Package mysql provides the shared MySQL connection pool used by the
// entity stores. Each store owns its own schema initialisation; this
// package only encapsulates pool settings and connectivity checks.
package mysql
