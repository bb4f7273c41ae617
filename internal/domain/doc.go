// Package domain re-exports the companion's shared data model and the
// contracts between layers, so most packages import one path. Plain
// types live in domain/types and interfaces in domain/interfaces.
package domain
