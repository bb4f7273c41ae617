// Package mapping keeps the two-way table between phone-number users (PN)
// and anonymous LID users.
//
// Mappings live in the key store under kind lid-mapping: the forward entry
// is keyed by the PN user and holds the LID user, the reverse entry is
// keyed "<lidUser>_reverse" and holds the PN user. A three-day TTL cache
// fronts both directions. Only PN to LID resolution can ask the server;
// the reverse direction has no remote lookup.
package mapping
