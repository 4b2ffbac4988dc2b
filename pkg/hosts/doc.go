// Package hosts implements the registry of machines known to a run.
//
// The registry maps host ids to descriptors and role names to the ids tagged
// with them. Lifecycle backends are the only writers; stories read it through
// engine.HostRegistry. Adding a host under an existing id replaces the entry
// together with all of its role memberships.
package hosts
