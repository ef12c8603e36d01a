// Package participant tracks the agents that exchange messages.
//
// Identifiers match @[A-Za-z][A-Za-z0-9_-]{1,30}; @system, @admin, @root,
// @all, @everyone and @courier are reserved. A Repository is scoped to one
// storage connection and injected into the message store and search engine.
//
// Authorization goes through a Policy that maps a capability set to a
// PermissionSet. PassThrough grants everything; CapabilityPolicy uses an
// explicit table so stricter deployments only swap the policy.
package participant
