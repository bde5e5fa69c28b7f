// Package entity defines the identifier types shared by the replication
// and message packages: GlobalEntity (server-assigned, authoritative) and
// LocalEntity (per-connection, wire-compact), plus the small integer kind
// tags for components and messages (spec.md §3).
package entity

// Global is a server-assigned 64-bit identifier, unique per live entity,
// stable for the entity's whole lifetime regardless of which connections
// it is replicated to.
type Global uint64

// Local is a connection-scoped 16-bit handle minted by a connection's
// HostWorldManager when an entity first enters that connection's scope.
// A Local value is meaningless outside the connection that minted it.
type Local uint16

// ComponentKind is the small integer tag identifying a component schema,
// registered at startup on both peers with matching ordinals.
type ComponentKind uint16

// MessageKind is the small integer tag identifying a message schema.
type MessageKind uint16

// ChannelKind is the small integer tag identifying a channel.
type ChannelKind uint8

// Converter rewrites entity references on the wire: GlobalEntity in
// memory, LocalEntity on the wire, per connection. Message payloads that
// reference entities call through a Converter rather than encoding a
// GlobalEntity directly, so the 16-bit LocalEntity stays compact and
// connection-private.
type Converter interface {
	GlobalToLocal(g Global) (l Local, ok bool)
	LocalToGlobal(l Local) (g Global, ok bool)
}
