package bus

import "strings"

const (
	channelBroadcast = "fulcrum.broadcast"

	prefixServer   = "fulcrum.server."
	prefixRequest  = "fulcrum.request."
	prefixResponse = "fulcrum.response."
	prefixCustom   = "fulcrum.custom."
	prefixStable   = "fulcrum."
)

// serverChannel is the direct channel for a service id.
func serverChannel(serviceID string) string { return prefixServer + serviceID }

// requestChannel carries requests addressed to a service id.
func requestChannel(serviceID string) string { return prefixRequest + serviceID }

// responseChannel carries responses destined to a service id.
func responseChannel(serviceID string) string { return prefixResponse + serviceID }

// channelForType resolves the wire channel a given message type publishes on.
// Types already namespaced with "fulcrum." name their own channel; anything
// else is routed through the generic custom-topic channel.
func channelForType(typ string) string {
	if strings.HasPrefix(typ, prefixStable) {
		return typ
	}
	return prefixCustom + typ
}

// directedKind classifies a channel name as it arrives from the transport,
// used by the inbound pipeline to decide whether dedup and response routing
// apply.
type directedKind int

const (
	directedNone directedKind = iota
	directedServer
	directedRequest
	directedResponse
)

// classifyDirected reports whether channel is one of our own directed
// channels (server.<id>, request.<id>, response.<id>) and which kind.
func classifyDirected(channel, serviceID string) directedKind {
	if serviceID == "" {
		return directedNone
	}
	switch channel {
	case serverChannel(serviceID):
		return directedServer
	case requestChannel(serviceID):
		return directedRequest
	case responseChannel(serviceID):
		return directedResponse
	default:
		return directedNone
	}
}
