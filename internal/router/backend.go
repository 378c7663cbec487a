package router

import "context"

// PlayerDirectory answers whether this proxy currently holds a connection
// for a given player, implemented by the host proxy runtime.
type PlayerDirectory interface {
	IsOnline(playerID string) bool
}

// BackendConnector performs the actual network work a route command
// implies: connecting a player to a backend server and delivering the
// post-connect route payload. Implemented by the host proxy runtime; this
// package only orchestrates the choreography around it.
type BackendConnector interface {
	// CurrentServer reports the backend a player is presently connected to,
	// if any.
	CurrentServer(playerID string) (serverID string, ok bool)
	// Connect attempts to move playerID onto serverID, returning an error if
	// the connection attempt fails.
	Connect(ctx context.Context, playerID, serverID string) error
	// SendRoutePayload delivers the post-connect plugin-message payload once
	// the player is confirmed on the target server.
	SendRoutePayload(ctx context.Context, playerID string, cmd ProxyCommand) error
	// Kick disconnects playerID with a human-readable reason.
	Kick(ctx context.Context, playerID, reason string) error
}
