package bridge

// Role identifies which side of a contract a bridge speaks for.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
	// RoleServerClient is a bridge that talks to itself. It only hosts
	// shared events.
	RoleServerClient Role = "server&client"
)

// Direction is the declared flow of an event.
type Direction string

const (
	// ServerToClient events are called by the server and handled by the client.
	ServerToClient Direction = "server->client"
	// ClientToServer events are called by the client and handled by the server.
	ClientToServer Direction = "server<-client"
	// Bidirectional events may be called and handled by either side.
	Bidirectional Direction = "server<->client"
)

// canCall reports whether role may call or send an event with direction d.
func (r Role) canCall(d Direction) bool {
	switch d {
	case Bidirectional:
		return true
	case ServerToClient:
		return r == RoleServer
	case ClientToServer:
		return r == RoleClient
	default:
		return false
	}
}

// canHandle reports whether role may subscribe to an event with direction d.
func (r Role) canHandle(d Direction) bool {
	switch d {
	case Bidirectional:
		return true
	case ServerToClient:
		return r == RoleClient
	case ClientToServer:
		return r == RoleServer
	default:
		return false
	}
}

func (r Role) valid() bool {
	return r == RoleServer || r == RoleClient || r == RoleServerClient
}
