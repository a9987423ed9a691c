package grpcserver

import (
	"google.golang.org/grpc"
)

// Service and method names of the relay stream.
const (
	ServiceName   = "gophrelay.v1.Relay"
	ConnectMethod = "/" + ServiceName + "/Connect"
)

// RelayServer is the server API for the relay service.
type RelayServer interface {
	// Connect carries protocol envelopes in both directions for one client.
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RelayServer).Connect(stream)
}

// ServiceDesc describes the relay service. Messages are protocol.Envelope
// values encoded with the JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "gophrelay/v1/relay",
}

// RegisterRelayServer registers srv on s.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&ServiceDesc, srv)
}
