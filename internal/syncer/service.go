package syncer

import (
	"google.golang.org/grpc"
)

const (
	serviceName = "bakery.sync.Replication"
	syncMethod  = "/" + serviceName + "/Sync"
)

// replicationServer is the server side of the Sync stream.
type replicationServer interface {
	Sync(stream grpc.ServerStream) error
}

func syncHandler(srv any, stream grpc.ServerStream) error {
	return srv.(replicationServer).Sync(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicationServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       syncHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "bakery/sync",
}
