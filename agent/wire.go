package agent

import (
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// gRPC names of the agent service
const (
	ServiceName       = "keyagent.Agent"
	SessionStreamName = "Session"
	SessionFullMethod = "/" + ServiceName + "/" + SessionStreamName

	// CodecName is the content-subtype every call must use (see grpc.CallContentSubtype).
	CodecName = "json"
)

// AgentServer is implemented by the listener: each call to Session serves one connection's session.
type AgentServer interface {
	Session(stream grpc.ServerStream) error
}

func agentSessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(AgentServer).Session(stream)
}

// AgentServiceDesc describes the keyagent.Agent service: a single bidirectional stream of Request/Response.
var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    SessionStreamName,
			Handler:       agentSessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "keyagent/agent.json",
}

// RegisterAgentServer registers srv with s.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&AgentServiceDesc, srv)
}

// jsonCodec carries Request and Response as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
