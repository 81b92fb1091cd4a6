package scan

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// ScanRequest is one pass read by a gate device.
type ScanRequest struct {
	RequestID string `json:"request_id"`
	Pass      string `json:"pass"`
}

// ScanReply answers one ScanRequest on the same stream.
type ScanReply struct {
	RequestID string `json:"request_id"`
	BookingID string `json:"booking_id,omitempty"`
	Event     string `json:"event,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// GateServer defines the gRPC contract.
type GateServer interface {
	ScanStream(Gate_ScanStreamServer) error
}

// RegisterGateServer registers service implementation.
func RegisterGateServer(s *grpc.Server, srv GateServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "parking.Gate",
		HandlerType: (*GateServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "ScanStream",
			Handler:       _Gate_ScanStream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, srv)
}

// Gate_ScanStreamServer defines bidi stream interface.
type Gate_ScanStreamServer interface {
	grpc.ServerStream
	Send(*ScanReply) error
	Recv() (*ScanRequest, error)
}

func _Gate_ScanStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(GateServer).ScanStream(&gateScanStreamServer{ServerStream: stream})
}

type gateScanStreamServer struct {
	grpc.ServerStream
}

func (s *gateScanStreamServer) Send(m *ScanReply) error { return s.ServerStream.SendMsg(m) }

func (s *gateScanStreamServer) Recv() (*ScanRequest, error) {
	msg := new(ScanRequest)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// JSONCodec carries the plain Go messages above; pass it to
// grpc.ForceServerCodec.
type JSONCodec struct{}

var _ encoding.Codec = JSONCodec{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                               { return "json" }
