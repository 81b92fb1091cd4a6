package scan

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/parkwise/internal/auth"
	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/token"
)

// Server implements GateServer on top of a Gateway.
type Server struct {
	gateway *Gateway
	secret  string
	logger  *zap.Logger
}

// NewServer constructs a server. Devices authenticate with the same bearer
// tokens as the HTTP API, sent as "authorization" metadata.
func NewServer(gateway *Gateway, secret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{gateway: gateway, secret: secret, logger: logger.Named("scan.grpc")}
}

// ScanStream answers every scan on the stream until the device closes it.
func (s *Server) ScanStream(stream Gate_ScanStreamServer) error {
	ctx := stream.Context()
	caller, err := s.authenticate(ctx)
	if err != nil {
		return err
	}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		reply := &ScanReply{RequestID: msg.RequestID}
		res, err := s.gateway.Scan(ctx, msg.Pass, caller)
		if err != nil {
			reply.Error = err.Error()
			reply.Code = ErrorCode(err)
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				reply.Status = string(rejected.Status)
			}
		} else {
			reply.BookingID = res.Booking.ID.String()
			reply.Event = string(res.Event)
			reply.Status = string(res.Booking.Status)
		}
		if err := stream.Send(reply); err != nil {
			return err
		}
	}
}

func (s *Server) authenticate(ctx context.Context) (auth.Caller, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if values := md.Get("authorization"); len(values) > 0 {
		header = values[0]
	}
	claims, err := auth.Parse(s.secret, auth.TokenFromHeader(header))
	if err != nil {
		return auth.Caller{}, status.Error(codes.Unauthenticated, "invalid token")
	}
	return claims.Caller(), nil
}

// ErrorCode names the error kind for gate devices.
func ErrorCode(err error) string {
	if errors.Is(err, token.ErrInvalidPass) {
		return "invalid_pass"
	}
	if code := domain.ErrorCode(err); code != "" {
		return code
	}
	return "internal"
}
