package scan

import (
	"context"
	"fmt"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var panicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gate_grpc_panics_recovered_total",
	Help: "Gate stream handlers recovered from panic.",
})

// NewGRPCServer builds the gate device server with metrics, logging and
// panic recovery around every stream.
func NewGRPCServer(srv GateServer, reg prometheus.Registerer, logger *zap.Logger) (*grpc.Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := grpcprom.NewServerMetrics()
	if reg != nil {
		if err := reg.Register(metrics); err != nil {
			return nil, fmt.Errorf("register grpc metrics: %w", err)
		}
	}
	onPanic := recovery.WithRecoveryHandler(func(p any) error {
		panicsRecovered.Inc()
		logger.Error("gate stream panic", zap.Any("panic", p), zap.Stack("stack"))
		return status.Error(codes.Internal, "internal error")
	})
	server := grpc.NewServer(
		grpc.ForceServerCodec(JSONCodec{}),
		grpc.ChainStreamInterceptor(
			metrics.StreamServerInterceptor(),
			logging.StreamServerInterceptor(interceptorLogger(logger), logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)),
			recovery.StreamServerInterceptor(onPanic),
		),
	)
	RegisterGateServer(server, srv)
	metrics.InitializeMetrics(server)
	return server, nil
}

func interceptorLogger(l *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(_ context.Context, lvl logging.Level, msg string, fields ...any) {
		zf := make([]zap.Field, 0, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			zf = append(zf, zap.Any(key, fields[i+1]))
		}
		switch lvl {
		case logging.LevelDebug:
			l.Debug(msg, zf...)
		case logging.LevelInfo:
			l.Info(msg, zf...)
		case logging.LevelWarn:
			l.Warn(msg, zf...)
		default:
			l.Error(msg, zf...)
		}
	})
}
