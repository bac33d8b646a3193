package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/logger"
)

// classifyMethod is the NLU service's unary method. Request and response are
// google.protobuf.Struct so no generated stubs are needed.
const classifyMethod = "/nlu.IntentClassifier/Classify"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig configures the remote classifier client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

func (c GRPCConfig) withDefaults() GRPCConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 3 * time.Second
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 2 * time.Minute
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
	return c
}

// GRPC classifies text through a remote NLU service.
type GRPC struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger
}

// DialGRPC connects to the classifier and waits until the connection is ready
// so that a bad address fails at startup.
func DialGRPC(ctx context.Context, cfg GRPCConfig, log *slog.Logger, opts ...grpc.DialOption) (*GRPC, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create classifier client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			log.Warn("failed to close classifier connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("classifier at %s not ready: %w", cfg.Address, err)
	}

	log.Info("connected to intent classifier", "address", cfg.Address)
	return &GRPC{conn: conn, timeout: cfg.RequestTimeout, logger: log}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Classify implements Classifier.
func (g *GRPC) Classify(ctx context.Context, text string) (res Result, err error) {
	ctx, span := logger.StartSpan(ctx, "classifier.classify")
	defer func() { logger.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{"text": text})
	if err != nil {
		return Result{}, fmt.Errorf("build classify request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, classifyMethod, req, resp); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return decodeResult(resp), nil
}

// decodeResult reads {"intent": {"name", "confidence"}, "entities": [{"entity", "value"}]}.
func decodeResult(resp *structpb.Struct) Result {
	res := Result{Intent: domain.IntentUnknown}
	fields := resp.GetFields()

	if intent := fields["intent"].GetStructValue(); intent != nil {
		if name := intent.GetFields()["name"].GetStringValue(); name != "" {
			res.Intent = domain.Intent(name)
		}
		res.Confidence = intent.GetFields()["confidence"].GetNumberValue()
	}

	for _, v := range fields["entities"].GetListValue().GetValues() {
		ent := v.GetStructValue().GetFields()
		key := ent["entity"].GetStringValue()
		if key == "" {
			continue
		}
		if res.Entities == nil {
			res.Entities = make(map[string]string)
		}
		res.Entities[key] = ent["value"].GetStringValue()
	}
	return res
}

// Close closes the connection.
func (g *GRPC) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close classifier connection", "error", err)
		}
	}
}
