// Package cloud periodically reports the gateway's Protocol Engine stats
// to a remote collector over gRPC, using a generic invoke rather than a
// generated service client (see DESIGN.md for why).
package cloud

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const authTokenMetadataKey = "x-gateway-token"

// StatsMethod is the fully-qualified gRPC method the reporter invokes. The
// collector is expected to accept a google.protobuf.Struct and return one.
const StatsMethod = "/lora.gateway.v1.StatsCollector/ReportStats"

// Config holds gRPC reporter configuration.
type Config struct {
	ServerAddr string // e.g. "collector.example.com:50051"
	GatewayID  string
	APIKey     string
	UseTLS     bool

	ReportInterval time.Duration

	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns sane reporter defaults.
func DefaultConfig() Config {
	return Config{
		ReportInterval:    60 * time.Second,
		UseTLS:            true,
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
		KeepaliveTime:     30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// StatSource supplies the latest stat snapshot. cmd/lora-gateway implements
// it with an adapter that converts *servermanager.ServerManager's Stats()
// result into this package's Stats.
type StatSource interface {
	Stats() Stats
}

// Stats mirrors protocol.Stats so this package stays decoupled from the
// protocol engine's internals.
type Stats struct {
	Rxnb uint64
	Rxok uint64
	Rxfw uint64
	Ackr float64
	Dwnb uint64
	Txnb uint64
}

// Reporter pushes periodic stat snapshots to the collector over gRPC.
type Reporter struct {
	cfg    Config
	source StatSource

	conn *grpc.ClientConn

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex

	connected         bool
	currentRetryDelay time.Duration
}

// New constructs a Reporter bound to a stat source.
func New(cfg Config, source StatSource) *Reporter {
	return &Reporter{
		cfg:               cfg,
		source:            source,
		stopChan:          make(chan struct{}),
		currentRetryDelay: cfg.InitialRetryDelay,
	}
}

// Start connects (with retry) and begins the periodic report loop.
func (r *Reporter) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop disconnects and joins the report loop.
func (r *Reporter) Stop() error {
	close(r.stopChan)
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// IsConnected reports whether the gRPC channel is currently established.
func (r *Reporter) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *Reporter) run(ctx context.Context) {
	defer r.wg.Done()

	if err := r.connectWithRetry(ctx); err != nil {
		return
	}

	ticker := time.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reportOnce(ctx); err != nil {
				log.Printf("cloud: report failed: %v", err)
			}
		}
	}
}

func (r *Reporter) connectWithRetry(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopChan:
			return fmt.Errorf("cloud: stopped before connect")
		default:
		}

		if err := r.connect(ctx); err == nil {
			return nil
		} else {
			log.Printf("cloud: connect failed: %v, retrying in %v", err, r.currentRetryDelay)
		}

		jitter := time.Duration(float64(r.currentRetryDelay) * r.cfg.JitterPercent * (rand.Float64()*2 - 1))
		select {
		case <-time.After(r.currentRetryDelay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopChan:
			return fmt.Errorf("cloud: stopped while backing off")
		}

		r.currentRetryDelay = time.Duration(float64(r.currentRetryDelay) * r.cfg.BackoffMultiplier)
		if r.currentRetryDelay > r.cfg.MaxRetryDelay {
			r.currentRetryDelay = r.cfg.MaxRetryDelay
		}
	}
}

func (r *Reporter) connect(ctx context.Context) error {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                r.cfg.KeepaliveTime,
			Timeout:             r.cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	if r.cfg.UseTLS {
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.DialContext(ctx, r.cfg.ServerAddr, opts...)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.connected = true
	r.mu.Unlock()
	r.currentRetryDelay = r.cfg.InitialRetryDelay

	log.Printf("cloud: connected to %s", r.cfg.ServerAddr)
	return nil
}

func (r *Reporter) reportOnce(ctx context.Context) error {
	s := r.source.Stats()

	payload, err := structpb.NewStruct(map[string]interface{}{
		"batch_id":   uuid.NewString(),
		"gateway_id": r.cfg.GatewayID,
		"reported_at": timestamppb.Now().AsTime().Format(time.RFC3339),
		"rxnb":       float64(s.Rxnb),
		"rxok":       float64(s.Rxok),
		"rxfw":       float64(s.Rxfw),
		"ackr":       s.Ackr,
		"dwnb":       float64(s.Dwnb),
		"txnb":       float64(s.Txnb),
	})
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	callCtx := metadata.AppendToOutgoingContext(ctx, authTokenMetadataKey, r.cfg.APIKey)
	reply := &structpb.Struct{}
	if err := conn.Invoke(callCtx, StatsMethod, payload, reply); err != nil {
		r.mu.Lock()
		r.connected = false
		r.mu.Unlock()
		return fmt.Errorf("invoke: %w", err)
	}
	return nil
}
