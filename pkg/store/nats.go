package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
)

// bucket is the subset of a JetStream key-value bucket the store relies on.
type bucket interface {
	Create(key string, value []byte) error
	Get(key string) ([]byte, error)
}

// jsBucket adapts nats.KeyValue to bucket.
type jsBucket struct {
	kv nats.KeyValue
}

func (b jsBucket) Create(key string, value []byte) error {
	_, err := b.kv.Create(key, value)
	if errors.Is(err, nats.ErrKeyExists) {
		return ErrAlreadyWritten
	}
	return err
}

func (b jsBucket) Get(key string) ([]byte, error) {
	entry, err := b.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

// NATSStore keeps node results in a JetStream key-value bucket. The bucket's
// create-only write gives the single-writer-per-key guarantee across
// processes, not just goroutines.
type NATSStore struct {
	bucket bucket
	runID  string
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSStore connects to NATS and opens the results bucket. Keys are
// scoped to runID so that concurrent runs never collide.
func NewNATSStore(ctx context.Context, config *natsconn.ConnectionConfig, runID string, logger *zap.Logger) (*NATSStore, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := natsconn.Connect(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	kv, err := natsconn.KeyValue(conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("Using NATS results store",
		zap.String("url", config.URL),
		zap.String("bucket", config.Bucket),
		zap.String("runID", runID))

	return &NATSStore{
		bucket: jsBucket{kv: kv},
		runID:  runID,
		conn:   conn,
		logger: logger,
	}, nil
}

func newNATSStoreWithBucket(b bucket, runID string, logger *zap.Logger) *NATSStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSStore{bucket: b, runID: runID, logger: logger}
}

func (s *NATSStore) key(nodeID string) string {
	return fmt.Sprintf("run.%s.%s", s.runID, nodeID)
}

// Put implements Store.
func (s *NATSStore) Put(_ context.Context, r NodeResult) error {
	if r.NodeID == "" {
		return fmt.Errorf("node id is required")
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal node result: %w", err)
	}

	if err := s.bucket.Create(s.key(r.NodeID), data); err != nil {
		if errors.Is(err, ErrAlreadyWritten) {
			return fmt.Errorf("%s: %w", r.NodeID, ErrAlreadyWritten)
		}
		return fmt.Errorf("failed to write node result %s: %w", r.NodeID, err)
	}

	s.logger.Debug("Stored node result",
		zap.String("nodeID", r.NodeID),
		zap.Int("bytes", len(data)))
	return nil
}

// Get implements Store.
func (s *NATSStore) Get(_ context.Context, nodeID string) (NodeResult, error) {
	data, err := s.bucket.Get(s.key(nodeID))
	if errors.Is(err, ErrNotFound) {
		return NodeResult{}, fmt.Errorf("%s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return NodeResult{}, fmt.Errorf("failed to read node result %s: %w", nodeID, err)
	}

	var r NodeResult
	if err := json.Unmarshal(data, &r); err != nil {
		return NodeResult{}, fmt.Errorf("failed to parse node result %s: %w", nodeID, err)
	}
	return r, nil
}

// Close drains the NATS connection.
func (s *NATSStore) Close() error {
	return natsconn.Close(s.conn)
}
