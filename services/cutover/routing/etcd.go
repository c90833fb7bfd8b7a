package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdStore keeps the directive as one JSON value under a single key.
// Single-key puts are atomic in etcd, which gives us the torn-read guarantee
// for free.
type EtcdStore struct {
	client *clientv3.Client
	key    string
	logger *zap.Logger
}

func NewEtcdStore(endpoints []string, dialTimeout time.Duration, key string, logger *zap.Logger) (*EtcdStore, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return &EtcdStore{
		client: client,
		key:    key,
		logger: logger,
	}, nil
}

func (s *EtcdStore) Publish(ctx context.Context, d Directive) error {
	out, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal directive: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key, string(out)); err != nil {
		return fmt.Errorf("put directive: %w", err)
	}
	s.logger.Info("published routing directive",
		zap.String("write_target", string(d.WriteTarget)),
		zap.Int("read_split_percentage", d.ReadSplitPercentage),
		zap.Bool("cutover_in_progress", d.CutoverInProgress))
	return nil
}

func (s *EtcdStore) Get(ctx context.Context) (Directive, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return Directive{}, fmt.Errorf("get directive: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return DefaultDirective(), nil
	}
	var d Directive
	if err := json.Unmarshal(resp.Kvs[0].Value, &d); err != nil {
		return Directive{}, fmt.Errorf("unmarshal directive: %w", err)
	}
	return d, nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
