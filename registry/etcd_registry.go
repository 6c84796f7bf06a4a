package registry

// Ready instances can also be published to etcd so that workers (or other
// gateways) find each other without going through this process:
//
//	Key:   /procmesh/{service}/{processId}
//	Value: JSON-encoded Record
//
// Entries are attached to a TTL lease. If the gateway dies the lease expires
// and the entries disappear with it.

import (
	"context"
	"net"
	"strconv"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"procmesh/codec"
)

const keyPrefix = "/procmesh/"

// Record is what gets published for one ready instance.
type Record struct {
	Service   string `json:"service"`
	ProcessID string `json:"processId"`
	Addr      string `json:"addr"`
}

// Publisher mirrors instance readiness somewhere outside this process.
type Publisher interface {
	Register(ctx context.Context, rec Record, ttl int64) error
	Deregister(ctx context.Context, service, processID string) error
}

// EtcdPublisher implements Publisher on etcd v3.
type EtcdPublisher struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdPublisher connects to the given etcd endpoints.
func NewEtcdPublisher(endpoints []string, logger *zap.Logger) (*EtcdPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdPublisher{client: c, logger: logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

func recordKey(service, processID string) string {
	return keyPrefix + service + "/" + processID
}

// Register writes rec under a lease of ttl seconds and keeps the lease alive
// until Deregister or Close.
func (p *EtcdPublisher) Register(ctx context.Context, rec Record, ttl int64) error {
	lease, err := p.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := codec.Default.Encode(rec)
	if err != nil {
		return err
	}

	key := recordKey(rec.Service, rec.ProcessID)
	if _, err := p.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive must outlive ctx, which usually belongs to one spawn.
	ch, err := p.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()

	p.mu.Lock()
	p.leases[key] = lease.ID
	p.mu.Unlock()
	p.logger.Debug("published instance", zap.String("key", key), zap.String("addr", rec.Addr))
	return nil
}

// Deregister removes the record and revokes its lease.
func (p *EtcdPublisher) Deregister(ctx context.Context, service, processID string) error {
	key := recordKey(service, processID)
	p.mu.Lock()
	lease, ok := p.leases[key]
	delete(p.leases, key)
	p.mu.Unlock()

	if _, err := p.client.Delete(ctx, key); err != nil {
		return err
	}
	if ok {
		if _, err := p.client.Revoke(ctx, lease); err != nil {
			return err
		}
	}
	return nil
}

// Discover returns every published instance of service.
func (p *EtcdPublisher) Discover(ctx context.Context, service string) ([]Record, error) {
	resp, err := p.client.Get(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec Record
		if err := codec.Default.Decode(kv.Value, &rec); err != nil {
			p.logger.Warn("skipping malformed record", zap.ByteString("key", kv.Key))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *EtcdPublisher) Close() error {
	return p.client.Close()
}

// Addr formats host and port the way records carry them.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
