// Package cache implements the Redis protocol shared by the API
// gateway and the data-loading workers: load job status entries,
// dataset descriptors, encoded chunks and the pub/sub channel that
// coordinates the two sides.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel carries load and chunk requests from gateway to workers.
const Channel = "data-portal"

// ChunkTTL bounds how long an encoded chunk stays cached.
const ChunkTTL = 360 * time.Second

// DefaultExp is the default lifetime of status entries and dataset
// descriptors (env API_CACHE_EXP).
const DefaultExp = 3600 * time.Second

// LoadStatus enumerates the load job state machine.
type LoadStatus int

const (
	StatusFinished   LoadStatus = 0
	StatusFailed     LoadStatus = 1
	StatusSubmitted  LoadStatus = 2
	StatusInProgress LoadStatus = 3
	StatusUnknown    LoadStatus = 5
)

// Terminal reports whether a job in this state will make no further
// progress on its own. Failed jobs may be resubmitted.
func (s LoadStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

func (s LoadStatus) String() string {
	switch s {
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	case StatusSubmitted:
		return "submitted"
	case StatusInProgress:
		return "in progress"
	default:
		return "unknown"
	}
}

// StatusEntry is the cached state of one load job, keyed by the
// dataset's cache token.
type StatusEntry struct {
	Status  LoadStatus      `json:"status"`
	ObjPath string          `json:"obj_path"`
	Reason  string          `json:"reason,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
	URL     string          `json:"url,omitempty"`
}

// Message is one pub/sub frame on Channel. Exactly one field is set.
type Message struct {
	URI      *URIRequest   `json:"uri,omitempty"`
	Chunk    *ChunkRequest `json:"chunk,omitempty"`
	Shutdown bool          `json:"shutdown,omitempty"`
}

// URIRequest asks a worker to open a dataset and cache its metadata.
// Multi-path requests carry the inputs and an aggregation plan which
// the worker interprets.
type URIRequest struct {
	Path      string          `json:"path"`
	UUID      string          `json:"uuid"`
	Paths     []string        `json:"paths,omitempty"`
	Engine    string          `json:"engine,omitempty"`
	Aggregate json.RawMessage `json:"aggregate,omitempty"`
}

// ChunkRequest asks a worker to encode one chunk of a loaded dataset.
type ChunkRequest struct {
	UUID     string `json:"uuid"`
	Variable string `json:"variable"`
	Chunk    string `json:"chunk"`
}

// Config carries the Redis connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	CertFile string
	KeyFile  string
	Exp      time.Duration
}

// Cache wraps the Redis client with the key layout.
type Cache struct {
	rdb *redis.Client
	exp time.Duration
}

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

// New connects a cache client. TLS is enabled when a certificate file
// is configured; peer verification is skipped as brokers commonly run
// with self-signed certificates inside the deployment.
func New(cfg Config) *Cache {
	var opts = &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Username: cfg.User,
		Password: cfg.Password,
	}
	if cfg.CertFile != "" {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		if cfg.KeyFile != "" {
			if pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile); err == nil {
				opts.TLSConfig.Certificates = []tls.Certificate{pair}
			}
		}
	}
	var exp = cfg.Exp
	if exp <= 0 {
		exp = DefaultExp
	}
	return &Cache{rdb: redis.NewClient(opts), exp: exp}
}

// NewWithClient wires an existing client (tests).
func NewWithClient(rdb *redis.Client, exp time.Duration) *Cache {
	if exp <= 0 {
		exp = DefaultExp
	}
	return &Cache{rdb: rdb, exp: exp}
}

// Ping verifies the connection.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unavailable: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Cache) Close() error { return c.rdb.Close() }

// Exp returns the configured status entry lifetime.
func (c *Cache) Exp() time.Duration { return c.exp }

func chunkKey(token, variable, chunk string) string {
	return token + "-" + variable + "-" + chunk
}

// GetStatus reads a load job status entry.
func (c *Cache) GetStatus(ctx context.Context, token string) (*StatusEntry, error) {
	var raw, err = c.rdb.Get(ctx, token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	} else if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	var entry StatusEntry
	if err = json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode status entry: %w", err)
	}
	return &entry, nil
}

// SetStatus writes a status entry with the configured expiry.
func (c *Cache) SetStatus(ctx context.Context, token string, entry *StatusEntry) error {
	var raw, err = json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.SetEx(ctx, token, raw, c.exp).Err()
}

// GetDescriptor reads the serialized dataset descriptor of a finished
// load job.
func (c *Cache) GetDescriptor(ctx context.Context, token string) ([]byte, error) {
	var raw, err = c.rdb.Get(ctx, token+"-dset").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	} else if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return raw, nil
}

// SetDescriptor caches the dataset descriptor alongside the status.
func (c *Cache) SetDescriptor(ctx context.Context, token string, raw []byte) error {
	return c.rdb.SetEx(ctx, token+"-dset", raw, c.exp).Err()
}

// GetChunk reads an encoded chunk.
func (c *Cache) GetChunk(ctx context.Context, token, variable, chunk string) ([]byte, error) {
	var raw, err = c.rdb.Get(ctx, chunkKey(token, variable, chunk)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	} else if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	return raw, nil
}

// SetChunk caches an encoded chunk for ChunkTTL.
func (c *Cache) SetChunk(ctx context.Context, token, variable, chunk string, data []byte) error {
	return c.rdb.SetEx(ctx, chunkKey(token, variable, chunk), data, ChunkTTL).Err()
}

func (c *Cache) publish(ctx context.Context, msg *Message) error {
	var raw, err = json.Marshal(msg)
	if err != nil {
		return err
	}
	if err = c.rdb.Publish(ctx, Channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", Channel, err)
	}
	return nil
}

// PublishLoad submits a dataset load request and marks the job
// submitted so concurrent readers see it in flight.
func (c *Cache) PublishLoad(ctx context.Context, path, token string) error {
	return c.PublishLoadRequest(ctx, &URIRequest{Path: path, UUID: token})
}

// PublishLoadRequest is the general form, used for aggregated loads.
func (c *Cache) PublishLoadRequest(ctx context.Context, req *URIRequest) error {
	if err := c.SetStatus(ctx, req.UUID, &StatusEntry{
		Status:  StatusSubmitted,
		ObjPath: req.Path,
	}); err != nil {
		return err
	}
	return c.publish(ctx, &Message{URI: req})
}

// PublishChunk asks workers to encode one chunk.
func (c *Cache) PublishChunk(ctx context.Context, token, variable, chunk string) error {
	return c.publish(ctx, &Message{Chunk: &ChunkRequest{
		UUID: token, Variable: variable, Chunk: chunk,
	}})
}

// PublishShutdown stops workers. Development deployments only.
func (c *Cache) PublishShutdown(ctx context.Context) error {
	return c.publish(ctx, &Message{Shutdown: true})
}

// Subscribe opens the worker side of the channel.
func (c *Cache) Subscribe(ctx context.Context) *redis.PubSub {
	return c.rdb.Subscribe(ctx, Channel)
}

// statusPollInterval paces WaitStatus.
const statusPollInterval = 500 * time.Millisecond

// WaitStatus polls a job until it reaches a terminal state or the
// context expires. The last observed entry is returned either way;
// a nil entry means the key was never present.
func (c *Cache) WaitStatus(ctx context.Context, token string) (*StatusEntry, error) {
	var ticker = time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	var last *StatusEntry
	for {
		var entry, err = c.GetStatus(ctx, token)
		if err == nil {
			last = entry
			if entry.Status.Terminal() {
				return entry, nil
			}
		} else if !errors.Is(err, ErrMiss) {
			return last, err
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
