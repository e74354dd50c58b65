package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/freva-org/freva-gateway/go/cache"
	"github.com/freva-org/freva-gateway/go/zarr"
)

var (
	jobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_worker_jobs_total",
		Help: "Load and chunk jobs processed by this worker.",
	}, []string{"kind", "outcome"})
	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portal_worker_jobs_in_flight",
		Help: "Jobs currently being processed.",
	})
)

// Worker consumes the coordination channel and materializes datasets
// into the cache.
type Worker struct {
	cache       *cache.Cache
	concurrency int
	devMode     bool

	handles *lru.Cache[string, *Loaded]
	mu      sync.Mutex // serializes loads of the same token
	loading map[string]*sync.WaitGroup
}

// handleCacheSize bounds how many open datasets a worker keeps warm.
const handleCacheSize = 32

// New builds a worker over a connected cache.
func New(c *cache.Cache, concurrency int, devMode bool) (*Worker, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	var handles, err = lru.NewWithEvict[string, *Loaded](handleCacheSize,
		func(_ string, l *Loaded) { l.Close() })
	if err != nil {
		return nil, err
	}
	return &Worker{
		cache:       c,
		concurrency: concurrency,
		devMode:     devMode,
		handles:     handles,
		loading:     map[string]*sync.WaitGroup{},
	}, nil
}

// Run subscribes and processes messages until the context ends, or
// until a shutdown message arrives in development mode.
func (w *Worker) Run(ctx context.Context) error {
	var sub = w.cache.Subscribe(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", cache.Channel, err)
	}
	log.WithFields(log.Fields{
		"channel":     cache.Channel,
		"concurrency": w.concurrency,
	}).Info("worker started")

	var sem = make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	var ch = sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			var msg cache.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.WithField("err", err).Warn("discarding malformed message")
				continue
			}
			if msg.Shutdown {
				if w.devMode {
					log.Info("shutdown requested")
					return nil
				}
				log.Warn("ignoring shutdown outside development mode")
				continue
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(msg cache.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				jobsInFlight.Inc()
				defer jobsInFlight.Dec()
				w.dispatch(ctx, &msg)
			}(msg)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, msg *cache.Message) {
	switch {
	case msg.URI != nil:
		w.handleLoad(ctx, msg.URI)
	case msg.Chunk != nil:
		w.handleChunk(ctx, msg.Chunk)
	default:
		log.Warn("discarding empty message")
	}
}

// handleLoad opens a dataset and publishes its consolidated metadata.
// Finished jobs are not repeated; failed and submitted ones are.
func (w *Worker) handleLoad(ctx context.Context, req *cache.URIRequest) {
	var logger = log.WithFields(log.Fields{"token": req.UUID, "path": req.Path})

	if entry, err := w.cache.GetStatus(ctx, req.UUID); err == nil &&
		entry.Status == cache.StatusFinished {
		logger.Debug("dataset already loaded")
		return
	}
	if err := w.cache.SetStatus(ctx, req.UUID, &cache.StatusEntry{
		Status:  cache.StatusInProgress,
		ObjPath: req.Path,
	}); err != nil {
		logger.WithField("err", err).Error("failed to mark job in progress")
		return
	}

	var desc = descriptorOf(req)
	var loaded, err = Load(desc)
	if err != nil {
		jobsStarted.WithLabelValues("load", "failed").Inc()
		logger.WithField("err", err).Error("failed to load dataset")
		w.fail(ctx, req.UUID, req.Path, err)
		return
	}

	var meta, merr = json.Marshal(loaded.Cons)
	if merr != nil {
		loaded.Close()
		w.fail(ctx, req.UUID, req.Path, merr)
		return
	}
	if err = w.cache.SetDescriptor(ctx, req.UUID, desc.Marshal()); err != nil {
		logger.WithField("err", err).Error("failed to cache descriptor")
	}
	if err = w.cache.SetStatus(ctx, req.UUID, &cache.StatusEntry{
		Status:  cache.StatusFinished,
		ObjPath: req.Path,
		Meta:    meta,
	}); err != nil {
		logger.WithField("err", err).Error("failed to cache status")
		loaded.Close()
		return
	}
	w.handles.Add(req.UUID, loaded)
	jobsStarted.WithLabelValues("load", "ok").Inc()
	logger.Info("dataset loaded")
}

// descriptorOf normalizes the request into a cacheable descriptor.
func descriptorOf(req *cache.URIRequest) *Descriptor {
	var d = &Descriptor{
		Path:   normalizePath(req.Path),
		Engine: req.Engine,
	}
	if len(req.Aggregate) > 0 {
		var plan Plan
		if err := json.Unmarshal(req.Aggregate, &plan); err == nil {
			d.Aggregate = &plan
		}
	}
	for _, p := range req.Paths {
		d.Paths = append(d.Paths, normalizePath(p))
	}
	return d
}

func normalizePath(p string) string {
	return strings.TrimPrefix(p, "file://")
}

func (w *Worker) fail(ctx context.Context, token, path string, cause error) {
	if err := w.cache.SetStatus(ctx, token, &cache.StatusEntry{
		Status:  cache.StatusFailed,
		ObjPath: path,
		Reason:  cause.Error(),
	}); err != nil {
		log.WithFields(log.Fields{"token": token, "err": err}).
			Error("failed to record job failure")
	}
}

// handleChunk encodes one chunk of a loaded dataset into the cache.
func (w *Worker) handleChunk(ctx context.Context, req *cache.ChunkRequest) {
	var logger = log.WithFields(log.Fields{
		"token": req.UUID, "variable": req.Variable, "chunk": req.Chunk,
	})
	var data, err = w.encodeChunk(ctx, req)
	if err != nil {
		jobsStarted.WithLabelValues("chunk", "failed").Inc()
		logger.WithField("err", err).Error("failed to encode chunk")
		return
	}
	if err = w.cache.SetChunk(ctx, req.UUID, req.Variable, req.Chunk, data); err != nil {
		logger.WithField("err", err).Error("failed to cache chunk")
		return
	}
	jobsStarted.WithLabelValues("chunk", "ok").Inc()
}

func (w *Worker) encodeChunk(ctx context.Context, req *cache.ChunkRequest) ([]byte, error) {
	var loaded, err = w.loadedDataset(ctx, req.UUID)
	if err != nil {
		return nil, err
	}
	var v, ok = loaded.Vars[req.Variable]
	if !ok {
		return nil, fmt.Errorf("no such variable: %s", req.Variable)
	}
	za, err := variableZArray(v)
	if err != nil {
		return nil, err
	}
	index, err := zarr.ParseChunkID(req.Chunk, za)
	if err != nil {
		return nil, err
	}
	var offset, extent = zarr.ChunkRegion(index, za)
	raw, err := v.Reader.ReadRegion(offset, extent)
	if err != nil {
		return nil, err
	}
	// Edge chunks pad to the full chunk shape; padding content is
	// undefined and masked by readers through the fill value.
	if raw, err = zarr.PadChunk(raw, extent, za); err != nil {
		return nil, err
	}
	return zarr.EncodeChunk(raw, za)
}

// loadedDataset returns the open dataset of a token, re-opening it
// from the cached descriptor when this worker has no warm handle.
func (w *Worker) loadedDataset(ctx context.Context, token string) (*Loaded, error) {
	if l, ok := w.handles.Get(token); ok {
		return l, nil
	}

	// Single-flight per token: a burst of chunk requests for a fresh
	// token must not open the dataset once per request.
	w.mu.Lock()
	if wg, ok := w.loading[token]; ok {
		w.mu.Unlock()
		wg.Wait()
		if l, ok := w.handles.Get(token); ok {
			return l, nil
		}
		return nil, fmt.Errorf("dataset %s is not loaded", token)
	}
	var wg = &sync.WaitGroup{}
	wg.Add(1)
	w.loading[token] = wg
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.loading, token)
		w.mu.Unlock()
		wg.Done()
	}()

	var raw, err = w.cache.GetDescriptor(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("no descriptor for %s: %w", token, err)
	}
	loaded, err := LoadDescriptor(raw)
	if err != nil {
		return nil, err
	}
	w.handles.Add(token, loaded)
	return loaded, nil
}
