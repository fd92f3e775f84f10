// Package valkeybridge republishes plctag tag values to a Valkey/Redis
// server on change, storing the latest value under a key and publishing it
// to a pub/sub channel, and drains a write-back queue back into tag writes.
// It mirrors the teacher's valkey.Publisher shape over the handle-based
// plctag API instead of a multi-PLC manager.
package valkeybridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yatesdr/plctag/logging"
	"github.com/yatesdr/plctag/plctag"
)

// Kind identifies how a tag's payload bytes should be decoded/encoded.
type Kind int

const (
	KindInt8 Kind = iota
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindBit
)

// Config holds the Valkey/Redis connection parameters.
type Config struct {
	Address         string
	Password        string
	Database        int
	UseTLS          bool
	Namespace       string // key/channel prefix, e.g. "line3"
	KeyTTL          time.Duration
	PublishChanges  bool
	EnableWriteback bool
}

// TagSpec describes one tag tracked by the bridge.
type TagSpec struct {
	Name       string
	AttrString string
	Kind       Kind
	ByteOffset int
	Writable   bool
}

type trackedTag struct {
	spec   TagSpec
	handle int32
}

// TagMessage is the JSON value stored under Namespace:tags:<name>.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is popped from the Namespace:writes list.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is published to Namespace:write:responses.
type WriteResponse struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Bridge republishes a set of plctag tags to Valkey and drains writes back.
type Bridge struct {
	cfg    *Config
	client *redis.Client

	running bool
	mu      sync.RWMutex

	tagsMu sync.RWMutex
	tags   map[string]*trackedTag

	lastMu     sync.RWMutex
	lastValues map[string]interface{}

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewBridge creates a bridge that is not yet connected or tracking any tags.
func NewBridge(cfg *Config) *Bridge {
	return &Bridge{
		cfg:        cfg,
		tags:       make(map[string]*trackedTag),
		lastValues: make(map[string]interface{}),
		stopChan:   make(chan struct{}),
	}
}

// joinKey joins key segments with colons, dropping empty segments so a
// blank namespace does not leave a leading colon.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// AddTag creates the underlying plctag handle for spec and registers it for
// polling and write-back.
func (b *Bridge) AddTag(spec TagSpec, timeoutMs int) error {
	handle, status := plctag.Create(spec.AttrString, timeoutMs)
	if status != plctag.StatusOK && status != plctag.StatusPending {
		return fmt.Errorf("valkeybridge: create %s: %s", spec.Name, status)
	}

	b.tagsMu.Lock()
	b.tags[spec.Name] = &trackedTag{spec: spec, handle: handle}
	b.tagsMu.Unlock()
	return nil
}

// Start connects to the server and begins the poll/publish loop.
func (b *Bridge) Start(pollInterval time.Duration) error {
	b.mu.RLock()
	if b.running {
		b.mu.RUnlock()
		return nil
	}
	b.mu.RUnlock()

	opts := &redis.Options{
		Addr:         b.cfg.Address,
		Password:     b.cfg.Password,
		DB:           b.cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if b.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugLog("valkeybridge", "connecting to %s (db %d, tls %v)", b.cfg.Address, b.cfg.Database, b.cfg.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("valkeybridge: connect %s: %w", b.cfg.Address, err)
	}
	logging.DebugLog("valkeybridge", "connected to %s", b.cfg.Address)

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		client.Close()
		return nil
	}
	b.client = client
	b.running = true
	b.stopChan = make(chan struct{})
	b.mu.Unlock()

	b.lastMu.Lock()
	b.lastValues = make(map[string]interface{})
	b.lastMu.Unlock()

	if b.cfg.EnableWriteback {
		b.wg.Add(1)
		go b.writebackListener()
	}

	b.wg.Add(1)
	go b.pollLoop(pollInterval)

	return nil
}

// Stop disconnects from the server and stops polling.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopChan)
	client := b.client
	b.client = nil
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("valkeybridge", "timeout waiting for workers to stop")
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

func (b *Bridge) pollLoop(interval time.Duration) {
	defer b.wg.Done()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.pollOnce()
		}
	}
}

func (b *Bridge) pollOnce() {
	b.tagsMu.RLock()
	tags := make([]*trackedTag, 0, len(b.tags))
	for _, t := range b.tags {
		tags = append(tags, t)
	}
	b.tagsMu.RUnlock()

	for _, t := range tags {
		if st := plctag.Read(t.handle, 2000); st != plctag.StatusOK && st != plctag.StatusPending {
			logging.DebugLog("valkeybridge", "read %s failed: %s", t.spec.Name, st)
			continue
		}
		value, ok := readTagValue(t)
		if !ok {
			continue
		}
		b.publish(t.spec, value)
	}
}

func readTagValue(t *trackedTag) (interface{}, bool) {
	switch t.spec.Kind {
	case KindBit:
		v, st := plctag.GetBit(t.handle)
		return v, st == plctag.StatusOK
	case KindInt8:
		v, st := plctag.GetIntN(t.handle, t.spec.ByteOffset, 1)
		return v, st == plctag.StatusOK
	case KindInt16:
		v, st := plctag.GetIntN(t.handle, t.spec.ByteOffset, 2)
		return v, st == plctag.StatusOK
	case KindInt32:
		v, st := plctag.GetIntN(t.handle, t.spec.ByteOffset, 4)
		return v, st == plctag.StatusOK
	case KindInt64:
		v, st := plctag.GetIntN(t.handle, t.spec.ByteOffset, 8)
		return v, st == plctag.StatusOK
	case KindFloat32:
		v, st := plctag.GetFloat32(t.handle, t.spec.ByteOffset)
		return v, st == plctag.StatusOK
	default:
		return nil, false
	}
}

func (b *Bridge) publish(spec TagSpec, value interface{}) bool {
	b.mu.RLock()
	client := b.client
	running := b.running
	b.mu.RUnlock()
	if !running || client == nil {
		return false
	}

	b.lastMu.RLock()
	last, exists := b.lastValues[spec.Name]
	b.lastMu.RUnlock()
	if exists && fmt.Sprintf("%v", last) == fmt.Sprintf("%v", value) {
		return false
	}

	msg := TagMessage{
		Namespace: b.cfg.Namespace,
		Tag:       spec.Name,
		Value:     value,
		Writable:  spec.Writable,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := joinKey(b.cfg.Namespace, "tags", spec.Name)
	var setErr error
	if b.cfg.KeyTTL > 0 {
		setErr = client.Set(ctx, key, data, b.cfg.KeyTTL).Err()
	} else {
		setErr = client.Set(ctx, key, data, 0).Err()
	}
	if setErr != nil {
		logging.DebugLog("valkeybridge", "set %s failed: %v", key, setErr)
		return false
	}

	if b.cfg.PublishChanges {
		client.Publish(ctx, joinKey(b.cfg.Namespace, "changes"), data)
	}

	b.lastMu.Lock()
	b.lastValues[spec.Name] = value
	b.lastMu.Unlock()
	return true
}

// writebackListener blocks on the namespace's write queue and applies each
// request it pops.
func (b *Bridge) writebackListener() {
	defer b.wg.Done()

	queueKey := joinKey(b.cfg.Namespace, "writes")
	responseChannel := joinKey(b.cfg.Namespace, "write", "responses")

	for {
		select {
		case <-b.stopChan:
			return
		default:
		}

		b.mu.RLock()
		client := b.client
		running := b.running
		b.mu.RUnlock()
		if !running || client == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()
		if err != nil {
			if err != redis.Nil {
				logging.DebugLog("valkeybridge", "write queue error: %v", err)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			logging.DebugLog("valkeybridge", "bad write request: %v", err)
			continue
		}
		b.processWriteRequest(client, req, responseChannel)
	}
}

func (b *Bridge) processWriteRequest(client *redis.Client, req WriteRequest, responseChannel string) {
	b.tagsMu.RLock()
	tag, ok := b.tags[req.Tag]
	b.tagsMu.RUnlock()

	resp := WriteResponse{Tag: req.Tag, Value: req.Value, Timestamp: time.Now().UTC()}

	var writeErr error
	if !ok {
		writeErr = fmt.Errorf("unknown tag")
	} else if !tag.spec.Writable {
		writeErr = fmt.Errorf("tag is not writable")
	} else {
		writeErr = applyWrite(tag, req.Value)
	}

	if writeErr != nil {
		resp.Success = false
		resp.Error = writeErr.Error()
	} else {
		resp.Success = true
	}

	data, _ := json.Marshal(resp)
	ctx := context.Background()
	client.Publish(ctx, responseChannel, data)

	logging.DebugLog("valkeybridge", "write %s = %v -> success=%v", req.Tag, req.Value, resp.Success)
}

func applyWrite(tag *trackedTag, value interface{}) error {
	switch v := value.(type) {
	case float64:
		if err := setTagValue(tag, v); err != nil {
			return err
		}
	case bool:
		if tag.spec.Kind != KindBit {
			return fmt.Errorf("tag %s is not a bit tag", tag.spec.Name)
		}
		if st := plctag.SetBit(tag.handle, v); st != plctag.StatusOK {
			return fmt.Errorf("set bit: %s", st)
		}
	default:
		return fmt.Errorf("unsupported write value type %T", value)
	}

	if st := plctag.Write(tag.handle, 2000); st != plctag.StatusOK && st != plctag.StatusPending {
		return fmt.Errorf("write: %s", st)
	}
	return nil
}

func setTagValue(tag *trackedTag, v float64) error {
	switch tag.spec.Kind {
	case KindInt8:
		return statusErr(plctag.SetIntN(tag.handle, tag.spec.ByteOffset, 1, int64(v)))
	case KindInt16:
		return statusErr(plctag.SetIntN(tag.handle, tag.spec.ByteOffset, 2, int64(v)))
	case KindInt32:
		return statusErr(plctag.SetIntN(tag.handle, tag.spec.ByteOffset, 4, int64(v)))
	case KindInt64:
		return statusErr(plctag.SetIntN(tag.handle, tag.spec.ByteOffset, 8, int64(v)))
	case KindFloat32:
		return statusErr(plctag.SetFloat32(tag.handle, tag.spec.ByteOffset, float32(v)))
	default:
		return fmt.Errorf("tag %s does not accept a numeric write", tag.spec.Name)
	}
}

func statusErr(st plctag.Status) error {
	if st != plctag.StatusOK {
		return fmt.Errorf("%s", st)
	}
	return nil
}
