// Package mqttbridge republishes plctag tag values to an MQTT broker on
// change, and turns incoming MQTT messages on a write topic back into tag
// writes. It is the teacher's mqtt.Publisher idea shrunk to operate over
// the handle-based plctag API instead of a multi-PLC manager.
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/yatesdr/plctag/logging"
	"github.com/yatesdr/plctag/plctag"
)

// MaxWriteWorkers bounds how many write requests the bridge executes
// against the PLC concurrently.
const MaxWriteWorkers = 5

// MaxWriteQueueSize bounds how many write requests may be buffered; once the
// queue is full, handleWriteMessage rejects further writes with a
// "write queue full" response instead of blocking the MQTT client callback.
const MaxWriteQueueSize = 100

// Kind identifies how a tag's payload bytes should be decoded for
// publishing and encoded on incoming writes.
type Kind int

const (
	KindInt8 Kind = iota
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindBit
)

// Config holds the broker connection parameters.
type Config struct {
	Broker    string
	Port      int
	ClientID  string
	Username  string
	Password  string
	UseTLS    bool
	RootTopic string
}

// TagSpec describes one tag tracked by the bridge.
type TagSpec struct {
	Name       string // published under RootTopic/Name
	AttrString string // plctag.Create attribute string
	Kind       Kind
	ByteOffset int
	Writable   bool
}

type trackedTag struct {
	spec   TagSpec
	handle int32
}

// TagMessage is the JSON payload published on RootTopic/<name>.
type TagMessage struct {
	Topic     string      `json:"topic"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON payload expected on RootTopic/write.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is published on RootTopic/write/response after a write
// request is processed.
type WriteResponse struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type writeJob struct {
	tag   *trackedTag
	value interface{}
}

// Bridge republishes a set of plctag tags to MQTT and accepts writes back.
type Bridge struct {
	cfg    *Config
	client pahomqtt.Client

	running bool
	mu      sync.RWMutex

	tagsMu sync.RWMutex
	tags   map[string]*trackedTag

	lastMu     sync.RWMutex
	lastValues map[string]interface{}

	writeQueue chan writeJob
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewBridge creates a bridge that is not yet connected or tracking any tags.
func NewBridge(cfg *Config) *Bridge {
	return &Bridge{
		cfg:        cfg,
		tags:       make(map[string]*trackedTag),
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// AddTag creates the underlying plctag handle for spec and registers it for
// polling and write-back. timeoutMs bounds the initial connect, same as
// plctag.Create.
func (b *Bridge) AddTag(spec TagSpec, timeoutMs int) error {
	handle, status := plctag.Create(spec.AttrString, timeoutMs)
	if status != plctag.StatusOK && status != plctag.StatusPending {
		return fmt.Errorf("mqttbridge: create %s: %s", spec.Name, status)
	}

	b.tagsMu.Lock()
	b.tags[spec.Name] = &trackedTag{spec: spec, handle: handle}
	b.tagsMu.Unlock()
	return nil
}

// Start connects to the broker and begins the poll/publish loop.
func (b *Bridge) Start(pollInterval time.Duration) error {
	b.mu.RLock()
	if b.running {
		b.mu.RUnlock()
		return nil
	}
	b.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	scheme := "tcp"
	if b.cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, b.cfg.Broker, b.cfg.Port))
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqttbridge", "connecting to %s:%d", b.cfg.Broker, b.cfg.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqttbridge: connect timeout")
	}
	if token.Error() != nil {
		return token.Error()
	}
	logging.DebugLog("mqttbridge", "connected to %s:%d", b.cfg.Broker, b.cfg.Port)

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	b.client = client
	b.running = true
	b.stopChan = make(chan struct{})
	b.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	b.mu.Unlock()

	b.lastMu.Lock()
	b.lastValues = make(map[string]interface{})
	b.lastMu.Unlock()

	b.startWriteWorkers()
	b.subscribeWrites()

	b.wg.Add(1)
	go b.pollLoop(pollInterval)

	return nil
}

// Stop disconnects from the broker and stops polling.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running || b.client == nil {
		b.mu.Unlock()
		return
	}
	b.running = false
	client := b.client
	b.client = nil
	close(b.stopChan)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqttbridge", "timeout waiting for workers to stop")
	}

	client.Disconnect(500)
}

func (b *Bridge) startWriteWorkers() {
	for i := 0; i < MaxWriteWorkers; i++ {
		b.wg.Add(1)
		go b.writeWorker()
	}
}

func (b *Bridge) writeWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			return
		case job, ok := <-b.writeQueue:
			if !ok {
				return
			}
			b.executeWrite(job)
		}
	}
}

func (b *Bridge) executeWrite(job writeJob) {
	var writeErr error
	switch v := job.value.(type) {
	case float64:
		writeErr = setTagValue(job.tag, v)
	case bool:
		if job.tag.spec.Kind != KindBit {
			writeErr = fmt.Errorf("tag %s is not a bit tag", job.tag.spec.Name)
		} else if st := plctag.SetBit(job.tag.handle, v); st != plctag.StatusOK {
			writeErr = fmt.Errorf("set bit: %s", st)
		}
	default:
		writeErr = fmt.Errorf("unsupported write value type %T", job.value)
	}

	if writeErr == nil {
		if st := plctag.Write(job.tag.handle, 2000); st != plctag.StatusOK && st != plctag.StatusPending {
			writeErr = fmt.Errorf("write: %s", st)
		}
	}

	if writeErr != nil {
		logging.DebugLog("mqttbridge", "write %s failed: %v", job.tag.spec.Name, writeErr)
	}
	b.publishWriteResponse(job.tag.spec.Name, job.value, writeErr)
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

// pollLoop periodically reads every tracked tag and republishes values that
// changed since the last tick.
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
			logging.DebugLog("mqttbridge", "read %s failed: %s", t.spec.Name, st)
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

// BuildTopic constructs the full topic path for a tag name.
func (b *Bridge) BuildTopic(name string) string {
	return fmt.Sprintf("%s/%s", b.cfg.RootTopic, name)
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
		Topic:     b.cfg.RootTopic,
		Tag:       spec.Name,
		Value:     value,
		Writable:  spec.Writable,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	token := client.Publish(b.BuildTopic(spec.Name), 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	if token.Error() != nil {
		return false
	}

	b.lastMu.Lock()
	b.lastValues[spec.Name] = value
	b.lastMu.Unlock()
	return true
}

func (b *Bridge) publishWriteResponse(tagName string, value interface{}, writeErr error) {
	b.mu.RLock()
	client := b.client
	running := b.running
	b.mu.RUnlock()
	if !running || client == nil {
		return
	}

	resp := WriteResponse{
		Tag:       tagName,
		Value:     value,
		Success:   writeErr == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if writeErr != nil {
		resp.Error = writeErr.Error()
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/write/response", b.cfg.RootTopic)
	client.Publish(topic, 1, false, payload)
}

func (b *Bridge) subscribeWrites() {
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return
	}

	topic := fmt.Sprintf("%s/write", b.cfg.RootTopic)
	logging.DebugLog("mqttbridge", "subscribing to %s", topic)
	token := client.Subscribe(topic, 1, b.handleWriteMessage)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		logging.DebugLog("mqttbridge", "subscribe to %s failed", topic)
	}
}

func (b *Bridge) handleWriteMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		logging.DebugLog("mqttbridge", "bad write request: %v", err)
		return
	}

	b.tagsMu.RLock()
	tag, ok := b.tags[req.Tag]
	b.tagsMu.RUnlock()
	if !ok {
		b.publishWriteResponse(req.Tag, req.Value, fmt.Errorf("unknown tag"))
		return
	}
	if !tag.spec.Writable {
		b.publishWriteResponse(req.Tag, req.Value, fmt.Errorf("tag is not writable"))
		return
	}

	job := writeJob{tag: tag, value: req.Value}
	select {
	case b.writeQueue <- job:
	default:
		b.publishWriteResponse(req.Tag, req.Value, fmt.Errorf("write queue full"))
	}
}
