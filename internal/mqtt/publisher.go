package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/mailgate/internal/buildinfo"
	"github.com/nugget/mailgate/internal/config"
	"github.com/nugget/mailgate/internal/scheduler"
)

// publishTimeout bounds a single status publish from ObserveCycle so a
// dead broker cannot stall the scheduler.
const publishTimeout = 5 * time.Second

// Status is the retained JSON document on the status topic.
type Status struct {
	State          string     `json:"state"`
	LastCheck      time.Time  `json:"last_check"`
	LastSuccess    *time.Time `json:"last_success,omitempty"`
	DurationMS     int64      `json:"duration_ms"`
	Listed         int        `json:"listed"`
	New            int        `json:"new"`
	Forwarded      int        `json:"forwarded"`
	Failed         int        `json:"failed"`
	Baseline       bool       `json:"baseline,omitempty"`
	ForwardedToday int64      `json:"forwarded_today"`
	FailedToday    int64      `json:"failed_today"`
	Error          string     `json:"error,omitempty"`
	Version        string     `json:"version"`
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and pushes a status document after every
// check cycle. It implements [scheduler.Observer].
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	daily      *DailyCounts
	staleAfter time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	cm          *autopaho.ConnectionManager
	last        *Status
	lastSuccess time.Time
}

var _ scheduler.Observer = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithStaleAfter sets how long Home Assistant keeps the status and
// last-check sensors valid without a fresh status. Pass a few poll
// intervals. Zero, the default, never expires them.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Publisher) { p.staleAfter = d }
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		daily:      NewDailyCounts(time.Local),
		logger:     logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it publishes discovery configs, a birth
// message and the latest status.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.mu.Lock()
			last := p.last
			p.mu.Unlock()
			if last != nil {
				p.publishStatus(ctx, cm, last)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mailgate-" + p.instanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.cm = nil
	p.mu.Unlock()

	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// ObserveCycle records the cycle and publishes the resulting status
// when connected. Without a connection the status is kept and sent on
// the next connect.
func (p *Publisher) ObserveCycle(exec *scheduler.Execution) {
	status := p.record(exec)

	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	p.publishStatus(ctx, cm, status)
}

// record folds exec into the daily counters and stores the status
// document derived from it.
func (p *Publisher) record(exec *scheduler.Execution) *Status {
	p.daily.Record(exec.Result.Forwarded, exec.Result.Failed)
	forwardedToday, failedToday, _ := p.daily.Snapshot()

	p.mu.Lock()
	defer p.mu.Unlock()

	if exec.Status == scheduler.StatusCompleted {
		p.lastSuccess = exec.CompletedAt
	}

	s := &Status{
		State:          string(exec.Status),
		LastCheck:      exec.CompletedAt,
		DurationMS:     exec.Duration().Milliseconds(),
		Listed:         exec.Result.Listed,
		New:            exec.Result.New,
		Forwarded:      exec.Result.Forwarded,
		Failed:         exec.Result.Failed,
		Baseline:       exec.Result.Baseline,
		ForwardedToday: forwardedToday,
		FailedToday:    failedToday,
		Version:        buildinfo.Version,
	}
	if !p.lastSuccess.IsZero() {
		ts := p.lastSuccess
		s.LastSuccess = &ts
	}
	if exec.Err != nil {
		s.Error = exec.Err.Error()
	}
	p.last = s
	return s
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "mailgate/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.baseTopic() + "/status"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	sensor := func(suffix, name, template string) SensorConfig {
		return SensorConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.statusTopic(),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			ValueTemplate:     template,
		}
	}

	status := sensor("status", "Status", "{{ value_json.state }}")
	status.Icon = "mdi:email-sync"
	status.JsonAttributesTopic = p.statusTopic()
	status.ExpireAfter = expireSeconds(p.staleAfter)

	lastCheck := sensor("last_check", "Last Check", "{{ value_json.last_check }}")
	lastCheck.DeviceClass = "timestamp"
	lastCheck.EntityCategory = "diagnostic"
	lastCheck.ExpireAfter = expireSeconds(p.staleAfter)

	lastSuccess := sensor("last_success", "Last Success", "{{ value_json.last_success | default(None) }}")
	lastSuccess.DeviceClass = "timestamp"
	lastSuccess.EntityCategory = "diagnostic"

	forwarded := sensor("forwarded_today", "Forwarded Today", "{{ value_json.forwarded_today }}")
	forwarded.Icon = "mdi:email-arrow-right"
	forwarded.StateClass = "total_increasing"
	forwarded.UnitOfMeasurement = "messages"

	failed := sensor("failed_today", "Failed Today", "{{ value_json.failed_today }}")
	failed.Icon = "mdi:email-alert"
	failed.StateClass = "total_increasing"
	failed.UnitOfMeasurement = "messages"

	version := sensor("version", "Version", "{{ value_json.version }}")
	version.Icon = "mdi:tag"
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{"status", status},
		{"last_check", lastCheck},
		{"last_success", lastSuccess},
		{"forwarded_today", forwarded},
		{"failed_today", failed},
		{"version", version},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, s *Status) {
	payload, err := json.Marshal(s)
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt status published", "state", s.State)
}
