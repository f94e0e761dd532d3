// Package mqttfeed publishes changed status snapshots to an MQTT broker as
// retained JSON, so dashboards can subscribe without polling the panel.
package mqttfeed

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bnt0p/st-poor-webpanel/config"
	"github.com/bnt0p/st-poor-webpanel/internal/ratelimit"
	"github.com/bnt0p/st-poor-webpanel/status"
)

const publishTimeout = 5 * time.Second

// Publisher is a hub.Sink backed by a paho client.
type Publisher struct {
	broker   string
	port     int
	topic    string
	clientID string
	username string
	password string

	client mqtt.Client
	// publish is swapped out in tests.
	publish func(topic string, payload []byte) error

	// pending is set by a changed snapshot and cleared only by a successful
	// publish, so a change seen while the broker is down is retried.
	pending  atomic.Bool
	sent     atomic.Uint64
	skipped  atomic.Uint64
	failures *ratelimit.Counter
}

// NewPublisher builds an unconnected publisher from config.
func NewPublisher(cfg config.MQTTConfig) *Publisher {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("st-poor-webpanel-%d", time.Now().Unix())
	}
	p := &Publisher{
		broker:   cfg.Broker,
		port:     cfg.Port,
		topic:    cfg.Topic,
		clientID: clientID,
		username: cfg.Username,
		password: cfg.Password,
		failures: ratelimit.NewCounter(time.Minute),
	}
	p.publish = p.publishMQTT
	return p
}

// Connect dials the broker. Auto-reconnect keeps the session alive afterwards.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.broker, p.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(p.clientID)
	if p.username != "" {
		opts.SetUsername(p.username)
		opts.SetPassword(p.password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("MQTT: connected to %s, publishing to %s", brokerURL, p.topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT: connection lost: %v (will reconnect)", err)
	})

	p.client = mqtt.NewClient(opts)
	log.Printf("MQTT: connecting to %s...", brokerURL)
	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttfeed: connect %s: %w", brokerURL, token.Error())
	}
	return nil
}

// Publish implements hub.Sink. Snapshots are skipped while the retained
// message already carries the same servers list.
func (p *Publisher) Publish(snap *status.Snapshot, payload []byte, changed bool) {
	if p == nil || snap == nil {
		return
	}
	if changed {
		p.pending.Store(true)
	}
	if !p.pending.Load() {
		p.skipped.Add(1)
		return
	}
	if err := p.publish(p.topic, payload); err != nil {
		if total, ok := p.failures.Inc(); ok {
			log.Printf("MQTT: publish to %s failed: %v (failures=%d)", p.topic, err, total)
		}
		return
	}
	p.pending.Store(false)
	p.sent.Add(1)
}

func (p *Publisher) publishMQTT(topic string, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("not connected")
	}
	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out after %s", publishTimeout)
	}
	return token.Error()
}

// Stats returns published and skipped counts.
func (p *Publisher) Stats() (sent, skipped uint64) {
	if p == nil {
		return 0, 0
	}
	return p.sent.Load(), p.skipped.Load()
}

// IsConnected reports the broker session state.
func (p *Publisher) IsConnected() bool {
	return p != nil && p.client != nil && p.client.IsConnected()
}

// Stop disconnects, waiting up to 250ms for in-flight publishes.
func (p *Publisher) Stop() {
	if p == nil || p.client == nil {
		return
	}
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	log.Println("MQTT: publisher stopped")
}
