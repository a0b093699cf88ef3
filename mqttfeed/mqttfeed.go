// Package mqttfeed ingests telemetry straight from an MQTT broker, for sites
// where the capture subsystem publishes device observations over MQTT instead
// of the pubsub bridge.
//
// Devices publish JSON observations on per-device topics of the form
// devices/{class}/{device-id}. The collector normalises each message into a
// TelemetrySample, computes its content fingerprint, and hands it to the same
// SampleHandler the pubsub feed uses, so the rest of the pipeline cannot tell
// the two feeds apart.
package mqttfeed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danielorbach/go-component"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/twinguard/twinguard"
)

// Config selects the broker and the topic filter to subscribe with.
type Config struct {
	// Broker is the MQTT broker URL, e.g. "tcp://broker.local:1883".
	Broker string
	// ClientID identifies this collector to the broker. Defaults to a
	// timestamped id when empty.
	ClientID string
	// TopicFilter is the subscription filter. Defaults to "devices/+/+",
	// matching the per-device topic layout.
	TopicFilter string
	// Username and Password are optional broker credentials.
	Username string
	Password string
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("twinguard-%d", time.Now().Unix())
	}
	if c.TopicFilter == "" {
		c.TopicFilter = "devices/+/+"
	}
}

// observation is the JSON wire shape devices publish. Identity comes from the
// topic, not the payload, so a compromised device cannot impersonate another
// by lying in its payload.
type observation struct {
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// Collector subscribes to the broker and converts observations into samples.
type Collector struct {
	cfg    Config
	handle twinguard.SampleHandler
}

// NewCollector returns a collector delivering decoded samples to handle.
func NewCollector(cfg Config, handle twinguard.SampleHandler) (*Collector, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqttfeed: broker address must not be empty")
	}
	if handle == nil {
		return nil, fmt.Errorf("mqttfeed: sample handler must not be nil")
	}
	cfg.applyDefaults()
	return &Collector{cfg: cfg, handle: handle}, nil
}

// Stream returns a component.Proc that connects, subscribes, and dispatches
// samples until the component winds down. The paho client reconnects on its
// own; a lost connection is logged and otherwise survives, because devices
// republish fresh observations every cycle anyway.
func (c *Collector) Stream() component.Proc {
	return func(l *component.L) {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(c.cfg.Broker)
		opts.SetClientID(c.cfg.ClientID)
		if c.cfg.Username != "" {
			opts.SetUsername(c.cfg.Username)
			opts.SetPassword(c.cfg.Password)
		}
		opts.SetAutoReconnect(true)
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			l.Errorf("mqtt connection lost: %v", err)
		})
		opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			l.Logf("Reconnecting to MQTT broker %v...", c.cfg.Broker)
		})

		client := mqtt.NewClient(opts)
		if token := client.Connect(); !token.WaitTimeout(10 * time.Second) {
			l.Fatal(fmt.Errorf("connect to mqtt broker %q: timed out", c.cfg.Broker))
		} else if err := token.Error(); err != nil {
			l.Fatal(fmt.Errorf("connect to mqtt broker %q: %w", c.cfg.Broker, err))
		}
		defer client.Disconnect(250)
		l.Logf("Connected to MQTT broker %v", c.cfg.Broker)

		token := client.Subscribe(c.cfg.TopicFilter, 0, func(_ mqtt.Client, msg mqtt.Message) {
			c.dispatch(l, msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(5 * time.Second) {
			l.Fatal(fmt.Errorf("subscribe to %q: timed out", c.cfg.TopicFilter))
		} else if err := token.Error(); err != nil {
			l.Fatal(fmt.Errorf("subscribe to %q: %w", c.cfg.TopicFilter, err))
		}
		l.Logf("Subscribed to MQTT topic filter %v", c.cfg.TopicFilter)

		<-l.GraceContext().Done()
	}
}

// dispatch converts one raw message into a sample. Malformed messages are
// counted and skipped; a bad publisher must never wedge the feed.
func (c *Collector) dispatch(l *component.L, topic string, payload []byte) {
	id, class, ok := splitDeviceTopic(topic)
	if !ok {
		malformedMessages.Add(l.Context(), 1)
		l.Errorf("unrecognised telemetry topic %q", topic)
		return
	}

	var obs observation
	if err := json.Unmarshal(payload, &obs); err != nil {
		malformedMessages.Add(l.Context(), 1)
		l.Errorf("decode observation on %q: %v", topic, err)
		return
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	sample := twinguard.TelemetrySample{
		DeviceID:  id,
		Class:     class,
		Timestamp: obs.Timestamp,
		Metrics:   obs.Metrics,
	}.Fingerprinted()

	c.handle(l.Context(), sample)
}

// splitDeviceTopic parses a devices/{class}/{device-id} topic.
func splitDeviceTopic(topic string) (twinguard.DeviceID, twinguard.DeviceClass, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return twinguard.DeviceID(parts[2]), twinguard.DeviceClass(parts[1]), true
}
