// Package mqttclient publishes episode lifecycle events to an MQTT broker
// so downstream consumers can react to new transcripts without polling.
package mqttclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/episode"
)

const (
	publishQoS     = 1
	publishTimeout = 10 * time.Second
)

// EpisodeEvent is the JSON payload published when an episode attempt ends.
type EpisodeEvent struct {
	EpisodeID   int64          `json:"episode_id"`
	Source      episode.Source `json:"source"`
	Status      episode.Status `json:"status"`
	DuplicateOf *int64         `json:"duplicate_of,omitempty"`
	Segments    int            `json:"segments"`
	Error       string         `json:"error,omitempty"`
	Time        time.Time      `json:"time"`
}

// NewEpisodeEvent builds the event for e having reached status.
func NewEpisodeEvent(e *episode.Episode, status episode.Status, errMsg string) EpisodeEvent {
	return EpisodeEvent{
		EpisodeID:   e.ID,
		Source:      e.Source(),
		Status:      status,
		DuplicateOf: e.DuplicateOf,
		Segments:    len(e.Segments),
		Error:       errMsg,
		Time:        time.Now().UTC(),
	}
}

// Topic returns {prefix}/episodes/{status}.
func Topic(prefix string, status episode.Status) string {
	return strings.TrimSuffix(prefix, "/") + "/episodes/" + string(status)
}

type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: opts.TopicPrefix,
		log:    opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// PublishEpisode sends ev at QoS 1, not retained. It waits for the broker
// to acknowledge for at most publishTimeout.
func (c *Client) PublishEpisode(ev EpisodeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topic := Topic(c.prefix, ev.Status)
	token := c.conn.Publish(topic, publishQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	c.log.Debug().Str("topic", topic).Int64("episode_id", ev.EpisodeID).Msg("episode event published")
	return nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("topic_prefix", c.prefix).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
