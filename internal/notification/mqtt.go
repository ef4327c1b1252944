package notification

import (
	"arpguard/internal/config"
	"arpguard/internal/model"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// MQTTNotifier publishes alerts as JSON to an MQTT topic. A "{src_ip}"
// placeholder in the topic is replaced with the alert's source address.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
}

// NewMQTTNotifier connects to the broker.
func NewMQTTNotifier(cfg config.MQTTConfig) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Println("MQTT: Connection established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Println("MQTT: Connected to broker:", cfg.Broker)
	return &MQTTNotifier{client: client, topic: cfg.Topic}, nil
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

// Notify publishes the alert with QoS 1.
func (n *MQTTNotifier) Notify(alert *model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	topic := formatTopic(n.topic, alert)
	token := n.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing alert to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

func (n *MQTTNotifier) Close() error {
	n.client.Disconnect(250)
	log.Println("MQTT: Disconnected")
	return nil
}

func formatTopic(pattern string, alert *model.Alert) string {
	return strings.ReplaceAll(pattern, "{src_ip}", alert.SrcIP)
}
