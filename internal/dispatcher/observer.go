package dispatcher

import "github.com/life-stream-dev/life-stream-broker/internal/mqtt"

// Observer 接收调度器的投递事件，用于外部统计
type Observer interface {
	MessagePublished(msg mqtt.Message)
	MessageDelivered(clientID string, qos mqtt.QoS)
	MessageQueued(clientID string)
	DeliveryFailed(clientID string, err error)
	RetainedChanged(topic string, removed bool)
}

type NopObserver struct{}

func (NopObserver) MessagePublished(mqtt.Message) {}
func (NopObserver) MessageDelivered(string, mqtt.QoS) {}
func (NopObserver) MessageQueued(string) {}
func (NopObserver) DeliveryFailed(string, error) {}
func (NopObserver) RetainedChanged(string, bool) {}
