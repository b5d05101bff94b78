package mqtt

import "errors"

var ErrMessageNoTopic = errors.New("message: topic is required")

// Message is an immutable application message. Instances are built through
// MessageBuilder and are safe to share between goroutines; the payload slice
// must not be modified after Build.
type Message struct {
	topic   string
	payload []byte
	qos     QoS
}

// Topic returns the topic name the message is published to.
func (m *Message) Topic() string {
	return m.topic
}

// Payload returns the message payload, which may be empty.
func (m *Message) Payload() []byte {
	return m.payload
}

// QoS returns the requested delivery guarantee.
func (m *Message) QoS() QoS {
	return m.qos
}

// MessageBuilder assembles a Message. Validation happens once at Build so a
// partially configured builder never escapes as a usable message.
type MessageBuilder struct {
	topic   string
	payload []byte
	qos     QoS
}

// NewMessageBuilder initializes an empty message builder.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{}
}

// WithTopic sets the topic name. A topic is required.
func (b *MessageBuilder) WithTopic(topic string) *MessageBuilder {
	b.topic = topic
	return b
}

// WithPayload sets the payload bytes.
func (b *MessageBuilder) WithPayload(payload []byte) *MessageBuilder {
	b.payload = payload
	return b
}

// WithQoS sets the delivery guarantee. Defaults to QoS0.
func (b *MessageBuilder) WithQoS(qos QoS) *MessageBuilder {
	b.qos = qos
	return b
}

// Build validates the configuration and returns the immutable message.
func (b *MessageBuilder) Build() (*Message, error) {
	if b.topic == "" {
		return nil, ErrMessageNoTopic
	}
	if b.qos > QoS2 {
		return nil, ErrIllegalQoS
	}
	return &Message{
		topic:   b.topic,
		payload: b.payload,
		qos:     b.qos,
	}, nil
}
