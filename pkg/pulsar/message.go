package pulsar

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Property keys used for routing. Any other keys are carried through untouched.
const (
	PropResponseTopic = "responseTopic" // Topic replies are produced to
	PropContext       = "context"       // Opaque correlation token echoed in replies
	PropMessageType   = "messageType"   // One of the MessageType names
	PropSourceTopic   = "sourceTopic"   // Topic the sender consumes from
	PropFragment      = "fragment"      // 0-based fragment index
	PropNumFragments  = "numFragments"  // Total fragments in the transfer
	PropInfo          = "info"          // JSON metadata in INFO/API_INFO replies
	PropError         = "error"         // Human-readable error in replies
)

// MessageType classifies inbound and outbound frames.
type MessageType int

const (
	MessageTypePing MessageType = iota + 1
	MessageTypePong
	MessageTypeInfo
	MessageTypeAPIInfo
	MessageTypeRequest
	MessageTypeResponse
)

var messageTypeNames = map[MessageType]string{
	MessageTypePing:     "PING",
	MessageTypePong:     "PONG",
	MessageTypeInfo:     "INFO",
	MessageTypeAPIInfo:  "API_INFO",
	MessageTypeRequest:  "REQUEST",
	MessageTypeResponse: "RESPONSE",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// ParseMessageType maps a wire name to a MessageType.
func ParseMessageType(name string) (MessageType, bool) {
	for t, n := range messageTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Properties is the string-keyed property map carried by every message.
// The broker delivers values as JSON strings, but numbers and booleans are
// accepted and kept in their textual form.
type Properties map[string]string

// Clone returns a copy that is safe to modify.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Properties) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	out := make(Properties, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			out[key] = v
		case json.Number:
			out[key] = v.String()
		case bool:
			out[key] = strconv.FormatBool(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("property %q: %w", key, err)
			}
			out[key] = string(encoded)
		}
	}
	*p = out
	return nil
}

// WireMessage is the JSON shape of a frame delivered to a consumer.
type WireMessage struct {
	MessageID   string     `json:"messageId,omitempty"`   // Used to acknowledge the frame
	Properties  Properties `json:"properties,omitempty"`  // Routing and application properties
	Payload     string     `json:"payload,omitempty"`     // Base64 payload
	PublishTime string     `json:"publishTime,omitempty"` // Broker publish timestamp
	Key         string     `json:"key,omitempty"`         // Optional partition key
}

// ProducerMessage is the JSON shape of a frame written to a producer connection.
type ProducerMessage struct {
	Payload    string     `json:"payload"`
	Properties Properties `json:"properties,omitempty"`
	Context    string     `json:"context,omitempty"`
}

// ProducerAck is the broker's answer to a ProducerMessage.
type ProducerAck struct {
	Result    string `json:"result"`
	MessageID string `json:"messageId,omitempty"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
	Context   string `json:"context,omitempty"`
}

// OK reports whether the broker accepted the message.
func (a ProducerAck) OK() bool {
	return a.Result == "ok"
}

// ConsumerAck acknowledges one delivered frame on a consumer connection.
type ConsumerAck struct {
	MessageID string `json:"messageId"`
}

// Message is an inbound frame after parsing. It is not modified after
// construction; Properties returns a copy.
type Message struct {
	id          string
	props       Properties
	payload     string
	publishTime string
}

// NewMessage builds a Message from already-decoded parts.
func NewMessage(id string, props Properties, payload string) *Message {
	if props == nil {
		props = Properties{}
	}
	return &Message{id: id, props: props.Clone(), payload: payload}
}

// Parse decodes one consumer frame.
func Parse(data []byte) (*Message, error) {
	var wire WireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg := NewMessage(wire.MessageID, wire.Properties, wire.Payload)
	msg.publishTime = wire.PublishTime
	return msg, nil
}

func (m *Message) ID() string          { return m.id }
func (m *Message) Payload() string     { return m.payload }
func (m *Message) PublishTime() string { return m.publishTime }

// Property returns one property, or "" when absent.
func (m *Message) Property(key string) string {
	return m.props[key]
}

// Properties returns a copy of the property map.
func (m *Message) Properties() Properties {
	return m.props.Clone()
}

func (m *Message) ResponseTopic() string { return m.props[PropResponseTopic] }
func (m *Message) Context() string       { return m.props[PropContext] }
func (m *Message) SourceTopic() string   { return m.props[PropSourceTopic] }

// Type returns the message type, and false when the property is missing or
// not one of the known names.
func (m *Message) Type() (MessageType, bool) {
	return ParseMessageType(m.props[PropMessageType])
}

// DecodePayload base64-decodes the payload. An absent payload decodes to nil.
func (m *Message) DecodePayload() ([]byte, error) {
	if m.payload == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(m.payload)
}

// Validate checks that the message carries everything needed to route it and
// to address a reply.
func (m *Message) Validate() error {
	for _, key := range []string{PropResponseTopic, PropContext, PropMessageType} {
		if m.props[key] == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidMessage, key)
		}
	}
	return nil
}

// MaxFragments bounds the numFragments property accepted from the wire.
const MaxFragments = 1 << 16

// IsFragment reports whether the message carries either fragment property,
// valid or not.
func (m *Message) IsFragment() bool {
	_, hasIndex := m.props[PropFragment]
	_, hasCount := m.props[PropNumFragments]
	return hasIndex || hasCount
}

// Fragment returns the fragment index and count when the message is one
// piece of a fragmented transfer.
func (m *Message) Fragment() (index, count int, ok bool) {
	index, count, err := m.FragmentInfo()
	return index, count, err == nil
}

// FragmentInfo parses and checks the fragment properties. Counts above
// MaxFragments are rejected before anything is sized from them.
func (m *Message) FragmentInfo() (index, count int, err error) {
	rawIndex, hasIndex := m.props[PropFragment]
	rawCount, hasCount := m.props[PropNumFragments]
	if !hasIndex || !hasCount {
		return 0, 0, fmt.Errorf("%w: not a fragment", ErrInvalidMessage)
	}
	index, err = strconv.Atoi(rawIndex)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad %s %q", ErrInvalidMessage, PropFragment, rawIndex)
	}
	count, err = strconv.Atoi(rawCount)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad %s %q", ErrInvalidMessage, PropNumFragments, rawCount)
	}
	if count < 1 || count > MaxFragments {
		return 0, 0, fmt.Errorf("%w: %s %d outside 1..%d", ErrInvalidMessage, PropNumFragments, count, MaxFragments)
	}
	if index < 0 || index >= count {
		return 0, 0, fmt.Errorf("%w: %s %d outside 0..%d", ErrInvalidMessage, PropFragment, index, count-1)
	}
	return index, count, nil
}
