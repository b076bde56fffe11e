// Package wirecodec is the JSON-on-the-wire encoding shared by the
// WebSocket and libp2p Link implementations, factored out so both frame
// mux.Packet identically — grounded in goop2's internal/mq, which encodes
// every message (MQMsg, MQAck) as one newline-delimited JSON object per
// stream write.
package wirecodec

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nodemesh/corebus/mux"
)

// Message is the JSON-over-the-wire shape of a mux.Packet.
type Message struct {
	Type          string `json:"type"`
	ChannelID     string `json:"channel_id,omitempty"`
	Seq           uint64 `json:"seq,omitempty"`
	Payload       []byte `json:"payload,omitempty"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

var typeNames = map[mux.PacketType]string{
	mux.PacketPing:             "ping",
	mux.PacketPong:              "pong",
	mux.PacketOpenStream:        "open-stream",
	mux.PacketOpenStreamAck:     "open-stream-ack",
	mux.PacketOpenStreamRequest: "open-stream-request",
	mux.PacketData:              "data",
	mux.PacketAck:               "ack",
	mux.PacketCloseChannel:      "close-channel",
}

var namesToType = func() map[string]mux.PacketType {
	m := make(map[string]mux.PacketType, len(typeNames))
	for k, v := range typeNames {
		m[v] = k
	}
	return m
}()

// Encode converts a mux.Packet into its JSON wire bytes.
func Encode(p mux.Packet) ([]byte, error) {
	name, ok := typeNames[p.Type]
	if !ok {
		return nil, fmt.Errorf("wirecodec: unknown packet type %d", p.Type)
	}
	msg := Message{
		Type:          name,
		ChannelID:     p.ChannelID,
		Seq:           p.Seq,
		Payload:       p.Payload,
		Reason:        p.Reason,
		CorrelationID: p.CorrelationID,
	}
	return json.Marshal(msg)
}

// Decode parses JSON wire bytes into a mux.Packet.
func Decode(data []byte) (mux.Packet, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return mux.Packet{}, fmt.Errorf("wirecodec: unmarshal: %w", err)
	}
	t, ok := namesToType[msg.Type]
	if !ok {
		return mux.Packet{}, fmt.Errorf("wirecodec: unknown wire type %q", msg.Type)
	}
	return mux.Packet{
		Type:          t,
		ChannelID:     msg.ChannelID,
		Seq:           msg.Seq,
		Payload:       msg.Payload,
		Reason:        msg.Reason,
		CorrelationID: msg.CorrelationID,
	}, nil
}

func toMessage(p mux.Packet) (Message, error) {
	name, ok := typeNames[p.Type]
	if !ok {
		return Message{}, fmt.Errorf("wirecodec: unknown packet type %d", p.Type)
	}
	return Message{
		Type:          name,
		ChannelID:     p.ChannelID,
		Seq:           p.Seq,
		Payload:       p.Payload,
		Reason:        p.Reason,
		CorrelationID: p.CorrelationID,
	}, nil
}

func fromMessage(msg Message) (mux.Packet, error) {
	t, ok := namesToType[msg.Type]
	if !ok {
		return mux.Packet{}, fmt.Errorf("wirecodec: unknown wire type %q", msg.Type)
	}
	return mux.Packet{
		Type:          t,
		ChannelID:     msg.ChannelID,
		Seq:           msg.Seq,
		Payload:       msg.Payload,
		Reason:        msg.Reason,
		CorrelationID: msg.CorrelationID,
	}, nil
}

// Encoder writes a stream of packets as consecutive JSON values, the way
// goop2's mq.Manager writes one MQMsg per stream with json.NewEncoder;
// json.Encoder follows each value with a newline, and encoding/json's
// Decoder tracks value boundaries on the read side.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder wraps w for consecutive-packet streaming encode.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one packet to the stream.
func (e *Encoder) Encode(p mux.Packet) error {
	msg, err := toMessage(p)
	if err != nil {
		return err
	}
	return e.enc.Encode(msg)
}

// Decoder reads a stream of consecutive JSON-encoded packets, mirroring
// goop2's mq.Manager pattern of json.NewDecoder(bufio.NewReader(stream)).
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder wraps r for consecutive-packet streaming decode. Callers
// should pass a buffered reader (e.g. bufio.NewReader) over a network
// stream, as goop2's mq and entangle managers do.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads the next packet from the stream.
func (d *Decoder) Decode() (mux.Packet, error) {
	var msg Message
	if err := d.dec.Decode(&msg); err != nil {
		return mux.Packet{}, err
	}
	return fromMessage(msg)
}
