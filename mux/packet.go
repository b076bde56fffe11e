package mux

// ControlChannelID is the reserved channel id for the singleton control
// channel (spec.md §3).
const ControlChannelID = "__control__"

// PacketType enumerates the packet kinds MUX exchanges over a Link
// (spec.md §4.1/§4.2/§6).
type PacketType int

const (
	PacketPing PacketType = iota
	PacketPong
	PacketOpenStream
	PacketOpenStreamAck
	PacketOpenStreamRequest // server-initiated signal on the control channel, spec.md §4.3
	PacketData
	PacketAck
	PacketCloseChannel
)

func (t PacketType) String() string {
	switch t {
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketOpenStream:
		return "open-stream"
	case PacketOpenStreamAck:
		return "open-stream-ack"
	case PacketOpenStreamRequest:
		return "open-stream-request"
	case PacketData:
		return "data"
	case PacketAck:
		return "ack"
	case PacketCloseChannel:
		return "close-channel"
	default:
		return "unknown"
	}
}

// Packet is the unit MUX hands to and receives from a Link. Only the fields
// relevant to Type are populated; this mirrors goop2's MQMsg/MQAck pair of
// narrow, tagged structs rather than one do-everything struct with a large
// optional surface.
type Packet struct {
	Type      PacketType
	ChannelID string

	// Seq is the monotonic per-channel sequence number, set on Data and
	// referenced by Ack.
	Seq uint64

	// Payload is the application byte payload of a Data packet.
	Payload []byte

	// Reason is an optional human-readable close reason for CloseChannel.
	Reason string

	// CorrelationID carries the open-stream-ack correlation id for
	// PacketOpenStreamRequest (spec.md §4.3).
	CorrelationID string
}
