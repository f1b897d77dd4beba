// Package protocol defines the cmd-tagged packet envelope exchanged on both
// relay legs: agent <-> Archipelago server and agent <-> gateway.
//
// Every wire record is a JSON object carrying a "cmd" discriminator plus the
// kind-specific fields. A batch on either leg is always a JSON array of
// records, never a bare object, even for single-packet sends. Unknown fields
// in inbound records are ignored; missing fields take their zero values.
package protocol

// Packet kind discriminators as they appear in the wire "cmd" field.
const (
	CmdConnect           = "Connect"
	CmdConnectionRefused = "ConnectionRefused"
	CmdConnected         = "Connected"
	CmdRoomInfo          = "RoomInfo"
	CmdReceivedItems     = "ReceivedItems"
	CmdPrintJSON         = "PrintJSON"
	CmdStatusResponse    = "StatusResponse"
	CmdItemMessage       = "ItemMessage"
	CmdHintMessage       = "HintMessage"
	CmdDiscordMessage    = "DiscordMessage"
)

// Agent status strings reported in StatusResponse packets.
const (
	StatusStopped      = "Stopped"
	StatusStarting     = "Starting"
	StatusConnecting   = "Connecting"
	StatusConnected    = "Connected"
	StatusDisconnected = "Disconnected"
)

// PrintJSON sub-types the relay translates.
const (
	PrintTypeItemSend = "ItemSend"
	PrintTypeHint     = "Hint"
)

// Packet is one typed wire message. Cmd returns the kind discriminator that
// Encode injects and Dispatch matches on.
type Packet interface {
	Cmd() string
}

// Version is the protocol version object sent during the Connect handshake.
type Version struct {
	Major int    `json:"major"`
	Minor int    `json:"minor"`
	Build int    `json:"build"`
	Class string `json:"class"`
}

// ItemRef identifies one item placement. Flags is a bitmask (progression,
// useful, trap) that the relay passes through without interpreting.
type ItemRef struct {
	Item     int64 `json:"item"`
	Location int64 `json:"location"`
	Player   int   `json:"player"`
	Flags    int   `json:"flags"`
}

// TextSegment is one piece of a PrintJSON notice.
type TextSegment struct {
	Text string `json:"text"`
	Type string `json:"type,omitempty"`
}

// Connect is the client handshake reply to RoomInfo.
type Connect struct {
	Game          string   `json:"game"`
	ItemsHandling int      `json:"items_handling"`
	Name          string   `json:"name"`
	Password      string   `json:"password,omitempty"`
	SlotData      bool     `json:"slot_data"`
	Tags          []string `json:"tags"`
	UUID          string   `json:"uuid"`
	Version       Version  `json:"version"`
}

func (Connect) Cmd() string { return CmdConnect }

// ConnectionRefused reports a rejected handshake with server-supplied reasons.
type ConnectionRefused struct {
	Errors []string `json:"errors"`
}

func (ConnectionRefused) Cmd() string { return CmdConnectionRefused }

// Connected signals handshake success. The payload is empty.
type Connected struct{}

func (Connected) Cmd() string { return CmdConnected }

// RoomInfo arrives immediately after the upstream socket opens and triggers
// the Connect reply.
type RoomInfo struct {
	Games            []string `json:"games"`
	PasswordRequired bool     `json:"password"`
	Tags             []string `json:"tags"`
}

func (RoomInfo) Cmd() string { return CmdRoomInfo }

// ReceivedItems delivers the items granted to this slot starting at Index.
type ReceivedItems struct {
	Index int       `json:"index"`
	Items []ItemRef `json:"items"`
}

func (ReceivedItems) Cmd() string { return CmdReceivedItems }

// PrintJSON is a generic server notice. Type discriminates sub-cases; the
// relay cares about ItemSend and Hint and passes everything else through as
// plain text.
type PrintJSON struct {
	Data      []TextSegment `json:"data"`
	Type      string        `json:"type"`
	Receiving int           `json:"receiving"`
	Item      ItemRef       `json:"item"`
}

func (PrintJSON) Cmd() string { return CmdPrintJSON }

// Text concatenates the notice segments.
func (p PrintJSON) Text() string {
	var out []byte
	for _, seg := range p.Data {
		out = append(out, seg.Text...)
	}
	return string(out)
}

// StatusResponse is the agent->gateway liveness report. The gateway may also
// send it down to an agent to request the current status.
type StatusResponse struct {
	Status string `json:"status"`
}

func (StatusResponse) Cmd() string { return CmdStatusResponse }

// ItemMessage is the agent->gateway pre-aggregated item delivery notice.
// Items maps item id to the combined count for this recipient; Flags is the
// OR of the delivered items' flag bits.
type ItemMessage struct {
	Recipient int           `json:"recipient"`
	Items     map[int64]int `json:"items"`
	Flags     int           `json:"flags,omitempty"`
}

func (ItemMessage) Cmd() string { return CmdItemMessage }

// HintMessage is the agent->gateway hint notice.
type HintMessage struct {
	Recipient int     `json:"recipient"`
	Item      ItemRef `json:"item"`
}

func (HintMessage) Cmd() string { return CmdHintMessage }

// DiscordMessage is the agent->gateway free-text passthrough.
type DiscordMessage struct {
	Text string `json:"text"`
}

func (DiscordMessage) Cmd() string { return CmdDiscordMessage }
