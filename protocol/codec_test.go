package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeWrapsSinglePacketInArray(t *testing.T) {
	frame, err := Encode(StatusResponse{Status: StatusConnected})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := `[{"cmd":"StatusResponse","status":"Connected"}]`
	if string(frame) != want {
		t.Errorf("frame = %s, want %s", frame, want)
	}
}

func TestEncodeEmptyPacketBody(t *testing.T) {
	frame, err := Encode(Connected{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := `[{"cmd":"Connected"}]`
	if string(frame) != want {
		t.Errorf("frame = %s, want %s", frame, want)
	}
}

func TestEncodeCmdComesFirst(t *testing.T) {
	frame, err := Encode(DiscordMessage{Text: "hello"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.HasPrefix(frame, []byte(`[{"cmd":"DiscordMessage"`)) {
		t.Errorf("cmd field not at object head: %s", frame)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
		into   func() Packet
	}{
		{
			name: "connect",
			packet: &Connect{
				Game:          "",
				ItemsHandling: 0,
				Name:          "RelayBot",
				Password:      "hunter2",
				SlotData:      false,
				Tags:          []string{"Bot", "Deathlink", "Tracker"},
				UUID:          "0b2672a1-5ea2-4b38-8d5f-1b0cfb375a8a",
				Version:       Version{Major: 0, Minor: 5, Build: 0, Class: "Version"},
			},
			into: func() Packet { return &Connect{} },
		},
		{
			name:   "connect without password",
			packet: &Connect{Name: "RelayBot", Tags: []string{}},
			into:   func() Packet { return &Connect{} },
		},
		{
			name:   "connection refused with empty errors",
			packet: &ConnectionRefused{Errors: []string{}},
			into:   func() Packet { return &ConnectionRefused{} },
		},
		{
			name:   "room info",
			packet: &RoomInfo{Games: []string{"Timespinner"}, PasswordRequired: true, Tags: []string{}},
			into:   func() Packet { return &RoomInfo{} },
		},
		{
			name: "received items",
			packet: &ReceivedItems{Index: 0, Items: []ItemRef{
				{Item: 1337000001, Location: 1337000100, Player: 2, Flags: 1},
			}},
			into: func() Packet { return &ReceivedItems{} },
		},
		{
			name:   "received items empty list",
			packet: &ReceivedItems{Index: 3, Items: []ItemRef{}},
			into:   func() Packet { return &ReceivedItems{} },
		},
		{
			name: "print json",
			packet: &PrintJSON{
				Data:      []TextSegment{{Text: "Player1", Type: "player_name"}, {Text: " found "}},
				Type:      PrintTypeItemSend,
				Receiving: 4,
				Item:      ItemRef{Item: 99, Location: 7, Player: 1, Flags: 4},
			},
			into: func() Packet { return &PrintJSON{} },
		},
		{
			name:   "status response",
			packet: &StatusResponse{Status: StatusDisconnected},
			into:   func() Packet { return &StatusResponse{} },
		},
		{
			name:   "item message with zero counts",
			packet: &ItemMessage{Recipient: 0, Items: map[int64]int{}},
			into:   func() Packet { return &ItemMessage{} },
		},
		{
			name:   "item message",
			packet: &ItemMessage{Recipient: 7, Items: map[int64]int{1337000001: 3, 42: 1}, Flags: 5},
			into:   func() Packet { return &ItemMessage{} },
		},
		{
			name:   "hint message",
			packet: &HintMessage{Recipient: 2, Item: ItemRef{Item: 5, Location: 6, Player: 1, Flags: 0}},
			into:   func() Packet { return &HintMessage{} },
		},
		{
			name:   "discord message with empty text",
			packet: &DiscordMessage{Text: ""},
			into:   func() Packet { return &DiscordMessage{} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.packet)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			records, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("got %d records, want 1", len(records))
			}

			kind, err := Kind(records[0])
			if err != nil {
				t.Fatalf("Kind failed: %v", err)
			}
			if kind != tt.packet.Cmd() {
				t.Errorf("kind = %s, want %s", kind, tt.packet.Cmd())
			}

			got := tt.into()
			if err := DecodeInto(records[0], got); err != nil {
				t.Fatalf("DecodeInto failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.packet) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, tt.packet)
			}
		})
	}
}

func TestItemMessageOmitsZeroFlags(t *testing.T) {
	frame, err := Encode(ItemMessage{Recipient: 7, Items: map[int64]int{42: 3}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := `[{"cmd":"ItemMessage","recipient":7,"items":{"42":3}}]`
	if string(frame) != want {
		t.Errorf("frame = %s, want %s", frame, want)
	}
}

func TestEncodePreservesLargeItemIDs(t *testing.T) {
	// Item ids routinely exceed 2^53; the codec must not round them through
	// float64.
	const id = int64(9007199254740993)
	frame, err := Encode(HintMessage{Recipient: 1, Item: ItemRef{Item: id}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Contains(frame, []byte("9007199254740993")) {
		t.Errorf("large id not preserved exactly: %s", frame)
	}
}

func TestDecodeRejectsNonArray(t *testing.T) {
	for _, frame := range []string{
		`{"cmd":"Connected"}`,
		`"Connected"`,
		`42`,
		``,
		`not json`,
	} {
		if _, err := Decode([]byte(frame)); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Decode(%q) = %v, want ErrMalformedPayload", frame, err)
		}
	}
}

func TestDecodeAllowsLeadingWhitespace(t *testing.T) {
	records, err := Decode([]byte("  \n\t[{\"cmd\":\"Connected\"}]"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records, want 1", len(records))
	}
}

func TestDecodeIntoIgnoresUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"cmd":"RoomInfo","games":["DLCQuest"],"password":false,"tags":[],"seed_name":"abc","time":1700000000.5}`)

	var info RoomInfo
	if err := DecodeInto(raw, &info); err != nil {
		t.Fatalf("DecodeInto failed: %v", err)
	}
	if len(info.Games) != 1 || info.Games[0] != "DLCQuest" {
		t.Errorf("games = %v, want [DLCQuest]", info.Games)
	}
}

func TestDecodeIntoMissingFieldsZeroValue(t *testing.T) {
	var refused ConnectionRefused
	if err := DecodeInto(json.RawMessage(`{"cmd":"ConnectionRefused"}`), &refused); err != nil {
		t.Fatalf("DecodeInto failed: %v", err)
	}
	if refused.Errors != nil {
		t.Errorf("errors = %v, want nil", refused.Errors)
	}
}

func TestKindMissingCmd(t *testing.T) {
	if _, err := Kind(json.RawMessage(`{"status":"Connected"}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Kind without cmd = %v, want ErrMalformedPayload", err)
	}
}
