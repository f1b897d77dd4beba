package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/JammyGeeza/Archipelago-sub000/store"
)

func testRequest() CommandRequest {
	return CommandRequest{GuildID: "guild-1", ChannelID: "chan-1", UserID: "user-1"}
}

func TestBindStartsAgent(t *testing.T) {
	h := newTestSupervisor(t, nil)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.Bind(context.Background(), testRequest(), "room-a:38281", "hunter2")
	if !strings.Contains(reply, "room-a:38281") || !strings.Contains(reply, "Bound") {
		t.Errorf("reply = %q, want bound confirmation", reply)
	}

	if _, err := h.sup.AgentStatus("room-a:38281"); err != nil {
		t.Errorf("agent not running after bind: %v", err)
	}
}

func TestBindRequiresAddress(t *testing.T) {
	h := newTestSupervisor(t, nil)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.Bind(context.Background(), testRequest(), "", "")
	if !strings.Contains(reply, "required") {
		t.Errorf("reply = %q, want address-required message", reply)
	}
}

func TestBindReportsBoundChannel(t *testing.T) {
	st := &fakeStore{bindErr: store.ErrChannelBound}
	h := newTestSupervisor(t, st)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.Bind(context.Background(), testRequest(), "room-a:38281", "")
	if !strings.Contains(reply, "already bound") {
		t.Errorf("reply = %q, want already-bound message", reply)
	}
}

func TestBindRollsBackWhenSpawnFails(t *testing.T) {
	st := &fakeStore{}
	poster := &fakePoster{}
	sup, err := New(Options{
		AgentBin: "agent",
		Store:    st,
		Poster:   poster,
		spawn: func(ctx context.Context, cfg store.RoomConfig) (process, error) {
			return nil, errors.New("exec format error")
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer sup.Close()

	cmds := NewCommands(sup, t.TempDir(), nil)
	reply := cmds.Bind(context.Background(), testRequest(), "room-a:38281", "")
	if !strings.Contains(reply, "Could not start") {
		t.Errorf("reply = %q, want start-failure message", reply)
	}

	// The binding must not survive a failed spawn.
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.bindings) != 0 {
		t.Errorf("bindings = %+v, want rollback to empty", st.bindings)
	}
	if len(st.unbound) != 1 || st.unbound[0] != "room-a:38281" {
		t.Errorf("unbound = %v, want [room-a:38281]", st.unbound)
	}
}

func TestUnbindStopsAgent(t *testing.T) {
	h := newTestSupervisor(t, nil)
	cmds := NewCommands(h.sup, t.TempDir(), nil)
	ctx := context.Background()

	cmds.Bind(ctx, testRequest(), "room-a:38281", "")
	reply := cmds.Unbind(ctx, testRequest())
	if !strings.Contains(reply, "Unbound") {
		t.Errorf("reply = %q, want unbound confirmation", reply)
	}

	if _, err := h.st.BindingByChannel(ctx, "guild-1", "chan-1"); err != nil {
		t.Fatalf("BindingByChannel failed: %v", err)
	}
	st := h.st
	st.mu.Lock()
	remaining := len(st.bindings)
	st.mu.Unlock()
	if remaining != 0 {
		t.Errorf("bindings remaining = %d, want 0", remaining)
	}
}

func TestUnbindWithoutBinding(t *testing.T) {
	h := newTestSupervisor(t, nil)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.Unbind(context.Background(), testRequest())
	if !strings.Contains(reply, "not bound") {
		t.Errorf("reply = %q, want not-bound message", reply)
	}
}

func TestListFiltersGuild(t *testing.T) {
	other := roomCfg("room-b:38282")
	other.GuildID = "guild-2"
	st := &fakeStore{bindings: []store.RoomConfig{roomCfg("room-a:38281"), other}}
	h := newTestSupervisor(t, st)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.List(context.Background(), testRequest())
	if !strings.Contains(reply, "room-a:38281") {
		t.Errorf("reply = %q, want this guild's room", reply)
	}
	if strings.Contains(reply, "room-b:38282") {
		t.Errorf("reply = %q, leaked another guild's room", reply)
	}
}

func TestListEmpty(t *testing.T) {
	h := newTestSupervisor(t, nil)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.List(context.Background(), testRequest())
	if !strings.Contains(reply, "No rooms") {
		t.Errorf("reply = %q, want empty-list message", reply)
	}
}

func TestStatusWithoutAgent(t *testing.T) {
	cfg := roomCfg("room-a:38281")
	cfg.ChannelID = "chan-1"
	st := &fakeStore{bindings: []store.RoomConfig{cfg}}
	h := newTestSupervisor(t, st)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.Status(context.Background(), testRequest())
	if !strings.Contains(reply, "no running agent") {
		t.Errorf("reply = %q, want no-agent message", reply)
	}
}

func TestStatusProbesAgent(t *testing.T) {
	h := newTestSupervisor(t, nil)
	cmds := NewCommands(h.sup, t.TempDir(), nil)
	ctx := context.Background()

	req := testRequest()
	cmds.Bind(ctx, req, "room-a:38281", "")

	reply := cmds.Status(ctx, req)
	if !strings.Contains(reply, "room-a:38281") {
		t.Errorf("reply = %q, want room status", reply)
	}

	// The probe lands on the agent's stdin as a frame.
	if got := h.proc(t, "room-a:38281").stdinString(); !strings.Contains(got, `"cmd":"StatusResponse"`) {
		t.Errorf("agent stdin = %q, want a StatusResponse probe", got)
	}
}

func TestNotifySavesSubscription(t *testing.T) {
	cfg := roomCfg("room-a:38281")
	cfg.ChannelID = "chan-1"
	st := &fakeStore{bindings: []store.RoomConfig{cfg}}
	h := newTestSupervisor(t, st)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.Notify(context.Background(), testRequest(), NotifyOptions{
		HintFlags: 1,
		Term:      "Master Sword",
		ItemID:    100,
		Target:    3,
	})
	if !strings.Contains(reply, "mentioned") {
		t.Errorf("reply = %q, want confirmation", reply)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.subs) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(st.subs))
	}
	sub := st.subs[0]
	if sub.Address != "room-a:38281" || sub.UserID != "user-1" {
		t.Errorf("subscription = %+v, want room-a:38281/user-1", sub)
	}
	if sub.HintFlags != 1 || len(sub.Terms) != 1 || sub.ItemTargets[100].Target != 3 {
		t.Errorf("subscription = %+v, want hint flags, term, and count target", sub)
	}
}

func TestNotifyNeedsAFilter(t *testing.T) {
	cfg := roomCfg("room-a:38281")
	cfg.ChannelID = "chan-1"
	st := &fakeStore{bindings: []store.RoomConfig{cfg}}
	h := newTestSupervisor(t, st)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.Notify(context.Background(), testRequest(), NotifyOptions{})
	if !strings.Contains(reply, "Nothing to watch") {
		t.Errorf("reply = %q, want empty-filter rejection", reply)
	}

	reply = cmds.Notify(context.Background(), testRequest(), NotifyOptions{Target: 3})
	if !strings.Contains(reply, "item id is required") {
		t.Errorf("reply = %q, want missing-item rejection", reply)
	}
}

func TestNotifyUnboundChannel(t *testing.T) {
	h := newTestSupervisor(t, nil)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.Notify(context.Background(), testRequest(), NotifyOptions{HintFlags: 1})
	if !strings.Contains(reply, "not bound") {
		t.Errorf("reply = %q, want not-bound message", reply)
	}
}

func TestUnnotify(t *testing.T) {
	cfg := roomCfg("room-a:38281")
	cfg.ChannelID = "chan-1"
	st := &fakeStore{bindings: []store.RoomConfig{cfg}}
	h := newTestSupervisor(t, st)
	cmds := NewCommands(h.sup, t.TempDir(), nil)

	reply := cmds.Unnotify(context.Background(), testRequest())
	if !strings.Contains(reply, "no longer") {
		t.Errorf("reply = %q, want confirmation", reply)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.unsubscribed) != 1 || st.unsubscribed[0] != "room-a:38281/user-1" {
		t.Errorf("unsubscribed = %v, want [room-a:38281/user-1]", st.unsubscribed)
	}
}

func TestRoomSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"archipelago.gg:38281", "archipelago.gg_38281"},
		{"room a/b", "room_a_b"},
		{"plain-name.01", "plain-name.01"},
	}
	for _, tt := range tests {
		if got := roomSlug(tt.in); got != tt.want {
			t.Errorf("roomSlug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
