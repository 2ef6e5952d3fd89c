package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/a-essam23/go-relay/internal/engine"
	"github.com/a-essam23/go-relay/pkg/collab"
	"github.com/a-essam23/go-relay/pkg/logging"
	"github.com/a-essam23/go-relay/pkg/pipeline"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/pubsub"
	"github.com/a-essam23/go-relay/pkg/signaling"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/state/statemanager"
	"github.com/a-essam23/go-relay/pkg/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine *engine.Engine
	state  state.Manager
	dir    *collab.Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := collab.NewDirectory(true)
	return newFixtureWith(t, dir, collab.LookupsFrom(dir))
}

func newFixtureWith(t *testing.T, dir *collab.Directory, lookups collab.Lookups) *fixture {
	t.Helper()
	logger := logging.Discard()
	sm := statemanager.NewInMemoryManager(logger)
	e := engine.New(logger, engine.Deps{
		State:         sm,
		Rooms:         pubsub.NewRegistry("rooms", logger),
		Conversations: pubsub.NewRegistry("conversations", logger),
		Lookups:       lookups,
	}, engine.Options{})
	return &fixture{engine: e, state: sm, dir: dir}
}

// connect performs what the supervisor does once a socket authenticates.
func (f *fixture) connect(t *testing.T, identity string) *transporttest.Socket {
	t.Helper()
	s := transporttest.NewSocket(identity)
	_, err := f.state.RegisterConnection(s)
	require.NoError(t, err)
	f.engine.Online(context.Background(), identity, f.state.SetOnline(identity))
	return s
}

// disconnect runs the close path synchronously.
func (f *fixture) disconnect(t *testing.T, s *transporttest.Socket) {
	t.Helper()
	s.Close(1000, "bye")
	identity, remaining := f.engine.Disconnect(context.Background(), s)
	if identity != "" && remaining == 0 {
		f.engine.TeardownPresence(context.Background(), identity)
	}
}

func (f *fixture) send(t *testing.T, s *transporttest.Socket, raw string) error {
	t.Helper()
	frame, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	return f.engine.Dispatch(&pipeline.Cargo{
		Ctx:      context.Background(),
		Logger:   logging.Discard(),
		Conn:     s,
		Identity: s.Identity(),
		Frame:    frame,
	})
}

func (f *fixture) must(t *testing.T, s *transporttest.Socket, raw string) {
	t.Helper()
	require.NoError(t, f.send(t, s, raw))
}

func requireCode(t *testing.T, err error, code protocol.Code) {
	t.Helper()
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr), "expected a protocol error, got %v", err)
	assert.Equal(t, code, perr.Code)
}

func lastPresenceOf(s *transporttest.Socket, did string) map[string]any {
	var last map[string]any
	for _, f := range s.FramesOfType("presence") {
		if f["did"] == did {
			last = f
		}
	}
	return last
}

func TestPresenceEndToEnd(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	f.must(t, u1, `{"type":"room_join","roomId":"r1"}`)
	u2 := f.connect(t, "u2")
	f.must(t, u2, `{"type":"room_join","roomId":"r1"}`)

	f.must(t, u1, `{"type":"status_change","status":"away","awayMessage":"brb"}`)

	want := map[string]any{"type": "presence", "did": "u1", "status": "away", "awayMessage": "brb"}
	assert.Equal(t, want, lastPresenceOf(u1, "u1"))
	assert.Equal(t, want, lastPresenceOf(u2, "u1"))

	f.disconnect(t, u1)

	assert.Equal(t, map[string]any{"type": "presence", "did": "u1", "status": "offline"}, lastPresenceOf(u2, "u1"))
	_, ok := f.state.GetPresence("u1")
	assert.False(t, ok, "no record survives the last connection")
	assert.Equal(t, []string{"u2"}, f.state.GetRoomMembers("r1"))
}

func TestRoomJoinListsVisibleMembers(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	hidden := f.connect(t, "hidden")
	f.must(t, hidden, `{"type":"status_change","status":"online","visibility":"no-one"}`)
	f.must(t, u1, `{"type":"room_join","roomId":"r1"}`)
	f.must(t, hidden, `{"type":"room_join","roomId":"r1"}`)
	assert.Empty(t, lastPresenceOf(u1, "hidden"), "a no-one member is not announced")

	u2 := f.connect(t, "u2")
	f.must(t, u2, `{"type":"room_join","roomId":"r1"}`)

	joined := u2.FramesOfType("room_joined")
	require.Len(t, joined, 1)
	assert.Equal(t, "r1", joined[0]["roomId"])
	assert.Equal(t, []any{"u1", "u2"}, joined[0]["members"])

	bulk := u2.FramesOfType("presence_bulk")
	require.Len(t, bulk, 1)
	assert.Len(t, bulk[0]["presences"], 2)

	assert.Equal(t, "online", lastPresenceOf(u1, "u2")["status"], "existing members learn about the joiner")
	assert.Empty(t, lastPresenceOf(u2, "u2"), "the joiner is not told about itself")
	assert.ElementsMatch(t, []string{"u1", "u2", "hidden"}, f.state.GetRoomMembers("r1"))
}

func TestStatusChangeResolvesPerObserver(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "owner")
	friend := f.connect(t, "friend")
	peer := f.connect(t, "peer")
	stranger := f.connect(t, "stranger")
	blocked := f.connect(t, "blocked")
	for _, s := range []*transporttest.Socket{owner, friend, peer, stranger, blocked} {
		f.must(t, s, `{"type":"room_join","roomId":"lobby"}`)
	}
	f.dir.AddMember("owner", "friend", false)
	f.dir.Block("owner", "blocked")
	f.must(t, owner, `{"type":"sync_communities","communities":["c1"]}`)
	f.must(t, peer, `{"type":"sync_communities","communities":["c1","c2"]}`)

	f.must(t, owner, `{"type":"status_change","status":"away","awayMessage":"lunch","visibility":"group-member"}`)

	assert.Equal(t, "away", lastPresenceOf(friend, "owner")["status"], "directory member")
	assert.Equal(t, "away", lastPresenceOf(peer, "owner")["status"], "shared community")
	assert.Equal(t, "lunch", lastPresenceOf(peer, "owner")["awayMessage"])

	hiddenView := map[string]any{"type": "presence", "did": "owner", "status": "offline"}
	assert.Equal(t, hiddenView, lastPresenceOf(stranger, "owner"))
	assert.Equal(t, hiddenView, lastPresenceOf(blocked, "owner"))
	assert.Equal(t, "away", lastPresenceOf(owner, "owner")["status"], "owners see themselves")
}

func TestStatusChangeKeepsAwayMessageUntilOnline(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	f.must(t, u1, `{"type":"status_change","status":"away","awayMessage":"brb"}`)
	f.must(t, u1, `{"type":"status_change","status":"idle"}`)
	p, _ := f.state.GetPresence("u1")
	assert.Equal(t, "brb", p.AwayMessage)

	f.must(t, u1, `{"type":"status_change","status":"online"}`)
	p, _ = f.state.GetPresence("u1")
	assert.Empty(t, p.AwayMessage)
}

func TestRoomLeaveWaitsForLastSocket(t *testing.T) {
	f := newFixture(t)
	tab1 := f.connect(t, "u1")
	tab2 := f.connect(t, "u1")
	other := f.connect(t, "u2")
	f.must(t, tab1, `{"type":"room_join","roomId":"r1"}`)
	f.must(t, tab2, `{"type":"room_join","roomId":"r1"}`)
	f.must(t, other, `{"type":"room_join","roomId":"r1"}`)

	f.must(t, tab1, `{"type":"room_leave","roomId":"r1"}`)
	assert.Len(t, tab1.FramesOfType("room_left"), 1)
	assert.True(t, f.state.IsInRoom("u1", "r1"))
	assert.Empty(t, other.FramesOfType("room_member_left"))

	f.must(t, tab2, `{"type":"room_leave","roomId":"r1"}`)
	assert.False(t, f.state.IsInRoom("u1", "r1"))
	left := other.FramesOfType("room_member_left")
	require.Len(t, left, 1)
	assert.Equal(t, "u1", left[0]["did"])
	assert.Equal(t, "r1", left[0]["roomId"])
}

func TestDisconnectLeavesOnlyVacatedRooms(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "u1")
	b := f.connect(t, "u1")
	other := f.connect(t, "u2")
	f.must(t, a, `{"type":"room_join","roomId":"r1"}`)
	f.must(t, b, `{"type":"room_join","roomId":"r2"}`)
	f.must(t, other, `{"type":"room_join","roomId":"r1"}`)

	f.disconnect(t, a)

	p, ok := f.state.GetPresence("u1")
	require.True(t, ok, "one socket remains")
	assert.Equal(t, []string{"r2"}, p.Rooms)
	left := other.FramesOfType("room_member_left")
	require.Len(t, left, 1)
	assert.Equal(t, "r1", left[0]["roomId"])
}

func TestTypingRequiresRoomSubscription(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")

	requireCode(t, f.send(t, u1, `{"type":"typing","roomId":"r1"}`), protocol.CodeAccessDenied)

	f.must(t, u1, `{"type":"room_join","roomId":"r1"}`)
	f.must(t, u2, `{"type":"room_join","roomId":"r1"}`)
	f.must(t, u1, `{"type":"typing","roomId":"r1"}`)

	typing := u2.FramesOfType("typing")
	require.Len(t, typing, 1)
	assert.Equal(t, "u1", typing[0]["did"])
	assert.Empty(t, u1.FramesOfType("typing"))
}

func TestWatchFollowsPresenceLifecycle(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect(t, "w")
	f.must(t, watcher, `{"type":"watch","dids":["u1"]}`)

	bulk := watcher.FramesOfType("presence_bulk")
	require.Len(t, bulk, 1)
	assert.Equal(t, []any{map[string]any{"did": "u1", "status": "offline"}}, bulk[0]["presences"])

	u1 := f.connect(t, "u1")
	assert.Equal(t, "online", lastPresenceOf(watcher, "u1")["status"])

	second := f.connect(t, "u1")
	assert.Len(t, watcher.FramesOfType("presence"), 1, "a second socket is not a new arrival")

	f.disconnect(t, u1)
	assert.Equal(t, "online", lastPresenceOf(watcher, "u1")["status"])
	f.disconnect(t, second)
	assert.Equal(t, "offline", lastPresenceOf(watcher, "u1")["status"])

	f.must(t, watcher, `{"type":"unwatch","dids":["u1"]}`)
	f.connect(t, "u1")
	assert.Equal(t, "offline", lastPresenceOf(watcher, "u1")["status"])
}

func TestPresenceQueryAppliesVisibility(t *testing.T) {
	f := newFixture(t)
	asker := f.connect(t, "asker")
	inner := f.connect(t, "inner")
	f.connect(t, "open")
	f.must(t, inner, `{"type":"status_change","status":"idle","awayMessage":"afk","visibility":"inner-circle"}`)

	f.must(t, asker, `{"type":"presence_query","dids":["open","inner","ghost","open"]}`)
	got := asker.Last()
	assert.Equal(t, "presence_bulk", got["type"])
	assert.Equal(t, []any{
		map[string]any{"did": "open", "status": "online"},
		map[string]any{"did": "inner", "status": "offline"},
		map[string]any{"did": "ghost", "status": "offline"},
	}, got["presences"])

	f.dir.AddMember("inner", "asker", true)
	asker.Reset()
	f.must(t, asker, `{"type":"presence_query","dids":["inner"]}`)
	assert.Equal(t, []any{map[string]any{"did": "inner", "status": "idle", "awayMessage": "afk"}}, asker.Last()["presences"])
}

type failingLookups struct{}

func (failingLookups) DoesBlock(context.Context, string, string) (bool, error) {
	return false, errors.New("directory down")
}

func (failingLookups) IsMember(context.Context, string, string) (bool, error) {
	return true, errors.New("directory down")
}

func (failingLookups) IsInnerCircle(context.Context, string, string) (bool, error) {
	return true, errors.New("directory down")
}

func TestLookupFailuresHidePresence(t *testing.T) {
	dir := collab.NewDirectory(true)
	f := newFixtureWith(t, dir, collab.Lookups{Bans: dir, Allow: dir, Blocks: failingLookups{}, Communities: failingLookups{}})
	owner := f.connect(t, "owner")
	asker := f.connect(t, "asker")

	f.must(t, owner, `{"type":"status_change","status":"away","awayMessage":"secret"}`)
	f.must(t, asker, `{"type":"presence_query","dids":["owner"]}`)
	assert.Equal(t, []any{map[string]any{"did": "owner", "status": "offline"}}, asker.Last()["presences"])

	requireCode(t, f.send(t, asker, `{"type":"dm_open","recipient":"owner"}`), protocol.CodeUnavailable)
}

func TestMembershipLookupFailureMeansNotMember(t *testing.T) {
	dir := collab.NewDirectory(true)
	f := newFixtureWith(t, dir, collab.Lookups{Bans: dir, Allow: dir, Blocks: dir, Communities: failingLookups{}})
	owner := f.connect(t, "owner")
	asker := f.connect(t, "asker")

	f.must(t, owner, `{"type":"status_change","status":"away","visibility":"group-member"}`)
	f.must(t, asker, `{"type":"presence_query","dids":["owner"]}`)
	assert.Equal(t, []any{map[string]any{"did": "owner", "status": "offline"}}, asker.Last()["presences"])
}

func TestSignalingHandlers(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	mallory := f.connect(t, "mallory")
	f.dir.Block("bob", "mallory")

	requireCode(t, f.send(t, alice, `{"type":"dm_open","recipient":"alice"}`), protocol.CodeInvalidTarget)
	requireCode(t, f.send(t, mallory, `{"type":"dm_open","recipient":"bob"}`), protocol.CodeBlocked)

	f.must(t, alice, `{"type":"dm_open","recipient":"bob"}`)
	opened := alice.FramesOfType("dm_opened")
	require.Len(t, opened, 1)
	id := opened[0]["conversationId"].(string)
	assert.Equal(t, signaling.ConversationID("dm", "alice", "bob"), id)

	f.must(t, alice, `{"type":"dm_offer","conversationId":"`+id+`","sdp":"v=0"}`)
	offers := bob.FramesOfType("dm_offer")
	require.Len(t, offers, 1, "the recipient is subscribed proactively")
	assert.Equal(t, "alice", offers[0]["from"])

	requireCode(t, f.send(t, mallory, `{"type":"dm_answer","conversationId":"`+id+`","sdp":"v=0"}`), protocol.CodeNotParticipant)
	f.must(t, bob, `{"type":"dm_answer","conversationId":"`+id+`","sdp":"v=0"}`)
	requireCode(t, f.send(t, bob, `{"type":"dm_reject","conversationId":"`+id+`"}`), protocol.CodeInvalidState)

	relay, ok := f.engine.Relay("dm")
	require.True(t, ok)
	f.disconnect(t, alice)
	assert.True(t, relay.Has(id))
	f.disconnect(t, bob)
	assert.False(t, relay.Has(id), "no subscriber left")

	again := f.connect(t, "alice")
	requireCode(t, f.send(t, again, `{"type":"dm_offer","conversationId":"`+id+`","sdp":"v=0"}`), protocol.CodeNotParticipant)
}

func TestCallNamespaceIsSeparate(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice")
	f.connect(t, "bob")

	f.must(t, alice, `{"type":"dm_open","recipient":"bob"}`)
	dmID := alice.Last()["conversationId"].(string)
	requireCode(t, f.send(t, alice, `{"type":"call_offer","conversationId":"`+dmID+`","sdp":"v=0"}`), protocol.CodeNotParticipant)

	f.must(t, alice, `{"type":"call_open","recipient":"bob"}`)
	callID := alice.Last()["conversationId"].(string)
	assert.NotEqual(t, dmID, callID)
	assert.Equal(t, "call_opened", alice.Last()["type"])
}

func TestOutwardFanout(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "u1")
	b := f.connect(t, "u1")
	other := f.connect(t, "u2")
	f.must(t, a, `{"type":"room_join","roomId":"r1"}`)
	f.must(t, other, `{"type":"room_join","roomId":"r1"}`)

	assert.True(t, f.engine.IsSubscribed("u1", "r1"))
	assert.False(t, f.engine.IsSubscribed("u2", "r2"))

	msg := []byte(`{"type":"message","id":"m1"}`)
	assert.Equal(t, 2, f.engine.BroadcastToRoom("r1", msg))
	assert.Equal(t, 2, f.engine.SendToIdentity("u1", msg))
	assert.Len(t, a.FramesOfType("message"), 2)
	assert.Len(t, b.FramesOfType("message"), 1)
	assert.Len(t, other.FramesOfType("message"), 1)
	assert.Zero(t, f.engine.SendToIdentity("nobody", msg))
}

func TestTeardownYieldsToRelogin(t *testing.T) {
	f := newFixture(t)
	old := f.connect(t, "u1")
	f.must(t, old, `{"type":"room_join","roomId":"r1"}`)

	old.Close(1000, "")
	identity, remaining := f.engine.Disconnect(context.Background(), old)
	require.Equal(t, "u1", identity)
	require.Zero(t, remaining)

	fresh := f.connect(t, "u1")
	assert.False(t, f.engine.TeardownPresence(context.Background(), "u1"))

	_, ok := f.state.GetPresence("u1")
	assert.True(t, ok, "the record belongs to the new socket now")
	assert.False(t, f.state.IsInRoom("u1", "r1"), "no socket of u1 occupies r1")
	assert.True(t, fresh.IsOpen())
}

func TestDispatchRejections(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	requireCode(t, f.send(t, u1, `{"type":"auth","token":"again"}`), protocol.CodeInvalidState)

	f.must(t, u1, `{"type":"ping"}`)
	assert.Equal(t, "pong", u1.Last()["type"])
}
