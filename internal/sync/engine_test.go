package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/farmchat/internal/auth"
	"github.com/matheus3301/farmchat/internal/bus"
	"github.com/matheus3301/farmchat/internal/cache"
	"github.com/matheus3301/farmchat/internal/chat"
	"github.com/matheus3301/farmchat/internal/eventloop"
)

var key = chat.ConversationKey{CounterpartID: "rancher-1", ListingID: "calf-12"}

// fakeAPI answers from canned values. A non-nil gate makes the call block
// until the gate is closed; started is signalled when the call begins.
type fakeAPI struct {
	history     chat.History
	historyErr  error
	historyGate chan struct{}

	reply    chat.Message
	sendErr  error
	sendGate chan struct{}

	started chan struct{}
	sends   atomic.Int32
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{started: make(chan struct{}, 16)}
}

func (f *fakeAPI) History(ctx context.Context, k chat.ConversationKey) (chat.History, error) {
	f.started <- struct{}{}
	if f.historyGate != nil {
		<-f.historyGate
	}
	return f.history, f.historyErr
}

func (f *fakeAPI) Send(ctx context.Context, k chat.ConversationKey, text, tempID string) (chat.Message, error) {
	f.sends.Add(1)
	f.started <- struct{}{}
	if f.sendGate != nil {
		<-f.sendGate
	}
	if f.sendErr != nil {
		return chat.Message{}, f.sendErr
	}
	m := f.reply
	if m.Text == "" {
		m.Text = text
	}
	m.TempID = tempID
	return m, nil
}

func (f *fakeAPI) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("API call never started")
	}
}

type fixture struct {
	e     *Engine
	api   *fakeAPI
	cache *cache.Cache
	bus   *bus.Bus
	loop  *eventloop.Loop
}

func newFixture(t *testing.T, api *fakeAPI, kv cache.KV) *fixture {
	t.Helper()
	if kv == nil {
		kv = cache.NewMemoryKV()
	}
	loop := eventloop.New(nil)
	t.Cleanup(loop.Close)
	var n atomic.Int32
	c := cache.New(kv, nil)
	b := bus.New()
	e := NewEngine(key, api, c, loop, b, nil,
		WithSelfID("me"),
		WithIDGenerator(func() string { return fmt.Sprintf("tmp-%d", n.Add(1)) }),
	)
	return &fixture{e: e, api: api, cache: c, bus: b, loop: loop}
}

func (f *fixture) stored(t *testing.T) cached {
	t.Helper()
	var c cached
	if !f.cache.Get(cache.MessagesKey(key), cache.MessagesTTL, &c) {
		t.Fatal("nothing cached")
	}
	return c
}

func theirs(id, text string) chat.Message {
	return chat.Message{ID: id, SenderID: "rancher-1", ReceiverID: "me", ListingID: "calf-12", Text: text, CreatedAt: time.Now()}
}

func TestLoadPaintsCacheThenReplaces(t *testing.T) {
	kv := cache.NewMemoryKV()
	seed := cache.New(kv, nil)
	if err := seed.Put(cache.MessagesKey(key), cached{Messages: []chat.Message{theirs("old", "cached")}}); err != nil {
		t.Fatal(err)
	}

	api := newFakeAPI()
	api.historyGate = make(chan struct{})
	api.history = chat.History{
		Messages: []chat.Message{
			theirs("m1", "hi"),
			{ID: "m2", SenderID: "me", ReceiverID: "rancher-1", Text: "hello"},
		},
		Counterpart: chat.Counterpart{ID: "rancher-1", Name: "Zé", Phone: "+55 62 99999-0000"},
	}
	f := newFixture(t, api, kv)

	done := make(chan error, 1)
	go func() { done <- f.e.Load(context.Background()) }()
	api.waitStarted(t)

	v := f.e.Snapshot()
	if len(v.Messages) != 1 || v.Messages[0].ID != "old" {
		t.Fatalf("cache not painted before fetch: %+v", v.Messages)
	}
	if v.State != chat.ViewDegraded || !v.Loading {
		t.Errorf("state while refreshing = %s loading=%v, want degraded/true", v.State, v.Loading)
	}

	close(api.historyGate)
	if err := <-done; err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	v = f.e.Snapshot()
	if v.State != chat.ViewReady || v.Loading {
		t.Errorf("state = %s loading=%v, want ready/false", v.State, v.Loading)
	}
	if len(v.Messages) != 2 || v.Messages[0].ID != "m1" || v.Messages[1].ID != "m2" {
		t.Fatalf("messages = %+v", v.Messages)
	}
	if v.Messages[0].Direction != chat.Theirs || v.Messages[1].Direction != chat.Mine || v.Messages[1].DeliveryState != chat.Sent {
		t.Errorf("directions not tagged: %+v", v.Messages)
	}
	if v.Counterpart.Name != "Zé" {
		t.Errorf("counterpart = %+v", v.Counterpart)
	}
	if c := f.stored(t); len(c.Messages) != 2 || c.Counterpart.Name != "Zé" {
		t.Errorf("cache not rewritten: %+v", c)
	}
}

func TestLoadFailureStates(t *testing.T) {
	tests := []struct {
		name      string
		seed      []chat.Message
		wantState chat.ViewState
		wantLen   int
	}{
		{"with cache", []chat.Message{theirs("old", "cached")}, chat.ViewDegraded, 1},
		{"without cache", nil, chat.ViewFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := cache.NewMemoryKV()
			if tt.seed != nil {
				_ = cache.New(kv, nil).Put(cache.MessagesKey(key), cached{Messages: tt.seed})
			}
			api := newFakeAPI()
			api.historyErr = errors.New("connection refused")
			f := newFixture(t, api, kv)

			if err := f.e.Load(context.Background()); err == nil {
				t.Fatal("Load() should return the fetch error")
			}
			v := f.e.Snapshot()
			if v.State != tt.wantState || v.Loading {
				t.Errorf("state = %s loading=%v, want %s/false", v.State, v.Loading, tt.wantState)
			}
			if len(v.Messages) != tt.wantLen {
				t.Errorf("got %d messages, want %d", len(v.Messages), tt.wantLen)
			}
			if v.Error == "" {
				t.Error("view carries no error")
			}
		})
	}
}

func TestLoadWithoutCredential(t *testing.T) {
	api := newFakeAPI()
	api.historyErr = fmt.Errorf("fetch: %w", auth.ErrNoCredential)
	f := newFixture(t, api, nil)

	if err := f.e.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	v := f.e.Snapshot()
	if v.Loading || v.Error != "" || v.State != chat.ViewReady {
		t.Errorf("view = %+v, want ready with no error", v)
	}
}

func TestSendIsOptimisticThenReconciled(t *testing.T) {
	api := newFakeAPI()
	api.sendGate = make(chan struct{})
	api.reply = chat.Message{ID: "srv-9", SenderID: "me", ReceiverID: "rancher-1"}
	f := newFixture(t, api, nil)
	f.e.ReceivePush(theirs("m1", "how many head?"))

	type result struct {
		m   chat.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := f.e.Send(context.Background(), "  hello  ")
		done <- result{m, err}
	}()
	api.waitStarted(t)

	v := f.e.Snapshot()
	if len(v.Messages) != 2 {
		t.Fatalf("got %d messages before ack, want 2", len(v.Messages))
	}
	p := v.Messages[1]
	if p.DeliveryState != chat.Pending || p.TempID != "tmp-1" || p.Text != "hello" || p.Direction != chat.Mine {
		t.Errorf("optimistic entry = %+v", p)
	}
	if c := f.stored(t); len(c.Messages) != 2 || c.Messages[1].DeliveryState != chat.Pending {
		t.Error("pending entry not cached before the network call returned")
	}

	close(api.sendGate)
	r := <-done
	if r.err != nil {
		t.Fatalf("Send() error = %v", r.err)
	}
	if r.m.ID != "srv-9" || r.m.DeliveryState != chat.Sent {
		t.Errorf("Send() = %+v", r.m)
	}

	v = f.e.Snapshot()
	if len(v.Messages) != 2 {
		t.Fatalf("got %d messages after ack, want 2", len(v.Messages))
	}
	s := v.Messages[1]
	if s.ID != "srv-9" || s.TempID != "tmp-1" || s.Text != "hello" || s.DeliveryState != chat.Sent {
		t.Errorf("reconciled entry = %+v", s)
	}
}

func TestSendFailureKeepsEntry(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("timeout")
	f := newFixture(t, api, nil)

	m, err := f.e.Send(context.Background(), "is she bred?")
	if err == nil {
		t.Fatal("Send() should return an error")
	}
	if m.DeliveryState != chat.Failed {
		t.Errorf("returned entry state = %s, want failed", m.DeliveryState)
	}
	v := f.e.Snapshot()
	if len(v.Messages) != 1 || v.Messages[0].DeliveryState != chat.Failed || v.Messages[0].Text != "is she bred?" {
		t.Fatalf("messages = %+v, want one failed entry", v.Messages)
	}
	if n := api.sends.Load(); n != 1 {
		t.Errorf("sent %d times, want 1 (no retry)", n)
	}
}

func TestSendValidationBoundary(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr error
	}{
		{"empty", "", ErrEmptyMessage},
		{"whitespace", "  \n\t ", ErrEmptyMessage},
		{"exactly max", strings.Repeat("a", chat.MaxTextLength), nil},
		{"max in multibyte runes", strings.Repeat("ç", chat.MaxTextLength), nil},
		{"one over", strings.Repeat("a", chat.MaxTextLength+1), ErrMessageTooLong},
		{"max with surrounding whitespace", " " + strings.Repeat("a", chat.MaxTextLength) + " \n", nil},
		{"one over after trimming", " " + strings.Repeat("a", chat.MaxTextLength+1) + " ", ErrMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.reply = chat.Message{ID: "srv-1"}
			f := newFixture(t, api, nil)

			m, err := f.e.Send(context.Background(), tt.text)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Send() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && m.Text != strings.TrimSpace(tt.text) {
				t.Errorf("sent text has %d characters, want the trimmed %d", len(m.Text), len(strings.TrimSpace(tt.text)))
			}
			if tt.wantErr != nil {
				if n := api.sends.Load(); n != 0 {
					t.Errorf("rejected text reached the network %d times", n)
				}
				if v := f.e.Snapshot(); len(v.Messages) != 0 {
					t.Errorf("rejected text changed state: %+v", v.Messages)
				}
			}
		})
	}
}

func TestPushIsIdempotent(t *testing.T) {
	f := newFixture(t, newFakeAPI(), nil)
	events, unsub := f.bus.Subscribe("message.", 16)
	defer unsub()

	for i := 0; i < 3; i++ {
		f.e.ReceivePush(theirs("m1", "hi"))
	}
	f.e.ReceivePush(theirs("m2", "there"))
	f.e.ReceivePush(theirs("m1", "hi"))

	v := f.e.Snapshot()
	if len(v.Messages) != 2 || v.Messages[0].ID != "m1" || v.Messages[1].ID != "m2" {
		t.Fatalf("messages = %+v", v.Messages)
	}
	if v.Messages[0].Direction != chat.Theirs || v.Messages[0].DeliveryState != "" {
		t.Errorf("push not tagged theirs: %+v", v.Messages[0])
	}
	if n := len(events); n != 2 {
		t.Errorf("published %d events, want 2", n)
	}
	if c := f.stored(t); len(c.Messages) != 2 {
		t.Errorf("cache holds %d messages, want 2", len(c.Messages))
	}
}

func TestPushMatchingTempIDUpgradesPending(t *testing.T) {
	api := newFakeAPI()
	api.sendGate = make(chan struct{})
	api.reply = chat.Message{ID: "srv-5", SenderID: "me", ReceiverID: "rancher-1"}
	f := newFixture(t, api, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.e.Send(context.Background(), "deal")
		done <- err
	}()
	api.waitStarted(t)

	// The server echoes our own message with its client temp id first.
	f.e.ReceivePush(chat.Message{ID: "srv-5", TempID: "tmp-1", SenderID: "me", ReceiverID: "rancher-1", Text: "deal"})
	v := f.e.Snapshot()
	if len(v.Messages) != 1 || v.Messages[0].ID != "srv-5" || v.Messages[0].DeliveryState != chat.Sent || v.Messages[0].Direction != chat.Mine {
		t.Fatalf("messages after echo = %+v", v.Messages)
	}

	close(api.sendGate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	f.e.ReceivePush(chat.Message{ID: "srv-5", SenderID: "me", ReceiverID: "rancher-1", Text: "deal"})

	v = f.e.Snapshot()
	if len(v.Messages) != 1 {
		t.Fatalf("got %d entries for one send, want 1: %+v", len(v.Messages), v.Messages)
	}
}

func TestAckAfterPushWithSameIDKeepsOneEntry(t *testing.T) {
	api := newFakeAPI()
	api.sendGate = make(chan struct{})
	api.reply = chat.Message{ID: "srv-7", SenderID: "me", ReceiverID: "rancher-1"}
	f := newFixture(t, api, nil)
	f.e.ReceivePush(theirs("m1", "price?"))

	done := make(chan error, 1)
	go func() {
		_, err := f.e.Send(context.Background(), "R$ 3.000")
		done <- err
	}()
	api.waitStarted(t)

	// Push without a temp id lands before the HTTP ack.
	f.e.ReceivePush(chat.Message{ID: "srv-7", SenderID: "me", ReceiverID: "rancher-1", Text: "R$ 3.000"})
	f.e.ReceivePush(theirs("m3", "ok"))
	if v := f.e.Snapshot(); len(v.Messages) != 4 {
		t.Fatalf("got %d messages before ack, want 4", len(v.Messages))
	}

	close(api.sendGate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	v := f.e.Snapshot()
	var ids []string
	for _, m := range v.Messages {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "m1,srv-7,m3" {
		t.Fatalf("ids = %v, want [m1 srv-7 m3]", ids)
	}
	if v.Messages[1].DeliveryState != chat.Sent || v.Messages[1].Direction != chat.Mine {
		t.Errorf("reconciled entry = %+v", v.Messages[1])
	}
}

func TestPushForOtherConversationIgnored(t *testing.T) {
	f := newFixture(t, newFakeAPI(), nil)

	f.e.ReceivePush(chat.Message{ID: "x1", SenderID: "someone-else", ReceiverID: "me", Text: "hi"})
	f.e.ReceivePush(chat.Message{ID: "x2", SenderID: "rancher-1", ReceiverID: "me", ListingID: "other-listing", Text: "hi"})

	if v := f.e.Snapshot(); len(v.Messages) != 0 {
		t.Errorf("foreign pushes appended: %+v", v.Messages)
	}
}

func TestClosedEngineDiscardsContinuations(t *testing.T) {
	api := newFakeAPI()
	api.sendGate = make(chan struct{})
	api.reply = chat.Message{ID: "srv-1"}
	f := newFixture(t, api, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.e.Send(context.Background(), "bye")
		done <- err
	}()
	api.waitStarted(t)

	f.e.Close()
	close(api.sendGate)
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() error = %v, want ErrClosed", err)
	}

	f.e.ReceivePush(theirs("late", "too late"))
	var v View
	_ = f.loop.Do(func() { v = f.e.view() })
	if len(v.Messages) != 1 || v.Messages[0].DeliveryState != chat.Pending {
		t.Errorf("closed engine mutated: %+v", v.Messages)
	}
}

func TestCachedPendingBecomesFailed(t *testing.T) {
	kv := cache.NewMemoryKV()
	_ = cache.New(kv, nil).Put(cache.MessagesKey(key), cached{Messages: []chat.Message{
		{ID: "tmp-x", TempID: "tmp-x", SenderID: "me", Direction: chat.Mine, Text: "lost", DeliveryState: chat.Pending},
	}})
	api := newFakeAPI()
	api.historyErr = errors.New("offline")
	f := newFixture(t, api, kv)

	_ = f.e.Load(context.Background())
	v := f.e.Snapshot()
	if len(v.Messages) != 1 || v.Messages[0].DeliveryState != chat.Failed {
		t.Errorf("messages = %+v, want the orphaned send flagged failed", v.Messages)
	}
}

func TestRefreshKeepsPushesAndUnsentEntries(t *testing.T) {
	kv := cache.NewMemoryKV()
	_ = cache.New(kv, nil).Put(cache.MessagesKey(key), cached{Messages: []chat.Message{
		theirs("stale", "deleted upstream"),
		{ID: "tmp-f", TempID: "tmp-f", SenderID: "me", Direction: chat.Mine, Text: "failed before", DeliveryState: chat.Failed},
	}})

	api := newFakeAPI()
	api.historyGate = make(chan struct{})
	api.history = chat.History{Messages: []chat.Message{theirs("m1", "hi")}}
	f := newFixture(t, api, kv)

	done := make(chan error, 1)
	go func() { done <- f.e.Load(context.Background()) }()
	api.waitStarted(t)
	f.e.ReceivePush(theirs("m2", "arrived during fetch"))
	_ = f.e.Snapshot()
	close(api.historyGate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	v := f.e.Snapshot()
	var ids []string
	for _, m := range v.Messages {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "m1,tmp-f,m2" {
		t.Errorf("ids = %v, want [m1 tmp-f m2]", ids)
	}
}
