package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikas-kashyap97/Voice-changer/effect"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

// fakeData is a DataConnection whose open state the test controls.
type fakeData struct {
	events *signaling.Broker[signaling.ConnEvent]

	mu      sync.Mutex
	open    bool
	closed  bool
	sent    []string
	sendErr error
}

func newFakeData() *fakeData {
	return &fakeData{events: signaling.NewBroker[signaling.ConnEvent]()}
}

func (f *fakeData) ID() string              { return "dc_test" }
func (f *fakeData) Peer() signaling.Address { return "B1" }

func (f *fakeData) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open && !f.closed
}

func (f *fakeData) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(payload))
	return nil
}

func (f *fakeData) Subscribe() *signaling.Subscription[signaling.ConnEvent] {
	return f.events.Subscribe()
}

func (f *fakeData) Close() error {
	f.mu.Lock()
	already := f.closed
	f.closed = true
	f.mu.Unlock()
	if !already {
		f.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventClose})
		f.events.Close()
	}
	return nil
}

func (f *fakeData) setOpen() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventOpen})
}

func (f *fakeData) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type effectRecorder struct {
	mu    sync.Mutex
	names []effect.Name
}

func (r *effectRecorder) record(name effect.Name) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *effectRecorder) all() []effect.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]effect.Name(nil), r.names...)
}

func TestEffectMessageWireFormat(t *testing.T) {
	data, err := EncodeEffectMessage(effect.Male)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"voiceEffect","effect":"male"}`, string(data))

	for _, name := range effect.All() {
		data, err := EncodeEffectMessage(name)
		require.NoError(t, err)
		got, err := DecodeEffectMessage(data)
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}

	_, err = EncodeEffectMessage("whisper")
	assert.ErrorIs(t, err, effect.ErrUnknownEffect)
}

func TestDecodeEffectMessageRejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"other type", `{"type":"chat","effect":"male"}`, ErrNotEffectMessage},
		{"missing type", `{"effect":"male"}`, ErrNotEffectMessage},
		{"unknown effect", `{"type":"voiceEffect","effect":"robot"}`, effect.ErrUnknownEffect},
		{"not json", `male`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEffectMessage([]byte(tt.input))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestEffectSyncQueuesUntilOpen(t *testing.T) {
	conn := newFakeData()
	es := NewEffectSync(conn, nil, nil)
	t.Cleanup(func() { es.Close() })

	require.NoError(t, es.Send(effect.Female))
	require.NoError(t, es.Send(effect.Child))
	assert.Empty(t, conn.messages())

	conn.setOpen()

	// Only the latest selection is delivered.
	require.Eventually(t, func() bool { return len(conn.messages()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"type":"voiceEffect","effect":"child"}`, conn.messages()[0])

	require.NoError(t, es.Send(effect.Old))
	assert.Len(t, conn.messages(), 2)
}

func TestEffectSyncDeliversReceived(t *testing.T) {
	conn := newFakeData()
	rec := &effectRecorder{}
	es := NewEffectSync(conn, rec.record, nil)
	t.Cleanup(func() { es.Close() })
	assert.Equal(t, signaling.Address("B1"), es.Peer())

	conn.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventData, Payload: []byte(`{"type":"chat","text":"hi"}`)})
	conn.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventData, Payload: []byte(`garbage`)})
	conn.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventError, Err: errors.New("glitch")})
	conn.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventData, Payload: []byte(`{"type":"voiceEffect","effect":"female"}`)})

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitFor, tick)
	assert.Equal(t, []effect.Name{effect.Female}, rec.all())
}

func TestEffectSyncStopsOnClose(t *testing.T) {
	conn := newFakeData()
	es := NewEffectSync(conn, nil, nil)

	conn.Close()
	select {
	case <-es.Done():
	case <-time.After(waitFor):
		t.Fatal("sync did not stop after the connection closed")
	}
	assert.ErrorIs(t, es.Send(effect.Male), signaling.ErrConnectionClosed)
	require.NoError(t, es.Close())
}

func TestEffectSyncSendFailureRequeues(t *testing.T) {
	conn := newFakeData()
	conn.setOpen()
	es := NewEffectSync(conn, nil, nil)
	t.Cleanup(func() { es.Close() })

	conn.mu.Lock()
	conn.sendErr = errors.New("buffer full")
	conn.mu.Unlock()
	assert.Error(t, es.Send(effect.Male))

	conn.mu.Lock()
	conn.sendErr = nil
	conn.mu.Unlock()
	conn.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventOpen})

	require.Eventually(t, func() bool { return len(conn.messages()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"type":"voiceEffect","effect":"male"}`, conn.messages()[0])
}
