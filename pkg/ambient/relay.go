package ambient

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/go-chipins/pkg/relay"
)

// Relay command types understood by the kiosk page.
const (
	cmdLoad    = "audio.load"
	cmdPlay    = "audio.play"
	cmdVolume  = "audio.volume"
	cmdRelease = "audio.release"
)

// Requester is the part of relay.Bridge used by RelayOutput.
type Requester interface {
	Request(ctx context.Context, cmd relay.Command) (relay.Event, error)
	Send(cmd relay.Command) error
}

// RelayOutput plays tracks through an <audio> element on the kiosk page.
type RelayOutput struct {
	bridge Requester
}

// NewRelayOutput creates an output that drives the page over bridge.
func NewRelayOutput(bridge Requester) *RelayOutput {
	return &RelayOutput{bridge: bridge}
}

// Name returns "relay".
func (o *RelayOutput) Name() string { return "relay" }

// Load asks the page to create an audio element for track.
func (o *RelayOutput) Load(ctx context.Context, track Track) (Instance, error) {
	inst := &relayInstance{bridge: o.bridge, id: uuid.NewString()}
	_, err := o.bridge.Request(ctx, relay.Command{
		Type: cmdLoad,
		Data: map[string]any{"instance": inst.id, "url": track.URL, "name": track.Name},
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

type relayInstance struct {
	bridge Requester
	id     string

	mu       sync.Mutex
	released bool
}

// Start calls play() on the page. The browser's autoplay policy can reject
// it, which comes back as a negative ack.
func (i *relayInstance) Start(ctx context.Context) error {
	if i.isReleased() {
		return ErrReleased
	}
	_, err := i.bridge.Request(ctx, relay.Command{
		Type: cmdPlay,
		Data: map[string]any{"instance": i.id},
	})
	return err
}

func (i *relayInstance) SetVolume(v float64) error {
	if i.isReleased() {
		return ErrReleased
	}
	return i.bridge.Send(relay.Command{
		Type: cmdVolume,
		Data: map[string]any{"instance": i.id, "volume": v},
	})
}

func (i *relayInstance) Release() error {
	i.mu.Lock()
	if i.released {
		i.mu.Unlock()
		return nil
	}
	i.released = true
	i.mu.Unlock()

	return i.bridge.Send(relay.Command{
		Type: cmdRelease,
		Data: map[string]any{"instance": i.id},
	})
}

func (i *relayInstance) isReleased() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.released
}
