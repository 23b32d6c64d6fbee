package endpoint

import (
	"fmt"
	"strings"

	"github.com/myforce/opal-go/pkg/call"
	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/media"
	"github.com/myforce/opal-go/pkg/mediaformat"
)

// PCSSEndpoint is the PC sound-system family ("pc:"). Its streams are
// in-process queues a sound device driver (or a test) feeds and drains;
// the device layer itself lives outside this module.
type PCSSEndpoint struct {
	*Base

	// AutoAnswer accepts incoming calls without waiting for the local
	// user interface; the default rings until AcceptIncoming is called.
	AutoAnswer bool
}

// NewPCSS creates the sound-system family.
func NewPCSS(mgr ManagerContext, formats []mediaformat.Format) *PCSSEndpoint {
	return &PCSSEndpoint{Base: NewBase(mgr, "pc", formats)}
}

// CreateMediaStream hands out queue streams; the device layer attaches
// to them via the connection's stream list.
func (e *PCSSEndpoint) CreateMediaStream(_ *connection.Connection, format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error) {
	return media.NewQueueStream(sessionID, format, isSource), nil
}

// MakeConnection builds a pc connection. The party after "pc:" names
// the sound device; "*" means the default device.
func (e *PCSSEndpoint) MakeConnection(owner *call.Call, party string, originating bool, stringOptions map[string]string) (*connection.Connection, error) {
	device := strings.TrimPrefix(party, e.Prefix()+":")
	local := e.DefaultLocalParty()
	if device != "" && device != "*" {
		local.Name = device
	}
	conn, err := connection.New(connection.Config{
		Call:          owner,
		Endpoint:      e,
		Token:         e.mgr.NewToken('P'),
		Originating:   originating,
		LocalParty:    local,
		RemoteParty:   connection.PartyInfo{URL: party},
		StringOptions: stringOptions,
		Jitter:        e.mgr.JitterDefaults(),
		Queue:         e.mgr.Queue,
		Lock:          owner.Lock(),
		Hooks: connection.Hooks{
			OnIncoming: e.mgr.OnIncomingConnection,
			OnSetUp: func(c *connection.Connection) error {
				// A local connection has no wire protocol to drive: it
				// rings the sound device and answers per policy.
				if err := c.OnAlerting(false); err != nil {
					return err
				}
				if e.AutoAnswer {
					return c.OnConnected()
				}
				return nil
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.Register(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// AcceptIncoming answers a ringing pc connection, as the local user
// picking up would.
func (e *PCSSEndpoint) AcceptIncoming(token string) error {
	conn := e.FindConnection(token)
	if conn == nil {
		return fmt.Errorf("endpoint: no pc connection %q", token)
	}
	return conn.OnConnected()
}

// IVREndpoint is the interactive-voice-response family ("ivr:"). It
// answers immediately and plays/records through queue streams; the
// dialog script engine is an external collaborator driven through the
// connection's stream pair.
type IVREndpoint struct {
	*Base
}

func NewIVR(mgr ManagerContext, formats []mediaformat.Format) *IVREndpoint {
	return &IVREndpoint{Base: NewBase(mgr, "ivr", formats)}
}

func (e *IVREndpoint) CreateMediaStream(_ *connection.Connection, format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error) {
	return media.NewQueueStream(sessionID, format, isSource), nil
}

func (e *IVREndpoint) MakeConnection(owner *call.Call, party string, originating bool, stringOptions map[string]string) (*connection.Connection, error) {
	conn, err := connection.New(connection.Config{
		Call:          owner,
		Endpoint:      e,
		Token:         e.mgr.NewToken('I'),
		Originating:   originating,
		LocalParty:    e.DefaultLocalParty(),
		RemoteParty:   connection.PartyInfo{URL: party},
		StringOptions: stringOptions,
		Jitter:        e.mgr.JitterDefaults(),
		Queue:         e.mgr.Queue,
		Lock:          owner.Lock(),
		Hooks: connection.Hooks{
			OnIncoming: e.mgr.OnIncomingConnection,
			OnSetUp: func(c *connection.Connection) error {
				// IVR answers as soon as signalling allows.
				return c.OnConnected()
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.Register(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// LineDevice abstracts the POTS hardware: hook state and ring control.
// Tone-detection DSP and country tables live below this interface.
type LineDevice interface {
	Name() string
	IsOffHook() bool
	Ring(on bool) error
	PlayDialTone() error
}

// LineEndpoint is the telephone-line family ("pots:") bridging analogue
// line interface devices.
type LineEndpoint struct {
	*Base
	device LineDevice
}

func NewLine(mgr ManagerContext, formats []mediaformat.Format, device LineDevice) *LineEndpoint {
	return &LineEndpoint{Base: NewBase(mgr, "pots", formats), device: device}
}

func (e *LineEndpoint) CreateMediaStream(_ *connection.Connection, format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error) {
	return media.NewQueueStream(sessionID, format, isSource), nil
}

func (e *LineEndpoint) MakeConnection(owner *call.Call, party string, originating bool, stringOptions map[string]string) (*connection.Connection, error) {
	conn, err := connection.New(connection.Config{
		Call:          owner,
		Endpoint:      e,
		Token:         e.mgr.NewToken('L'),
		Originating:   originating,
		LocalParty:    e.DefaultLocalParty(),
		RemoteParty:   connection.PartyInfo{URL: party},
		StringOptions: stringOptions,
		Jitter:        e.mgr.JitterDefaults(),
		Queue:         e.mgr.Queue,
		Lock:          owner.Lock(),
		Hooks: connection.Hooks{
			OnIncoming: e.mgr.OnIncomingConnection,
			OnSetUp: func(c *connection.Connection) error {
				if e.device == nil {
					return c.OnConnected()
				}
				if e.device.IsOffHook() {
					return c.OnConnected()
				}
				if err := e.device.Ring(true); err != nil {
					return err
				}
				return c.OnAlerting(false)
			},
			OnRelease: func(*connection.Connection, callend.Reason) {
				if e.device != nil {
					e.device.Ring(false)
				}
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.Register(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// OffHook answers a ringing line connection when the handset lifts.
func (e *LineEndpoint) OffHook(token string) error {
	conn := e.FindConnection(token)
	if conn == nil {
		return fmt.Errorf("endpoint: no pots connection %q", token)
	}
	if e.device != nil {
		e.device.Ring(false)
	}
	return conn.OnConnected()
}
