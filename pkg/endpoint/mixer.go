package endpoint

import (
	"fmt"
	"strings"
	"sync"

	"github.com/myforce/opal-go/pkg/call"
	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/media"
	"github.com/myforce/opal-go/pkg/mediaformat"
)

// MixerNode is one conference: a named mixing point whose member
// connections each contribute a source stream and receive the mix.
// Actual sample mixing runs in the media patches; the node tracks
// membership only.
type MixerNode struct {
	name string

	mu      sync.Mutex
	members map[string]*connection.Connection
}

func (n *MixerNode) Name() string { return n.name }

func (n *MixerNode) MemberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.members)
}

func (n *MixerNode) addMember(c *connection.Connection) {
	n.mu.Lock()
	n.members[c.Token()] = c
	n.mu.Unlock()
}

func (n *MixerNode) removeMember(c *connection.Connection) {
	n.mu.Lock()
	delete(n.members, c.Token())
	n.mu.Unlock()
}

// MixerEndpoint is the conference family ("mcu:"). Party URIs name
// nodes: "mcu:conf42". A connection to a node that does not exist
// creates it; later members join the same node.
type MixerEndpoint struct {
	*Base

	mu    sync.Mutex
	nodes map[string]*MixerNode
}

func NewMixer(mgr ManagerContext, formats []mediaformat.Format) *MixerEndpoint {
	return &MixerEndpoint{
		Base:  NewBase(mgr, "mcu", formats),
		nodes: make(map[string]*MixerNode),
	}
}

// GetNode finds or creates a conference node.
func (e *MixerEndpoint) GetNode(name string) *MixerNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	node, ok := e.nodes[name]
	if !ok {
		node = &MixerNode{name: name, members: make(map[string]*connection.Connection)}
		e.nodes[name] = node
	}
	return node
}

// FindNode returns an existing node or nil.
func (e *MixerEndpoint) FindNode(name string) *MixerNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodes[name]
}

func nodeNameOf(party string) string {
	name := party
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func (e *MixerEndpoint) CreateMediaStream(_ *connection.Connection, format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error) {
	return media.NewQueueStream(sessionID, format, isSource), nil
}

// MakeConnection joins the named node, creating it on first use.
func (e *MixerEndpoint) MakeConnection(owner *call.Call, party string, originating bool, stringOptions map[string]string) (*connection.Connection, error) {
	nodeName := nodeNameOf(party)
	if nodeName == "" {
		return nil, fmt.Errorf("endpoint: conference party %q names no node", party)
	}
	node := e.GetNode(nodeName)

	conn, err := connection.New(connection.Config{
		Call:          owner,
		Endpoint:      e,
		Token:         e.mgr.NewToken('M'),
		Originating:   originating,
		LocalParty:    connection.PartyInfo{Name: nodeName, URL: "mcu:" + nodeName, Product: e.ProductInfo()},
		RemoteParty:   connection.PartyInfo{URL: party},
		StringOptions: stringOptions,
		Jitter:        e.mgr.JitterDefaults(),
		Queue:         e.mgr.Queue,
		Lock:          owner.Lock(),
		Hooks: connection.Hooks{
			OnIncoming: e.mgr.OnIncomingConnection,
			OnSetUp: func(c *connection.Connection) error {
				// A mixer always answers; members join live.
				return c.OnConnected()
			},
			OnRelease: func(c *connection.Connection, _ callend.Reason) {
				node.removeMember(c)
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.Register(conn); err != nil {
		return nil, err
	}
	node.addMember(conn)
	return conn, nil
}
