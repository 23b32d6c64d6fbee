// Package manager implements the top-level coordinator: the endpoint
// registry, route table, active-call dictionary, NAT methods, port
// ranges, per-media QoS, the decoupled worker pool and the garbage
// collector that reaps released calls and connections.
package manager

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/myforce/opal-go/pkg/call"
	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/endpoint"
	"github.com/myforce/opal-go/pkg/jitter"
	"github.com/myforce/opal-go/pkg/logging"
	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/routing"
	"github.com/myforce/opal-go/pkg/transport"
)

// TLSSettings hold the credential paths handed to TLS transports.
type TLSSettings struct {
	CAFile         string
	CertFile       string
	KeyFile        string
	AutoCreateCert bool
}

// PortWindow is a [Base, Max] port allocation window.
type PortWindow struct {
	Base, Max uint16
}

// Config assembles a Manager. Zero values get workable telephony
// defaults.
type Config struct {
	ProductInfo     connection.ProductInfo
	DefaultUserName string

	TCPPorts PortWindow
	UDPPorts PortWindow
	RTPPorts PortWindow

	NATMethods transport.NATMethods

	Jitter jitter.Params

	// MediaOrder and MediaMask are the process-wide codec preference
	// and disable lists.
	MediaOrder []string
	MediaMask  []string

	// QoS maps each media type to its DSCP value.
	QoS map[mediaformat.Kind]uint8

	// Routes are route-table lines applied in order.
	Routes []string

	// SymmetricMedia opens both stream directions together or neither.
	SymmetricMedia bool

	// WorkerPoolSize bounds the decoupled callback pool (default 5).
	WorkerPoolSize int

	TransportIdleTimeout time.Duration // default 1 minute
	SignallingTimeout    time.Duration // default 10 seconds
	NoMediaTimeout       time.Duration // default 5 minutes

	TLS TLSSettings

	// OnCallEstablished and OnCallCleared are the application's
	// call-lifecycle observers.
	OnCallEstablished func(c *call.Call)
	OnCallCleared     func(c *call.Call)
}

var (
	ErrShuttingDown  = errors.New("manager: clearing all calls")
	ErrNoEndpoint    = errors.New("manager: no endpoint for scheme")
	ErrUnknownCall   = errors.New("manager: unknown call token")
)

// Manager is the top-level coordinator. One per process is the common
// case, but nothing prevents several isolated managers (tests do this).
type Manager struct {
	cfg Config
	log zerolog.Logger

	// Registry is the manager-owned media format catalog, pre-loaded
	// with the narrowband telephony set.
	Registry *mediaformat.Registry

	mu        sync.RWMutex
	endpoints map[string]endpoint.Endpoint
	calls     map[string]*call.Call

	routes *routing.Table

	rtpPorts *transport.PortRange
	tcpPorts *transport.PortRange
	udpPorts *transport.PortRange

	tokenMu      sync.Mutex
	tokenCounter uint64

	workers   chan func()
	workersMu sync.RWMutex
	stopped   bool

	clearMu          sync.Mutex
	allCleared       *sync.Cond
	clearingAllCount int

	metrics *metrics

	gcOnce sync.Once
	gcStop chan struct{}
	gcDone chan struct{}
}

// New creates a manager; the garbage collector starts on first
// endpoint attach.
func New(cfg Config) (*Manager, error) {
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = 5
	}
	if cfg.TransportIdleTimeout == 0 {
		cfg.TransportIdleTimeout = time.Minute
	}
	if cfg.SignallingTimeout == 0 {
		cfg.SignallingTimeout = 10 * time.Second
	}
	if cfg.NoMediaTimeout == 0 {
		cfg.NoMediaTimeout = 5 * time.Minute
	}
	if cfg.RTPPorts.Base == 0 {
		cfg.RTPPorts = PortWindow{Base: 5000, Max: 5999}
	}
	if cfg.TCPPorts.Base == 0 {
		cfg.TCPPorts = PortWindow{}
	}
	if cfg.DefaultUserName == "" {
		cfg.DefaultUserName = "opal"
	}
	if cfg.ProductInfo.Name == "" {
		cfg.ProductInfo = connection.ProductInfo{Vendor: "myforce", Name: "opal-go", Version: "1.0"}
	}

	registry := mediaformat.NewRegistry()
	if err := mediaformat.RegisterTelephonyDefaults(registry); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		log:       logging.New("manager"),
		Registry:  registry,
		endpoints: make(map[string]endpoint.Endpoint),
		calls:     make(map[string]*call.Call),
		routes:    routing.NewTable(),
		rtpPorts:  &transport.PortRange{Base: cfg.RTPPorts.Base, Max: cfg.RTPPorts.Max},
		tcpPorts:  &transport.PortRange{Base: cfg.TCPPorts.Base, Max: cfg.TCPPorts.Max},
		udpPorts:  &transport.PortRange{Base: cfg.UDPPorts.Base, Max: cfg.UDPPorts.Max},
		workers:   make(chan func(), 64),
		gcStop:    make(chan struct{}),
		gcDone:    make(chan struct{}),
	}
	m.allCleared = sync.NewCond(&m.clearMu)
	m.metrics = newMetrics()

	for _, spec := range cfg.Routes {
		if err := m.routes.AddSpec(spec); err != nil {
			return nil, err
		}
	}
	for i := 0; i < cfg.WorkerPoolSize; i++ {
		go m.worker()
	}
	return m, nil
}

func (m *Manager) worker() {
	for fn := range m.workers {
		fn()
	}
}

// Queue schedules fn on the decoupled worker pool so it never runs on a
// protocol thread.
func (m *Manager) Queue(fn func()) {
	m.workersMu.RLock()
	defer m.workersMu.RUnlock()
	if m.stopped {
		go fn()
		return
	}
	select {
	case m.workers <- fn:
	default:
		// Pool saturated: spill to a fresh goroutine rather than block
		// the protocol thread.
		go fn()
	}
}

// NewToken mints a process-unique token: prefix character, a random hex
// run, and a monotonic counter. Callers treat it as opaque.
func (m *Manager) NewToken(prefix byte) string {
	m.tokenMu.Lock()
	m.tokenCounter++
	n := m.tokenCounter
	m.tokenMu.Unlock()
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%c%s%d", prefix, hex, n)
}

// AttachEndpoint registers a family under its prefix and starts the
// garbage collector on first attach.
func (m *Manager) AttachEndpoint(ep endpoint.Endpoint, extraPrefixes ...string) {
	m.mu.Lock()
	m.endpoints[ep.Prefix()] = ep
	for _, p := range extraPrefixes {
		m.endpoints[p] = ep
	}
	m.mu.Unlock()
	m.gcOnce.Do(func() { go m.garbageCollector() })
}

// FindEndpoint resolves a scheme prefix.
func (m *Manager) FindEndpoint(prefix string) endpoint.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints[prefix]
}

// HasEndpoint reports whether a prefix is attached.
func (m *Manager) HasEndpoint(prefix string) bool { return m.FindEndpoint(prefix) != nil }

func (m *Manager) endpointForParty(party string) endpoint.Endpoint {
	scheme, _, found := strings.Cut(party, ":")
	if !found {
		return nil
	}
	return m.FindEndpoint(strings.ToLower(scheme))
}

// AddRoute appends a route-table line at runtime.
func (m *Manager) AddRoute(spec string) error { return m.routes.AddSpec(spec) }

// ProductInfo, DefaultUserName, RTPPortRange, NATMethods, JitterDefaults
// and MediaQoS complete the endpoint-facing context.
func (m *Manager) ProductInfo() connection.ProductInfo { return m.cfg.ProductInfo }
func (m *Manager) DefaultUserName() string             { return m.cfg.DefaultUserName }
func (m *Manager) RTPPortRange() *transport.PortRange  { return m.rtpPorts }
func (m *Manager) TCPPortRange() *transport.PortRange  { return m.tcpPorts }
func (m *Manager) UDPPortRange() *transport.PortRange  { return m.udpPorts }
func (m *Manager) NATMethods() transport.NATMethods    { return m.cfg.NATMethods }
func (m *Manager) JitterDefaults() jitter.Params       { return m.cfg.Jitter }

func (m *Manager) MediaQoS(kind mediaformat.Kind) uint8 { return m.cfg.QoS[kind] }

func (m *Manager) clearingAll() bool {
	m.clearMu.Lock()
	defer m.clearMu.Unlock()
	return m.clearingAllCount > 0
}

// NewIncomingCall creates and registers a call for signalling that
// arrived from the network rather than SetUpCall.
func (m *Manager) NewIncomingCall() *call.Call {
	c := call.New(call.Config{
		Token:          m.NewToken('C'),
		Observer:       (*callObserver)(m),
		MediaOrder:     m.cfg.MediaOrder,
		MediaMask:      m.cfg.MediaMask,
		SymmetricMedia: m.cfg.SymmetricMedia,
	})
	m.addCall(c)
	return c
}

func (m *Manager) addCall(c *call.Call) {
	m.mu.Lock()
	m.calls[c.Token()] = c
	m.mu.Unlock()
	m.metrics.callsTotal.Inc()
	m.metrics.activeCalls.Inc()
}

func (m *Manager) removeCall(c *call.Call) {
	m.mu.Lock()
	_, present := m.calls[c.Token()]
	delete(m.calls, c.Token())
	m.mu.Unlock()
	if present {
		m.metrics.activeCalls.Dec()
		if !c.EstablishedTime().IsZero() {
			m.metrics.callDuration.Observe(time.Since(c.EstablishedTime()).Seconds())
		}
	}
}

// FindCall resolves a call token.
func (m *Manager) FindCall(token string) *call.Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[token]
}

// Calls snapshots the active-call set.
func (m *Manager) Calls() []*call.Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*call.Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c)
	}
	return out
}

// GetActiveCallCount reports the number of live calls.
func (m *Manager) GetActiveCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// SetUpCall originates a call from partyA to partyB. The returned call
// carries the token; teardown is reported through the configured
// observers.
func (m *Manager) SetUpCall(partyA, partyB string, stringOptions map[string]string) (*call.Call, error) {
	if m.clearingAll() {
		return nil, ErrShuttingDown
	}
	epA := m.endpointForParty(partyA)
	if epA == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoEndpoint, partyA)
	}

	c := call.New(call.Config{
		Token:          m.NewToken('C'),
		PartyA:         partyA,
		PartyB:         partyB,
		Observer:       (*callObserver)(m),
		MediaOrder:     m.cfg.MediaOrder,
		MediaMask:      m.cfg.MediaMask,
		SymmetricMedia: m.cfg.SymmetricMedia,
	})
	m.addCall(c)

	conn, err := epA.MakeConnection(c, partyA, true, stringOptions)
	if err != nil {
		c.Clear(callend.NoEndPoint, false)
		return nil, err
	}
	c.AddConnection(conn)

	if err := conn.SetUpConnection(); err != nil {
		return c, err
	}
	m.log.Info().
		Str("call", c.Token()).
		Str("partyA", partyA).
		Str("partyB", partyB).
		Msg("call set up")
	return c, nil
}

// OnIncomingConnection routes a freshly set-up originating connection:
// the route table maps the party pair to a destination, whose endpoint
// builds the terminating side.
func (m *Manager) OnIncomingConnection(conn *connection.Connection) error {
	owner, ok := conn.Call().(*call.Call)
	if !ok {
		return errors.New("manager: connection owned by foreign call type")
	}

	partyA := owner.PartyA()
	if partyA == "" {
		partyA = conn.RemoteParty().URL
		owner.SetPartyA(partyA)
	}
	partyB := owner.PartyB()
	if partyB == "" {
		partyB = conn.CalledParty().URL
		owner.SetPartyB(partyB)
	}

	destination, err := m.routes.Route(partyA, partyB, m.HasEndpoint)
	if err != nil {
		m.log.Warn().Err(err).Str("partyA", partyA).Str("partyB", partyB).Msg("routing failed")
		return err
	}
	ep := m.endpointForParty(destination)
	if ep == nil {
		return fmt.Errorf("%w: %q", ErrNoEndpoint, destination)
	}

	peer, err := ep.MakeConnection(owner, destination, false, nil)
	if err != nil {
		return err
	}
	owner.AddConnection(peer)
	m.log.Debug().
		Str("call", owner.Token()).
		Str("destination", destination).
		Msg("routed")
	return peer.SetUpConnection()
}

// ClearCall releases one call by token.
func (m *Manager) ClearCall(token string, reason callend.Reason, wait bool) error {
	c := m.FindCall(token)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrUnknownCall, token)
	}
	c.Clear(reason, wait)
	return nil
}

// ClearAllCalls releases every active call, refusing new ones while it
// runs. Concurrent callers all block until the system is quiet when
// wait is set.
func (m *Manager) ClearAllCalls(reason callend.Reason, wait bool) {
	m.clearMu.Lock()
	m.clearingAllCount++
	m.clearMu.Unlock()

	for _, c := range m.Calls() {
		c.Clear(reason, false)
	}

	if wait {
		m.clearMu.Lock()
		for m.GetActiveCallCount() > 0 {
			m.allCleared.Wait()
		}
		m.clearMu.Unlock()
	}

	m.clearMu.Lock()
	m.clearingAllCount--
	m.clearMu.Unlock()
}

// SetUpConference pulls a call into a mixer node: the call's remote
// party becomes the node (created on first use), and localParty joins
// as an additional member connection.
func (m *Manager) SetUpConference(c *call.Call, mcuParty, localParty string) error {
	ep := m.endpointForParty(mcuParty)
	if ep == nil {
		return fmt.Errorf("%w: %q", ErrNoEndpoint, mcuParty)
	}
	mixerConn, err := ep.MakeConnection(c, mcuParty, false, nil)
	if err != nil {
		return err
	}
	c.AddConnection(mixerConn)
	c.SetPartyB(mcuParty)
	if err := mixerConn.SetUpConnection(); err != nil {
		return err
	}

	if localParty != "" {
		localEP := m.endpointForParty(localParty)
		if localEP == nil {
			return fmt.Errorf("%w: %q", ErrNoEndpoint, localParty)
		}
		localConn, err := localEP.MakeConnection(c, localParty, false, nil)
		if err != nil {
			return err
		}
		c.AddConnection(localConn)
		if err := localConn.SetUpConnection(); err != nil {
			return err
		}
	}
	return nil
}

// callObserver adapts the manager to the call lifecycle without
// polluting its public method set.
type callObserver Manager

func (o *callObserver) OnEstablished(c *call.Call) {
	m := (*Manager)(o)
	m.metrics.callsEstablished.Inc()
	if m.cfg.OnCallEstablished != nil {
		m.Queue(func() { m.cfg.OnCallEstablished(c) })
	}
}

func (o *callObserver) OnCleared(c *call.Call) {
	m := (*Manager)(o)
	m.removeCall(c)
	m.clearMu.Lock()
	if len(m.calls) == 0 {
		m.allCleared.Broadcast()
	}
	m.clearMu.Unlock()
	if m.cfg.OnCallCleared != nil {
		m.Queue(func() { m.cfg.OnCallCleared(c) })
	}
}

// garbageCollector wakes once per second: it reaps cleared calls that
// slipped past the observer path, asks each endpoint to drop released
// connections, and signals the all-cleared event while a ClearAllCalls
// is pending.
func (m *Manager) garbageCollector() {
	defer close(m.gcDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.gcStop:
			return
		case <-ticker.C:
			for _, c := range m.Calls() {
				if c.IsCleared() {
					m.removeCall(c)
				}
			}
			m.mu.RLock()
			eps := make([]endpoint.Endpoint, 0, len(m.endpoints))
			for _, ep := range m.endpoints {
				eps = append(eps, ep)
			}
			m.mu.RUnlock()
			for _, ep := range eps {
				ep.CleanUpClosedConnections()
			}
			m.clearMu.Lock()
			if m.clearingAllCount > 0 && m.GetActiveCallCount() == 0 {
				m.allCleared.Broadcast()
			}
			m.clearMu.Unlock()
		}
	}
}

// Shutdown clears all calls, closes every endpoint and stops the
// garbage collector.
func (m *Manager) Shutdown() {
	m.ClearAllCalls(callend.LocalUser, true)

	m.mu.Lock()
	eps := make(map[endpoint.Endpoint]bool)
	for _, ep := range m.endpoints {
		eps[ep] = true
	}
	m.endpoints = make(map[string]endpoint.Endpoint)
	m.mu.Unlock()
	for ep := range eps {
		ep.Close()
	}

	select {
	case <-m.gcStop:
	default:
		close(m.gcStop)
	}
	m.workersMu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.workers)
	}
	m.workersMu.Unlock()
}
