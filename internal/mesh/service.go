// Package mesh orchestrates the device mesh: connectivity state, discovery
// and message-pump workers, inbound/outbound queues and event dispatch.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshlink/internal/protocol"
	"meshlink/internal/registry"
	"meshlink/internal/routing"
	"meshlink/internal/store"
)

// State is a connectivity phase of the service.
type State string

const (
	StateOffline        State = "OFFLINE"
	StateScanning       State = "SCANNING"
	StateMeshOnly       State = "MESH_ONLY"
	StateLocalWeb       State = "LOCAL_WEB"
	StateCloudConnected State = "CLOUD_CONNECTED"
)

// Config tunes a Service. Zero values take the defaults listed per field.
type Config struct {
	DeviceID          string
	DeviceType        store.DeviceType // node
	DiscoveryInterval time.Duration    // 30s
	ScanTimeout       time.Duration    // 5s
	QueueSize         int              // 256
	AckTimeout        time.Duration    // 5s
	MaxRetries        int              // 3; negative means none
	Rate              float64          // 20 messages/s
	Burst             int              // 10
	StopGrace         time.Duration    // 2s
	SendTimeout       time.Duration    // 5s
	DefaultTTL        int              // protocol.DefaultTTL
	RouteMaxAge       time.Duration    // 0 leaves pruning to callers
	SeenTTL           time.Duration    // 10m
}

func (c Config) withDefaults() Config {
	out := c
	if out.DeviceType == "" {
		out.DeviceType = store.DeviceNode
	}
	if out.DiscoveryInterval <= 0 {
		out.DiscoveryInterval = 30 * time.Second
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = 5 * time.Second
	}
	if out.QueueSize == 0 {
		out.QueueSize = 256
	}
	if out.AckTimeout == 0 {
		out.AckTimeout = 5 * time.Second
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	} else if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.Rate == 0 {
		out.Rate = 20
	}
	if out.Burst == 0 {
		out.Burst = 10
	}
	if out.StopGrace <= 0 {
		out.StopGrace = 2 * time.Second
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 5 * time.Second
	}
	if out.DefaultTTL <= 0 {
		out.DefaultTTL = protocol.DefaultTTL
	}
	if out.SeenTTL <= 0 {
		out.SeenTTL = 10 * time.Minute
	}
	return out
}

// StateStore persists the mesh state document and the relay replay guard.
type StateStore interface {
	SaveMeshState(state *store.MeshState) error
	GetMeshState() (*store.MeshState, error)
	SeenGuard
}

// Deps are the collaborators of a Service. Store and Registry are required.
type Deps struct {
	Store     StateStore
	Registry  *registry.Registry
	Routes    *routing.Table // a fresh table when nil
	Transport Transport      // local loopback when nil
	Source    DeviceSource   // scans find nothing when nil
}

// Status is a point-in-time view of the service.
type Status struct {
	Running       bool          `json:"running"`
	State         State         `json:"state"`
	LocalDeviceID string        `json:"local_device_id"`
	Uptime        time.Duration `json:"uptime"`
	Stats         Stats         `json:"stats"`
}

// Service is one local mesh identity. Build it with New; several may coexist.
type Service struct {
	cfg       Config
	logger    *slog.Logger
	store     StateStore
	registry  *registry.Registry
	routes    *routing.Table
	transport Transport
	source    DeviceSource
	events    *EventBus
	limiter   *protocol.RateLimiter
	acks      *protocol.AckTracker
	stats     counters

	outbound chan outgoing
	inbound  chan *protocol.Message

	mu        sync.Mutex // guards the lifecycle fields below
	running   bool
	state     State
	resume    State // state to return to after a scan
	localID   string
	startedAt time.Time
	runCtx    context.Context
	cancel    context.CancelFunc
	workers   *sync.WaitGroup

	scanMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[protocol.MessageType]func(*protocol.Message)

	relayMu sync.Mutex
	relayed map[string]time.Time
}

const maxRelayMemory = 4096

// New validates cfg and wires the service. It does not start any goroutine.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("mesh: store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("mesh: registry is required")
	}
	cfg = cfg.withDefaults()
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("mesh: queue size must be >= 1, got %d", cfg.QueueSize)
	}
	if !cfg.DeviceType.Valid() {
		return nil, fmt.Errorf("mesh: invalid device type %q", cfg.DeviceType)
	}

	limiter, err := protocol.NewRateLimiter(cfg.Rate, cfg.Burst)
	if err != nil {
		return nil, fmt.Errorf("mesh: %w", err)
	}
	acks, err := protocol.NewAckTracker(cfg.AckTimeout, cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("mesh: %w", err)
	}

	routes := deps.Routes
	if routes == nil {
		routes = routing.NewTable()
	}

	logger = logger.With("component", "mesh")
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		store:     deps.Store,
		registry:  deps.Registry,
		routes:    routes,
		transport: deps.Transport,
		source:    deps.Source,
		events:    NewEventBus(logger),
		limiter:   limiter,
		acks:      acks,
		outbound:  make(chan outgoing, cfg.QueueSize),
		inbound:   make(chan *protocol.Message, cfg.QueueSize),
		state:     StateOffline,
		handlers:  make(map[protocol.MessageType]func(*protocol.Message)),
		relayed:   make(map[string]time.Time),
	}
	if s.transport != nil {
		s.transport.OnPacket(s.handlePacket)
	}
	return s, nil
}

// Registry returns the device registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Routes returns the routing table.
func (s *Service) Routes() *routing.Table { return s.routes }

// Events returns the event bus.
func (s *Service) Events() *EventBus { return s.events }

// On subscribes handler to kind. Calling the returned function unsubscribes.
func (s *Service) On(kind EventKind, handler EventHandler) (func(), error) {
	return s.events.On(kind, handler)
}

// OnAll subscribes handler to every event kind.
func (s *Service) OnAll(handler EventHandler) func() {
	return s.events.OnAll(handler)
}

// Handle diverts accepted inbound messages of typ to fn instead of the
// inbound queue. A nil fn removes the diversion.
func (s *Service) Handle(typ protocol.MessageType, fn func(*protocol.Message)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if fn == nil {
		delete(s.handlers, typ)
		return
	}
	s.handlers[typ] = fn
}

// Start brings the service online. It is a no-op when already running.
// The local id is deviceID, else the configured id, else the id saved in the
// state document, else a fresh uuid.
func (s *Service) Start(deviceID string) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return true
	}

	id := deviceID
	if id == "" {
		id = s.cfg.DeviceID
	}
	if doc, err := s.store.GetMeshState(); err == nil {
		if id == "" {
			id = doc.LocalDeviceID
		}
		if doc.LocalDeviceID == id {
			s.routes.Restore(routesFromRecords(doc.Routes), doc.Adjacency)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("load mesh state", "err", err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	if dev, err := s.registry.Get(id); errors.Is(err, registry.ErrNotFound) || (err == nil && dev.Type != s.cfg.DeviceType) {
		if _, err := s.registry.Register(id, s.cfg.DeviceType); err != nil {
			s.logger.Error("register local device", "id", id, "err", err)
		}
	} else if err := s.registry.UpdateStatus(id, store.StatusOnline); err != nil {
		s.logger.Error("mark local device online", "id", id, "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stats.reset()
	s.acks.Clear()
	s.localID = id
	s.startedAt = time.Now()
	s.runCtx = ctx
	s.cancel = cancel
	s.running = true
	s.state = StateMeshOnly
	s.resume = StateMeshOnly

	wg := &sync.WaitGroup{}
	s.workers = wg
	wg.Add(2)
	go s.discoveryLoop(ctx, wg)
	go s.pumpLoop(ctx, wg)
	s.mu.Unlock()

	s.logger.Info("mesh started", "device_id", id, "transport", s.transport != nil)
	s.emitState(StateOffline, StateMeshOnly)
	return true
}

// Stop persists state, joins the workers for at most the grace period and
// forces the service OFFLINE. Workers still busy after the grace period are
// abandoned; they exit on their next loop iteration.
func (s *Service) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	cancel, wg := s.cancel, s.workers
	s.mu.Unlock()

	cancel()
	if err := s.SaveState(); err != nil {
		s.logger.Error("persist mesh state", "err", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.StopGrace):
		s.logger.Warn("workers did not exit within grace period", "grace", s.cfg.StopGrace)
	}

	s.mu.Lock()
	from := s.state
	s.state = StateOffline
	s.mu.Unlock()

	s.acks.Clear()
	s.logger.Info("mesh stopped")
	s.emitState(from, StateOffline)
	return true
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LocalID returns the id chosen by the last Start.
func (s *Service) LocalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

// State returns the current connectivity phase.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetConnectivity moves a running service between MESH_ONLY, LOCAL_WEB and
// CLOUD_CONNECTED. During a scan the change applies once the scan ends.
func (s *Service) SetConnectivity(to State) bool {
	switch to {
	case StateMeshOnly, StateLocalWeb, StateCloudConnected:
	default:
		return false
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	if s.state == StateScanning {
		s.resume = to
		s.mu.Unlock()
		return true
	}
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from != to {
		s.emitState(from, to)
	}
	return true
}

// Status reports running flag, state, identity, uptime and counters.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:       s.running,
		State:         s.state,
		LocalDeviceID: s.localID,
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt)
	}
	s.mu.Unlock()
	st.Stats = s.stats.snapshot()
	return st
}

// SaveState writes the state document: local id, routes, adjacency and time.
func (s *Service) SaveState() error {
	routes, adj := s.routes.Snapshot()
	doc := &store.MeshState{
		LocalDeviceID: s.LocalID(),
		Routes:        recordsFromRoutes(routes),
		Adjacency:     adj,
		SavedAt:       time.Now().UTC(),
	}
	if err := s.store.SaveMeshState(doc); err != nil {
		return fmt.Errorf("save mesh state: %w", err)
	}
	return nil
}

func (s *Service) emitState(from, to State) {
	s.events.Emit(EventStateChanged, map[string]any{
		"from":      string(from),
		"to":        string(to),
		"device_id": s.LocalID(),
	})
}

func recordsFromRoutes(routes []routing.Route) []store.RouteRecord {
	out := make([]store.RouteRecord, len(routes))
	for i, r := range routes {
		out[i] = store.RouteRecord{
			From:      r.From,
			Target:    r.Target,
			NextHop:   r.NextHop,
			HopCount:  r.HopCount,
			Signal:    r.Signal,
			Latency:   r.Latency,
			UpdatedAt: r.UpdatedAt,
			Active:    r.Active,
		}
	}
	return out
}

func routesFromRecords(recs []store.RouteRecord) []routing.Route {
	out := make([]routing.Route, len(recs))
	for i, r := range recs {
		out[i] = routing.Route{
			From:      r.From,
			Target:    r.Target,
			NextHop:   r.NextHop,
			HopCount:  r.HopCount,
			Signal:    r.Signal,
			Latency:   r.Latency,
			UpdatedAt: r.UpdatedAt,
			Active:    r.Active,
		}
	}
	return out
}
