// Package overlay implements C9: a single-socket UDP relay that multiplexes
// load broadcasts, capacity-based redirects, peer-lookup, and
// graceful-shutdown migration for nodes acting as overlay points, spec
// §4.9. Grounded on the teacher's core/rpc_webrtc.go read loop shape (one
// socket, one dispatch-by-prefix-byte goroutine) generalized from a single
// connection's data channel to a shared UDP socket serving many peers at
// once, and on core/nat_traversal.go for the optional port-mapping helper
// in nat.go.
package overlay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// RecordTTL is how long a peer record survives without a fresh
// load-broadcast, spec §4.9/§5.
const RecordTTL = 2 * time.Minute

// BroadcastInterval is the load-broadcast period of spec §5. Relay runs no
// broadcast timer of its own; a frame goes out only on a BroadcastLoad call.
const BroadcastInterval = 30 * time.Second

// SoftCap is the connection count at or above which Admit hard-rejects when
// no redirect target exists but some peer record is known, spec §4.9; the
// search for a redirect target starts lower, at redirectAt.
const SoftCap = 20

// redirectFloor/redirectCeil bound the "lightly loaded" band a redirect
// target must fall in, spec §4.9: "load in [5, 15)".
const (
	redirectFloor = 5
	redirectCeil  = 15
	redirectAt    = 18
)

type peerRecord struct {
	addr        *net.UDPAddr
	url         string
	activeConns uint16
	port        uint16
	lastSeen    time.Time
}

func (p *peerRecord) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.lastSeen) > ttl
}

// AdmitDecision is the outcome of an admission check, spec §4.9.
type AdmitDecision int

const (
	AdmitAccept AdmitDecision = iota
	AdmitRedirect
	AdmitReject
)

// AdmitResult carries the admission decision and, for AdmitRedirect, the
// chosen alternative's URL.
type AdmitResult struct {
	Decision    AdmitDecision
	RedirectURL string
}

// Relay is one node's overlay UDP socket.
type Relay struct {
	mu            sync.Mutex
	conn          *net.UDPConn
	allowedGroups map[string]bool
	peers         map[string]*peerRecord // keyed by addr.String()
	users         map[string]string      // user_id -> serving url, for peer-lookup
	recordTTL     time.Duration
	clock         func() time.Time
	log           *logrus.Entry
	metrics       *metrics

	fallback func(addr *net.UDPAddr, data []byte)

	done chan struct{}
	wg   sync.WaitGroup
}

type metrics struct {
	activePeers prometheus.Gauge
	redirects   prometheus.Counter
	rejects     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncshell_overlay_active_peers",
			Help: "Number of overlay peer records currently tracked.",
		}),
		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncshell_overlay_redirects_total",
			Help: "Total admission redirects issued by the overlay relay.",
		}),
		rejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncshell_overlay_rejects_total",
			Help: "Total admission hard rejects issued by the overlay relay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.activePeers, m.redirects, m.rejects)
	}
	return m
}

// New binds a UDP socket on addr, serving allowedGroups. reg may be nil to
// skip Prometheus registration.
func New(addr string, allowedGroups []string, reg prometheus.Registerer, log *logrus.Entry) (*Relay, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("overlay: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("overlay: listen %q: %w", addr, err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	groups := make(map[string]bool, len(allowedGroups))
	for _, g := range allowedGroups {
		groups[g] = true
	}
	return &Relay{
		conn:          conn,
		allowedGroups: groups,
		peers:         make(map[string]*peerRecord),
		users:         make(map[string]string),
		recordTTL:     RecordTTL,
		clock:         time.Now,
		log:           log,
		metrics:       newMetrics(reg),
		fallback:      func(*net.UDPAddr, []byte) {},
		done:          make(chan struct{}),
	}, nil
}

// WithClock overrides the relay's clock, for tests.
func (r *Relay) WithClock(c func() time.Time) *Relay {
	r.clock = c
	return r
}

// WithFallback sets the handler invoked for any datagram Classify doesn't
// recognize, e.g. a STUN/TURN-compatible path (out of scope here).
func (r *Relay) WithFallback(f func(addr *net.UDPAddr, data []byte)) *Relay {
	r.fallback = f
	return r
}

// LocalAddr returns the relay's bound UDP address.
func (r *Relay) LocalAddr() *net.UDPAddr { return r.conn.LocalAddr().(*net.UDPAddr) }

// AllowsGroup reports whether groupID is in this relay's allow-list.
func (r *Relay) AllowsGroup(groupID string) bool {
	if len(r.allowedGroups) == 0 {
		return true
	}
	return r.allowedGroups[groupID]
}

// Serve reads datagrams until Shutdown is called, dispatching each by its
// Classify()'d Kind.
func (r *Relay) Serve() error {
	buf := make([]byte, 2048)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.done:
				return nil
			default:
				return fmt.Errorf("overlay: read: %w", err)
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.handleDatagram(addr, data)
	}
}

func (r *Relay) handleDatagram(addr *net.UDPAddr, data []byte) {
	kind, body, ok := Classify(data)
	if !ok {
		r.fallback(addr, data)
		return
	}
	switch kind {
	case KindLoadBroadcast:
		activeConns, port, err := DecodeLoadBroadcast(body)
		if err != nil {
			r.log.WithError(err).WithField("addr", addr.String()).Debug("dropping malformed load-broadcast")
			return
		}
		r.recordBroadcast(addr, activeConns, port)
	case KindPeerLookupReq:
		userID := DecodePeerLookupReq(body)
		r.mu.Lock()
		url := r.users[userID]
		r.mu.Unlock()
		resp := EncodePeerLookupResp(userID, url)
		if _, err := r.conn.WriteToUDP(resp, addr); err != nil {
			r.log.WithError(err).WithField("addr", addr.String()).Debug("peer-lookup response send failed")
		} else {
			r.log.WithFields(logrus.Fields{"user_id": userID, "found": url != ""}).Debug("peer-lookup request answered")
		}
	default:
		r.log.WithField("kind", fmt.Sprintf("0x%02X", byte(kind))).Debug("overlay frame received with no local handler")
	}
}

func (r *Relay) recordBroadcast(addr *net.UDPAddr, activeConns, port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.String()
	rec, ok := r.peers[key]
	if !ok {
		rec = &peerRecord{addr: addr}
		r.peers[key] = rec
	}
	rec.activeConns = activeConns
	rec.port = port
	rec.url = fmt.Sprintf("%s:%d", addr.IP.String(), port)
	rec.lastSeen = r.clock()
	r.metrics.activePeers.Set(float64(len(r.peers)))
}

// ReapExpired drops peer records that haven't broadcast within the record
// TTL, spec §4.9.
func (r *Relay) ReapExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	removed := 0
	for key, rec := range r.peers {
		if rec.expired(now, r.recordTTL) {
			delete(r.peers, key)
			removed++
		}
	}
	r.metrics.activePeers.Set(float64(len(r.peers)))
	return removed
}

// Admit decides whether a new inbound connection should be accepted given
// this node's current active connection count, spec §4.9's capacity
// policy: below 18, always accept; at or above 18, redirect to a known
// peer whose load sits in [5, 15) if one exists; once at or above the
// soft cap with no such target but some other peer record known, hard
// reject; otherwise accept — availability wins when no alternative is
// known at all.
func (r *Relay) Admit(currentActiveConns uint16) AdmitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if currentActiveConns < redirectAt {
		return AdmitResult{Decision: AdmitAccept}
	}
	if target, ok := r.lightlyLoadedPeerLocked(); ok {
		r.metrics.redirects.Inc()
		return AdmitResult{Decision: AdmitRedirect, RedirectURL: target.url}
	}
	if currentActiveConns >= SoftCap && len(r.peers) > 0 {
		r.metrics.rejects.Inc()
		return AdmitResult{Decision: AdmitReject}
	}
	return AdmitResult{Decision: AdmitAccept}
}

func (r *Relay) lightlyLoadedPeerLocked() (*peerRecord, bool) {
	now := r.clock()
	var best *peerRecord
	for _, rec := range r.peers {
		if rec.expired(now, r.recordTTL) {
			continue
		}
		if rec.activeConns < redirectFloor || rec.activeConns >= redirectCeil {
			continue
		}
		if best == nil || rec.activeConns < best.activeConns {
			best = rec
		}
	}
	return best, best != nil
}

// leastLoadedPeerLocked picks the lowest-load live peer regardless of band,
// for shutdown migration — any known alternative beats none.
func (r *Relay) leastLoadedPeerLocked() (*peerRecord, bool) {
	now := r.clock()
	var best *peerRecord
	for _, rec := range r.peers {
		if rec.expired(now, r.recordTTL) {
			continue
		}
		if best == nil || rec.activeConns < best.activeConns {
			best = rec
		}
	}
	return best, best != nil
}

// Shutdown emits a shutdown-migration frame naming the least-loaded known
// peer to every tracked peer, then closes the socket, spec §4.9.
func (r *Relay) Shutdown() error {
	r.mu.Lock()
	target, ok := r.leastLoadedPeerLocked()
	var migrateURL string
	if ok {
		migrateURL = target.url
	}
	frame := EncodeShutdownMigrate(migrateURL)
	recipients := make([]*net.UDPAddr, 0, len(r.peers))
	for _, rec := range r.peers {
		recipients = append(recipients, rec.addr)
	}
	r.mu.Unlock()

	for _, addr := range recipients {
		if _, err := r.conn.WriteToUDP(frame, addr); err != nil {
			r.log.WithError(err).WithField("addr", addr.String()).Warn("failed to deliver shutdown migration")
		}
	}

	close(r.done)
	return r.conn.Close()
}

// BroadcastLoad sends this node's own load-broadcast frame once to every
// currently-known peer. Relay does not call it on a timer.
func (r *Relay) BroadcastLoad(activeConns, port uint16) {
	r.mu.Lock()
	recipients := make([]*net.UDPAddr, 0, len(r.peers))
	for _, rec := range r.peers {
		recipients = append(recipients, rec.addr)
	}
	r.mu.Unlock()

	frame := EncodeLoadBroadcast(activeConns, port)
	for _, addr := range recipients {
		if _, err := r.conn.WriteToUDP(frame, addr); err != nil {
			r.log.WithError(err).WithField("addr", addr.String()).Debug("load-broadcast send failed")
		}
	}
}

// PeerCount returns the number of currently-tracked peer records.
func (r *Relay) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// RegisterUser records that userID is reachable at url, so a peer-lookup
// request for userID received on this socket gets answered instead of
// silently dropped, spec §4.9's "lookup-by-user". Typically called with
// this node's own address whenever a player registers with it (spec §6's
// POST /api/players/register), advertising "I serve this user" to whoever
// asks this relay.
func (r *Relay) RegisterUser(userID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = url
}

// UnregisterUser drops userID from the lookup registry.
func (r *Relay) UnregisterUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
}
