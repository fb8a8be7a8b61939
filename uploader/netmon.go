package uploader

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Probe answers whether one endpoint is reachable right now.
type Probe func() error

const (
	probeTimeout = 3 * time.Second
	// minProbeInterval bounds how fast the monitor tightens its probing
	// while the network is degraded.
	minProbeInterval = 2 * time.Second
	// disconnectedLogEvery throttles the "still disconnected" heartbeat to
	// every n-th probe.
	disconnectedLogEvery = 3
)

// NetworkMonitor watches target (and backup) reachability on a timer and
// reports transitions. Probing tightens to half the configured interval
// while the network is degraded and relaxes back once it recovers. Probe
// results are cached briefly so concurrent Status callers don't stampede
// the endpoints.
type NetworkMonitor struct {
	targetProbe Probe
	backupProbe Probe // nil when no backup path is configured
	interval    time.Duration
	onChange    func(old, new NetworkStatus)

	cache *ttlcache.Cache[string, bool]

	mu     sync.Mutex
	status NetworkStatus

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewNetworkMonitor builds a monitor. onChange fires from the monitor
// goroutine on every status transition and must not block.
func NewNetworkMonitor(target, backup Probe, interval time.Duration, onChange func(old, new NetworkStatus)) *NetworkMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	cacheTTL := interval / 2
	if cacheTTL < time.Second {
		cacheTTL = time.Second
	}
	return &NetworkMonitor{
		targetProbe: target,
		backupProbe: backup,
		interval:    interval,
		onChange:    onChange,
		// Reads must not extend an entry's life: the monitor polls faster
		// than the TTL while degraded, and a touched-on-hit entry would
		// never expire under that polling.
		cache: ttlcache.New(
			ttlcache.WithTTL[string, bool](cacheTTL),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
		status:      NetworkUnknown,
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// dirProbe checks that a directory is reachable, through the bounded op
// pool so a hung mount cannot wedge the monitor.
func dirProbe(pool *opPool, dir string) Probe {
	return func() error {
		if !pool.exists(dir, probeTimeout) {
			return fmt.Errorf("%w: %q not reachable", ErrNetwork, dir)
		}
		return nil
	}
}

// tcpProbe checks that a TCP endpoint accepts connections.
func tcpProbe(host string, port int) Probe {
	addr := fmt.Sprintf("%s:%d", host, port)
	return func() error {
		conn, err := net.DialTimeout("tcp", addr, probeTimeout)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNetwork, addr, err)
		}
		conn.Close()
		return nil
	}
}

// Status returns the last observed status.
func (m *NetworkMonitor) Status() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CheckNow probes immediately (through the cache) and returns the resulting
// status, updating the monitor state and firing onChange as usual.
func (m *NetworkMonitor) CheckNow() NetworkStatus {
	return m.evaluate()
}

// Run probes on the adaptive timer until Stop. Meant to be launched as a
// goroutine.
func (m *NetworkMonitor) Run() {
	defer close(m.done)
	l := sub("netmon")

	m.evaluate()
	badProbes := 0
	for {
		interval := m.interval
		if st := m.Status(); st == NetworkUnstable || st == NetworkDisconnected {
			interval = m.interval / 2
			if interval < minProbeInterval {
				interval = minProbeInterval
			}
		}

		select {
		case <-m.stopped:
			return
		case <-time.After(interval):
		}

		st := m.evaluate()
		if st == NetworkDisconnected {
			badProbes++
			if badProbes%disconnectedLogEvery == 0 {
				l.Warn("still disconnected", "probes", badProbes)
			}
		} else {
			badProbes = 0
		}
	}
}

// Stop ends the probe loop and waits for it to exit.
func (m *NetworkMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	<-m.done
}

// evaluate runs both probes and folds the results into a status:
// target reachable → good; target down but backup up → unstable;
// everything down → disconnected.
func (m *NetworkMonitor) evaluate() NetworkStatus {
	targetUp := m.probe("target", m.targetProbe)

	next := NetworkGood
	if !targetUp {
		next = NetworkDisconnected
		if m.backupProbe != nil && m.probe("backup", m.backupProbe) {
			next = NetworkUnstable
		}
	}

	m.mu.Lock()
	prev := m.status
	m.status = next
	m.mu.Unlock()

	if prev != next {
		sub("netmon").Info("network status changed", "from", prev, "to", next)
		if m.onChange != nil {
			m.onChange(prev, next)
		}
	}
	return next
}

// probe runs one endpoint probe through the short-lived result cache.
func (m *NetworkMonitor) probe(key string, p Probe) bool {
	if p == nil {
		return true
	}
	if item := m.cache.Get(key); item != nil {
		return item.Value()
	}
	err := p()
	up := err == nil
	if err != nil {
		sub("netmon").Debug("probe failed", "endpoint", key, "err", err)
	}
	m.cache.Set(key, up, ttlcache.DefaultTTL)
	return up
}
