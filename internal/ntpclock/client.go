// Package ntpclock maintains a skew-corrected wall clock by polling a
// fixed list of NTP servers, per spec.md §4.D.
package ntpclock

import (
	"encoding/binary"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch.
const ntpEpochOffset = 2208988800

var defaultServers = []string{
	"ntp.aliyun.com:123",
	"ntp.tencent.com:123",
	"cn.pool.ntp.org:123",
	"pool.ntp.org:123",
}

// sample is one offset/delay measurement from a single SNTP exchange.
type sample struct {
	offsetMs float64
	delayMs  float64
}

// transport performs one SNTP v3 client-mode round trip against addr
// and reports the measured offset/delay in milliseconds. New installs
// udpTransport; tests inject a fake.
type transport func(addr string, timeout time.Duration) (sample, bool)

// Client implements the sync algorithm of spec.md §4.D: sampling,
// delay-based filtering, inverse-square-delay weighting, EWMA offset
// smoothing and anchor-based skew tracking.
type Client struct {
	mu sync.Mutex

	synced     atomic.Bool
	baseNTP    time.Time
	baseSteady time.Time
	skew       float64

	anchorNTP    time.Time
	anchorSteady time.Time
	anchorInit   bool

	lastDelayMs  atomic.Int64
	lastOffsetMs atomic.Int64
	syncCount    atomic.Int32

	servers   []string
	transport transport
	nowWall   func() time.Time
	nowSteady func() time.Time

	autoMu      sync.Mutex
	autoRunning bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// Option configures a Client at construction.
type Option func(*Client)

// WithServers overrides the default NTP server list (host:port pairs).
func WithServers(servers []string) Option {
	return func(c *Client) { c.servers = servers }
}

// WithClocks injects the wall-clock and monotonic-clock sources,
// letting tests drive Sync/GetNow deterministically.
func WithClocks(wall, steady func() time.Time) Option {
	return func(c *Client) {
		c.nowWall = wall
		c.nowSteady = steady
	}
}

func withTransport(t transport) Option {
	return func(c *Client) { c.transport = t }
}

// New returns an unsynced Client. Call Sync (or StartAutoSync) before
// relying on GetNow for anything better than host wall time.
func New(opts ...Option) *Client {
	c := &Client{
		skew:      1.0,
		servers:   defaultServers,
		transport: udpTransport,
		nowWall:   time.Now,
		nowSteady: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsSynced reports whether at least one sync has ever succeeded.
func (c *Client) IsSynced() bool { return c.synced.Load() }

// LastSyncStats returns the most recent sync's weighted delay and
// offset in milliseconds, and the number of successful syncs since New
// or since the last StartAutoSync, which resets the count to zero.
func (c *Client) LastSyncStats() (delayMs, offsetMs int64, count int32) {
	return c.lastDelayMs.Load(), c.lastOffsetMs.Load(), c.syncCount.Load()
}

// GetNow returns the client's best current estimate of wall time: the
// host clock if unsynced, otherwise the last sync's anchor advanced by
// skew-corrected monotonic elapsed time.
func (c *Client) GetNow() time.Time {
	if !c.synced.Load() {
		return c.nowWall()
	}
	c.mu.Lock()
	base := c.baseNTP
	baseSteady := c.baseSteady
	skew := c.skew
	c.mu.Unlock()

	diff := c.nowSteady().Sub(baseSteady)
	real := time.Duration(float64(diff) * skew)
	return base.Add(real)
}

// Sync performs one synchronization attempt against the server list.
// In fast mode (before the first success) it samples fewer times with
// a shorter timeout and stops early once enough cross-server samples
// are in hand.
func (c *Client) Sync() (bool, error) {
	fastMode := !c.synced.Load()
	maxPerServer, targetTotal, timeout := 8, 1000, time.Second
	if fastMode {
		maxPerServer, targetTotal, timeout = 2, 3, 200*time.Millisecond
	}

	var samples []sample
	minDelay := math.Inf(1)

serverLoop:
	for _, server := range c.servers {
		for i := 0; i < maxPerServer; i++ {
			s, ok := c.transport(server, timeout)
			if ok && s.delayMs > 0 {
				samples = append(samples, s)
				if s.delayMs < minDelay {
					minDelay = s.delayMs
				}
			}
		}
		if fastMode && len(samples) >= targetTotal {
			break serverLoop
		}
	}

	if len(samples) == 0 {
		return false, errors.New("ntpclock: no valid samples from any server")
	}

	threshold := minDelay * 1.5
	if threshold < minDelay+10.0 {
		threshold = minDelay + 10.0
	}
	good := make([]sample, 0, len(samples))
	for _, s := range samples {
		if s.delayMs <= threshold {
			good = append(good, s)
		}
	}
	if len(good) == 0 {
		good = samples
	}

	var totalWeight, weightedOffset, weightedDelay float64
	for _, s := range good {
		w := 1.0 / (s.delayMs * s.delayMs)
		totalWeight += w
		weightedOffset += s.offsetMs * w
		weightedDelay += s.delayMs * w
	}
	finalOffsetMs := weightedOffset / totalWeight
	finalDelayMs := weightedDelay / totalWeight

	steadyNow := c.nowSteady()
	localNow := c.nowWall()
	nowEst := localNow.Add(time.Duration(finalOffsetMs * float64(time.Millisecond)))

	currentNow := c.GetNow()
	errMs := nowEst.Sub(currentNow).Seconds() * 1000.0
	absErrMs := math.Abs(errMs)

	wasSynced := c.synced.Load()

	c.mu.Lock()
	count := c.syncCount.Load()
	if !wasSynced || !c.anchorInit || absErrMs > 5000 || count < 5 {
		c.anchorNTP = nowEst
		c.anchorSteady = steadyNow
		c.anchorInit = true
		c.skew = 1.0
	} else if steadyDeltaSec := steadyNow.Sub(c.anchorSteady).Seconds(); steadyDeltaSec > 60.0 {
		measuredSkew := nowEst.Sub(c.anchorNTP).Seconds() / steadyDeltaSec
		if math.Abs(measuredSkew-1.0) < 1e-3 {
			const skewAlpha = 0.3
			c.skew = c.skew*(1-skewAlpha) + measuredSkew*skewAlpha
		}
	}

	var newBaseNTP time.Time
	if !wasSynced || absErrMs > 5000 {
		newBaseNTP = nowEst
	} else {
		const alpha = 0.2
		smoothMs := errMs * alpha
		if smoothMs > 5.0 {
			smoothMs = 5.0
		} else if smoothMs < -5.0 {
			smoothMs = -5.0
		}
		newBaseNTP = currentNow.Add(time.Duration(smoothMs * float64(time.Millisecond)))
	}
	c.baseNTP = newBaseNTP
	c.baseSteady = steadyNow
	c.mu.Unlock()

	c.synced.Store(true)
	c.syncCount.Add(1)
	c.lastDelayMs.Store(int64(math.Round(finalDelayMs)))
	c.lastOffsetMs.Store(int64(math.Round(finalOffsetMs)))

	return true, nil
}

// StartAutoSync runs Sync on a background goroutine with a dynamic
// interval: 1s while unsynced or within the first three successes,
// 10s thereafter. Calling it while already running is a no-op.
func (c *Client) StartAutoSync() {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	if c.autoRunning {
		return
	}
	c.syncCount.Store(0)
	c.autoRunning = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.autoSyncLoop(c.stopCh, c.doneCh)
}

// StopAutoSync requests cooperative shutdown and waits up to 200ms
// for the goroutine to exit before giving up (a bounded grace period,
// matching the source's accepted leak-for-responsiveness tradeoff).
func (c *Client) StopAutoSync() {
	c.autoMu.Lock()
	if !c.autoRunning {
		c.autoMu.Unlock()
		return
	}
	stopCh, doneCh := c.stopCh, c.doneCh
	c.autoMu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(200 * time.Millisecond):
	}

	c.autoMu.Lock()
	c.autoRunning = false
	c.autoMu.Unlock()
}

func (c *Client) autoSyncLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		c.Sync()

		interval := 10 * time.Second
		if c.syncCount.Load() <= 3 || !c.synced.Load() {
			interval = time.Second
		}

		select {
		case <-stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// udpTransport is the real SNTP v3 client-mode exchange: a 48-byte
// datagram over UDP/123, reading the Receive/Transmit timestamps from
// bytes 32-47 (spec.md §6).
func udpTransport(addr string, timeout time.Duration) (sample, bool) {
	conn, err := net.DialTimeout("udp", addr, timeout)
	if err != nil {
		return sample{}, false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	var packet [48]byte
	packet[0] = 0x1B // LI=0, VN=3 (client), Mode=3

	t0 := time.Now()
	if _, err := conn.Write(packet[:]); err != nil {
		return sample{}, false
	}
	n, err := conn.Read(packet[:])
	if err != nil || n < 48 {
		return sample{}, false
	}
	t3 := time.Now()

	recvSec := binary.BigEndian.Uint32(packet[32:36])
	recvFrac := binary.BigEndian.Uint32(packet[36:40])
	txSec := binary.BigEndian.Uint32(packet[40:44])
	txFrac := binary.BigEndian.Uint32(packet[44:48])

	t1 := ntpTimestampToTime(recvSec, recvFrac)
	t2 := ntpTimestampToTime(txSec, txFrac)

	offset := (t1.Sub(t0) + t2.Sub(t3)) / 2
	delay := t3.Sub(t0) - t2.Sub(t1)

	offsetMs := offset.Seconds() * 1000.0
	delayMs := delay.Seconds() * 1000.0
	if math.IsNaN(offsetMs) || math.IsInf(offsetMs, 0) || delayMs < 0 {
		return sample{}, false
	}
	return sample{offsetMs: offsetMs, delayMs: delayMs}, true
}

func ntpTimestampToTime(seconds, fraction uint32) time.Time {
	unixSeconds := int64(seconds) - ntpEpochOffset
	fracSeconds := float64(fraction) / 4294967296.0
	return time.Unix(unixSeconds, 0).Add(time.Duration(fracSeconds * float64(time.Second)))
}
