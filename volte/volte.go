// Package volte drives an EC25-class modem's VoLTE audio-path mode
// directly over its serial data port using AT commands, bypassing the
// telephony engine's queued CLI whose echoed responses are unreliable for
// "?" queries. It decorates the low-level at.AT command engine the same
// way the project's GSM/SMS driver once did, retargeted from SMS text/PDU
// mode to VoLTE/USB-audio mode.
package volte

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/elkir0/homenichat-serv/watchdog/at"
	"github.com/elkir0/homenichat-serv/watchdog/clock"
	"github.com/elkir0/homenichat-serv/watchdog/info"
)

// Status is the VoLTE-specific view of a modem's audio path.
type Status struct {
	IMSEnabled    bool
	IMSRegistered bool
	NetworkMode   string // "LTE" | "3G" | "2G" | ""
	AudioMode     int    // 3 = UAC, 0 = handset
	PCMMode       int    // 2 = UAC, 0 = TTY
	VolteEnabled  bool   // configured: imsEnabled or audioMode == UAC
	VolteActive   bool   // active: see queryStatus
	Warning       string
}

const (
	audioModeUAC = 3
	pcmModeUAC   = 2
)

// ListDevicesFunc queries the telephony engine's device table, used only by
// Initialize's post-reset wait loop (the engine's CLI, not direct serial,
// since the modem hasn't necessarily re-enumerated a usable data port yet).
type ListDevicesFunc func(ctx context.Context) string

// cacheEntry pairs a Status with the clock time it was observed.
type cacheEntry struct {
	status Status
	at     time.Time
}

// Controller embeds the low-level AT engine to add VoLTE-specific
// activation, deactivation, status querying and caching.
type Controller struct {
	*at.AT
	clock clock.Clock

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

// New creates a Controller driving modem over the given serial connection
// (normally produced by serial.New), caching status per modemId with the
// given TTL.
func New(modem io.ReadWriter, clk clock.Clock, ttl time.Duration) *Controller {
	return &Controller{
		AT:    at.New(modem),
		clock: clk,
		cache: make(map[string]cacheEntry),
		ttl:   ttl,
	}
}

// GetStatus returns the modem's VoLTE status, queried fresh unless a
// sufficiently recent cached value exists. Only "meaningful" statuses
// (those that read at least one of imsEnabled or audioMode) are cached.
func (c *Controller) GetStatus(ctx context.Context, modemID string, forceRefresh bool) (Status, error) {
	if !forceRefresh {
		if s, ok := c.cached(modemID); ok {
			return s, nil
		}
	}

	status, meaningful, err := c.queryStatus(ctx)
	if err != nil {
		return status, err
	}
	if meaningful {
		c.mu.Lock()
		c.cache[modemID] = cacheEntry{status: status, at: c.clock.Now()}
		c.mu.Unlock()
	}
	return status, nil
}

func (c *Controller) cached(modemID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[modemID]
	if !ok {
		return Status{}, false
	}
	if c.clock.Now().Sub(e.at) >= c.ttl {
		return Status{}, false
	}
	return e.status, true
}

// Toggle invalidates the cached status for modemID. It is the only place
// VC mutates state visible outside itself.
func (c *Controller) Toggle(modemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, modemID)
}

// queryStatus issues the four VoLTE status queries directly over the AT
// engine and derives VolteEnabled/VolteActive from the responses. The
// second return value reports whether at least one of imsEnabled/audioMode
// was successfully read (the cache-eligibility test).
func (c *Controller) queryStatus(ctx context.Context) (Status, bool, error) {
	var s Status
	meaningful := false

	if lines, err := c.Command(ctx, `+QCFG="ims"`); err == nil {
		for _, l := range lines {
			if !info.HasPrefix(l, "+QCFG") {
				continue
			}
			fields := splitFields(info.TrimPrefix(l, "+QCFG"))
			if len(fields) >= 3 {
				s.IMSEnabled = fields[1] == "1"
				s.IMSRegistered = fields[2] == "1"
				meaningful = true
			}
		}
	}

	if lines, err := c.Command(ctx, `+COPS?`); err == nil {
		for _, l := range lines {
			if !info.HasPrefix(l, "+COPS") {
				continue
			}
			fields := splitFields(info.TrimPrefix(l, "+COPS"))
			if len(fields) > 0 {
				if rat, err := strconv.Atoi(fields[len(fields)-1]); err == nil {
					s.NetworkMode = ratName(rat)
				}
			}
		}
	}

	if lines, err := c.Command(ctx, `+QAUDMOD?`); err == nil {
		for _, l := range lines {
			if !info.HasPrefix(l, "+QAUDMOD") {
				continue
			}
			if n, err := strconv.Atoi(strings.TrimSpace(info.TrimPrefix(l, "+QAUDMOD"))); err == nil {
				s.AudioMode = n
				meaningful = true
			}
		}
	}

	if lines, err := c.Command(ctx, `+QPCMV?`); err == nil {
		for _, l := range lines {
			if !info.HasPrefix(l, "+QPCMV") {
				continue
			}
			fields := splitFields(info.TrimPrefix(l, "+QPCMV"))
			if len(fields) >= 2 {
				s.PCMMode, _ = strconv.Atoi(fields[1])
			}
		}
	}

	s.VolteEnabled = s.IMSEnabled || s.AudioMode == audioModeUAC
	s.VolteActive = s.VolteEnabled && ((s.NetworkMode == "LTE") || s.IMSRegistered)
	if s.VolteEnabled && !s.IMSRegistered {
		s.Warning = "IMS not yet registered"
	}
	return s, meaningful, nil
}

// splitFields splits a comma-separated AT response tail into trimmed
// fields, stripping surrounding quotes from quoted string fields.
func splitFields(tail string) []string {
	parts := strings.Split(tail, ",")
	fields := make([]string, len(parts))
	for i, p := range parts {
		fields[i] = strings.Trim(strings.TrimSpace(p), `"`)
	}
	return fields
}

func ratName(rat int) string {
	switch rat {
	case 7:
		return "LTE"
	case 2:
		return "3G"
	case 0:
		return "2G"
	default:
		return ""
	}
}

// activationSequence is issued in order to enable VoLTE/USB-audio mode.
var activationSequence = []string{
	`+QCFG="nwscanmode",3`,
	`+QCFG="ims",1`,
	`+QMBNCFG="Select","ROW_Generic_3GPP"`,
	`+CGDCONT=2,"IPV4V6","ims"`,
	`+QAUDMOD=3`,
	`+QPCMV=1,2`,
}

// deactivationSequence is issued in order to return to standard handset
// audio mode.
var deactivationSequence = []string{
	`+QCFG="nwscanmode",0`,
	`+QAUDMOD=0`,
	`+QPCMV=1,0`,
}

const activationSettle = 500 * time.Millisecond
const deactivationSettle = 500 * time.Millisecond
const imsSettle = 3 * time.Second

// Enable runs the activation sequence, settling between each command and
// waiting for IMS to come up afterward, then invalidates the cache and
// re-queries status.
func (c *Controller) Enable(ctx context.Context, modemID string) (Status, error) {
	if err := c.runSequence(ctx, activationSequence, activationSettle); err != nil {
		return Status{}, errors.WithMessage(err, "volte activation")
	}
	c.clock.Sleep(imsSettle)
	c.Toggle(modemID)
	return c.GetStatus(ctx, modemID, true)
}

// Disable runs the deactivation sequence, settling between each command,
// then invalidates the cache and re-queries status.
func (c *Controller) Disable(ctx context.Context, modemID string) (Status, error) {
	if err := c.runSequence(ctx, deactivationSequence, deactivationSettle); err != nil {
		return Status{}, errors.WithMessage(err, "volte deactivation")
	}
	c.Toggle(modemID)
	return c.GetStatus(ctx, modemID, true)
}

func (c *Controller) runSequence(ctx context.Context, cmds []string, settle time.Duration) error {
	for _, cmd := range cmds {
		if _, err := c.Command(ctx, cmd); err != nil {
			return errors.WithMessage(err, fmt.Sprintf("AT%s", cmd))
		}
		c.clock.Sleep(settle)
	}
	return nil
}

// InitializeResult reports the outcome of a post-reset VoLTE
// reinitialization.
type InitializeResult struct {
	Success bool
	Status  Status
	Warning string
	Error   string
}

// Initialize re-applies VoLTE settings after a disruptive recovery event
// caused the modem to re-enumerate (AT+QAUDMOD and AT+QPCMV do not persist
// across a modem reboot). It polls listDevices every 2s for up to 60s
// waiting for modemID to appear as Free, waits an extra 3s to let the
// modem's firmware settle, then runs the activation sequence only if
// volteEnabled is true.
func (c *Controller) Initialize(ctx context.Context, modemID string, volteEnabled bool, listDevices ListDevicesFunc) InitializeResult {
	if err := c.waitForFree(ctx, modemID, listDevices); err != nil {
		return InitializeResult{Success: false, Error: err.Error()}
	}
	c.clock.Sleep(3 * time.Second)

	if !volteEnabled {
		status, err := c.GetStatus(ctx, modemID, true)
		if err != nil {
			return InitializeResult{Success: false, Error: err.Error()}
		}
		return InitializeResult{Success: true, Status: status}
	}

	status, err := c.Enable(ctx, modemID)
	if err != nil {
		return InitializeResult{Success: false, Error: err.Error()}
	}
	return InitializeResult{Success: true, Status: status, Warning: status.Warning}
}

// waitForFree polls listDevices every 2s, up to 60s, for a line naming
// modemID as Free.
func (c *Controller) waitForFree(ctx context.Context, modemID string, listDevices ListDevicesFunc) error {
	b := &backoff.Backoff{Min: 2 * time.Second, Max: 2 * time.Second, Factor: 1}
	deadline := c.clock.Now().Add(60 * time.Second)
	for {
		out := listDevices(ctx)
		if modemAppearsFree(out, modemID) {
			return nil
		}
		if !c.clock.Now().Before(deadline) {
			return errors.Errorf("modem %s did not re-enumerate within 60s", modemID)
		}
		c.clock.Sleep(b.Duration())
	}
}

func modemAppearsFree(deviceTable, modemID string) bool {
	for _, line := range strings.Split(deviceTable, "\n") {
		if strings.Contains(line, modemID) && strings.Contains(line, "Free") {
			return true
		}
	}
	return false
}
