// Package supervisor implements the Health Supervisor: a periodic
// scheduler that polls each configured modem's status, diagnoses problems,
// and escalates through progressively more disruptive corrective actions
// until health returns.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elkir0/homenichat-serv/watchdog/actionlog"
	"github.com/elkir0/homenichat-serv/watchdog/clock"
	"github.com/elkir0/homenichat-serv/watchdog/config"
	"github.com/elkir0/homenichat-serv/watchdog/events"
	"github.com/elkir0/homenichat-serv/watchdog/modemstatus"
	"github.com/elkir0/homenichat-serv/watchdog/volte"
)

const warmUpDelay = 30 * time.Second

// Telephony is the subset of telephony.Adapter the supervisor needs. An
// interface so tests can inject a scripted double instead of a real shell.
type Telephony interface {
	CLI(ctx context.Context, command string) string
	SendAt(ctx context.Context, modemID, atCommand string) string
	ListDevices(ctx context.Context) string
	ModuleReload(ctx context.Context) string
	ModuleUnload(ctx context.Context) string
	ModuleLoad(ctx context.Context) string
	RestartService(ctx context.Context, serviceName string) string
	RebootHost(ctx context.Context, reason string) string
}

// VolteController is the subset of volte.Controller the supervisor needs.
type VolteController interface {
	GetStatus(ctx context.Context, modemID string, forceRefresh bool) (volte.Status, error)
	Enable(ctx context.Context, modemID string) (volte.Status, error)
	Initialize(ctx context.Context, modemID string, volteEnabled bool, listDevices volte.ListDevicesFunc) volte.InitializeResult
}

// ActionLog is the subset of actionlog.Log the supervisor needs.
type ActionLog interface {
	Write(entry actionlog.Entry) error
	Recent(limit int) []actionlog.Entry
	ReadRecent(limit int) ([]any, error)
	FileStats() actionlog.Stats
	Clear() error
}

// Problem describes a diagnosed modem health issue.
type Problem struct {
	Type     string
	Message  string
	Severity string // "low" | "medium" | "high"
}

// modemState is the mutable per-modem state machine, guarded by its own
// mutex so checks on different modems never block one another.
type modemState struct {
	mu sync.Mutex

	currentLevel           config.Level
	consecutiveFailures    int
	attemptsAtCurrentLevel int
	lastActionTime         map[config.Level]time.Time
	lastHealthyTime        time.Time
	problemStartTime       time.Time // zero value means "no active problem"
	problemType            string
	lastStatus             modemstatus.Status

	// conditionStartTimes tracks, per raw symptom, when it was first
	// observed continuously present — independent of problemStartTime,
	// which only reflects an already-gated Problem. detectProblem updates
	// this every tick a symptom is present and clears an entry the moment
	// that symptom itself stops being true, so a persistence threshold
	// can actually be crossed instead of being reset by its own gate.
	conditionStartTimes map[string]time.Time
}

func newModemState() *modemState {
	return &modemState{
		lastActionTime:      make(map[config.Level]time.Time),
		conditionStartTimes: make(map[string]time.Time),
	}
}

// ModemSnapshot is a read-only view of a modem's state, returned by
// GetStatus so callers can't reach into the live state machine.
type ModemSnapshot struct {
	CurrentLevel           config.Level
	ConsecutiveFailures    int
	AttemptsAtCurrentLevel int
	ProblemType            string
	LastHealthyTime        time.Time
	LastStatus             modemstatus.Status
}

// StatusSnapshot is the result of GetStatus.
type StatusSnapshot struct {
	Running       bool
	Enabled       bool
	CheckInterval time.Duration
	Modems        map[string]ModemSnapshot
	RecentActions []actionlog.Entry
	LogStats      actionlog.Stats
}

// Supervisor runs the periodic health-check loop for a fleet of modems.
// Construct with New; at most one Start/Stop cycle runs at a time.
type Supervisor struct {
	mu      sync.Mutex
	cfg     config.SupervisorConfig
	running bool
	ticker  clock.Ticker
	stopCh  chan struct{}
	doneCh  chan struct{}
	states  map[string]*modemState

	clock     clock.Clock
	telephony Telephony
	volte     VolteController
	log       ActionLog
	bus       *events.Bus
	logger    logrus.FieldLogger
}

// New returns a Supervisor that has not yet been started.
func New(cfg config.SupervisorConfig, clk clock.Clock, ta Telephony, vc VolteController, log ActionLog, bus *events.Bus, logger logrus.FieldLogger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		clock:     clk,
		telephony: ta,
		volte:     vc,
		log:       log,
		bus:       bus,
		logger:    logger,
		states:    make(map[string]*modemState),
	}
}

// Start begins the periodic health-check loop. Idempotent: calling Start
// while already running is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.doneCh)

	s.clock.Sleep(warmUpDelay)

	ticker := s.clock.NewTicker(s.snapshotConfig().CheckInterval)
	s.mu.Lock()
	s.ticker = ticker
	stopCh := s.stopCh
	s.mu.Unlock()
	defer ticker.Stop()

	s.bus.Publish(events.TypeStarted, "", s.clock.Now(), nil)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
			s.runHealthCheck(ctx)
		}
	}
}

// Stop cancels the ticker and waits for any in-flight tick (including its
// dispatched action) to finish. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	s.bus.Publish(events.TypeStopped, "", s.clock.Now(), nil)
}

// Reconfigure merges updates into the running configuration. If the check
// interval changed while running, the ticker is reset to the new period.
func (s *Supervisor) Reconfigure(updates config.SupervisorConfig) {
	s.mu.Lock()
	oldInterval := s.cfg.CheckInterval
	s.cfg = config.Merge(s.cfg, updates)
	newInterval := s.cfg.CheckInterval
	ticker := s.ticker
	running := s.running
	s.mu.Unlock()

	if running && ticker != nil && newInterval != oldInterval {
		ticker.Reset(newInterval)
	}
}

func (s *Supervisor) snapshotConfig() config.SupervisorConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Supervisor) modemConfig(modemID string) config.ModemConfig {
	for _, m := range s.snapshotConfig().Modems {
		if m.ModemID == modemID {
			return m
		}
	}
	return config.ModemConfig{ModemID: modemID}
}

func (s *Supervisor) stateFor(modemID string) *modemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[modemID]
	if !ok {
		st = newModemState()
		s.states[modemID] = st
	}
	return st
}

// runHealthCheck polls every configured modem. Modems are checked
// concurrently, but each modem's own state transitions are serialized
// through its modemState mutex.
func (s *Supervisor) runHealthCheck(ctx context.Context) {
	modems := s.snapshotConfig().Modems

	var wg sync.WaitGroup
	for _, mc := range modems {
		mc := mc
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.checkModem(ctx, mc)
		}()
	}
	wg.Wait()
}

func (s *Supervisor) fetchStatus(ctx context.Context, mc config.ModemConfig) modemstatus.Status {
	raw := s.telephony.CLI(ctx, fmt.Sprintf("quectel show device state %s", mc.ModemID))
	status := modemstatus.Parse(raw)

	if mc.VolteEnabled {
		if vs, err := s.volte.GetStatus(ctx, mc.ModemID, false); err == nil {
			status.VolteEnabled = vs.VolteEnabled
			status.VolteActive = vs.VolteActive
		}
	}
	return status
}

func (s *Supervisor) checkModem(ctx context.Context, mc config.ModemConfig) {
	status := s.fetchStatus(ctx, mc)
	now := s.clock.Now()

	state := s.stateFor(mc.ModemID)
	state.mu.Lock()
	defer state.mu.Unlock()

	state.lastStatus = status
	th := s.snapshotConfig().Thresholds
	problem := detectProblem(status, state, th, now)

	if problem == nil {
		if state.currentLevel != config.LevelNone {
			s.bus.Publish(events.TypeRecovery, mc.ModemID, now, events.RecoveryPayload{
				ModemID:         mc.ModemID,
				PreviousLevel:   int(state.currentLevel),
				ProblemDuration: now.Sub(state.problemStartTime),
			})
		}
		state.consecutiveFailures = 0
		state.currentLevel = config.LevelNone
		state.attemptsAtCurrentLevel = 0
		state.problemStartTime = time.Time{}
		state.problemType = ""
		state.lastHealthyTime = now
		return
	}

	state.consecutiveFailures++
	if state.problemStartTime.IsZero() {
		state.problemStartTime = now
		state.problemType = problem.Type
	}
	if state.consecutiveFailures >= th.MaxConsecutiveFailures {
		s.handleProblem(ctx, mc, state, *problem, now)
	}
}

// trackCondition records when a raw symptom (keyed by name) was first seen
// continuously present, independent of any persistence gate placed on top
// of it, and returns how long it has been present as of now. The start
// time is cleared the instant present goes false — not when some gated
// Problem derived from it stops firing, which is what previously made
// persisted gates unreachable (see detectProblem).
func trackCondition(state *modemState, name string, present bool, now time.Time) time.Duration {
	if !present {
		delete(state.conditionStartTimes, name)
		return 0
	}
	start, ok := state.conditionStartTimes[name]
	if !ok {
		state.conditionStartTimes[name] = now
		return 0
	}
	return now.Sub(start)
}

// detectProblem applies spec's strict-order diagnosis. Every raw symptom
// is tracked every tick via trackCondition regardless of priority order or
// whether its own persistence gate has opened yet, so a lower-priority
// symptom still accumulates while a higher-priority one is being reported,
// and a persistence threshold is actually reachable across ticks.
func detectProblem(status modemstatus.Status, state *modemState, th config.Thresholds, now time.Time) *Problem {
	notFound := status.State == "Not found" || strings.Contains(strings.ToLower(status.Error), "not found")
	notInit := strings.Contains(strings.ToLower(status.State), "not init")
	noSignal := status.RSSI == 0
	weakSignal := status.RSSI > 0 && status.RSSI < th.MinRSSI
	notRegistered := !status.Registered && status.State == "Free"
	noProvider := status.Provider == "" && status.State == "Free"
	volteInactive := status.VolteEnabled && !status.VolteActive && status.State == "Free"

	notInitPersisted := trackCondition(state, "NOT_INIT", notInit, now)
	noSignalPersisted := trackCondition(state, "NO_SIGNAL", noSignal, now)
	notRegisteredPersisted := trackCondition(state, "NOT_REGISTERED", notRegistered, now)
	noProviderPersisted := trackCondition(state, "NO_PROVIDER", noProvider, now)

	switch {
	case notFound:
		return &Problem{Type: "NOT_FOUND", Message: "modem not found", Severity: "high"}
	case notInit && notInitPersisted >= time.Duration(th.MaxNotInitMinutes)*time.Minute:
		return &Problem{Type: "NOT_INIT", Message: "modem not initialized", Severity: "high"}
	case noSignal && noSignalPersisted >= time.Duration(th.MaxNoSignalMinutes)*time.Minute:
		return &Problem{Type: "NO_SIGNAL", Message: "no signal", Severity: "medium"}
	case weakSignal:
		return &Problem{Type: "WEAK_SIGNAL", Message: fmt.Sprintf("weak signal: rssi=%d", status.RSSI), Severity: "low"}
	case notRegistered && notRegisteredPersisted >= time.Duration(th.MaxNoProviderMinutes)*time.Minute:
		return &Problem{Type: "NOT_REGISTERED", Message: "not registered", Severity: "medium"}
	case noProvider && noProviderPersisted >= time.Duration(th.MaxNoProviderMinutes)*time.Minute:
		return &Problem{Type: "NO_PROVIDER", Message: "no provider", Severity: "medium"}
	case volteInactive:
		return &Problem{Type: "VOLTE_INACTIVE", Message: "volte configured but inactive", Severity: "low"}
	default:
		return nil
	}
}

// handleProblem runs the escalation decision procedure and, if it clears
// every gate, commits the new level and dispatches its action.
func (s *Supervisor) handleProblem(ctx context.Context, mc config.ModemConfig, state *modemState, problem Problem, now time.Time) {
	cfg := s.snapshotConfig()
	target, resetAttempts, ok := decideEscalation(state, cfg, now)
	if !ok {
		return
	}

	if resetAttempts {
		state.attemptsAtCurrentLevel = 0
	}
	state.currentLevel = target
	state.attemptsAtCurrentLevel++
	state.lastActionTime[target] = now

	s.dispatch(ctx, mc, problem, target, now)
}

// decideEscalation is a pure query: it must not mutate state, because the
// "no action taken" paths (disabled level, cooldown not yet elapsed) need
// state left exactly as it was. Mutation happens only in handleProblem,
// and only once ok is true.
func decideEscalation(state *modemState, cfg config.SupervisorConfig, now time.Time) (target config.Level, resetAttempts bool, ok bool) {
	target = state.currentLevel
	if state.attemptsAtCurrentLevel >= cfg.MaxAttempts[state.currentLevel] {
		target = state.currentLevel + 1
		if target > config.LevelMaximum {
			target = config.LevelMaximum
		}
		resetAttempts = true
	}
	if target == config.LevelNone {
		target = config.LevelSoft
	}
	if !cfg.EnabledLevels[target] {
		// Matches the source this was ported from: skipping a disabled
		// level leaves attemptsAtCurrentLevel untouched, so the next tick's
		// threshold check still passes and escalation is re-attempted
		// against the same disabled level indefinitely.
		// TODO: advance past the disabled level instead of spinning on it.
		return config.LevelNone, false, false
	}
	if now.Sub(state.lastActionTime[target]) < cfg.Cooldowns[target] {
		return config.LevelNone, false, false
	}
	return target, resetAttempts, true
}

func (s *Supervisor) dispatch(ctx context.Context, mc config.ModemConfig, problem Problem, level config.Level, now time.Time) {
	msg, success := s.performAction(ctx, mc, level, problem)

	entry := actionlog.Entry{
		Timestamp:      now.UTC().Format(time.RFC3339),
		ModemID:        mc.ModemID,
		Level:          int(level),
		LevelName:      level.String(),
		ProblemType:    problem.Type,
		ProblemMessage: problem.Message,
		ActionSuccess:  success,
		ActionMessage:  msg,
	}
	if err := s.log.Write(entry); err != nil {
		s.logger.WithError(err).Warn("failed to write action log entry")
	}

	s.bus.Publish(events.TypeAction, mc.ModemID, now, events.ActionPayload{
		ModemID:   mc.ModemID,
		Level:     int(level),
		LevelName: level.String(),
		Problem:   problem.Type,
		Action:    msg,
		Success:   success,
	})
}

func (s *Supervisor) performAction(ctx context.Context, mc config.ModemConfig, level config.Level, problem Problem) (string, bool) {
	switch level {
	case config.LevelSoft:
		return s.actionSoft(ctx, mc, problem)
	case config.LevelMedium:
		return s.actionMedium(ctx, mc)
	case config.LevelHard:
		return s.actionHard(ctx, mc)
	case config.LevelCritical:
		return s.actionCritical(ctx, mc)
	case config.LevelMaximum:
		return s.actionMaximum(ctx, mc, problem)
	default:
		return "no action defined for level " + level.String(), false
	}
}

func (s *Supervisor) actionSoft(ctx context.Context, mc config.ModemConfig, problem Problem) (string, bool) {
	creg := s.telephony.SendAt(ctx, mc.ModemID, "AT+CREG?")
	csq := s.telephony.SendAt(ctx, mc.ModemID, "AT+CSQ")
	cops := s.telephony.SendAt(ctx, mc.ModemID, "AT+COPS?")
	msg := strings.Join([]string{creg, csq, cops}, "; ")
	success := !containsFailureMarker(creg) && !containsFailureMarker(csq) && !containsFailureMarker(cops)

	if problem.Type == "VOLTE_INACTIVE" {
		if _, err := s.volte.Enable(ctx, mc.ModemID); err != nil {
			success = false
			msg += "; volte enable failed: " + err.Error()
		} else {
			msg += "; volte enabled"
		}
	}
	return msg, success
}

func (s *Supervisor) actionMedium(ctx context.Context, mc config.ModemConfig) (string, bool) {
	out := s.telephony.CLI(ctx, fmt.Sprintf("quectel reset %s", mc.ModemID))
	s.clock.Sleep(10 * time.Second)
	return out, !containsFailureMarker(out)
}

func (s *Supervisor) actionHard(ctx context.Context, mc config.ModemConfig) (string, bool) {
	out := s.telephony.ModuleReload(ctx)
	if containsFailureMarker(out) {
		s.telephony.ModuleUnload(ctx)
		s.clock.Sleep(2 * time.Second)
		out = s.telephony.ModuleLoad(ctx)
	}
	s.clock.Sleep(15 * time.Second)
	return out, !containsFailureMarker(out)
}

func (s *Supervisor) actionCritical(ctx context.Context, mc config.ModemConfig) (string, bool) {
	out := s.telephony.RestartService(ctx, s.snapshotConfig().ServiceName)
	s.clock.Sleep(30 * time.Second)
	return out, !containsFailureMarker(out)
}

func (s *Supervisor) actionMaximum(ctx context.Context, mc config.ModemConfig, problem Problem) (string, bool) {
	reason := fmt.Sprintf("modem %s: %s", mc.ModemID, problem.Message)
	s.bus.Publish(events.TypeRebootImminent, mc.ModemID, s.clock.Now(), events.RebootImminentPayload{
		ModemID:   mc.ModemID,
		Reason:    reason,
		Countdown: 10 * time.Second,
	})
	s.clock.Sleep(10 * time.Second)
	out := s.telephony.RebootHost(ctx, reason)
	return out, !containsFailureMarker(out)
}

func containsFailureMarker(s string) bool {
	return strings.Contains(s, "Error") || strings.Contains(s, "Unable") || strings.Contains(s, "No such device")
}

// GetStatus returns a snapshot of the supervisor's running state, recent
// actions and log file stats.
func (s *Supervisor) GetStatus() StatusSnapshot {
	cfg := s.snapshotConfig()

	s.mu.Lock()
	running := s.running
	modemIDs := make([]string, 0, len(s.states))
	for id := range s.states {
		modemIDs = append(modemIDs, id)
	}
	s.mu.Unlock()

	modems := make(map[string]ModemSnapshot, len(modemIDs))
	for _, id := range modemIDs {
		st := s.stateFor(id)
		st.mu.Lock()
		modems[id] = ModemSnapshot{
			CurrentLevel:           st.currentLevel,
			ConsecutiveFailures:    st.consecutiveFailures,
			AttemptsAtCurrentLevel: st.attemptsAtCurrentLevel,
			ProblemType:            st.problemType,
			LastHealthyTime:        st.lastHealthyTime,
			LastStatus:             st.lastStatus,
		}
		st.mu.Unlock()
	}

	return StatusSnapshot{
		Running:       running,
		Enabled:       cfg.Enabled,
		CheckInterval: cfg.CheckInterval,
		Modems:        modems,
		RecentActions: s.log.Recent(20),
		LogStats:      s.log.FileStats(),
	}
}

// GetHistory returns up to limit entries from the in-memory action ring,
// most-recent-first.
func (s *Supervisor) GetHistory(limit int) []actionlog.Entry {
	return s.log.Recent(limit)
}

// GetLogFileHistory returns up to limit entries parsed from the on-disk log
// file, most-recent-first.
func (s *Supervisor) GetLogFileHistory(limit int) ([]any, error) {
	return s.log.ReadRecent(limit)
}

// ClearLogs removes the on-disk log and its backups, and empties the
// in-memory ring.
func (s *Supervisor) ClearLogs() error {
	return s.log.Clear()
}

// ResetEscalation zeroizes a modem's escalation state, keeping its last
// observed status.
func (s *Supervisor) ResetEscalation(modemID string) {
	st := s.stateFor(modemID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.currentLevel = config.LevelNone
	st.consecutiveFailures = 0
	st.attemptsAtCurrentLevel = 0
	st.problemStartTime = time.Time{}
	st.problemType = ""
	st.conditionStartTimes = make(map[string]time.Time)
}

// ForceAction dispatches level's action for modemID immediately, bypassing
// cooldowns and escalation gates, with a synthesized MANUAL problem. It
// deliberately does not mutate currentLevel or attemptsAtCurrentLevel —
// see DESIGN.md for why this mirrors a flagged, not-yet-resolved quirk of
// the algorithm it was ported from.
func (s *Supervisor) ForceAction(ctx context.Context, modemID string, level config.Level) (actionlog.Entry, error) {
	if level < config.LevelSoft || level > config.LevelMaximum {
		return actionlog.Entry{}, ErrInvalidLevel
	}

	mc := s.modemConfig(modemID)
	problem := Problem{Type: "MANUAL", Message: "manually forced action", Severity: "high"}
	now := s.clock.Now()

	msg, success := s.performAction(ctx, mc, level, problem)
	entry := actionlog.Entry{
		Timestamp:      now.UTC().Format(time.RFC3339),
		ModemID:        modemID,
		Level:          int(level),
		LevelName:      level.String(),
		ProblemType:    problem.Type,
		ProblemMessage: problem.Message,
		ActionSuccess:  success,
		ActionMessage:  msg,
	}
	if err := s.log.Write(entry); err != nil {
		s.logger.WithError(err).Warn("failed to write action log entry")
	}
	s.bus.Publish(events.TypeAction, modemID, now, events.ActionPayload{
		ModemID:   modemID,
		Level:     int(level),
		LevelName: level.String(),
		Problem:   problem.Type,
		Action:    msg,
		Success:   success,
	})
	return entry, nil
}

// CleanupResult reports the outcome of CleanupSmsdb.
type CleanupResult struct {
	Cleaned   bool
	Removed   int
	FileCount int
}

const smsdbKeep = 100

// CleanupSmsdb counts files in smsDir and, if over the configured
// threshold, deletes all but the 100 most recently modified.
func (s *Supervisor) CleanupSmsdb(smsDir string) (CleanupResult, error) {
	cfg := s.snapshotConfig()

	entries, err := os.ReadDir(smsDir)
	if err != nil {
		return CleanupResult{}, err
	}
	if len(entries) <= cfg.Thresholds.SmsdbMaxMessages {
		return CleanupResult{Cleaned: false, FileCount: len(entries)}, nil
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	removed := 0
	for i := smsdbKeep; i < len(files); i++ {
		if err := os.Remove(filepath.Join(smsDir, files[i].name)); err == nil {
			removed++
		}
	}
	return CleanupResult{Cleaned: true, Removed: removed, FileCount: len(entries)}, nil
}
