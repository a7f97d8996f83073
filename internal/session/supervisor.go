// Package session supervises one long-lived child process per open
// session. It feeds every output chunk through the quota parser, reacts to
// rate-limit notices via the switch policy, and can swap the active
// credential under a running agent without exposing the secret.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/onllm-dev/switchboard/internal/event"
	"github.com/onllm-dev/switchboard/internal/policy"
	"github.com/onllm-dev/switchboard/internal/profile"
	"github.com/onllm-dev/switchboard/internal/quota"
	"github.com/onllm-dev/switchboard/internal/store"
)

// credentialEnvVar is the environment variable the wrapped CLI reads its
// OAuth token from.
const credentialEnvVar = "CLAUDE_CODE_OAUTH_TOKEN"

// configDirEnvVar points the CLI at a private config directory when a
// session runs without a stored credential, so its login flow can't
// clobber the user's global state.
const configDirEnvVar = "CLAUDE_CONFIG_DIR"

// Options configures the supervisor. Zero values get sane defaults.
type Options struct {
	AgentCommand      string
	AgentArgs         []string
	Shell             string
	ProjectsDir       string
	DataDir           string
	DiscoveryAttempts int
	DiscoveryInterval time.Duration
	InterruptWait     time.Duration
	ExitWait          time.Duration
	SweepInterval     time.Duration
	BufferLimit       int
}

func (o *Options) applyDefaults() {
	if o.AgentCommand == "" {
		o.AgentCommand = "claude"
	}
	if o.Shell == "" {
		o.Shell = os.Getenv("SHELL")
		if o.Shell == "" {
			o.Shell = "/bin/sh"
		}
	}
	if o.ProjectsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			o.ProjectsDir = filepath.Join(home, ".claude", "projects")
		}
	}
	if o.DiscoveryAttempts <= 0 {
		o.DiscoveryAttempts = 30
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 2 * time.Second
	}
	if o.InterruptWait <= 0 {
		o.InterruptWait = time.Second
	}
	if o.ExitWait <= 0 {
		o.ExitWait = time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.BufferLimit <= 0 {
		o.BufferLimit = defaultBufferLimit
	}
}

// Session is one supervised session and its process state.
type Session struct {
	ID         string
	Cwd        string
	Title      string
	ProfileID  string
	AgentMode  bool
	ExternalID string
	StartedAt  time.Time

	proc            Process
	output          *tailBuffer
	cancelDiscovery context.CancelFunc
}

// Info is the externally visible snapshot of a session.
type Info struct {
	ID         string `json:"id"`
	Cwd        string `json:"workingDirectory"`
	Title      string `json:"title"`
	ProfileID  string `json:"profileId"`
	AgentMode  bool   `json:"isAgentMode"`
	ExternalID string `json:"externalSessionId,omitempty"`
}

// Supervisor owns all open sessions.
type Supervisor struct {
	profiles *profile.Store
	engine   *policy.Engine
	db       *store.Store
	hub      *event.Hub
	runner   Runner
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Supervisor with the given dependencies.
func New(profiles *profile.Store, engine *policy.Engine, db *store.Store, hub *event.Hub, runner Runner, opts Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Supervisor{
		profiles: profiles,
		engine:   engine,
		db:       db,
		hub:      hub,
		runner:   runner,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create opens a session running a plain interactive shell. Re-creating an
// existing id is a success no-op.
func (s *Supervisor) Create(id, cwd, title string) error {
	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return nil
	}
	sess := &Session{
		ID:        id,
		Cwd:       cwd,
		Title:     title,
		StartedAt: time.Now(),
		output:    newTailBuffer(s.opts.BufferLimit),
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	proc, err := s.runner.Start(StartSpec{
		Command: s.opts.Shell,
		Dir:     cwd,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.publishError(id, err)
		return fmt.Errorf("session.Create: %w", err)
	}

	s.attach(sess, proc)
	s.logger.Info("Session created", "session", id, "cwd", cwd)
	return nil
}

// EnterAgentMode replaces the session's shell with the wrapped coding
// agent, bound to the given profile's credential. An empty profileID
// resolves to the active profile. Already being in agent mode is a no-op.
func (s *Supervisor) EnterAgentMode(id, profileID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session.EnterAgentMode: unknown session %s", id)
	}
	if sess.AgentMode {
		s.mu.Unlock()
		return nil
	}
	if profileID == "" {
		if active := s.profiles.GetActive(); active != nil {
			profileID = active.ID
		}
	}
	if _, ok := s.profiles.Get(profileID); !ok {
		s.mu.Unlock()
		return fmt.Errorf("session.EnterAgentMode: unknown profile %s", profileID)
	}
	// Detach before killing so the old pump doesn't report an expected
	// exit as a session error.
	old := sess.proc
	sess.proc = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Kill()
	}

	spec := StartSpec{
		Command: s.opts.AgentCommand,
		Args:    s.opts.AgentArgs,
		Dir:     sess.Cwd,
	}
	if token, ok := s.profiles.GetToken(profileID); ok {
		spec.Env = []string{credentialEnvVar + "=" + token}
	} else {
		// No credential yet: give the CLI a private config dir so its
		// own login flow can run without touching global state.
		cfg := filepath.Join(s.opts.DataDir, "sessions", id, "config")
		if err := os.MkdirAll(cfg, 0700); err == nil {
			spec.Env = []string{configDirEnvVar + "=" + cfg}
		}
	}

	proc, err := s.runner.Start(spec)
	if err != nil {
		s.publishError(id, err)
		return fmt.Errorf("session.EnterAgentMode: %w", err)
	}

	s.mu.Lock()
	if _, still := s.sessions[id]; !still {
		// Destroyed while the agent was starting; the new process would
		// be unreachable, so reap it here.
		s.mu.Unlock()
		_ = proc.Kill()
		return fmt.Errorf("session.EnterAgentMode: session %s destroyed", id)
	}
	sess.AgentMode = true
	sess.ProfileID = profileID
	s.mu.Unlock()

	s.attach(sess, proc)
	s.startDiscovery(sess)
	s.logger.Info("Session entered agent mode", "session", id, "profile", profileID)
	return nil
}

// SwapProfile replaces the credential under a running session. When the
// session is in agent mode the running agent is wound down first: interrupt,
// a short wait, an explicit exit command as fallback, then kill. The new
// profile becomes the process-wide active profile.
func (s *Supervisor) SwapProfile(id, newProfileID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session.SwapProfile: unknown session %s", id)
	}
	s.mu.Unlock()

	token, hasToken := s.profiles.GetToken(newProfileID)
	if !hasToken {
		return fmt.Errorf("session.SwapProfile: profile %s has no credential", newProfileID)
	}

	s.mu.Lock()
	wasAgent := sess.AgentMode
	// Detach before the wind-down so the exit isn't reported as an error.
	old := sess.proc
	sess.proc = nil
	cancel := sess.cancelDiscovery
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if old != nil {
		if wasAgent {
			// Give the agent a chance to checkpoint before the hard stop.
			_ = old.Interrupt()
			time.Sleep(s.opts.InterruptWait)
			_ = old.Send("exit\n")
			time.Sleep(s.opts.ExitWait)
		}
		_ = old.Kill()
	}

	s.mu.Lock()
	if _, still := s.sessions[id]; !still {
		s.mu.Unlock()
		return fmt.Errorf("session.SwapProfile: session %s destroyed during swap", id)
	}
	s.mu.Unlock()

	spec, cleanup, err := s.swapSpec(sess.Cwd, token)
	if err != nil {
		s.publishError(id, err)
		return fmt.Errorf("session.SwapProfile: %w", err)
	}
	proc, err := s.runner.Start(spec)
	if err != nil {
		cleanup()
		s.publishError(id, err)
		return fmt.Errorf("session.SwapProfile: %w", err)
	}

	s.mu.Lock()
	if _, still := s.sessions[id]; !still {
		// Destroyed while the agent was starting; the new process would
		// be unreachable, so reap it here.
		s.mu.Unlock()
		_ = proc.Kill()
		return fmt.Errorf("session.SwapProfile: session %s destroyed during swap", id)
	}
	sess.AgentMode = true
	sess.ProfileID = newProfileID
	sess.ExternalID = ""
	s.mu.Unlock()

	s.attach(sess, proc)
	s.startDiscovery(sess)

	// The new profile has fresh quota; stale de-dup memory would swallow
	// its first real rate-limit notice.
	s.engine.ClearSession(id)
	s.profiles.SetActive(newProfileID)

	s.logger.Info("Session swapped profile", "session", id, "profile", newProfileID)
	return nil
}

// swapSpec builds the respawn command for an in-place swap. The token is
// written to a 0600 temp file that the spawned shell sources and deletes
// before the agent starts, so the secret never rides the command line.
func (s *Supervisor) swapSpec(cwd, token string) (StartSpec, func(), error) {
	dir := s.opts.DataDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "cred-*.sh")
	if err != nil {
		return StartSpec{}, nil, err
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if err := f.Chmod(0600); err != nil {
		f.Close()
		cleanup()
		return StartSpec{}, nil, err
	}
	content := "export " + credentialEnvVar + "='" + strings.ReplaceAll(token, "'", `'\''`) + "'\n"
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return StartSpec{}, nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return StartSpec{}, nil, err
	}

	agent := s.opts.AgentCommand
	for _, arg := range s.opts.AgentArgs {
		agent += " " + shellQuote(arg)
	}
	line := fmt.Sprintf(". %s; rm -f %s; exec %s", shellQuote(path), shellQuote(path), agent)
	return StartSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", line},
		Dir:     cwd,
	}, cleanup, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Destroy terminates a session's process and removes its persisted state.
func (s *Supervisor) Destroy(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.sessions, id)
	proc := sess.proc
	cancel := sess.cancelDiscovery
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if proc != nil {
		_ = proc.Kill()
	}
	s.engine.ClearSession(id)
	if err := s.db.DeleteSession(id); err != nil {
		s.logger.Error("Failed to remove persisted session", "session", id, "error", err)
	}
	s.logger.Info("Session destroyed", "session", id)
	return nil
}

// Send forwards input text to the session's process.
func (s *Supervisor) Send(id, text string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	var proc Process
	if ok {
		proc = sess.proc
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session.Send: unknown session %s", id)
	}
	if proc == nil {
		return fmt.Errorf("session.Send: session %s has no process", id)
	}
	return proc.Send(text)
}

// Get returns a snapshot of one session.
func (s *Supervisor) Get(id string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Info{}, false
	}
	return sess.info(), true
}

// List returns snapshots of all open sessions.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info())
	}
	return out
}

// Output returns the session's buffered output tail.
func (s *Supervisor) Output(id string) (string, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return sess.output.String(), true
}

func (sess *Session) info() Info {
	return Info{
		ID:         sess.ID,
		Cwd:        sess.Cwd,
		Title:      sess.Title,
		ProfileID:  sess.ProfileID,
		AgentMode:  sess.AgentMode,
		ExternalID: sess.ExternalID,
	}
}

// attach wires a freshly started process into the session and starts its
// output pump.
func (s *Supervisor) attach(sess *Session, proc Process) {
	s.mu.Lock()
	sess.proc = proc
	s.mu.Unlock()

	go func() {
		for chunk := range proc.Output() {
			s.handleOutput(sess, chunk)
		}
		// Exit is only an error while the session still owns this
		// process; swaps and destroys detach it first.
		s.mu.Lock()
		current := sess.proc == proc
		var cancel context.CancelFunc
		if current {
			sess.proc = nil
			sess.AgentMode = false
			cancel = sess.cancelDiscovery
		}
		_, alive := s.sessions[sess.ID]
		s.mu.Unlock()
		if cancel != nil {
			// Agent mode is over; the external-id scan has nothing left
			// to find.
			cancel()
		}
		if current && alive {
			s.publishError(sess.ID, fmt.Errorf("process exited unexpectedly"))
		}
	}()
}

// handleOutput processes one chunk of session output in arrival order.
func (s *Supervisor) handleOutput(sess *Session, chunk string) {
	sess.output.Append(chunk)

	s.mu.Lock()
	profileID := sess.ProfileID
	agentMode := sess.AgentMode
	needsID := agentMode && sess.ExternalID == ""
	s.mu.Unlock()

	if !agentMode || profileID == "" {
		return
	}

	if needsID {
		if id, ok := matchSessionID(chunk); ok {
			s.captureExternalID(sess, id)
		}
	}

	if _, ok := s.profiles.RecordUsage(profileID, chunk); ok {
		if d := s.engine.EvaluateUsage(profileID, time.Now()); d.Action == policy.ActionSuggest {
			s.hub.Publish(event.Event{
				Type:      event.TypeSwitchRecommended,
				SessionID: sess.ID,
				Data: map[string]any{
					"profileId":   profileID,
					"alternative": d.Alternative.ID,
					"reason":      d.Reason,
				},
			})
		}
	}

	if resetRaw, ok := quota.DetectRateLimit(chunk); ok {
		s.handleRateLimit(sess, profileID, resetRaw)
	}
}

func (s *Supervisor) handleRateLimit(sess *Session, profileID, resetRaw string) {
	d := s.engine.EvaluateRateLimit(sess.ID, profileID, resetRaw, time.Now())
	if d.Action == policy.ActionNone {
		return
	}

	s.profiles.RecordRateLimit(profileID, resetRaw)

	data := map[string]any{
		"profileId": profileID,
		"resetTime": resetRaw,
	}
	if d.Alternative != nil {
		data["alternative"] = d.Alternative.ID
		data["alternativeName"] = d.Alternative.Name
	}
	s.hub.Publish(event.Event{
		Type:      event.TypeRateLimitDetected,
		SessionID: sess.ID,
		Data:      data,
	})

	if d.Action == policy.ActionAutoSwitch && d.Alternative != nil {
		altID := d.Alternative.ID
		// The swap sequence sleeps; never run it on the output pump.
		go func() {
			if err := s.SwapProfile(sess.ID, altID); err != nil {
				s.logger.Error("Auto-switch failed", "session", sess.ID, "error", err)
				return
			}
			s.hub.Publish(event.Event{
				Type:      event.TypeAutoSwitched,
				SessionID: sess.ID,
				Data: map[string]any{
					"from": profileID,
					"to":   altID,
				},
			})
		}()
	}
}

// sessionIDLineRe matches an id the CLI prints about its own conversation.
// A bare UUID in output is too ambiguous to trust.
var sessionIDLineRe = regexp.MustCompile(`(?i)session[ -]?id[:\s]+(` + uuidPattern + `)`)

func matchSessionID(chunk string) (string, bool) {
	if m := sessionIDLineRe.FindStringSubmatch(chunk); m != nil {
		return strings.ToLower(m[1]), true
	}
	return "", false
}

func (s *Supervisor) captureExternalID(sess *Session, id string) {
	s.mu.Lock()
	if sess.ExternalID != "" {
		s.mu.Unlock()
		return
	}
	sess.ExternalID = id
	cancel := sess.cancelDiscovery
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.hub.Publish(event.Event{
		Type:      event.TypeSessionIDCaptured,
		SessionID: sess.ID,
		Data:      map[string]any{"externalSessionId": id},
	})
	s.logger.Info("External session id captured", "session", sess.ID, "externalId", id)
}

// startDiscovery begins the bounded background scan for the session's
// external identifier.
func (s *Supervisor) startDiscovery(sess *Session) {
	if s.opts.ProjectsDir == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if sess.cancelDiscovery != nil {
		sess.cancelDiscovery()
	}
	sess.cancelDiscovery = cancel
	since := sess.StartedAt
	cwd := sess.Cwd
	s.mu.Unlock()

	go discoverExternalID(ctx, s.opts.ProjectsDir, cwd, since, s.opts.DiscoveryAttempts, s.opts.DiscoveryInterval, func(id string) {
		s.captureExternalID(sess, id)
	})
}

// Run persists all open sessions on a fixed interval until the context is
// cancelled. A final sweep runs on shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Session supervisor started", "sweepInterval", s.opts.SweepInterval)

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.persistAll()
		case <-ctx.Done():
			s.persistAll()
			s.logger.Info("Session supervisor stopped")
			return nil
		}
	}
}

func (s *Supervisor) persistAll() {
	s.mu.Lock()
	rows := make([]*store.SessionRow, 0, len(s.sessions))
	for _, sess := range s.sessions {
		rows = append(rows, &store.SessionRow{
			ID:         sess.ID,
			ProfileID:  sess.ProfileID,
			Cwd:        sess.Cwd,
			Title:      sess.Title,
			AgentMode:  sess.AgentMode,
			ExternalID: sess.ExternalID,
			Output:     sess.output.String(),
			UpdatedAt:  time.Now().UTC(),
		})
	}
	s.mu.Unlock()

	if len(rows) == 0 {
		return
	}
	if err := s.db.SaveAll(rows); err != nil {
		s.logger.Error("Failed to persist sessions", "error", err)
	}
}

// Restore recreates session records persisted by a previous run. Restored
// sessions come back in plain-shell state with their buffered output; agent
// mode is re-entered by the user.
func (s *Supervisor) Restore() error {
	rows, err := s.db.LoadSessions()
	if err != nil {
		return fmt.Errorf("session.Restore: %w", err)
	}
	for _, row := range rows {
		if err := s.Create(row.ID, row.Cwd, row.Title); err != nil {
			s.logger.Error("Failed to restore session", "session", row.ID, "error", err)
			continue
		}
		s.mu.Lock()
		if sess, ok := s.sessions[row.ID]; ok {
			sess.ProfileID = row.ProfileID
			sess.ExternalID = row.ExternalID
			sess.output.Append(row.Output)
		}
		s.mu.Unlock()
	}
	return nil
}

// Close destroys every open session.
func (s *Supervisor) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.mu.Lock()
		sess, ok := s.sessions[id]
		var proc Process
		var cancel context.CancelFunc
		if ok {
			proc = sess.proc
			cancel = sess.cancelDiscovery
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if proc != nil {
			_ = proc.Kill()
		}
	}
}

func (s *Supervisor) publishError(id string, err error) {
	s.hub.Publish(event.Event{
		Type:      event.TypeSessionError,
		SessionID: id,
		Data:      map[string]any{"error": err.Error()},
	})
}
