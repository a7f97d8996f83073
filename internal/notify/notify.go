package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onllm-dev/switchboard/internal/event"
)

// Config holds delivery settings for the notifier. SMTP is optional; push
// delivery is always available once VAPID keys exist.
type Config struct {
	SMTP     SMTPConfig
	Cooldown time.Duration // minimum time between notifications per session and event type
	Types    EventTypes
}

// EventTypes controls which hub events produce notifications.
type EventTypes struct {
	RateLimit    bool
	AutoSwitch   bool
	Suggestion   bool
	SessionError bool
}

// ConfigFromEnv reads notifier settings from SWITCHBOARD_SMTP_* variables.
// An empty SMTP host disables email delivery.
func ConfigFromEnv() Config {
	cfg := Config{
		Cooldown: 30 * time.Minute,
		Types:    EventTypes{RateLimit: true, AutoSwitch: true, Suggestion: true, SessionError: true},
	}

	cfg.SMTP.Host = os.Getenv("SWITCHBOARD_SMTP_HOST")
	if v := os.Getenv("SWITCHBOARD_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	cfg.SMTP.Protocol = os.Getenv("SWITCHBOARD_SMTP_PROTOCOL")
	if cfg.SMTP.Protocol == "" {
		cfg.SMTP.Protocol = "starttls"
	}
	cfg.SMTP.Username = os.Getenv("SWITCHBOARD_SMTP_USER")
	cfg.SMTP.Password = os.Getenv("SWITCHBOARD_SMTP_PASS")
	cfg.SMTP.FromAddr = os.Getenv("SWITCHBOARD_SMTP_FROM")
	cfg.SMTP.FromName = "Switchboard"
	for _, addr := range strings.Split(os.Getenv("SWITCHBOARD_SMTP_TO"), ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			cfg.SMTP.ToAddrs = append(cfg.SMTP.ToAddrs, addr)
		}
	}

	if v := os.Getenv("SWITCHBOARD_NOTIFY_COOLDOWN"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Cooldown = time.Duration(secs) * time.Second
		}
	}

	return cfg
}

// Notifier fans hub events out to email and Web Push subscribers.
type Notifier struct {
	logger *slog.Logger
	mailer *SMTPMailer
	types  EventTypes

	mu          sync.Mutex
	push        *PushSender
	vapidPublic string
	subs        map[string]PushSubscription // keyed by endpoint
	subsPath    string
	lastSent    map[string]time.Time
	cooldown    time.Duration
}

// New creates a Notifier. Email delivery stays disabled until the config
// names an SMTP host.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		logger:   logger,
		types:    cfg.Types,
		subs:     make(map[string]PushSubscription),
		lastSent: make(map[string]time.Time),
		cooldown: cfg.Cooldown,
	}
	if cfg.SMTP.Host != "" {
		n.mailer = NewSMTPMailer(cfg.SMTP, logger)
	}
	return n
}

type vapidKeyFile struct {
	Public  string `json:"public"`
	Private string `json:"private"`
}

// ConfigurePush loads the VAPID key pair from dataDir, generating and
// persisting a fresh pair on first run, and restores any saved push
// subscriptions.
func (n *Notifier) ConfigurePush(dataDir string) error {
	keyPath := filepath.Join(dataDir, "vapid.json")

	var keys vapidKeyFile
	if data, err := os.ReadFile(keyPath); err == nil {
		if err := json.Unmarshal(data, &keys); err != nil {
			return fmt.Errorf("notify.ConfigurePush: invalid vapid.json: %w", err)
		}
	}

	if keys.Public == "" || keys.Private == "" {
		pub, priv, err := GenerateVAPIDKeys()
		if err != nil {
			return fmt.Errorf("notify.ConfigurePush: %w", err)
		}
		keys = vapidKeyFile{Public: pub, Private: priv}
		data, _ := json.Marshal(keys)
		if err := os.WriteFile(keyPath, data, 0600); err != nil {
			return fmt.Errorf("notify.ConfigurePush: failed to save VAPID keys: %w", err)
		}
		n.logger.Info("Generated new VAPID key pair for push notifications")
	}

	sender, err := NewPushSender(keys.Public, keys.Private, "mailto:switchboard@localhost")
	if err != nil {
		return fmt.Errorf("notify.ConfigurePush: %w", err)
	}

	n.mu.Lock()
	n.push = sender
	n.vapidPublic = keys.Public
	n.subsPath = filepath.Join(dataDir, "push_subscriptions.json")
	n.loadSubscriptionsLocked()
	n.mu.Unlock()

	return nil
}

func (n *Notifier) loadSubscriptionsLocked() {
	data, err := os.ReadFile(n.subsPath)
	if err != nil {
		return
	}
	var subs []PushSubscription
	if err := json.Unmarshal(data, &subs); err != nil {
		n.logger.Warn("Ignoring corrupt push subscription file", "path", n.subsPath)
		return
	}
	for _, sub := range subs {
		n.subs[sub.Endpoint] = sub
	}
}

func (n *Notifier) saveSubscriptionsLocked() {
	if n.subsPath == "" {
		return
	}
	subs := make([]PushSubscription, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return
	}
	if err := os.WriteFile(n.subsPath, data, 0600); err != nil {
		n.logger.Error("Failed to persist push subscriptions", "error", err)
	}
}

// VAPIDPublicKey returns the key browsers need to create a push
// subscription, or "" when push is not configured.
func (n *Notifier) VAPIDPublicKey() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.vapidPublic
}

// Subscribe registers a browser push subscription. Re-registering an
// endpoint replaces its keys.
func (n *Notifier) Subscribe(sub PushSubscription) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("notify.Subscribe: endpoint is required")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[sub.Endpoint] = sub
	n.saveSubscriptionsLocked()
	return nil
}

// Unsubscribe removes a push subscription by endpoint.
func (n *Notifier) Unsubscribe(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[endpoint]; ok {
		delete(n.subs, endpoint)
		n.saveSubscriptionsLocked()
	}
}

// SendTest delivers a test message over every configured channel.
func (n *Notifier) SendTest() error {
	return n.deliver("[Switchboard] Test Notification", "Notifications are working correctly.")
}

// Run consumes hub events until ctx is cancelled or the hub closes.
func (n *Notifier) Run(ctx context.Context, hub *event.Hub) {
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handle(ev)
		}
	}
}

func (n *Notifier) handle(ev event.Event) {
	var subject string
	switch ev.Type {
	case event.TypeRateLimitDetected:
		if !n.types.RateLimit {
			return
		}
		subject = fmt.Sprintf("[Switchboard] Rate limit hit (session %s)", ev.SessionID)
	case event.TypeAutoSwitched:
		if !n.types.AutoSwitch {
			return
		}
		subject = fmt.Sprintf("[Switchboard] Profile auto-switched (session %s)", ev.SessionID)
	case event.TypeSwitchRecommended:
		if !n.types.Suggestion {
			return
		}
		subject = "[Switchboard] Profile switch recommended"
	case event.TypeSessionError:
		if !n.types.SessionError {
			return
		}
		subject = fmt.Sprintf("[Switchboard] Session error (session %s)", ev.SessionID)
	default:
		return
	}

	key := string(ev.Type) + ":" + ev.SessionID
	n.mu.Lock()
	if last, ok := n.lastSent[key]; ok && time.Since(last) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.lastSent[key] = time.Now()
	n.mu.Unlock()

	if err := n.deliver(subject, n.buildBody(ev)); err != nil {
		n.logger.Error("Notification delivery failed", "type", ev.Type, "error", err)
	}
}

func (n *Notifier) buildBody(ev event.Event) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Event: %s\n", ev.Type))
	if ev.SessionID != "" {
		sb.WriteString(fmt.Sprintf("Session: %s\n", ev.SessionID))
	}
	if ev.Data != nil {
		if data, err := json.MarshalIndent(ev.Data, "", "  "); err == nil {
			sb.WriteString(fmt.Sprintf("Details:\n%s\n", data))
		}
	}
	sb.WriteString(fmt.Sprintf("Time: %s\n", ev.Time.UTC().Format(time.RFC3339)))
	return sb.String()
}

// deliver fans a message out to all configured channels. It succeeds when
// at least one channel accepts the message.
func (n *Notifier) deliver(subject, body string) error {
	n.mu.Lock()
	mailer := n.mailer
	push := n.push
	subs := make([]PushSubscription, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.Unlock()

	if mailer == nil && (push == nil || len(subs) == 0) {
		return fmt.Errorf("no notification channels configured")
	}

	sent := false
	var lastErr error

	if mailer != nil {
		if err := mailer.Send(subject, body); err != nil {
			lastErr = err
			n.logger.Error("Failed to send email notification", "error", err)
		} else {
			sent = true
		}
	}

	if push != nil {
		for _, sub := range subs {
			if err := push.Send(sub, subject, body); err != nil {
				lastErr = err
				n.logger.Error("Failed to send push notification", "endpoint", sub.Endpoint, "error", err)
				// Gone subscriptions are pruned so they stop failing forever.
				if strings.Contains(err.Error(), "410") {
					n.Unsubscribe(sub.Endpoint)
				}
			} else {
				sent = true
			}
		}
	}

	if !sent && lastErr != nil {
		return lastErr
	}
	return nil
}
