// Package chatops implements the Telegram ingress: a long-poll loop that
// authenticates users, rate limits them, optionally gates high-risk actions
// behind a PIN session, and turns messages and button presses into bus
// commands with source="chat".
package chatops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/metrics"
	"github.com/marketlab/marketlab/internal/orders"
	"github.com/marketlab/marketlab/internal/policy"
	"github.com/marketlab/marketlab/internal/shared/ratelimit"
)

const (
	defaultLongPollTimeout = 25 * time.Second
	pinSessionTTL          = 60 * time.Second

	// offsetStateKey persists the Telegram update offset across restarts.
	offsetStateKey = "chat.offset"

	// maxPayloadLen bounds inline button payloads.
	maxPayloadLen = 64
)

// ErrAuthFailed signals that Telegram rejected the bot token. Mains exit
// with the auth failure code on this.
var ErrAuthFailed = errors.New("chatops: telegram auth failed")

// Config controls the Telegram ingress bot.
type Config struct {
	BotToken string

	// Allowlist holds the numeric Telegram user ids permitted to issue
	// commands. Everyone else is denied.
	Allowlist []int64

	// ControlChannel, when set, restricts text commands to one chat id;
	// messages arriving elsewhere are ignored.
	ControlChannel int64

	// PIN, when set, gates HIGH and CRITICAL commands behind a /pin
	// session.
	PIN string

	RateLimitPerMin int
	PollInterval    time.Duration
	LongPollTimeout time.Duration

	// ApprovalWindowSec overrides the default dual-control window so
	// command TTLs outlive the configured confirmation window.
	ApprovalWindowSec int

	HTTPClient *http.Client
}

// Bot polls Telegram updates and enqueues bus commands.
type Bot struct {
	cfg     Config
	log     logr.Logger
	client  *http.Client
	bus     *bus.Store
	limiter *ratelimit.Limiter

	allow  map[int64]bool
	offset int64

	pinMu       sync.Mutex
	pinSessions map[int64]time.Time

	rateEventMu   sync.Mutex
	lastRateEvent time.Time

	// listPending supplies tickets for /menu rendering; injectable so the
	// composition root decides how fresh the view is.
	listPending func() ([]orders.Ticket, error)

	sendMessageFn    func(ctx context.Context, chatID int64, text string, markup *inlineKeyboard) error
	answerCallbackFn func(ctx context.Context, callbackID, text string) error
}

// ParseAllowlist decodes a CHAT_ALLOWLIST style list of user ids.
func ParseAllowlist(entries []string) ([]int64, error) {
	var out []int64
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse allowlist entry %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// NewBot creates the ingress bot. listPending may be nil to disable /menu.
func NewBot(cfg Config, store *bus.Store, listPending func() ([]orders.Ticket, error), log logr.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if len(cfg.Allowlist) == 0 {
		return nil, errors.New("at least one allowlisted user id is required")
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = defaultLongPollTimeout
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 10
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.LongPollTimeout + 10*time.Second}
	}

	allow := make(map[int64]bool, len(cfg.Allowlist))
	for _, id := range cfg.Allowlist {
		allow[id] = true
	}

	b := &Bot{
		cfg:    cfg,
		log:    log.WithName("chatops-telegram"),
		client: cfg.HTTPClient,
		bus:    store,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			MaxPerWindow: cfg.RateLimitPerMin,
			Window:       time.Minute,
		}),
		allow:       allow,
		pinSessions: make(map[int64]time.Time),
		listPending: listPending,
	}
	b.sendMessageFn = b.sendMessage
	b.answerCallbackFn = b.answerCallback
	b.loadOffset()
	return b, nil
}

// CheckAuth verifies the bot token against getMe and records the bot
// username in app_state. Returns ErrAuthFailed on a rejected token.
func (b *Bot) CheckAuth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint("getMe"), nil)
	if err != nil {
		return fmt.Errorf("build getMe request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read getMe response: %w", err)
	}

	var payload struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || !payload.OK {
		return fmt.Errorf("%w: getMe returned %d", ErrAuthFailed, resp.StatusCode)
	}

	_ = b.bus.SetState("chat.bot_username", payload.Result.Username)
	_ = b.bus.SetState("chat.allowlist_count", strconv.Itoa(len(b.allow)))
	return nil
}

// Start runs the long-poll loop until context cancellation. Poll failures
// back off exponentially up to 30s.
func (b *Bot) Start(ctx context.Context) error {
	b.log.Info("telegram ingress starting", "allowlist", len(b.allow), "rateLimitPerMin", b.cfg.RateLimitPerMin)

	backoff := b.cfg.PollInterval
	for {
		err := b.pollOnce(ctx)
		switch {
		case ctx.Err() != nil:
			b.log.Info("telegram ingress stopping")
			return nil
		case err != nil:
			b.log.Error(err, "telegram poll failed")
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		default:
			backoff = b.cfg.PollInterval
			_ = b.bus.SetState("chat.last_ok_ts", strconv.FormatInt(time.Now().Unix(), 10))
		}

		select {
		case <-ctx.Done():
			b.log.Info("telegram ingress stopping")
			return nil
		case <-time.After(backoff):
		}
	}
}

func (b *Bot) pollOnce(ctx context.Context) error {
	values := url.Values{}
	values.Set("timeout", strconv.Itoa(int(b.cfg.LongPollTimeout.Seconds())))
	if b.offset > 0 {
		values.Set("offset", strconv.FormatInt(b.offset, 10))
	}

	endpoint := b.endpoint("getUpdates") + "?" + values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build getUpdates request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram getUpdates: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read getUpdates response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram getUpdates returned %d: %s", resp.StatusCode, string(body))
	}

	var payload telegramResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !payload.OK {
		return fmt.Errorf("telegram getUpdates api error: %s", payload.Description)
	}

	for _, upd := range payload.Result {
		if upd.UpdateID >= b.offset {
			b.offset = upd.UpdateID + 1
		}
		b.handleUpdate(ctx, upd)
	}
	if len(payload.Result) > 0 {
		b.saveOffset()
	}
	return nil
}

func (b *Bot) handleUpdate(ctx context.Context, upd telegramUpdate) {
	switch {
	case upd.Message != nil:
		if err := b.handleMessage(ctx, *upd.Message); err != nil {
			b.log.Error(err, "handle message", "chatID", upd.Message.Chat.ID)
		}
	case upd.Callback != nil:
		if err := b.handleCallback(ctx, *upd.Callback); err != nil {
			b.log.Error(err, "handle callback", "user", upd.Callback.From.ID)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telegramMessage) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return nil
	}
	if b.cfg.ControlChannel != 0 && msg.Chat.ID != b.cfg.ControlChannel {
		metrics.RecordChatUpdate("ignored")
		return nil
	}

	if !b.admit(msg.From.ID) {
		metrics.RecordChatUpdate("denied")
		return b.sendMessageFn(ctx, msg.Chat.ID, "Not authorized.", nil)
	}
	if !b.admitRate(msg.From.ID) {
		metrics.RecordChatUpdate("rate_limited")
		return b.sendMessageFn(ctx, msg.Chat.ID, "Slow down, rate limit reached.", nil)
	}

	reply, markup := b.processCommand(msg.From.ID, text)
	if reply == "" {
		return nil
	}
	return b.sendMessageFn(ctx, msg.Chat.ID, reply, markup)
}

func (b *Bot) handleCallback(ctx context.Context, cb telegramCallback) error {
	if !b.admit(cb.From.ID) {
		metrics.RecordChatUpdate("denied")
		return b.answerCallbackFn(ctx, cb.ID, "Not authorized.")
	}
	if !b.admitRate(cb.From.ID) {
		metrics.RecordChatUpdate("rate_limited")
		return b.answerCallbackFn(ctx, cb.ID, "Rate limit reached.")
	}

	cmd, identity, err := parsePayload(cb.Data)
	if err != nil {
		metrics.RecordChatUpdate("ignored")
		return b.answerCallbackFn(ctx, cb.ID, "Bad button payload.")
	}

	toast := b.dispatch(cb.From.ID, cmd, identity)
	return b.answerCallbackFn(ctx, cb.ID, toast)
}

// processCommand maps the textual grammar onto bus commands.
func (b *Bot) processCommand(userID int64, text string) (string, *inlineKeyboard) {
	cmd, args := parseCommand(text)
	switch cmd {
	case "help", "start":
		return "Commands:\n" +
			"/pause /resume /stop - trading state\n" +
			"/paper /live - switch mode\n" +
			"/confirm <token> - confirm an order\n" +
			"/reject <token> - reject an order\n" +
			"/menu - pending orders with buttons\n" +
			"/pin <secret> - open a 60s high-risk session\n" +
			"/status - current state", nil
	case "pin":
		if len(args) < 1 {
			return "Usage: /pin <secret>", nil
		}
		return b.startPINSession(userID, args[0]), nil
	case "status":
		return b.statusLine(), nil
	case "menu":
		return b.renderMenu()
	case "pause":
		return b.dispatch(userID, "state.pause", ""), nil
	case "resume":
		return b.dispatch(userID, "state.resume", ""), nil
	case "stop":
		return b.dispatch(userID, "state.stop", ""), nil
	case "paper":
		return b.dispatch(userID, "mode.switch", "paper"), nil
	case "live":
		return b.dispatch(userID, "mode.switch", "live"), nil
	case "confirm":
		if len(args) < 1 {
			return "Usage: /confirm <token>", nil
		}
		return b.dispatch(userID, "orders.confirm", strings.ToUpper(args[0])), nil
	case "reject":
		if len(args) < 1 {
			return "Usage: /reject <token>", nil
		}
		return b.dispatch(userID, "orders.reject", strings.ToUpper(args[0])), nil
	default:
		metrics.RecordChatUpdate("ignored")
		return "Unknown command. Use /help.", nil
	}
}

// dispatch enqueues one command for the user, enforcing the PIN gate for
// high-risk actions. Returns the acknowledgement text.
func (b *Bot) dispatch(userID int64, cmd, identity string) string {
	actor := fmt.Sprintf("chat:%d", userID)

	if policy.HighRisk(cmd) && b.cfg.PIN != "" && !b.hasPINSession(userID, time.Now()) {
		_, _ = b.bus.Emit(bus.LevelWarn, "auth.pin.required", map[string]any{
			"user_id": userID, "cmd": cmd,
		})
		metrics.RecordChatUpdate("denied")
		return "PIN required: send /pin <secret> first."
	}

	args := commandArgs(cmd, identity)
	req := bus.EnqueueRequest{
		Cmd:     cmd,
		Args:    args,
		Source:  "chat",
		ActorID: actor,
	}
	if pol := policy.Classify(cmd); pol.RequiredApprovals > 1 || pol.Risk == policy.RiskCritical {
		if b.cfg.ApprovalWindowSec > 0 && pol.WindowSec == policy.DefaultWindowSec {
			pol.WindowSec = b.cfg.ApprovalWindowSec
		}
		// Duplicate button presses collapse onto one active command.
		req.DedupeKey = cmd + ":" + policy.Target(cmd, args)
		ttl := int64(300)
		if windowTTL := int64(pol.WindowSec) + 30; windowTTL > ttl {
			ttl = windowTTL
		}
		req.TTLSec = &ttl
	}

	cmdID, err := b.bus.Enqueue(req)
	if err != nil {
		b.log.Error(err, "enqueue from chat", "cmd", cmd)
		return "Failed to queue the command."
	}
	metrics.RecordChatUpdate("command")
	return fmt.Sprintf("Queued %s (%s).", cmd, shortID(cmdID))
}

func commandArgs(cmd, identity string) map[string]any {
	switch cmd {
	case "orders.confirm", "orders.reject", "orders.cancel":
		return map[string]any{"token": identity}
	case "mode.switch":
		return map[string]any{"target": identity}
	default:
		return map[string]any{}
	}
}

// admit checks the allowlist and emits auth.denied for strangers.
func (b *Bot) admit(userID int64) bool {
	if b.allow[userID] {
		return true
	}
	_, _ = b.bus.Emit(bus.LevelWarn, "auth.denied", map[string]any{"user_id": userID})
	return false
}

// admitRate applies the per-user sliding limit. The rate.limited event is
// throttled to once a minute so a button masher cannot flood the log.
func (b *Bot) admitRate(userID int64) bool {
	d := b.limiter.Allow(fmt.Sprintf("chat:%d", userID), time.Now())
	if d.Allowed {
		return true
	}

	b.rateEventMu.Lock()
	emit := time.Since(b.lastRateEvent) >= time.Minute
	if emit {
		b.lastRateEvent = time.Now()
	}
	b.rateEventMu.Unlock()
	if emit {
		_, _ = b.bus.Emit(bus.LevelWarn, "rate.limited", map[string]any{
			"user_id": userID, "reason": d.Reason,
		})
	}
	return false
}

func (b *Bot) startPINSession(userID int64, secret string) string {
	if b.cfg.PIN == "" {
		return "No PIN configured."
	}
	if secret != b.cfg.PIN {
		_, _ = b.bus.Emit(bus.LevelWarn, "auth.denied", map[string]any{
			"user_id": userID, "reason": "pin_mismatch",
		})
		metrics.RecordChatUpdate("denied")
		return "Wrong PIN."
	}

	b.pinMu.Lock()
	b.pinSessions[userID] = time.Now().Add(pinSessionTTL)
	b.pinMu.Unlock()
	return fmt.Sprintf("PIN accepted, high-risk commands unlocked for %s.", pinSessionTTL)
}

func (b *Bot) hasPINSession(userID int64, now time.Time) bool {
	b.pinMu.Lock()
	defer b.pinMu.Unlock()

	expiry, ok := b.pinSessions[userID]
	if !ok {
		return false
	}
	if now.After(expiry) {
		delete(b.pinSessions, userID)
		return false
	}
	return true
}

func (b *Bot) statusLine() string {
	get := func(key, fallback string) string {
		v, err := b.bus.GetState(key)
		if err != nil {
			return fallback
		}
		return v
	}
	return fmt.Sprintf("state=%s mode=%s breaker=%s",
		get(bus.StateKey, "?"), get(bus.ModeKey, "?"), get(bus.BreakerStateKey, "?"))
}

// renderMenu builds the pending-orders message with per-token Confirm and
// Reject buttons.
func (b *Bot) renderMenu() (string, *inlineKeyboard) {
	if b.listPending == nil {
		return "Menu unavailable.", nil
	}
	tickets, err := b.listPending()
	if err != nil {
		b.log.Error(err, "list pending tickets")
		return "Menu unavailable.", nil
	}
	if len(tickets) == 0 {
		return "No pending orders.", nil
	}

	var (
		lines  []string
		markup inlineKeyboard
	)
	for _, t := range tickets {
		lines = append(lines, fmt.Sprintf("%s  %s %s x%g (%s)", t.Token, t.Side, t.Symbol, t.Qty, t.State))
		markup.InlineKeyboard = append(markup.InlineKeyboard, []inlineButton{
			{Text: "Confirm " + t.Token, CallbackData: encodePayload("orders.confirm", t.Token)},
			{Text: "Reject " + t.Token, CallbackData: encodePayload("orders.reject", t.Token)},
		})
	}
	return "Pending orders:\n" + strings.Join(lines, "\n"), &markup
}

func (b *Bot) loadOffset() {
	v, err := b.bus.GetState(offsetStateKey)
	if err != nil {
		return
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		b.offset = n
	}
}

func (b *Bot) saveOffset() {
	_ = b.bus.SetState(offsetStateKey, strconv.FormatInt(b.offset, 10))
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, markup *inlineKeyboard) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	return b.post(ctx, "sendMessage", payload)
}

func (b *Bot) answerCallback(ctx context.Context, callbackID, text string) error {
	return b.post(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	})
}

func (b *Bot) post(ctx context.Context, method string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(method), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram %s returned %d: %s", method, resp.StatusCode, string(body))
	}

	var parsed telegramResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram %s api error: %s", method, parsed.Description)
	}
	return nil
}

func (b *Bot) endpoint(method string) string {
	return fmt.Sprintf("https://api.telegram.org/bot%s/%s", b.cfg.BotToken, method)
}

func parseCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if idx := strings.Index(cmd, "@"); idx > 0 {
		cmd = cmd[:idx]
	}
	cmd = strings.ToLower(cmd)
	if len(fields) == 1 {
		return cmd, nil
	}
	return cmd, fields[1:]
}

// encodePayload packs an inline button payload: action:<cmd>|identity:<v>.
func encodePayload(cmd, identity string) string {
	return "action:" + cmd + "|identity:" + identity
}

func parsePayload(data string) (cmd, identity string, err error) {
	if data == "" || len(data) > maxPayloadLen {
		return "", "", fmt.Errorf("payload length %d out of bounds", len(data))
	}
	for _, part := range strings.Split(data, "|") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return "", "", fmt.Errorf("malformed payload segment %q", part)
		}
		switch key {
		case "action":
			cmd = value
		case "identity":
			identity = value
		}
	}
	if cmd == "" {
		return "", "", errors.New("payload missing action")
	}
	return cmd, identity, nil
}

func shortID(cmdID string) string {
	if len(cmdID) > 8 {
		return cmdID[:8]
	}
	return cmdID
}

type telegramResponse struct {
	OK          bool             `json:"ok"`
	Description string           `json:"description,omitempty"`
	Result      []telegramUpdate `json:"result,omitempty"`
}

type telegramUpdate struct {
	UpdateID int64             `json:"update_id"`
	Message  *telegramMessage  `json:"message,omitempty"`
	Callback *telegramCallback `json:"callback_query,omitempty"`
}

type telegramMessage struct {
	MessageID int64        `json:"message_id"`
	Text      string       `json:"text"`
	From      telegramUser `json:"from"`
	Chat      telegramChat `json:"chat"`
}

type telegramCallback struct {
	ID   string       `json:"id"`
	From telegramUser `json:"from"`
	Data string       `json:"data"`
}

type telegramUser struct {
	ID int64 `json:"id"`
}

type telegramChat struct {
	ID int64 `json:"id"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}
