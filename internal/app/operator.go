package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trade-control-plane/internal/alerts"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	Ticket       string    `json:"ticket,omitempty"`
	StrategyID   string    `json:"strategy_id,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || !a.alerts.Enabled() {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address bots as /cmd@botname.
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		a.auditOperatorEvent(ctx, a.auditEvent("pause", meta, before, after))
		if !before {
			return "trading paused", nil
		}
		return "trading already paused", nil
	case "resume":
		before := a.isPaused()
		after := a.setPaused(false)
		a.auditOperatorEvent(ctx, a.auditEvent("resume", meta, before, after))
		if before {
			return "trading resumed", nil
		}
		return "trading already active", nil
	case "queue":
		return a.queueText(), nil
	case "approve":
		if len(args) == 0 {
			return "", errors.New("usage: /approve <ticket>")
		}
		ticket, fill, err := a.approve(ctx, args[0])
		event := a.auditEvent("approve", meta, a.isPaused(), a.isPaused())
		event.Ticket, event.StrategyID = ticket.ID, ticket.StrategyID
		if err != nil {
			event.Error = err.Error()
			a.auditOperatorEvent(ctx, event)
			return "", err
		}
		a.auditOperatorEvent(ctx, event)
		return fmt.Sprintf("approved %s: %s %s filled %.2f USD", shortTicket(ticket.ID), ticket.Order.Side, ticket.Order.Ticker, fill.Notional()), nil
	case "reject":
		if len(args) == 0 {
			return "", errors.New("usage: /reject <ticket>")
		}
		ticket, err := a.reject(ctx, args[0])
		if err != nil {
			return "", err
		}
		event := a.auditEvent("reject", meta, a.isPaused(), a.isPaused())
		event.Ticket, event.StrategyID = ticket.ID, ticket.StrategyID
		a.auditOperatorEvent(ctx, event)
		return fmt.Sprintf("rejected %s", shortTicket(ticket.ID)), nil
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) auditEvent(action string, meta operatorMeta, before, after bool) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: before,
		PausedAfter:  after,
	}
}

func (a *App) operatorStatus() string {
	st := a.Status()
	lastTick := "n/a"
	if st.LastTick != nil {
		lastTick = st.LastTick.Format(time.RFC3339)
	}
	lines := []string{
		fmt.Sprintf("run_mode: %s", st.RunMode),
		fmt.Sprintf("paused: %t", st.Paused),
		fmt.Sprintf("healthy: %t", st.Healthy),
		fmt.Sprintf("last_tick: %s", lastTick),
		fmt.Sprintf("pending_approvals: %d", len(st.Approvals)),
		fmt.Sprintf("orders: %d", st.Orders),
	}
	for _, b := range st.Brokers {
		line := fmt.Sprintf("broker %s: active=%s failovers=%d", b.Name, b.Active, b.Failovers)
		if b.Exhausted {
			line += " EXHAUSTED"
		}
		lines = append(lines, line)
	}
	for _, s := range st.Strategies {
		lines = append(lines, fmt.Sprintf("strategy %s: %s %s/%s nav=%.2f pnl_day=%.2f errors=%d",
			s.Spec.ID, s.State.Health, s.Control.RunMode, s.Control.ControlMode, s.State.NAV, s.State.PnLDay, s.State.Errors))
	}
	return strings.Join(lines, "\n")
}

func (a *App) queueText() string {
	tickets := a.approvals.list()
	if len(tickets) == 0 {
		return "approval queue empty"
	}
	lines := make([]string, 0, len(tickets))
	for _, t := range tickets {
		lines = append(lines, fmt.Sprintf("%s %s %s %s %.2f USD", shortTicket(t.ID), t.StrategyID, t.Order.Side, t.Order.Ticker, t.Order.TradeNotional))
	}
	return strings.Join(lines, "\n")
}

func shortTicket(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - control plane status",
		"/pause - skip strategy ticks",
		"/resume - resume strategy ticks",
		"/queue - list orders waiting for approval",
		"/approve <ticket> - route a queued order",
		"/reject <ticket> - drop a queued order",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
