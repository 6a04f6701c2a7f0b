package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/quorum/internal/gateway"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/types"
)

const maxTelegramMessage = 4096

const helpText = `Send a question to get an answer.

/ask [level] <question> - single model (quick, standard, research, deep)
/research <topic> - deep research report
/compare <model,model> <question> - side-by-side answers
/consensus <question> - multi-model synthesis
/recover <job id> - fetch a deep research result
/checkpoints - list unfinished research jobs
/status - queue and checkpoint status`

// Sender is the part of the bot API the adapter sends through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Submitter accepts requests for processing.
type Submitter interface {
	Submit(req *gateway.Request) error
}

// Checkpoints lists research checkpoints for /checkpoints and /status.
type Checkpoints interface {
	ListCheckpoints(ctx context.Context, includeCompleted bool) ([]*types.Checkpoint, error)
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot         *tgbotapi.BotAPI
	sender      Sender
	gateway     Submitter
	checkpoints Checkpoints
	allowed     []int64
	logger      *slog.Logger
}

// New creates a Telegram adapter. An empty allowed list accepts every chat.
func New(token string, gw Submitter, cps Checkpoints, allowed []int64, logger *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, gw, cps, allowed, logger)
	a.bot = bot
	return a, nil
}

func newAdapter(sender Sender, gw Submitter, cps Checkpoints, allowed []int64, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		sender:      sender,
		gateway:     gw,
		checkpoints: cps,
		allowed:     allowed,
		logger:      logger.With("component", "telegram"),
	}
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// Deliver sends message to the chat in a "telegram:<chat id>" key.
func (a *Adapter) Deliver(key, message string) error {
	chatID, err := strconv.ParseInt(strings.TrimPrefix(key, "telegram:"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat in %q: %w", key, err)
	}
	return a.sendResponse(chatID, message)
}

func (a *Adapter) permitted(chatID int64) bool {
	return len(a.allowed) == 0 || slices.Contains(a.allowed, chatID)
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !a.permitted(chatID) {
		a.logger.Warn("ignoring message from chat", "chat_id", chatID)
		return
	}

	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}
	a.submit(chatID, gateway.KindAsk, msg.Text, "", nil)
}

func (a *Adapter) submit(chatID int64, kind gateway.Kind, text string, level models.Level, ids []string) {
	if strings.TrimSpace(text) == "" {
		a.sendResponse(chatID, fmt.Sprintf("Usage: /%s <text>", kind))
		return
	}
	req := gateway.NewRequest(types.NewLaneKey("telegram", strconv.FormatInt(chatID, 10)), "telegram", kind, text)
	req.Level = level
	req.Models = ids
	req.Reply = func(response string) {
		a.sendResponse(chatID, response)
	}
	if err := a.gateway.Submit(req); err != nil {
		a.logger.Error("submit failed", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "Sorry, I could not queue that: "+err.Error())
		return
	}
	if kind == gateway.KindResearch || kind == gateway.KindConsensus {
		a.sendResponse(chatID, "Working on it. This can take several minutes.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		a.sendResponse(chatID, helpText)

	case "ask":
		level, question := splitLevel(args)
		a.submit(chatID, gateway.KindAsk, question, level, nil)

	case "research":
		a.submit(chatID, gateway.KindResearch, args, "", nil)

	case "compare":
		list, question, _ := strings.Cut(args, " ")
		ids := splitModels(list)
		if len(ids) < 2 {
			a.sendResponse(chatID, "Usage: /compare <model,model> <question>")
			return
		}
		a.submit(chatID, gateway.KindCompare, strings.TrimSpace(question), "", ids)

	case "consensus":
		a.submit(chatID, gateway.KindConsensus, args, models.LevelConsensus, nil)

	case "recover":
		a.submit(chatID, gateway.KindRecover, args, "", nil)

	case "checkpoints":
		cps, err := a.checkpoints.ListCheckpoints(ctx, false)
		if err != nil {
			a.sendResponse(chatID, "Error listing checkpoints.")
			return
		}
		a.sendResponse(chatID, formatCheckpoints(cps))

	case "status":
		cps, err := a.checkpoints.ListCheckpoints(ctx, true)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		open := 0
		for _, cp := range cps {
			if !cp.Completed() {
				open++
			}
		}
		a.sendResponse(chatID, fmt.Sprintf("Open checkpoints: %d\nFailed checkpoints: %d", open, len(cps)-open))

	default:
		a.sendResponse(chatID, "Unknown command.\n\n"+helpText)
	}
}

// splitLevel peels a leading level name off args.
func splitLevel(args string) (models.Level, string) {
	first, rest, _ := strings.Cut(args, " ")
	if first == "" {
		return "", args
	}
	if level, err := models.ParseLevel(first); err == nil {
		return level, strings.TrimSpace(rest)
	}
	return "", args
}

func splitModels(list string) []string {
	var ids []string
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func formatCheckpoints(cps []*types.Checkpoint) string {
	if len(cps) == 0 {
		return "No unfinished research jobs."
	}
	var b strings.Builder
	for _, cp := range cps {
		topic := cp.Topic
		if len(topic) > 60 {
			topic = topic[:60] + "..."
		}
		fmt.Fprintf(&b, "%s (%s, started %s)\n%s\n\n", cp.JobID, cp.Model, cp.StartedAt.Format("Jan 2 15:04"), topic)
	}
	b.WriteString("Use /recover <job id> to fetch a result.")
	return b.String()
}

func (a *Adapter) sendResponse(chatID int64, text string) error {
	var lastErr error
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.sender.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				a.logger.Error("send message failed", "chat_id", chatID, "error", err)
				lastErr = err
			}
		}
	}
	return lastErr
}

// splitMessage cuts text into Telegram-sized parts, preferring newline
// boundaries and never splitting a UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > maxTelegramMessage {
		end := maxTelegramMessage
		if nl := strings.LastIndexByte(text[:end], '\n'); nl > maxTelegramMessage/2 {
			end = nl + 1
		}
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
