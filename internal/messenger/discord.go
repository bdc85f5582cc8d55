package messenger

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"toolgate.local/gateway/internal/config"
)

const customIDPrefix = "toolgate"

// DiscordAdapter posts approval prompts with Allow / Deny buttons to one
// channel and accepts button presses from the configured guardians only.
type DiscordAdapter struct {
	cfg       config.DiscordConfig
	logger    *log.Logger
	guardians map[string]bool

	mu       sync.Mutex
	session  *discordgo.Session
	decision DecisionFunc
}

func NewDiscordAdapter(cfg config.DiscordConfig, logger *log.Logger) *DiscordAdapter {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	guardians := make(map[string]bool, len(cfg.GuardianIDs))
	for _, id := range cfg.GuardianIDs {
		guardians[strings.TrimSpace(id)] = true
	}
	return &DiscordAdapter{cfg: cfg, logger: logger, guardians: guardians}
}

func (a *DiscordAdapter) OnDecision(fn DecisionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decision = fn
}

func (a *DiscordAdapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return fmt.Errorf("discord adapter already started")
	}

	s, err := discordgo.New(normalizeBotToken(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	s.AddHandler(a.handleInteraction)
	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	a.session = s
	a.logger.Printf("discord adapter started channel=%s guardians=%d", a.cfg.ChannelID, len(a.guardians))
	return nil
}

func (a *DiscordAdapter) Stop() error {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	a.logger.Printf("discord adapter stopped")
	return nil
}

func (a *DiscordAdapter) HealthCheck(_ context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil
}

func (a *DiscordAdapter) RequestApproval(_ context.Context, req ApprovalRequest) (string, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return "", fmt.Errorf("discord adapter not started")
	}

	msg, err := s.ChannelMessageSendComplex(a.cfg.ChannelID, &discordgo.MessageSend{
		Content: promptText(req),
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Allow",
					Style:    discordgo.SuccessButton,
					CustomID: buttonCustomID(ActionAllow, req.RequestID),
				},
				discordgo.Button{
					Label:    "Deny",
					Style:    discordgo.DangerButton,
					CustomID: buttonCustomID(ActionDeny, req.RequestID),
				},
			}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("send approval message: %w", err)
	}
	return msg.ID, nil
}

// UpdateApproval replaces the header line of an approval message, keeps the
// detail lines, and removes the buttons. Used for timeouts and restarts.
func (a *DiscordAdapter) UpdateApproval(_ context.Context, messageID, header string) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return fmt.Errorf("discord adapter not started")
	}

	msg, err := s.ChannelMessage(a.cfg.ChannelID, messageID)
	if err != nil {
		return fmt.Errorf("fetch approval message: %w", err)
	}
	return a.editResolved(s, messageID, replaceHeader(msg.Content, header))
}

func (a *DiscordAdapter) editResolved(s *discordgo.Session, messageID, content string) error {
	empty := []discordgo.MessageComponent{}
	_, err := s.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         messageID,
		Channel:    a.cfg.ChannelID,
		Content:    &content,
		Components: &empty,
	})
	if err != nil {
		return fmt.Errorf("edit approval message: %w", err)
	}
	return nil
}

func (a *DiscordAdapter) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	action, requestID, ok := parseCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	userID := interactionUserID(i)
	if !a.guardians[userID] {
		// Non-guardians are ignored silently.
		return
	}

	a.mu.Lock()
	decision := a.decision
	a.mu.Unlock()
	if decision == nil {
		return
	}

	accepted := decision(Outcome{
		RequestID: requestID,
		Action:    action,
		UserID:    userID,
		At:        time.Now().UTC(),
	})
	if !accepted {
		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "This request was already resolved.",
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		})
		if err != nil {
			a.logger.Printf("failed to answer stale interaction: %v", err)
		}
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		a.logger.Printf("failed to acknowledge interaction: %v", err)
	}

	if i.Message == nil {
		return
	}
	header := "✅ Approved by " + userID
	if action == ActionDeny {
		header = "❌ Denied by " + userID
	}
	if err := a.editResolved(s, i.Message.ID, replaceHeader(i.Message.Content, header)); err != nil {
		a.logger.Printf("failed to edit approval message %s: %v", i.Message.ID, err)
	}
}

// promptText renders the approval message: header, signature, and any args
// whose values do not already appear in the signature.
func promptText(req ApprovalRequest) string {
	lines := []string{"🚨 " + req.ToolName}
	if req.Signature != "" {
		lines = append(lines, req.Signature)
	}
	keys := make([]string, 0, len(req.Args))
	for key := range req.Args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rendered := fmt.Sprintf("%v", req.Args[key])
		if req.Signature != "" && strings.Contains(req.Signature, rendered) {
			continue
		}
		lines = append(lines, fmt.Sprintf("  %s: %s", key, rendered))
	}
	return strings.Join(lines, "\n")
}

func replaceHeader(content, header string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) <= 1 {
		return header
	}
	return strings.Join(append([]string{header}, lines[1:]...), "\n")
}

func buttonCustomID(action, requestID string) string {
	return strings.Join([]string{customIDPrefix, action, requestID}, ":")
}

func parseCustomID(customID string) (action, requestID string, ok bool) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 || parts[0] != customIDPrefix {
		return "", "", false
	}
	if parts[1] != ActionAllow && parts[1] != ActionDeny {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
