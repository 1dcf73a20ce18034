package services

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/ymatsuda/drive-triage/internal/gcp"
	"github.com/ymatsuda/drive-triage/internal/models"
)

// Reject policies. The storage marker is untouched on reject by default
// (the file stays re-approvable); the manual-review policy additionally
// stamps the terminal marker through the committer.
const (
	RejectPolicyKeepPending  = "keep-pending"
	RejectPolicyManualReview = "manual-review"
)

const (
	approveCustomID = "triage_approve"
	rejectCustomID  = "triage_reject"

	fieldOriginalName = "Original Name"
	fieldCategory     = "Category"
	fieldNewName      = "New Name"
	footerFileIDTag   = "File ID: "

	// maxErrorDisplay keeps upstream error text inside Discord's message
	// size limits when surfaced to the human.
	maxErrorDisplay = 1500
)

const (
	colorPending = 0x3498db
	colorWorking = 0xf1c40f
	colorSuccess = 0x2ecc71
	colorFailure = 0xe74c3c
	colorWarning = 0xe67e22
)

// RelayConfig holds all configuration for the approval relay.
type RelayConfig struct {
	APIKey       string
	ChannelID    string
	RejectPolicy string
}

// chatMessenger is the slice of the Discord session the relay uses. The
// method set matches *discordgo.Session so the real session satisfies it
// directly.
type chatMessenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// commitCaller abstracts the committer endpoint.
type commitCaller interface {
	Commit(ctx context.Context, req models.CommitRequest) (models.CommitResult, error)
}

// RelayFunction receives notification requests from the scanner, renders
// them as interactive Discord messages, and translates the resulting human
// decisions into commit requests. It holds no state between the notify step
// and the decision step: everything needed to commit rides in the rendered
// message itself.
type RelayFunction struct {
	config    RelayConfig
	messenger chatMessenger
	committer commitCaller
	// verifySignature checks the platform signature on inbound interactions.
	verifySignature func(r *http.Request) bool
}

// loadRelayConfig loads and validates all environment variables for this service.
func loadRelayConfig() (*RelayConfig, error) {
	apiKey := gcp.GetEnv("RELAY_API_KEY", "")
	if apiKey == "" {
		return nil, &models.ConfigError{Setting: "RELAY_API_KEY"}
	}
	channelID := gcp.GetEnv("DISCORD_CHANNEL_ID", "")
	if channelID == "" {
		return nil, &models.ConfigError{Setting: "DISCORD_CHANNEL_ID"}
	}
	policy := gcp.GetEnv("REJECT_POLICY", RejectPolicyKeepPending)
	if policy != RejectPolicyKeepPending && policy != RejectPolicyManualReview {
		return nil, &models.ConfigError{Setting: "REJECT_POLICY"}
	}
	return &RelayConfig{
		APIKey:       apiKey,
		ChannelID:    channelID,
		RejectPolicy: policy,
	}, nil
}

// NewRelay creates a fully wired RelayFunction from the environment.
func NewRelay(ctx context.Context) (*RelayFunction, error) {
	config, err := loadRelayConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	botToken := gcp.GetEnv("DISCORD_BOT_TOKEN", "")
	if botToken == "" {
		return nil, &models.ConfigError{Setting: "DISCORD_BOT_TOKEN"}
	}
	publicKeyHex := gcp.GetEnv("DISCORD_PUBLIC_KEY", "")
	rawKey, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(rawKey) != ed25519.PublicKeySize {
		return nil, &models.ConfigError{Setting: "DISCORD_PUBLIC_KEY"}
	}
	publicKey := ed25519.PublicKey(rawKey)

	commitURL := gcp.GetEnv("COMMIT_URL", "")
	commitKey := gcp.GetEnv("COMMIT_API_KEY", "")
	if commitURL == "" || commitKey == "" {
		return nil, &models.ConfigError{Setting: "COMMIT_URL / COMMIT_API_KEY"}
	}

	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	return &RelayFunction{
		config:    *config,
		messenger: session,
		committer: NewCommitClient(commitURL, commitKey),
		verifySignature: func(r *http.Request) bool {
			return discordgo.VerifyInteraction(r, publicKey)
		},
	}, nil
}

// ServeHTTP routes the relay's two inbound surfaces: /notify from the
// scanner, everything else from the Discord interaction webhook.
func (f *RelayFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/notify") {
		f.HandleNotify(w, r)
		return
	}
	f.HandleInteraction(w, r)
}

// HandleNotify renders one approval request as an interactive message.
func (f *RelayFunction) HandleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(APIKeyHeader) != f.config.APIKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("ERROR: Could not decode notify body: %v", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		log.Printf("ERROR: Invalid notify request: %v", err)
		writeJSON(w, http.StatusBadRequest, models.NotifyResponse{Success: false, Error: err.Error()})
		return
	}

	msg, err := f.messenger.ChannelMessageSendComplex(f.config.ChannelID, buildApprovalMessage(req))
	if err != nil {
		// Fail loudly, no retry. The file keeps its PENDING_RENAME marker
		// and will only be re-surfaced by a future external trigger.
		log.Printf("[File: %s] ERROR: Failed to send approval message: %v", req.FileID, err)
		writeJSON(w, http.StatusBadGateway, models.NotifyResponse{Success: false, Error: err.Error()})
		return
	}
	log.Printf("[File: %s] Approval message %s posted.", req.FileID, msg.ID)
	writeJSON(w, http.StatusOK, models.NotifyResponse{Success: true, MessageID: msg.ID})
}

// HandleInteraction receives signed Discord interactions: pings, button
// decisions and the manual slash command.
func (f *RelayFunction) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	if !f.verifySignature(r) {
		http.Error(w, "invalid request signature", http.StatusUnauthorized)
		return
	}

	var interaction discordgo.Interaction
	if err := json.NewDecoder(r.Body).Decode(&interaction); err != nil {
		log.Printf("ERROR: Could not decode interaction: %v", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	switch interaction.Type {
	case discordgo.InteractionPing:
		writeInteractionResponse(w, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionMessageComponent:
		f.handleDecision(r.Context(), w, &interaction)
	case discordgo.InteractionApplicationCommand:
		f.handleCommand(r.Context(), w, &interaction)
	default:
		http.Error(w, "unsupported interaction type", http.StatusBadRequest)
	}
}

// handleDecision dispatches an Approve or Reject button press. All commit
// fields are re-extracted from the rendered message itself, never from
// client-supplied input: the relay is stateless and the message is the only
// trustworthy carrier.
func (f *RelayFunction) handleDecision(ctx context.Context, w http.ResponseWriter, i *discordgo.Interaction) {
	customID := i.MessageComponentData().CustomID
	req, err := extractCommitRequest(i.Message)
	if err != nil {
		log.Printf("ERROR: Could not recover commit fields from message: %v", err)
		http.Error(w, "Bad Request: message fields missing", http.StatusBadRequest)
		return
	}

	switch customID {
	case rejectCustomID:
		// UI-terminal: actions disabled, marker left as-is unless the
		// manual-review policy is configured.
		writeInteractionResponse(w, updateMessageResponse(i.Message,
			"❌ Rejected. The file was left in place for manual filing.", colorWarning))
		if f.config.RejectPolicy == RejectPolicyManualReview {
			result, err := f.committer.Commit(ctx, models.CommitRequest{FileID: req.FileID, Action: models.ActionReject})
			if err != nil || !result.Success {
				log.Printf("[File: %s] WARNING: Failed to stamp manual-review marker on reject: %v %s", req.FileID, err, result.Message)
			}
		}

	case approveCustomID:
		// Disabling the buttons in this same response is what prevents a
		// second commit from repeated clicks on this message.
		writeInteractionResponse(w, updateMessageResponse(i.Message, "⏳ Filing the document...", colorWorking))
		flush(w)

		result, err := f.committer.Commit(ctx, req)
		if err != nil {
			result = models.CommitResult{Success: false, Message: err.Error()}
		}
		f.editDecisionOutcome(i, req, result)

	default:
		http.Error(w, "unknown component", http.StatusBadRequest)
	}
}

// editDecisionOutcome edits the original approval message to its final
// state. Silent failure is disallowed on this path, so a failed edit is at
// least logged with full context.
func (f *RelayFunction) editDecisionOutcome(i *discordgo.Interaction, req models.CommitRequest, result models.CommitResult) {
	var content string
	var color int
	if result.Success {
		content = fmt.Sprintf("✅ Filed as **%s** in **%s**.", req.NewFileName, req.FolderName)
		color = colorSuccess
	} else {
		content = fmt.Sprintf("⚠️ Commit failed, the file is still awaiting approval:\n```%s```", truncate(result.Message, maxErrorDisplay))
		color = colorFailure
	}

	embeds := recoloredEmbeds(i.Message, color)
	components := disabledDecisionButtons()
	edit := &discordgo.MessageEdit{
		ID:         i.Message.ID,
		Channel:    i.ChannelID,
		Content:    &content,
		Embeds:     &embeds,
		Components: &components,
	}
	if _, err := f.messenger.ChannelMessageEditComplex(edit); err != nil {
		log.Printf("[File: %s] ERROR: Failed to edit decision message %s: %v", req.FileID, i.Message.ID, err)
	}
}

// handleCommand handles the manual slash command (file-id, category,
// new-name): a power-user path straight to the committer, bypassing the
// scanner.
func (f *RelayFunction) handleCommand(ctx context.Context, w http.ResponseWriter, i *discordgo.Interaction) {
	req := models.CommitRequest{}
	for _, opt := range i.ApplicationCommandData().Options {
		switch opt.Name {
		case "file-id":
			req.FileID = opt.StringValue()
		case "category":
			req.FolderName = opt.StringValue()
		case "new-name":
			req.NewFileName = opt.StringValue()
		}
	}

	writeInteractionResponse(w, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	flush(w)

	result, err := f.committer.Commit(ctx, req)
	if err != nil {
		result = models.CommitResult{Success: false, Message: err.Error()}
	}
	var content string
	if result.Success {
		content = fmt.Sprintf("✅ Filed `%s` as **%s** in **%s**.", req.FileID, req.NewFileName, req.FolderName)
	} else {
		content = fmt.Sprintf("⚠️ Commit failed:\n```%s```", truncate(result.Message, maxErrorDisplay))
	}
	if _, err := f.messenger.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &content}); err != nil {
		log.Printf("[File: %s] ERROR: Failed to edit command response: %v", req.FileID, err)
	}
}

// buildApprovalMessage renders a notify request as an embed. The three
// round-trip fields and the file id footer are the machine-recoverable
// carrier for the later decision; a notification without a proposed name is
// informational only and gets no buttons.
func buildApprovalMessage(req models.NotifyRequest) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title:       req.Title,
		Description: req.Description,
		Color:       colorPending,
		Fields: []*discordgo.MessageEmbedField{
			{Name: fieldOriginalName, Value: req.FileName},
			{Name: fieldCategory, Value: req.Category},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: footerFileIDTag + req.FileID},
	}
	msg := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}

	if req.NewFileName == "" {
		embed.Color = colorWarning
		return msg
	}

	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: fieldNewName, Value: req.NewFileName})
	msg.Components = []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "承認", Style: discordgo.SuccessButton, CustomID: approveCustomID},
			discordgo.Button{Label: "却下", Style: discordgo.DangerButton, CustomID: rejectCustomID},
		}},
	}
	return msg
}

// extractCommitRequest recovers the commit fields from the rendered message.
func extractCommitRequest(msg *discordgo.Message) (models.CommitRequest, error) {
	if msg == nil || len(msg.Embeds) == 0 {
		return models.CommitRequest{}, fmt.Errorf("message carries no embed")
	}
	embed := msg.Embeds[0]

	req := models.CommitRequest{}
	for _, field := range embed.Fields {
		switch field.Name {
		case fieldCategory:
			req.FolderName = field.Value
		case fieldNewName:
			req.NewFileName = field.Value
		}
	}
	if embed.Footer != nil && strings.HasPrefix(embed.Footer.Text, footerFileIDTag) {
		req.FileID = strings.TrimPrefix(embed.Footer.Text, footerFileIDTag)
	}
	if req.FileID == "" || req.FolderName == "" || req.NewFileName == "" {
		return models.CommitRequest{}, fmt.Errorf("embed is missing commit fields")
	}
	return req, nil
}

// updateMessageResponse acknowledges a decision in place: status line,
// recolored embed, actions disabled.
func updateMessageResponse(msg *discordgo.Message, content string, color int) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Embeds:     recoloredEmbeds(msg, color),
			Components: disabledDecisionButtons(),
		},
	}
}

func recoloredEmbeds(msg *discordgo.Message, color int) []*discordgo.MessageEmbed {
	if msg == nil {
		return nil
	}
	embeds := make([]*discordgo.MessageEmbed, len(msg.Embeds))
	for n, e := range msg.Embeds {
		clone := *e
		clone.Color = color
		embeds[n] = &clone
	}
	return embeds
}

func disabledDecisionButtons() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "承認", Style: discordgo.SuccessButton, CustomID: approveCustomID, Disabled: true},
			discordgo.Button{Label: "却下", Style: discordgo.DangerButton, CustomID: rejectCustomID, Disabled: true},
		}},
	}
}

func writeInteractionResponse(w http.ResponseWriter, resp *discordgo.InteractionResponse) {
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ERROR: Failed to write response: %v", err)
	}
}

func flush(w http.ResponseWriter) {
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
