package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/hierarchy"
	"github.com/flumauricio/goliasbot-sub000/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	ctx := context.Background()

	switch interaction.Type {
	case discordgo.InteractionApplicationCommand:
		data := interaction.ApplicationCommandData()
		if interaction.GuildID == "" {
			b.respond(session, interaction, "Rank commands only work inside a server.", true)
			return
		}
		options := optionMap(data.Options)
		switch data.Name {
		case "ranks":
			b.handleRanks(ctx, session, interaction)
		case "rank-set":
			b.handleRankSet(ctx, session, interaction, options)
		case "rank-remove":
			b.handleRankRemove(ctx, session, interaction, options)
		case "rank-status":
			b.handleRankStatus(ctx, session, interaction, options)
		case "promote":
			b.handlePromote(ctx, session, interaction, options)
		case "demote":
			b.handleDemote(ctx, session, interaction, options)
		case "rank-check":
			b.handleRankCheck(session, interaction, options)
		case "rank-config":
			b.handleRankConfig(ctx, session, interaction, options)
		case "rank-limits":
			b.handleRankLimits(ctx, session, interaction)
		default:
			b.respond(session, interaction, "Unknown command.", true)
		}
	case discordgo.InteractionMessageComponent:
		b.handleComponent(ctx, session, interaction)
	}
}

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	byName := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		byName[opt.Name] = opt
	}
	return byName
}

// isModerator gates approval resolution: administrator permission or the
// configured moderator role.
func (b *Bot) isModerator(interaction *discordgo.InteractionCreate, settings storage.GuildSettings) bool {
	member := interaction.Member
	if member == nil {
		return false
	}
	if member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	if settings.ModeratorRoleID == "" {
		return false
	}
	for _, roleID := range member.Roles {
		if roleID == settings.ModeratorRoleID {
			return true
		}
	}
	return false
}

func (b *Bot) handleRanks(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	configs, err := b.repo.Configs(ctx, interaction.GuildID)
	if err != nil {
		b.respond(session, interaction, "Could not load the rank ladder.", true)
		return
	}
	if len(configs) == 0 {
		b.respond(session, interaction, "No ranks configured. Use /rank-set to create one.", true)
		return
	}

	lines := make([]string, 0, len(configs))
	for _, cfg := range configs {
		usage := ""
		if cfg.MaxVacancies > 0 {
			holders, err := b.RoleHolders(interaction.GuildID, cfg.RoleID)
			if err == nil {
				usage = fmt.Sprintf(" (%d/%d)", len(holders), cfg.MaxVacancies)
			} else {
				usage = fmt.Sprintf(" (?/%d)", cfg.MaxVacancies)
			}
		}
		flags := make([]string, 0, 2)
		if !cfg.AutoPromote {
			flags = append(flags, "manual")
		}
		if cfg.RequiresApproval {
			flags = append(flags, "approval")
		}
		suffix := ""
		if len(flags) > 0 {
			suffix = " [" + strings.Join(flags, ", ") + "]"
		}
		lines = append(lines, fmt.Sprintf("%d. <@&%s>%s%s", cfg.LevelOrder, cfg.RoleID, usage, suffix))
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Rank ladder",
		Description: strings.Join(lines, "\n"),
		Color:       b.cfg.Notifications.EmbedColors.Promotion,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	b.respondEmbed(session, interaction, embed, false)
}

func (b *Bot) handleRankSet(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	roleOpt, ok := options["role"]
	if !ok || roleOpt.RoleValue(session, interaction.GuildID) == nil {
		b.respond(session, interaction, "A role is required.", true)
		return
	}
	levelOpt, ok := options["level"]
	if !ok || levelOpt.IntValue() < 1 {
		b.respond(session, interaction, "Level must be 1 or higher.", true)
		return
	}

	role := roleOpt.RoleValue(session, interaction.GuildID)
	cfg := storage.RankConfig{
		GuildID:         interaction.GuildID,
		RoleID:          role.ID,
		AutoPromote:     true,
		VacancyPriority: "first_qualify",
	}
	if existing, err := b.repo.Config(ctx, interaction.GuildID, role.ID); err == nil && existing != nil {
		cfg = *existing
	}
	cfg.LevelOrder = int(levelOpt.IntValue())

	if opt, ok := options["vacancies"]; ok {
		cfg.MaxVacancies = int(opt.IntValue())
	}
	if opt, ok := options["auto_promote"]; ok {
		cfg.AutoPromote = opt.BoolValue()
	}
	if opt, ok := options["requires_approval"]; ok {
		cfg.RequiresApproval = opt.BoolValue()
	}
	if opt, ok := options["messages"]; ok {
		cfg.ReqMessages = opt.IntValue()
	}
	if opt, ok := options["voice_minutes"]; ok {
		cfg.ReqCallTimeSeconds = opt.IntValue() * 60
	}
	if opt, ok := options["reactions"]; ok {
		cfg.ReqReactions = opt.IntValue()
	}
	if opt, ok := options["min_days_server"]; ok {
		cfg.ReqMinDaysInServer = int(opt.IntValue())
	}
	if opt, ok := options["min_days_role"]; ok {
		cfg.ReqMinDaysInRole = int(opt.IntValue())
	}
	if opt, ok := options["prereq_role"]; ok {
		if prereq := opt.RoleValue(session, interaction.GuildID); prereq != nil {
			cfg.ReqOtherRoleIDs = []string{prereq.ID}
		}
	}
	if opt, ok := options["min_any"]; ok {
		cfg.ReqMinAny = int(opt.IntValue())
	}
	if opt, ok := options["expiry_days"]; ok {
		cfg.ExpiryDays = int(opt.IntValue())
	}
	if opt, ok := options["admin_rank"]; ok {
		cfg.IsAdminRank = opt.BoolValue()
	}

	if err := b.repo.SaveConfig(ctx, cfg); err != nil {
		b.logger.Warn("rank config save failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respond(session, interaction, "Saving the rank configuration failed.", true)
		return
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Role", Value: "<@&" + cfg.RoleID + ">", Inline: true},
		{Name: "Level", Value: strconv.Itoa(cfg.LevelOrder), Inline: true},
	}
	if cfg.MaxVacancies > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Vacancies", Value: strconv.Itoa(cfg.MaxVacancies), Inline: true})
	}

	color := b.cfg.Notifications.EmbedColors.Promotion
	description := "Rank configuration saved."
	if probe := hierarchy.Evaluate(cfg, hierarchy.Metrics{}); probe.Unreachable {
		color = b.cfg.Notifications.EmbedColors.Warning
		description = fmt.Sprintf("Rank configuration saved, but min_any (%d) exceeds the %d defined requirements. Nobody can qualify until this is fixed.", probe.Threshold, probe.Defined)
	}

	b.respondEmbed(session, interaction, &discordgo.MessageEmbed{
		Title:       "Rank updated",
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}, true)
}

func (b *Bot) handleRankRemove(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	roleOpt, ok := options["role"]
	if !ok || roleOpt.RoleValue(session, interaction.GuildID) == nil {
		b.respond(session, interaction, "A role is required.", true)
		return
	}
	role := roleOpt.RoleValue(session, interaction.GuildID)

	existing, err := b.repo.Config(ctx, interaction.GuildID, role.ID)
	if err != nil || existing == nil {
		b.respond(session, interaction, "That role has no rank configuration.", true)
		return
	}
	if err := b.repo.DeleteConfig(ctx, interaction.GuildID, role.ID); err != nil {
		b.respond(session, interaction, "Removing the rank configuration failed.", true)
		return
	}
	b.respond(session, interaction, fmt.Sprintf("Rank configuration for <@&%s> removed. Members keep the role; the scanner just ignores it.", role.ID), true)
}

func (b *Bot) handleRankStatus(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	userID := ""
	if opt, ok := options["user"]; ok {
		if user := opt.UserValue(session); user != nil {
			userID = user.ID
		}
	}
	if userID == "" && interaction.Member != nil && interaction.Member.User != nil {
		userID = interaction.Member.User.ID
	}
	if userID == "" {
		b.respond(session, interaction, "Could not resolve the target user.", true)
		return
	}

	report, err := b.engine.InspectUser(ctx, interaction.GuildID, userID)
	if err != nil {
		b.logger.Warn("rank status failed", zap.String("guild_id", interaction.GuildID), zap.String("user_id", userID), zap.Error(err))
		b.respond(session, interaction, "Could not compute rank status.", true)
		return
	}

	current := "unranked"
	if report.Status.CurrentRoleID != "" {
		current = "<@&" + report.Status.CurrentRoleID + ">"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: "<@" + userID + ">", Inline: true},
		{Name: "Current rank", Value: current, Inline: true},
	}
	if report.Status.PromotedAt != nil {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Promoted", Value: fmt.Sprintf("<t:%d:R>", report.Status.PromotedAt.Unix()), Inline: true})
	}
	if report.Status.PromotionCooldownUntil != nil && report.Status.PromotionCooldownUntil.After(time.Now()) {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Cooldown until", Value: fmt.Sprintf("<t:%d:R>", report.Status.PromotionCooldownUntil.Unix()), Inline: true})
	}
	if report.Status.IgnoreAutoPromoteUntil != nil && report.Status.IgnoreAutoPromoteUntil.After(time.Now()) {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Auto-promotion paused until", Value: fmt.Sprintf("<t:%d:R>", report.Status.IgnoreAutoPromoteUntil.Unix()), Inline: true})
	}

	if report.NextRoleID == "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Next rank", Value: "none (top of the ladder or off it)", Inline: false})
	} else {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Next rank", Value: "<@&" + report.NextRoleID + ">", Inline: false})
		if report.Eligibility != nil {
			fields = append(fields, &discordgo.MessageEmbedField{Name: "Progress", Value: report.Eligibility.Breakdown(), Inline: false})
		}
	}

	b.respondEmbed(session, interaction, &discordgo.MessageEmbed{
		Title:     "Rank status",
		Color:     b.cfg.Notifications.EmbedColors.Promotion,
		Timestamp: time.Now().Format(time.RFC3339),
		Fields:    fields,
	}, true)
}

func (b *Bot) handlePromote(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	userOpt, okUser := options["user"]
	roleOpt, okRole := options["role"]
	if !okUser || !okRole || userOpt.UserValue(session) == nil || roleOpt.RoleValue(session, interaction.GuildID) == nil {
		b.respond(session, interaction, "Both a user and a role are required.", true)
		return
	}
	user := userOpt.UserValue(session)
	role := roleOpt.RoleValue(session, interaction.GuildID)
	reason := ""
	if opt, ok := options["reason"]; ok {
		reason = opt.StringValue()
	}

	performedBy := ""
	if interaction.Member != nil && interaction.Member.User != nil {
		performedBy = interaction.Member.User.ID
	}

	err := b.engine.PromoteUser(ctx, interaction.GuildID, user.ID, role.ID, performedBy, reason)
	if err != nil {
		b.respond(session, interaction, promotionErrorMessage(err), true)
		return
	}
	b.respondEmbed(session, interaction, &discordgo.MessageEmbed{
		Title:       "Promotion",
		Description: fmt.Sprintf("<@%s> promoted to <@&%s>. Automatic cycles will skip them for %d days.", user.ID, role.ID, b.cfg.Hierarchy.ManualIgnoreDays),
		Color:       b.cfg.Notifications.EmbedColors.Promotion,
		Timestamp:   time.Now().Format(time.RFC3339),
	}, false)
}

func (b *Bot) handleDemote(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	userOpt, ok := options["user"]
	if !ok || userOpt.UserValue(session) == nil {
		b.respond(session, interaction, "A user is required.", true)
		return
	}
	user := userOpt.UserValue(session)

	targetRoleID := ""
	if opt, ok := options["role"]; ok {
		if role := opt.RoleValue(session, interaction.GuildID); role != nil {
			targetRoleID = role.ID
		}
	}
	reason := ""
	if opt, ok := options["reason"]; ok {
		reason = opt.StringValue()
	}
	performedBy := ""
	if interaction.Member != nil && interaction.Member.User != nil {
		performedBy = interaction.Member.User.ID
	}

	err := b.engine.DemoteUser(ctx, interaction.GuildID, user.ID, targetRoleID, performedBy, reason)
	if err != nil {
		b.respond(session, interaction, promotionErrorMessage(err), true)
		return
	}
	outcome := fmt.Sprintf("<@%s> demoted to <@&%s>.", user.ID, targetRoleID)
	if targetRoleID == "" {
		outcome = fmt.Sprintf("<@%s> removed from the ladder.", user.ID)
	}
	b.respondEmbed(session, interaction, &discordgo.MessageEmbed{
		Title:       "Demotion",
		Description: outcome,
		Color:       b.cfg.Notifications.EmbedColors.Warning,
		Timestamp:   time.Now().Format(time.RFC3339),
	}, false)
}

// handleRankCheck defers the reply because a full scan can take a while on
// large guilds.
func (b *Bot) handleRankCheck(session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	light := false
	if opt, ok := options["scope"]; ok && opt.StringValue() == "light" {
		light = true
	}

	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		return
	}

	guildID := interaction.GuildID
	go func() {
		summary, err := b.engine.CheckNow(context.Background(), guildID, light)
		if err != nil {
			_, _ = session.FollowupMessageCreate(interaction.Interaction, true, &discordgo.WebhookParams{
				Content: "Scan failed: " + err.Error(),
				Flags:   discordgo.MessageFlagsEphemeral,
			})
			return
		}
		scope := "full"
		if light {
			scope = "light"
		}
		embed := &discordgo.MessageEmbed{
			Title:     "Scan complete",
			Color:     b.cfg.Notifications.EmbedColors.Promotion,
			Timestamp: time.Now().Format(time.RFC3339),
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Scope", Value: scope, Inline: true},
				{Name: "Evaluated", Value: strconv.Itoa(summary.Evaluated), Inline: true},
				{Name: "Promoted", Value: strconv.Itoa(summary.Promoted), Inline: true},
				{Name: "Requested", Value: strconv.Itoa(summary.Requested), Inline: true},
				{Name: "Skipped", Value: strconv.Itoa(summary.Skipped), Inline: true},
				{Name: "Errors", Value: strconv.Itoa(summary.Errors), Inline: true},
			},
		}
		_, _ = session.FollowupMessageCreate(interaction.Interaction, true, &discordgo.WebhookParams{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		})
	}()
}

func (b *Bot) handleRankConfig(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	settings := b.guildSettings(ctx, interaction.GuildID)

	if len(options) == 0 {
		notSet := func(value, prefix string) string {
			if value == "" {
				return "not set"
			}
			return prefix + value + ">"
		}
		fields := []*discordgo.MessageEmbedField{
			{Name: "Log channel", Value: notSet(settings.RankLogChannel, "<#"), Inline: true},
			{Name: "Approval channel", Value: notSet(settings.ApprovalChannel, "<#"), Inline: true},
			{Name: "Moderator role", Value: notSet(settings.ModeratorRoleID, "<@&"), Inline: true},
			{Name: "Scan interval", Value: fmt.Sprintf("%dh", settings.CheckIntervalHours), Inline: true},
			{Name: "Light scan", Value: strconv.FormatBool(settings.LightScan), Inline: true},
		}
		b.respondEmbed(session, interaction, &discordgo.MessageEmbed{
			Title:     "Rank settings",
			Color:     b.cfg.Notifications.EmbedColors.Promotion,
			Timestamp: time.Now().Format(time.RFC3339),
			Fields:    fields,
		}, true)
		return
	}

	if opt, ok := options["log_channel"]; ok {
		if channel := opt.ChannelValue(session); channel != nil {
			settings.RankLogChannel = channel.ID
		}
	}
	if opt, ok := options["approval_channel"]; ok {
		if channel := opt.ChannelValue(session); channel != nil {
			settings.ApprovalChannel = channel.ID
		}
	}
	if opt, ok := options["moderator_role"]; ok {
		if role := opt.RoleValue(session, interaction.GuildID); role != nil {
			settings.ModeratorRoleID = role.ID
		}
	}
	if opt, ok := options["interval_hours"]; ok {
		hours := int(opt.IntValue())
		if hours < 1 {
			hours = 1
		}
		if hours > 168 {
			hours = 168
		}
		settings.CheckIntervalHours = hours
	}
	if opt, ok := options["light_scan"]; ok {
		settings.LightScan = opt.BoolValue()
	}

	if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
		b.respond(session, interaction, "Saving guild settings failed.", true)
		return
	}
	b.respond(session, interaction, "Rank settings updated.", true)
}

func (b *Bot) handleRankLimits(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	actions := []string{hierarchy.ActionRoleEdit, hierarchy.ActionRoleCreate, hierarchy.ActionPermissionEdit}
	fields := make([]*discordgo.MessageEmbedField, 0, len(actions)+1)
	for _, action := range actions {
		_, count, remaining, err := b.limiter.CanPerform(ctx, interaction.GuildID, action)
		if err != nil {
			b.respond(session, interaction, "Could not read quota usage.", true)
			return
		}
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   action,
			Value:  fmt.Sprintf("%d used, %d remaining", count, remaining),
			Inline: true,
		})
	}
	if delay, err := b.limiter.AdaptiveDelay(ctx, interaction.GuildID, hierarchy.ActionRoleEdit); err == nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Current pacing",
			Value:  delay.String() + " between role mutations",
			Inline: false,
		})
	}

	b.respondEmbed(session, interaction, &discordgo.MessageEmbed{
		Title:       "Role mutation quota",
		Description: fmt.Sprintf("Rolling %dh window, %d actions per type.", b.cfg.RateLimit.WindowHours, b.cfg.RateLimit.MaxActions),
		Color:       b.cfg.Notifications.EmbedColors.Promotion,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}, true)
}

// handleComponent resolves approval button clicks. The custom ID carries the
// request ID so resolution works across restarts without any in-memory state.
func (b *Bot) handleComponent(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	data := interaction.MessageComponentData()
	parts := strings.Split(data.CustomID, ":")
	if len(parts) != 3 || parts[0] != "rank" {
		return
	}
	action := parts[1]
	requestID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return
	}

	settings := b.guildSettings(ctx, interaction.GuildID)
	if !b.isModerator(interaction, settings) {
		b.respond(session, interaction, "Only moderators can resolve promotion requests.", true)
		return
	}

	moderatorID := ""
	if interaction.Member != nil && interaction.Member.User != nil {
		moderatorID = interaction.Member.User.ID
	}

	var resolveErr error
	resolution := storage.RequestApproved
	switch action {
	case "approve":
		resolveErr = b.engine.ApproveRequest(ctx, requestID, moderatorID)
	case "reject":
		resolution = storage.RequestRejected
		resolveErr = b.engine.RejectRequest(ctx, requestID, moderatorID, "")
	default:
		return
	}

	if resolveErr != nil {
		switch {
		case errors.Is(resolveErr, hierarchy.ErrAlreadyResolved):
			b.respond(session, interaction, "This request was already resolved.", true)
		case errors.Is(resolveErr, hierarchy.ErrRequestNotFound):
			b.respond(session, interaction, "This request no longer exists.", true)
		case errors.Is(resolveErr, hierarchy.ErrRankRoleMissing):
			b.editResolvedPrompt(session, interaction, requestID, storage.RequestRejected, moderatorID)
		default:
			b.logger.Warn("request resolution failed", zap.Int64("request_id", requestID), zap.Error(resolveErr))
			b.respond(session, interaction, promotionErrorMessage(resolveErr), true)
		}
		return
	}

	b.editResolvedPrompt(session, interaction, requestID, resolution, moderatorID)
}

// editResolvedPrompt rewrites the original prompt in place with the outcome
// and strips the buttons.
func (b *Bot) editResolvedPrompt(session *discordgo.Session, interaction *discordgo.InteractionCreate, requestID int64, resolution, moderatorID string) {
	req, err := b.engine.Request(context.Background(), requestID)
	if err != nil || req == nil {
		b.respond(session, interaction, "Request resolved.", true)
		return
	}
	embed := b.approvalEmbed(*req, req.Reason, resolution, moderatorID)
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: []discordgo.MessageComponent{},
		},
	})
}

func promotionErrorMessage(err error) string {
	switch {
	case errors.Is(err, hierarchy.ErrRankNotConfigured):
		return "That role is not a configured rank."
	case errors.Is(err, hierarchy.ErrRankRoleMissing):
		return "The configured role no longer exists on this server."
	case errors.Is(err, hierarchy.ErrMemberNotFound):
		return "That member is not on the rank ladder."
	case errors.Is(err, hierarchy.ErrNoVacancy):
		return "The target rank has no open vacancies."
	case errors.Is(err, hierarchy.ErrRateLimited):
		return "The role mutation quota is exhausted. Try again later."
	case errors.Is(err, hierarchy.ErrInsufficientStanding):
		return "The bot cannot manage that role. Check role positions and permissions."
	case errors.Is(err, hierarchy.ErrAlreadyResolved):
		return "This request was already resolved."
	default:
		return "The operation failed: " + err.Error()
	}
}
