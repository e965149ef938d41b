package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/analytics"
	"github.com/flumauricio/goliasbot-sub000/internal/config"
	"github.com/flumauricio/goliasbot-sub000/internal/hierarchy"
	"github.com/flumauricio/goliasbot-sub000/internal/modules/audit"
	"github.com/flumauricio/goliasbot-sub000/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Bot struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *storage.Store
	repo    *hierarchy.Repository
	limiter *hierarchy.RateLimiter
	metrics *analytics.Service
	cache   *hierarchy.Cache
	audit   *audit.Logger
	engine  *hierarchy.Engine
	session *discordgo.Session

	runCtx context.Context

	voiceMu    sync.Mutex
	voiceJoins map[string]time.Time

	logAggMu sync.Mutex
	logAgg   map[string]*logAggregate

	maintStop chan struct{}
}

type logAggregate struct {
	channelID string
	messageID string
	count     int
	lastAt    time.Time
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, repo *hierarchy.Repository, cache *hierarchy.Cache, limiter *hierarchy.RateLimiter, metricsSvc *analytics.Service, auditLogger *audit.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildVoiceStates

	b := &Bot{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		repo:       repo,
		limiter:    limiter,
		metrics:    metricsSvc,
		cache:      cache,
		audit:      auditLogger,
		session:    session,
		voiceJoins: make(map[string]time.Time),
		logAgg:     make(map[string]*logAggregate),
		maintStop:  make(chan struct{}),
	}

	// The bot is both the live directory the engine evaluates against and
	// the notifier it sends prompts and DMs through.
	b.engine = hierarchy.NewEngine(cfg.Hierarchy, repo, store, metricsSvc, b, b, limiter, auditLogger, logger)

	if b.audit != nil {
		b.audit.SetNotifier(func(ctx context.Context, entry storage.AuditLog) {
			if !b.cfg.Notifications.OperatorLog {
				return
			}
			b.notifyAudit(ctx, entry)
		})
	}

	return b, nil
}

func (b *Bot) Engine() *hierarchy.Engine {
	return b.engine
}

func (b *Bot) Start(ctx context.Context) error {
	b.runCtx = ctx

	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onGuildDelete)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onReactionAdd)
	b.session.AddHandler(b.onVoiceStateUpdate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	if err := b.registerCommands(); err != nil {
		return err
	}

	b.startMaintenance()

	return nil
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	close(b.maintStop)
	b.flushVoiceSessions()
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username))
}

func (b *Bot) onGuildCreate(session *discordgo.Session, event *discordgo.GuildCreate) {
	if event.Guild == nil || event.Guild.ID == "" {
		return
	}
	_ = session
	if b.runCtx != nil {
		b.engine.StartGuild(b.runCtx, event.Guild.ID)
	}
}

func (b *Bot) onGuildDelete(session *discordgo.Session, event *discordgo.GuildDelete) {
	if event.Guild == nil || event.Guild.ID == "" {
		return
	}
	_ = session
	b.engine.StopGuild(event.Guild.ID)
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	if msg.GuildID == "" {
		return
	}
	_ = session
	ctx := context.Background()
	if err := b.store.RecordMessage(ctx, msg.GuildID, msg.Author.ID, time.Now()); err != nil {
		b.logger.Warn("recording message failed", zap.String("guild_id", msg.GuildID), zap.Error(err))
	}
}

func (b *Bot) onReactionAdd(session *discordgo.Session, event *discordgo.MessageReactionAdd) {
	if event.GuildID == "" || event.UserID == "" {
		return
	}
	if event.Member != nil && event.Member.User != nil && event.Member.User.Bot {
		return
	}
	ctx := context.Background()
	if err := b.store.RecordReactionGiven(ctx, event.GuildID, event.UserID, time.Now()); err != nil {
		b.logger.Warn("recording reaction failed", zap.String("guild_id", event.GuildID), zap.Error(err))
	}

	author := b.messageAuthor(session, event.ChannelID, event.MessageID)
	if author == nil || author.Bot || author.ID == event.UserID {
		return
	}
	_ = b.store.RecordReactionReceived(ctx, event.GuildID, author.ID)
}

func (b *Bot) messageAuthor(session *discordgo.Session, channelID, messageID string) *discordgo.User {
	if msg, err := session.State.Message(channelID, messageID); err == nil && msg != nil {
		return msg.Author
	}
	msg, err := session.ChannelMessage(channelID, messageID)
	if err != nil || msg == nil {
		return nil
	}
	return msg.Author
}

// onVoiceStateUpdate accumulates connected time per member. A session opens
// when a user appears in any channel and closes when they leave; the elapsed
// seconds land in the durable counter the evaluator reads.
func (b *Bot) onVoiceStateUpdate(session *discordgo.Session, event *discordgo.VoiceStateUpdate) {
	if event.GuildID == "" || event.UserID == "" {
		return
	}
	_ = session
	ctx := context.Background()
	key := event.GuildID + ":" + event.UserID

	if event.ChannelID != "" {
		b.voiceMu.Lock()
		if _, active := b.voiceJoins[key]; !active {
			b.voiceJoins[key] = time.Now()
		}
		b.voiceMu.Unlock()
		_ = b.store.TouchActivity(ctx, event.GuildID, event.UserID, time.Now())
		return
	}

	b.voiceMu.Lock()
	joined, active := b.voiceJoins[key]
	if active {
		delete(b.voiceJoins, key)
	}
	b.voiceMu.Unlock()
	if !active {
		return
	}
	seconds := int64(time.Since(joined).Seconds())
	if err := b.store.AddVoiceSeconds(ctx, event.GuildID, event.UserID, seconds); err != nil {
		b.logger.Warn("recording voice time failed", zap.String("guild_id", event.GuildID), zap.Error(err))
	}
}

// flushVoiceSessions closes any open voice sessions at shutdown so connected
// time is not lost across restarts.
func (b *Bot) flushVoiceSessions() {
	b.voiceMu.Lock()
	open := b.voiceJoins
	b.voiceJoins = make(map[string]time.Time)
	b.voiceMu.Unlock()

	ctx := context.Background()
	for key, joined := range open {
		guildID, userID, ok := splitKey(key)
		if !ok {
			continue
		}
		seconds := int64(time.Since(joined).Seconds())
		_ = b.store.AddVoiceSeconds(ctx, guildID, userID, seconds)
	}
}

func splitKey(key string) (string, string, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// Guilds implements hierarchy.Directory.
func (b *Bot) Guilds() []string {
	if b.session == nil || b.session.State == nil {
		return nil
	}
	ids := make([]string, 0, len(b.session.State.Guilds))
	for _, guild := range b.session.State.Guilds {
		if guild == nil {
			continue
		}
		ids = append(ids, guild.ID)
	}
	sort.Strings(ids)
	return ids
}

func (b *Bot) RoleExists(guildID, roleID string) bool {
	if role, err := b.session.State.Role(guildID, roleID); err == nil && role != nil {
		return true
	}
	roles, err := b.session.GuildRoles(guildID)
	if err != nil {
		return false
	}
	for _, role := range roles {
		if role.ID == roleID {
			return true
		}
	}
	return false
}

func (b *Bot) MemberRoles(guildID, userID string) ([]string, error) {
	member := b.memberForUser(guildID, userID)
	if member == nil {
		return nil, fmt.Errorf("member %s not found in guild %s", userID, guildID)
	}
	return member.Roles, nil
}

func (b *Bot) MemberJoinedAt(guildID, userID string) (time.Time, error) {
	member := b.memberForUser(guildID, userID)
	if member == nil {
		return time.Time{}, fmt.Errorf("member %s not found in guild %s", userID, guildID)
	}
	return member.JoinedAt, nil
}

func (b *Bot) RoleHolders(guildID, roleID string) ([]string, error) {
	members, err := b.guildMembers(guildID)
	if err != nil {
		return nil, err
	}
	var holders []string
	for _, member := range members {
		if member == nil || member.User == nil || member.User.Bot {
			continue
		}
		for _, id := range member.Roles {
			if id == roleID {
				holders = append(holders, member.User.ID)
				break
			}
		}
	}
	sort.Strings(holders)
	return holders, nil
}

// guildMembers reads from state when the member list is complete and falls
// back to paginated API fetches otherwise.
func (b *Bot) guildMembers(guildID string) ([]*discordgo.Member, error) {
	guild, err := b.session.State.Guild(guildID)
	if err == nil && guild != nil && guild.MemberCount > 0 && len(guild.Members) >= guild.MemberCount {
		return guild.Members, nil
	}

	var members []*discordgo.Member
	after := ""
	for {
		page, err := b.session.GuildMembers(guildID, after, 1000)
		if err != nil {
			return nil, err
		}
		members = append(members, page...)
		if len(page) < 1000 {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (b *Bot) AddRole(guildID, userID, roleID string) error {
	return b.session.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (b *Bot) RemoveRole(guildID, userID, roleID string) error {
	return b.session.GuildMemberRoleRemove(guildID, userID, roleID)
}

// CanManage checks whether the bot's highest role sits above the target role
// and the bot holds manage-roles permission in the guild.
func (b *Bot) CanManage(guildID, roleID string) (bool, string) {
	guild, err := b.session.State.Guild(guildID)
	if err != nil || guild == nil {
		guild, err = b.session.Guild(guildID)
		if err != nil || guild == nil {
			return false, "guild not available"
		}
	}

	self := b.memberForUser(guildID, b.session.State.User.ID)
	if self == nil {
		return false, "bot member not available"
	}

	roleMap := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, role := range guild.Roles {
		roleMap[role.ID] = role
	}

	target := roleMap[roleID]
	if target == nil {
		return false, "target role not found"
	}

	var perms int64
	topPosition := -1
	if base := roleMap[guild.ID]; base != nil {
		perms |= base.Permissions
	}
	for _, id := range self.Roles {
		role := roleMap[id]
		if role == nil {
			continue
		}
		perms |= role.Permissions
		if role.Position > topPosition {
			topPosition = role.Position
		}
	}

	if perms&discordgo.PermissionAdministrator == 0 && perms&discordgo.PermissionManageRoles == 0 {
		return false, "missing manage roles permission"
	}
	if topPosition <= target.Position {
		return false, fmt.Sprintf("bot role position %d is not above target position %d", topPosition, target.Position)
	}
	return true, ""
}

func (b *Bot) memberForUser(guildID, userID string) *discordgo.Member {
	member, err := b.session.State.Member(guildID, userID)
	if err == nil && member != nil {
		return member
	}
	member, _ = b.session.GuildMember(guildID, userID)
	return member
}

// ApprovalPrompt implements hierarchy.Notifier. The custom IDs are stable so
// button clicks keep working after a restart.
func (b *Bot) ApprovalPrompt(ctx context.Context, req storage.PromotionRequest, breakdown string) (string, error) {
	settings := b.guildSettings(ctx, req.GuildID)
	channelID := settings.ApprovalChannel
	if channelID == "" {
		channelID = settings.RankLogChannel
	}
	if channelID == "" {
		channelID = b.cfg.DefaultLogChannel
	}
	if channelID == "" {
		return "", fmt.Errorf("no approval channel configured for guild %s", req.GuildID)
	}

	embed := b.approvalEmbed(req, breakdown, "", "")
	msg, err := b.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Approve",
						Style:    discordgo.SuccessButton,
						CustomID: fmt.Sprintf("rank:approve:%d", req.ID),
					},
					discordgo.Button{
						Label:    "Reject",
						Style:    discordgo.DangerButton,
						CustomID: fmt.Sprintf("rank:reject:%d", req.ID),
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (b *Bot) Congratulate(ctx context.Context, guildID, userID, roleID string) error {
	_ = ctx
	if !b.cfg.Notifications.DMOnPromotion {
		return nil
	}
	channel, err := b.session.UserChannelCreate(userID)
	if err != nil {
		return err
	}
	guildName := guildID
	if guild, err := b.session.State.Guild(guildID); err == nil && guild != nil && guild.Name != "" {
		guildName = guild.Name
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Promotion",
		Description: fmt.Sprintf("You have been promoted in %s.", guildName),
		Color:       b.cfg.Notifications.EmbedColors.Promotion,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Rank", Value: "<@&" + roleID + ">", Inline: true},
		},
	}
	_, err = b.session.ChannelMessageSendEmbed(channel.ID, embed)
	return err
}

func (b *Bot) approvalEmbed(req storage.PromotionRequest, breakdown, resolution, moderatorID string) *discordgo.MessageEmbed {
	current := "unranked"
	if req.CurrentRoleID != "" {
		current = "<@&" + req.CurrentRoleID + ">"
	}
	color := b.cfg.Notifications.EmbedColors.Warning
	description := "A member qualified for a rank that requires approval."
	switch resolution {
	case storage.RequestApproved:
		color = b.cfg.Notifications.EmbedColors.Promotion
		description = "Request approved."
	case storage.RequestRejected:
		color = b.cfg.Notifications.EmbedColors.Error
		description = "Request rejected."
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: "<@" + req.UserID + ">", Inline: true},
		{Name: "Current", Value: current, Inline: true},
		{Name: "Target", Value: "<@&" + req.TargetRoleID + ">", Inline: true},
	}
	if breakdown != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Requirements", Value: breakdown, Inline: false})
	}
	if moderatorID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Resolved by", Value: "<@" + moderatorID + ">", Inline: true})
	}

	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Promotion request #%d", req.ID),
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}

// notifyAudit mirrors audit entries into the guild's rank log channel,
// collapsing repeats of the same entry into one edited message.
func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	settings := b.guildSettings(ctx, entry.GuildID)
	channelID := settings.RankLogChannel
	if channelID == "" {
		channelID = b.cfg.DefaultLogChannel
	}
	if channelID == "" {
		return
	}

	key := entry.GuildID + "|" + entry.Level + "|" + entry.Event + "|" + entry.Details + "|" + entry.UserID
	window := 10 * time.Minute

	b.logAggMu.Lock()
	agg := b.logAgg[key]
	if agg != nil && agg.channelID == channelID && time.Since(agg.lastAt) <= window {
		agg.count++
		agg.lastAt = time.Now()
		count := agg.count
		messageID := agg.messageID
		b.logAggMu.Unlock()
		embed := b.auditEmbed(entry, count)
		if _, err := b.session.ChannelMessageEditEmbed(channelID, messageID, embed); err == nil {
			return
		}
		// The aggregated message is gone or unreachable, fall through
		// and start a fresh one.
		b.logAggMu.Lock()
		delete(b.logAgg, key)
	}
	b.logAggMu.Unlock()

	embed := b.auditEmbed(entry, 1)
	msg, err := b.session.ChannelMessageSendEmbed(channelID, embed)
	if err != nil || msg == nil {
		return
	}
	b.logAggMu.Lock()
	b.logAgg[key] = &logAggregate{channelID: channelID, messageID: msg.ID, count: 1, lastAt: time.Now()}
	b.logAggMu.Unlock()
}

func (b *Bot) auditEmbed(entry storage.AuditLog, count int) *discordgo.MessageEmbed {
	userValue := "system"
	if entry.UserID != "" {
		userValue = "<@" + entry.UserID + ">"
	}
	color := b.cfg.Notifications.EmbedColors.Promotion
	switch entry.Level {
	case audit.LevelWarn:
		color = b.cfg.Notifications.EmbedColors.Warning
	case audit.LevelCrit:
		color = b.cfg.Notifications.EmbedColors.Error
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Event", Value: entry.Event, Inline: true},
		{Name: "Level", Value: entry.Level, Inline: true},
		{Name: "User", Value: userValue, Inline: true},
	}
	if count > 1 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Count", Value: fmt.Sprintf("%d", count), Inline: true})
	}
	if entry.Details != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Details", Value: entry.Details, Inline: false})
	}
	return &discordgo.MessageEmbed{
		Title:     "Rank system",
		Color:     color,
		Timestamp: entry.CreatedAt.Format(time.RFC3339),
		Fields:    fields,
	}
}

// startMaintenance sweeps caches and prunes aged rows on a fixed cadence.
func (b *Bot) startMaintenance() {
	minutes := b.cfg.Cache.SweepMinutes
	if minutes <= 0 {
		minutes = 5
	}
	go func() {
		ticker := time.NewTicker(time.Duration(minutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-b.maintStop:
				return
			case <-ticker.C:
			}
			ctx := context.Background()
			removed := b.cache.CleanupExpired()
			remaining := b.metrics.SweepExpired()
			window := time.Duration(b.cfg.RateLimit.WindowHours) * time.Hour
			_ = b.store.CleanupActions(ctx, time.Now().Add(-2*window))
			_ = b.store.CleanupAuditLogs(ctx, 90)
			b.logger.Debug("maintenance sweep",
				zap.Int("cache_removed", removed),
				zap.Int("metrics_remaining", remaining),
			)
		}
	}()
}

func (b *Bot) guildSettings(ctx context.Context, guildID string) storage.GuildSettings {
	defaults := storage.GuildSettings{
		GuildID:            guildID,
		RankLogChannel:     b.cfg.DefaultLogChannel,
		CheckIntervalHours: b.cfg.Hierarchy.ScanIntervalMinutes / 60,
	}
	if defaults.CheckIntervalHours < 1 {
		defaults.CheckIntervalHours = 1
	}

	settings, err := b.store.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		b.logger.Warn("guild settings fallback", zap.Error(err))
		return defaults
	}
	return settings
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", ephemeral)
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}
