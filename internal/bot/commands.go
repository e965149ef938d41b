package bot

import "github.com/bwmarrin/discordgo"

func (b *Bot) registerCommands() error {
	manageGuild := int64(discordgo.PermissionManageServer)

	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "ranks",
			Description: "Show the rank ladder and vacancy usage",
		},
		{
			Name:                     "rank-set",
			Description:              "Create or update a rank configuration",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        "role",
					Description: "role the rank is bound to",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "level",
					Description: "ladder position (1 = top)",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "vacancies",
					Description: "maximum holders (0 = unlimited)",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "auto_promote",
					Description: "let the scanner promote into this rank",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "requires_approval",
					Description: "require moderator approval",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "messages",
					Description: "required message count",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "voice_minutes",
					Description: "required voice minutes",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "reactions",
					Description: "required reaction count",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "min_days_server",
					Description: "required days in the server",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "min_days_role",
					Description: "required days in the current rank",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        "prereq_role",
					Description: "role the member must already hold",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "min_any",
					Description: "how many requirements must be met (0 = all)",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "expiry_days",
					Description: "days until the rank expires (0 = never)",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "admin_rank",
					Description: "mark as an administrative rank",
					Required:    false,
				},
			},
		},
		{
			Name:                     "rank-remove",
			Description:              "Remove a rank configuration",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        "role",
					Description: "configured rank role",
					Required:    true,
				},
			},
		},
		{
			Name:        "rank-status",
			Description: "Show rank standing and progress toward the next rank",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "member to inspect (defaults to you)",
					Required:    false,
				},
			},
		},
		{
			Name:                     "promote",
			Description:              "Manually promote a member to a configured rank",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "member to promote",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        "role",
					Description: "target rank role",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "reason recorded in history",
					Required:    false,
				},
			},
		},
		{
			Name:                     "demote",
			Description:              "Manually demote a member",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "member to demote",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        "role",
					Description: "rank to demote to (omit to clear)",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "reason recorded in history",
					Required:    false,
				},
			},
		},
		{
			Name:                     "rank-check",
			Description:              "Run a promotion scan now",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "scope",
					Description: "full or light (recently active only)",
					Required:    false,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "full", Value: "full"},
						{Name: "light", Value: "light"},
					},
				},
			},
		},
		{
			Name:                     "rank-config",
			Description:              "View or change guild rank settings",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionChannel,
					Name:        "log_channel",
					Description: "channel for rank system diagnostics",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionChannel,
					Name:        "approval_channel",
					Description: "channel for approval prompts",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        "moderator_role",
					Description: "role allowed to resolve approval requests",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "interval_hours",
					Description: "hours between automatic scans (1-168)",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "light_scan",
					Description: "only evaluate recently active members",
					Required:    false,
				},
			},
		},
		{
			Name:                     "rank-limits",
			Description:              "Show role mutation quota usage",
			DefaultMemberPermissions: &manageGuild,
		},
	}

	appID := b.session.State.User.ID
	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		for _, cmd := range commands {
			if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
				return err
			}
		}
		return nil
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}

	for _, guild := range b.session.State.Guilds {
		if guild == nil {
			continue
		}
		guildID := guild.ID
		guildCmds, err := b.session.ApplicationCommands(appID, guildID)
		if err != nil {
			continue
		}
		for _, cmd := range guildCmds {
			if _, ok := desired[cmd.Name]; ok {
				continue
			}
			_ = b.session.ApplicationCommandDelete(appID, guildID, cmd.ID)
		}
	}
	return nil
}
