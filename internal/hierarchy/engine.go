package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/analytics"
	"github.com/flumauricio/goliasbot-sub000/internal/config"
	"github.com/flumauricio/goliasbot-sub000/internal/modules/audit"
	"github.com/flumauricio/goliasbot-sub000/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrAlreadyResolved      = errors.New("promotion request already resolved")
	ErrRequestNotFound      = errors.New("promotion request not found")
	ErrRankNotConfigured    = errors.New("rank not configured")
	ErrRankRoleMissing      = errors.New("rank role no longer exists")
	ErrInsufficientStanding = errors.New("insufficient standing to manage role")
	ErrRateLimited          = errors.New("role action quota exhausted")
	ErrNoVacancy            = errors.New("no vacancy available")
	ErrMemberNotFound       = errors.New("member not found")
)

// Directory is the live guild/role view the engine evaluates against. The
// production implementation sits on the Discord session; tests use fakes.
type Directory interface {
	Guilds() []string
	RoleExists(guildID, roleID string) bool
	MemberRoles(guildID, userID string) ([]string, error)
	RoleHolders(guildID, roleID string) ([]string, error)
	MemberJoinedAt(guildID, userID string) (time.Time, error)
	AddRole(guildID, userID, roleID string) error
	RemoveRole(guildID, userID, roleID string) error
	CanManage(guildID, roleID string) (bool, string)
}

// Notifier renders user-facing output: approval prompts and promotion DMs.
// Both are best-effort from the engine's point of view.
type Notifier interface {
	ApprovalPrompt(ctx context.Context, req storage.PromotionRequest, breakdown string) (messageID string, err error)
	Congratulate(ctx context.Context, guildID, userID, roleID string) error
}

type ResyncResult int

const (
	ResyncUnchanged ResyncResult = iota
	ResyncAdopted
	ResyncCleared
)

type ScanSummary struct {
	Evaluated      int
	Promoted       int
	Requested      int
	Skipped        int
	Errors         int
	DroppedConfigs []string
}

type Engine struct {
	cfg     config.HierarchyConfig
	repo    *Repository
	store   *storage.Store
	metrics *analytics.Service
	dir     Directory
	notify  Notifier
	limiter *RateLimiter
	audit   *audit.Logger
	logger  *zap.Logger
	clock   Clock
	sleep   func(context.Context, time.Duration)

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup

	vacancyMu    sync.Mutex
	vacancyLocks map[string]*sync.Mutex
}

func NewEngine(
	cfg config.HierarchyConfig,
	repo *Repository,
	store *storage.Store,
	metrics *analytics.Service,
	dir Directory,
	notify Notifier,
	limiter *RateLimiter,
	auditLog *audit.Logger,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:          cfg,
		repo:         repo,
		store:        store,
		metrics:      metrics,
		dir:          dir,
		notify:       notify,
		limiter:      limiter,
		audit:        auditLog,
		logger:       logger,
		clock:        realClock{},
		sleep:        sleepCtx,
		loops:        make(map[string]context.CancelFunc),
		vacancyLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Start launches one independent scan loop per known guild.
func (e *Engine) Start(ctx context.Context) {
	for _, guildID := range e.dir.Guilds() {
		e.StartGuild(ctx, guildID)
	}
}

func (e *Engine) StartGuild(parent context.Context, guildID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.loops[guildID]; running {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	e.loops[guildID] = cancel
	e.wg.Add(1)
	go e.runLoop(ctx, guildID)
}

func (e *Engine) StopGuild(guildID string) {
	e.mu.Lock()
	cancel := e.loops[guildID]
	delete(e.loops, guildID)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) Stop() {
	e.mu.Lock()
	for guildID, cancel := range e.loops {
		cancel()
		delete(e.loops, guildID)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) runLoop(ctx context.Context, guildID string) {
	defer e.wg.Done()
	for {
		interval, light := e.guildSchedule(ctx, guildID)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		summary, err := e.CheckNow(ctx, guildID, light)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.logger.Warn("scan cycle failed", zap.String("guild_id", guildID), zap.Error(err))
			continue
		}
		e.logger.Info("scan cycle complete",
			zap.String("guild_id", guildID),
			zap.Int("evaluated", summary.Evaluated),
			zap.Int("promoted", summary.Promoted),
			zap.Int("requested", summary.Requested),
			zap.Int("skipped", summary.Skipped),
			zap.Int("errors", summary.Errors),
		)
	}
}

func (e *Engine) guildSchedule(ctx context.Context, guildID string) (time.Duration, bool) {
	defaults := storage.GuildSettings{CheckIntervalHours: e.defaultIntervalHours()}
	settings, err := e.store.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		return time.Duration(defaults.CheckIntervalHours) * time.Hour, false
	}
	hours := settings.CheckIntervalHours
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}
	return time.Duration(hours) * time.Hour, settings.LightScan
}

func (e *Engine) defaultIntervalHours() int {
	hours := e.cfg.ScanIntervalMinutes / 60
	if hours < 1 {
		hours = 1
	}
	return hours
}

// CheckNow runs one full scan cycle for a guild. Light cycles only consider
// recently active users.
func (e *Engine) CheckNow(ctx context.Context, guildID string, light bool) (ScanSummary, error) {
	var summary ScanSummary
	var summaryMu sync.Mutex

	configs, err := e.validConfigs(ctx, guildID, &summary)
	if err != nil {
		return summary, err
	}
	if len(configs) == 0 {
		return summary, nil
	}

	candidates, err := e.candidateUsers(ctx, guildID, configs, light)
	if err != nil {
		return summary, err
	}

	byRole := make(map[string]storage.RankConfig, len(configs))
	for _, cfg := range configs {
		byRole[cfg.RoleID] = cfg
	}

	sem := make(chan struct{}, e.cfg.ScanConcurrency)
	batchSize := e.cfg.ScanBatchSize

	for start := 0; start < len(candidates); start += batchSize {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		var wg sync.WaitGroup
		for _, userID := range candidates[start:end] {
			wg.Add(1)
			sem <- struct{}{}
			go func(userID string) {
				defer wg.Done()
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("evaluation panic",
							zap.String("guild_id", guildID),
							zap.String("user_id", userID),
							zap.Any("panic", r),
						)
						summaryMu.Lock()
						summary.Errors++
						summaryMu.Unlock()
					}
				}()

				outcome := e.evaluateUser(ctx, guildID, userID, configs, byRole)
				summaryMu.Lock()
				summary.Evaluated++
				switch outcome.kind {
				case outcomePromoted:
					summary.Promoted++
				case outcomeRequested:
					summary.Requested++
				case outcomeError:
					summary.Errors++
				default:
					summary.Skipped++
				}
				summaryMu.Unlock()
			}(userID)
		}
		wg.Wait()

		e.metrics.SweepExpired()
		if end < len(candidates) {
			e.sleep(ctx, time.Second)
		}
	}

	if e.audit != nil {
		e.audit.Log(ctx, audit.LevelInfo, guildID, "", audit.EventScanSummary,
			fmt.Sprintf("evaluated=%d promoted=%d requested=%d skipped=%d errors=%d",
				summary.Evaluated, summary.Promoted, summary.Requested, summary.Skipped, summary.Errors))
	}
	return summary, nil
}

// validConfigs drops configs whose role vanished externally and flags
// configs whose requirement threshold can never be met.
func (e *Engine) validConfigs(ctx context.Context, guildID string, summary *ScanSummary) ([]storage.RankConfig, error) {
	configs, err := e.repo.Configs(ctx, guildID)
	if err != nil {
		return nil, err
	}

	valid := configs[:0]
	for _, cfg := range configs {
		if !e.dir.RoleExists(guildID, cfg.RoleID) {
			summary.DroppedConfigs = append(summary.DroppedConfigs, cfg.RoleID)
			if e.audit != nil {
				e.audit.Log(ctx, audit.LevelWarn, guildID, "", audit.EventOrphanedConfig,
					fmt.Sprintf("rank config for role %s references a deleted role", cfg.RoleID))
			}
			continue
		}
		if probe := Evaluate(cfg, Metrics{}); probe.Unreachable {
			if e.audit != nil {
				e.audit.Log(ctx, audit.LevelWarn, guildID, "", audit.EventUnreachableReqs,
					fmt.Sprintf("role %s requires %d of %d defined requirements", cfg.RoleID, cfg.ReqMinAny, probe.Defined))
			}
		}
		valid = append(valid, cfg)
	}
	return valid, nil
}

// candidateUsers unions external role holders with persisted status rows so
// rows orphaned by manual edits still get resynchronized.
func (e *Engine) candidateUsers(ctx context.Context, guildID string, configs []storage.RankConfig, light bool) ([]string, error) {
	if light {
		window := time.Duration(e.cfg.LightScanActiveMin) * time.Minute
		return e.metrics.ActiveUsers(ctx, guildID, window)
	}

	seen := make(map[string]bool)
	var users []string

	for _, cfg := range configs {
		holders, err := e.dir.RoleHolders(guildID, cfg.RoleID)
		if err != nil {
			e.logger.Warn("listing role holders failed", zap.String("guild_id", guildID), zap.String("role_id", cfg.RoleID), zap.Error(err))
			continue
		}
		for _, userID := range holders {
			if !seen[userID] {
				seen[userID] = true
				users = append(users, userID)
			}
		}
	}

	statuses, err := e.store.ListUserStatuses(ctx, guildID)
	if err != nil {
		return nil, err
	}
	for _, status := range statuses {
		if !seen[status.UserID] {
			seen[status.UserID] = true
			users = append(users, status.UserID)
		}
	}
	return users, nil
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomePromoted
	outcomeRequested
	outcomeError
)

type evalOutcome struct {
	kind outcomeKind
}

func (e *Engine) evaluateUser(ctx context.Context, guildID, userID string, configs []storage.RankConfig, byRole map[string]storage.RankConfig) evalOutcome {
	now := e.clock.Now()

	status, err := e.repo.Status(ctx, guildID, userID)
	if err != nil {
		e.logger.Warn("loading status failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return evalOutcome{kind: outcomeError}
	}
	if status == nil {
		status = &storage.UserRankStatus{GuildID: guildID, UserID: userID}
	}

	if status.PromotionCooldownUntil != nil && status.PromotionCooldownUntil.After(now) {
		return evalOutcome{kind: outcomeSkipped}
	}
	if status.IgnoreAutoPromoteUntil != nil && status.IgnoreAutoPromoteUntil.After(now) {
		return evalOutcome{kind: outcomeSkipped}
	}

	held, err := e.dir.MemberRoles(guildID, userID)
	if err != nil {
		// Member left or is otherwise unreadable; the status row stays
		// behind as an audit trail.
		e.logger.Debug("member unavailable", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return evalOutcome{kind: outcomeSkipped}
	}

	status, _, err = e.Resync(ctx, status, held, byRole)
	if err != nil {
		e.logger.Warn("resync failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return evalOutcome{kind: outcomeError}
	}

	target := nextCandidate(configs, status)
	if target == nil {
		return evalOutcome{kind: outcomeSkipped}
	}
	if !target.AutoPromote {
		return evalOutcome{kind: outcomeSkipped}
	}

	metrics, err := e.metricsFor(ctx, guildID, userID, held, status)
	if err != nil {
		e.logger.Warn("loading metrics failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return evalOutcome{kind: outcomeError}
	}

	eligibility := Evaluate(*target, metrics)
	if !eligibility.Eligible {
		return evalOutcome{kind: outcomeSkipped}
	}

	if !e.dir.RoleExists(guildID, target.RoleID) {
		if e.audit != nil {
			e.audit.Log(ctx, audit.LevelWarn, guildID, userID, audit.EventOrphanedConfig,
				fmt.Sprintf("target role %s disappeared mid-cycle", target.RoleID))
		}
		return evalOutcome{kind: outcomeSkipped}
	}

	outcome, err := e.promoteOrRequest(ctx, status, *target, eligibility)
	if err != nil {
		if errors.Is(err, ErrNoVacancy) || errors.Is(err, ErrRateLimited) {
			// Normal deferral; the next cycle retries.
			return evalOutcome{kind: outcomeSkipped}
		}
		e.logger.Warn("promotion failed",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.String("role_id", target.RoleID),
			zap.Error(err),
		)
		return evalOutcome{kind: outcomeError}
	}

	e.sleep(ctx, 500*time.Millisecond)
	return outcome
}

// promoteOrRequest holds the vacancy lock across the re-count and the
// mutation (or request creation) so capacity cannot be oversubscribed by
// concurrent evaluations.
func (e *Engine) promoteOrRequest(ctx context.Context, status *storage.UserRankStatus, target storage.RankConfig, eligibility Eligibility) (evalOutcome, error) {
	guildID := status.GuildID

	if target.MaxVacancies > 0 {
		lock := e.vacancyLock(guildID, target.RoleID)
		lock.Lock()
		defer lock.Unlock()

		holders, err := e.dir.RoleHolders(guildID, target.RoleID)
		if err != nil {
			return evalOutcome{}, err
		}
		if len(holders) >= target.MaxVacancies {
			return evalOutcome{}, ErrNoVacancy
		}
	}

	if target.RequiresApproval {
		if err := e.createApprovalRequest(ctx, status, target, eligibility); err != nil {
			return evalOutcome{}, err
		}
		return evalOutcome{kind: outcomeRequested}, nil
	}

	if err := e.promote(ctx, status, target, "", "auto promotion", eligibility.Breakdown()); err != nil {
		return evalOutcome{}, err
	}
	return evalOutcome{kind: outcomePromoted}, nil
}

func (e *Engine) vacancyLock(guildID, roleID string) *sync.Mutex {
	e.vacancyMu.Lock()
	defer e.vacancyMu.Unlock()
	key := guildID + ":" + roleID
	lock := e.vacancyLocks[key]
	if lock == nil {
		lock = &sync.Mutex{}
		e.vacancyLocks[key] = lock
	}
	return lock
}

func (e *Engine) createApprovalRequest(ctx context.Context, status *storage.UserRankStatus, target storage.RankConfig, eligibility Eligibility) error {
	guildID, userID := status.GuildID, status.UserID

	pending, err := e.store.ListPendingRequests(ctx, guildID)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if req.UserID == userID && req.TargetRoleID == target.RoleID {
			return nil
		}
	}

	req := &storage.PromotionRequest{
		GuildID:       guildID,
		UserID:        userID,
		CurrentRoleID: status.CurrentRoleID,
		TargetRoleID:  target.RoleID,
		RequestType:   "auto",
		Reason:        eligibility.Breakdown(),
		CreatedAt:     e.clock.Now(),
	}
	if err := e.store.CreatePromotionRequest(ctx, req); err != nil {
		return err
	}

	if e.notify != nil {
		messageID, err := e.notify.ApprovalPrompt(ctx, *req, eligibility.Breakdown())
		if err != nil {
			e.logger.Warn("approval prompt failed", zap.String("guild_id", guildID), zap.Int64("request_id", req.ID), zap.Error(err))
		} else if messageID != "" {
			if err := e.store.SetPromotionRequestMessage(ctx, req.ID, messageID); err != nil {
				return err
			}
		}
	}

	if e.audit != nil {
		e.audit.Log(ctx, audit.LevelInfo, guildID, userID, audit.EventApprovalRequest,
			fmt.Sprintf("request %d: promote to role %s", req.ID, target.RoleID))
	}
	return nil
}

// Resync reconciles the persisted rank against externally observed roles.
// It writes only on divergence so repeated runs on unchanged state are
// no-ops, and reports what it did.
func (e *Engine) Resync(ctx context.Context, status *storage.UserRankStatus, held []string, byRole map[string]storage.RankConfig) (*storage.UserRankStatus, ResyncResult, error) {
	guildID, userID := status.GuildID, status.UserID

	heldSet := make(map[string]bool, len(held))
	for _, roleID := range held {
		heldSet[roleID] = true
	}

	if status.CurrentRoleID != "" {
		_, configured := byRole[status.CurrentRoleID]
		if configured && heldSet[status.CurrentRoleID] {
			return status, ResyncUnchanged, nil
		}

		cleared := *status
		cleared.CurrentRoleID = ""
		cleared.PromotedAt = nil
		cleared.PromotionCooldownUntil = nil
		cleared.IgnoreAutoPromoteUntil = nil
		cleared.IgnoreAutoDemoteUntil = nil
		if err := e.repo.SaveStatus(ctx, cleared); err != nil {
			return status, ResyncUnchanged, err
		}
		if err := e.store.AddRankHistory(ctx, storage.RankHistory{
			GuildID:    guildID,
			UserID:     userID,
			Action:     storage.HistoryCleared,
			FromRoleID: status.CurrentRoleID,
			Reason:     "external state diverged",
			CreatedAt:  e.clock.Now(),
		}); err != nil {
			return status, ResyncUnchanged, err
		}
		if e.audit != nil {
			e.audit.Log(ctx, audit.LevelInfo, guildID, userID, audit.EventResync,
				fmt.Sprintf("cleared stale rank %s", status.CurrentRoleID))
		}
		return &cleared, ResyncCleared, nil
	}

	// Unranked in storage; adopt the highest configured role held externally.
	var adopt *storage.RankConfig
	for _, roleID := range held {
		cfg, ok := byRole[roleID]
		if !ok {
			continue
		}
		if adopt == nil || cfg.LevelOrder < adopt.LevelOrder {
			copied := cfg
			adopt = &copied
		}
	}
	if adopt == nil {
		return status, ResyncUnchanged, nil
	}

	now := e.clock.Now()
	adopted := *status
	adopted.CurrentRoleID = adopt.RoleID
	adopted.PromotedAt = &now
	if err := e.repo.SaveStatus(ctx, adopted); err != nil {
		return status, ResyncUnchanged, err
	}
	if err := e.store.AddRankHistory(ctx, storage.RankHistory{
		GuildID:   guildID,
		UserID:    userID,
		Action:    storage.HistoryAdopted,
		ToRoleID:  adopt.RoleID,
		Reason:    "observed externally",
		CreatedAt: now,
	}); err != nil {
		return status, ResyncUnchanged, err
	}
	if e.audit != nil {
		e.audit.Log(ctx, audit.LevelInfo, guildID, userID, audit.EventResync,
			fmt.Sprintf("adopted externally held rank %s", adopt.RoleID))
	}
	return &adopted, ResyncAdopted, nil
}

// nextCandidate picks the adjacent rank, never skipping levels: the entry
// rank (numerically highest level order) for unranked users, otherwise the
// config one level above the current one.
func nextCandidate(configs []storage.RankConfig, status *storage.UserRankStatus) *storage.RankConfig {
	if status.CurrentRoleID == "" {
		var entry *storage.RankConfig
		for i := range configs {
			if entry == nil || configs[i].LevelOrder > entry.LevelOrder {
				entry = &configs[i]
			}
		}
		return entry
	}

	var current *storage.RankConfig
	for i := range configs {
		if configs[i].RoleID == status.CurrentRoleID {
			current = &configs[i]
			break
		}
	}
	if current == nil {
		return nil
	}
	for i := range configs {
		if configs[i].LevelOrder == current.LevelOrder-1 {
			return &configs[i]
		}
	}
	return nil
}

func (e *Engine) metricsFor(ctx context.Context, guildID, userID string, held []string, status *storage.UserRankStatus) (Metrics, error) {
	um, err := e.metrics.UserMetrics(ctx, guildID, userID)
	if err != nil {
		return Metrics{}, err
	}

	now := e.clock.Now()
	metrics := Metrics{
		Messages:     um.Messages,
		VoiceSeconds: um.VoiceSeconds,
		Reactions:    um.ReactionsGiven + um.ReactionsReceived,
		HeldRoleIDs:  held,
	}

	if joined, err := e.dir.MemberJoinedAt(guildID, userID); err == nil && !joined.IsZero() {
		metrics.DaysInServer = int(now.Sub(joined).Hours() / 24)
	}

	if status.CurrentRoleID != "" {
		since := status.PromotedAt
		entry, err := e.store.LatestRankHistory(ctx, guildID, userID, storage.HistoryPromoted, status.CurrentRoleID)
		if err != nil {
			return Metrics{}, err
		}
		if entry != nil {
			since = &entry.CreatedAt
		}
		if since != nil {
			metrics.DaysInRole = int(now.Sub(*since).Hours() / 24)
		}
	}
	return metrics, nil
}

// promote is the single mutation path shared by the scanner, manual
// commands, and approved requests.
func (e *Engine) promote(ctx context.Context, status *storage.UserRankStatus, target storage.RankConfig, performedBy, reason, details string) error {
	guildID, userID := status.GuildID, status.UserID
	now := e.clock.Now()

	if ok, why := e.dir.CanManage(guildID, target.RoleID); !ok {
		suppressed := now.Add(time.Duration(e.cfg.FailureSuppressHours) * time.Hour)
		updated := *status
		updated.IgnoreAutoPromoteUntil = &suppressed
		if err := e.repo.SaveStatus(ctx, updated); err != nil {
			e.logger.Warn("saving suppression failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		}
		if e.audit != nil {
			e.audit.Log(ctx, audit.LevelCrit, guildID, userID, audit.EventStandingDenied,
				fmt.Sprintf("cannot assign role %s: %s", target.RoleID, why))
		}
		return fmt.Errorf("%w: %s", ErrInsufficientStanding, why)
	}

	allowed, count, _, err := e.limiter.CanPerform(ctx, guildID, ActionRoleEdit)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %d role edits in window", ErrRateLimited, count)
	}
	delay, err := e.limiter.AdaptiveDelay(ctx, guildID, ActionRoleEdit)
	if err != nil {
		return err
	}
	e.sleep(ctx, delay)

	if status.CurrentRoleID != "" {
		if err := e.dir.RemoveRole(guildID, userID, status.CurrentRoleID); err != nil {
			// Tolerated: the role may be gone or forbidden to touch.
			e.logger.Warn("removing prior role failed",
				zap.String("guild_id", guildID),
				zap.String("user_id", userID),
				zap.String("role_id", status.CurrentRoleID),
				zap.Error(err),
			)
		}
	}
	if err := e.dir.AddRole(guildID, userID, target.RoleID); err != nil {
		return fmt.Errorf("adding role %s: %w", target.RoleID, err)
	}
	if err := e.limiter.Record(ctx, guildID, ActionRoleEdit); err != nil {
		e.logger.Warn("recording rate limit action failed", zap.String("guild_id", guildID), zap.Error(err))
	}

	cooldown := now.Add(time.Duration(e.cfg.PromotionCooldownMin) * time.Minute)
	updated := *status
	updated.CurrentRoleID = target.RoleID
	updated.PromotedAt = &now
	updated.LastPromotionCheck = &now
	updated.PromotionCooldownUntil = &cooldown
	updated.ExpiryDate = nil
	if target.ExpiryDays > 0 {
		expiry := now.AddDate(0, 0, target.ExpiryDays)
		updated.ExpiryDate = &expiry
	}
	if err := e.repo.SaveStatus(ctx, updated); err != nil {
		return err
	}

	if err := e.store.AddRankHistory(ctx, storage.RankHistory{
		GuildID:     guildID,
		UserID:      userID,
		Action:      storage.HistoryPromoted,
		FromRoleID:  status.CurrentRoleID,
		ToRoleID:    target.RoleID,
		Reason:      reason,
		Details:     details,
		PerformedBy: performedBy,
		CreatedAt:   now,
	}); err != nil {
		return err
	}

	e.metrics.Invalidate(guildID, userID)
	*status = updated

	if e.notify != nil {
		if err := e.notify.Congratulate(ctx, guildID, userID, target.RoleID); err != nil {
			e.logger.Debug("promotion DM failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		}
	}
	if e.audit != nil {
		e.audit.Log(ctx, audit.LevelInfo, guildID, userID, audit.EventPromotion,
			fmt.Sprintf("promoted to role %s (%s)", target.RoleID, reason))
	}
	return nil
}

// PromoteUser is the manual path: same transaction as the scanner, plus an
// ignore window so the next automatic cycles do not fight the operator.
func (e *Engine) PromoteUser(ctx context.Context, guildID, userID, targetRoleID, performedBy, reason string) error {
	target, err := e.repo.Config(ctx, guildID, targetRoleID)
	if err != nil {
		return err
	}
	if target == nil {
		return ErrRankNotConfigured
	}
	if !e.dir.RoleExists(guildID, targetRoleID) {
		return ErrRankRoleMissing
	}

	status, err := e.repo.Status(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if status == nil {
		status = &storage.UserRankStatus{GuildID: guildID, UserID: userID}
	}

	if reason == "" {
		reason = "manual promotion"
	}
	if err := e.promote(ctx, status, *target, performedBy, reason, ""); err != nil {
		return err
	}

	ignoreUntil := e.clock.Now().AddDate(0, 0, e.cfg.ManualIgnoreDays)
	status.IgnoreAutoPromoteUntil = &ignoreUntil
	status.IgnoreAutoDemoteUntil = &ignoreUntil
	return e.repo.SaveStatus(ctx, *status)
}

// DemoteUser moves a user down to targetRoleID, or clears the rank entirely
// when targetRoleID is empty. Manual only; the scanner never demotes.
func (e *Engine) DemoteUser(ctx context.Context, guildID, userID, targetRoleID, performedBy, reason string) error {
	status, err := e.repo.Status(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if status == nil || status.CurrentRoleID == "" {
		return ErrMemberNotFound
	}

	var target *storage.RankConfig
	if targetRoleID != "" {
		target, err = e.repo.Config(ctx, guildID, targetRoleID)
		if err != nil {
			return err
		}
		if target == nil {
			return ErrRankNotConfigured
		}
		if !e.dir.RoleExists(guildID, targetRoleID) {
			return ErrRankRoleMissing
		}
		if ok, why := e.dir.CanManage(guildID, targetRoleID); !ok {
			return fmt.Errorf("%w: %s", ErrInsufficientStanding, why)
		}
	}
	if ok, why := e.dir.CanManage(guildID, status.CurrentRoleID); !ok {
		return fmt.Errorf("%w: %s", ErrInsufficientStanding, why)
	}

	allowed, count, _, err := e.limiter.CanPerform(ctx, guildID, ActionRoleEdit)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %d role edits in window", ErrRateLimited, count)
	}
	delay, err := e.limiter.AdaptiveDelay(ctx, guildID, ActionRoleEdit)
	if err != nil {
		return err
	}
	e.sleep(ctx, delay)

	now := e.clock.Now()
	fromRoleID := status.CurrentRoleID

	if err := e.dir.RemoveRole(guildID, userID, fromRoleID); err != nil {
		return fmt.Errorf("removing role %s: %w", fromRoleID, err)
	}
	if target != nil {
		if err := e.dir.AddRole(guildID, userID, target.RoleID); err != nil {
			return fmt.Errorf("adding role %s: %w", target.RoleID, err)
		}
	}
	if err := e.limiter.Record(ctx, guildID, ActionRoleEdit); err != nil {
		e.logger.Warn("recording rate limit action failed", zap.String("guild_id", guildID), zap.Error(err))
	}

	ignoreUntil := now.AddDate(0, 0, e.cfg.ManualIgnoreDays)
	updated := *status
	updated.CurrentRoleID = ""
	updated.PromotedAt = nil
	updated.ExpiryDate = nil
	if target != nil {
		updated.CurrentRoleID = target.RoleID
		updated.PromotedAt = &now
	}
	updated.IgnoreAutoPromoteUntil = &ignoreUntil
	updated.IgnoreAutoDemoteUntil = &ignoreUntil
	updated.PromotionCooldownUntil = nil
	if err := e.repo.SaveStatus(ctx, updated); err != nil {
		return err
	}

	if reason == "" {
		reason = "manual demotion"
	}
	if err := e.store.AddRankHistory(ctx, storage.RankHistory{
		GuildID:     guildID,
		UserID:      userID,
		Action:      storage.HistoryDemoted,
		FromRoleID:  fromRoleID,
		ToRoleID:    updated.CurrentRoleID,
		Reason:      reason,
		PerformedBy: performedBy,
		CreatedAt:   now,
	}); err != nil {
		return err
	}

	e.metrics.Invalidate(guildID, userID)
	if e.audit != nil {
		e.audit.Log(ctx, audit.LevelInfo, guildID, userID, audit.EventDemotion,
			fmt.Sprintf("demoted from role %s (%s)", fromRoleID, reason))
	}
	return nil
}

// UserReport is a read-only snapshot of a member's position on the ladder.
type UserReport struct {
	Status      storage.UserRankStatus
	NextRoleID  string
	Eligibility *Eligibility
}

// InspectUser reports where a member stands and how close they are to the
// adjacent rank. Nothing is mutated; the scanner remains the only writer.
func (e *Engine) InspectUser(ctx context.Context, guildID, userID string) (UserReport, error) {
	configs, err := e.repo.Configs(ctx, guildID)
	if err != nil {
		return UserReport{}, err
	}

	status, err := e.repo.Status(ctx, guildID, userID)
	if err != nil {
		return UserReport{}, err
	}
	if status == nil {
		status = &storage.UserRankStatus{GuildID: guildID, UserID: userID}
	}

	report := UserReport{Status: *status}
	target := nextCandidate(configs, status)
	if target == nil {
		return report, nil
	}
	report.NextRoleID = target.RoleID

	held, err := e.dir.MemberRoles(guildID, userID)
	if err != nil {
		return report, nil
	}
	metrics, err := e.metricsFor(ctx, guildID, userID, held, status)
	if err != nil {
		return UserReport{}, err
	}
	eligibility := Evaluate(*target, metrics)
	report.Eligibility = &eligibility
	return report, nil
}
