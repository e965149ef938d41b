package hierarchy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/analytics"
	"github.com/flumauricio/goliasbot-sub000/internal/config"
	"github.com/flumauricio/goliasbot-sub000/internal/modules/audit"
	"github.com/flumauricio/goliasbot-sub000/internal/storage"

	"go.uber.org/zap"
)

type fakeDirectory struct {
	mu      sync.Mutex
	guilds  []string
	roles   map[string]bool
	members map[string]map[string]bool
	joined  map[string]time.Time
	denied  map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		guilds:  []string{"g1"},
		roles:   make(map[string]bool),
		members: make(map[string]map[string]bool),
		joined:  make(map[string]time.Time),
		denied:  make(map[string]string),
	}
}

func (d *fakeDirectory) addRole(guildID, roleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[guildID+":"+roleID] = true
}

func (d *fakeDirectory) removeRoleDef(guildID, roleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.roles, guildID+":"+roleID)
}

func (d *fakeDirectory) addMember(guildID, userID string, roles ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := make(map[string]bool, len(roles))
	for _, roleID := range roles {
		set[roleID] = true
	}
	d.members[guildID+":"+userID] = set
}

func (d *fakeDirectory) Guilds() []string { return d.guilds }

func (d *fakeDirectory) RoleExists(guildID, roleID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roles[guildID+":"+roleID]
}

func (d *fakeDirectory) MemberRoles(guildID, userID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.members[guildID+":"+userID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	var roles []string
	for roleID := range set {
		roles = append(roles, roleID)
	}
	sort.Strings(roles)
	return roles, nil
}

func (d *fakeDirectory) RoleHolders(guildID, roleID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := guildID + ":"
	var holders []string
	for key, set := range d.members {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix && set[roleID] {
			holders = append(holders, key[len(prefix):])
		}
	}
	sort.Strings(holders)
	return holders, nil
}

func (d *fakeDirectory) MemberJoinedAt(guildID, userID string) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.joined[guildID+":"+userID], nil
}

func (d *fakeDirectory) AddRole(guildID, userID, roleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.members[guildID+":"+userID]
	if !ok {
		return ErrMemberNotFound
	}
	set[roleID] = true
	return nil
}

func (d *fakeDirectory) RemoveRole(guildID, userID, roleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.members[guildID+":"+userID]
	if !ok {
		return ErrMemberNotFound
	}
	delete(set, roleID)
	return nil
}

func (d *fakeDirectory) CanManage(guildID, roleID string) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if why, ok := d.denied[guildID+":"+roleID]; ok {
		return false, why
	}
	return true, ""
}

type fakeNotifier struct {
	mu       sync.Mutex
	prompts  []storage.PromotionRequest
	congrats []string
}

func (n *fakeNotifier) ApprovalPrompt(_ context.Context, req storage.PromotionRequest, _ string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prompts = append(n.prompts, req)
	return "m1", nil
}

func (n *fakeNotifier) Congratulate(_ context.Context, guildID, userID, roleID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.congrats = append(n.congrats, guildID+":"+userID+":"+roleID)
	return nil
}

func (n *fakeNotifier) promptCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.prompts)
}

func newTestEngine(t *testing.T) (*Engine, *fakeDirectory, *fakeNotifier, *storage.Store) {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cache := NewCache(time.Minute, time.Minute)
	repo := NewRepository(store, cache)
	metrics := analytics.New(store, time.Minute)
	dir := newFakeDirectory()
	notify := &fakeNotifier{}
	limiter := NewRateLimiter(store, 250, 48*time.Hour)
	logger := zap.NewNop()

	cfg := config.HierarchyConfig{
		ScanIntervalMinutes:  60,
		ScanBatchSize:        50,
		ScanConcurrency:      10,
		PromotionCooldownMin: 5,
		ManualIgnoreDays:     7,
		FailureSuppressHours: 24,
		LightScanActiveMin:   30,
	}
	engine := NewEngine(cfg, repo, store, metrics, dir, notify, limiter, audit.NewLogger(store, logger), logger)
	engine.sleep = func(context.Context, time.Duration) {}
	return engine, dir, notify, store
}

func seedStatus(t *testing.T, store *storage.Store, guildID, userID string) {
	t.Helper()
	status := storage.UserRankStatus{GuildID: guildID, UserID: userID}
	if err := store.UpsertUserStatus(context.Background(), status); err != nil {
		t.Fatalf("seed status: %v", err)
	}
}

func TestScanPromotesThroughAdjacentRanks(t *testing.T) {
	engine, dir, notify, store := newTestEngine(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	engine.WithClock(fakeClock{now: base})

	// Entry rank at level 2, top rank at level 1.
	rankA := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 2, AutoPromote: true, ReqMessages: 100, ReqMinAny: 1}
	rankB := storage.RankConfig{GuildID: "g1", RoleID: "roleB", LevelOrder: 1, AutoPromote: true}
	for _, cfg := range []storage.RankConfig{rankA, rankB} {
		if err := store.UpsertRankConfig(ctx, cfg); err != nil {
			t.Fatalf("seed config: %v", err)
		}
	}
	dir.addRole("g1", "roleA")
	dir.addRole("g1", "roleB")
	dir.addMember("g1", "u1")
	seedStatus(t, store, "g1", "u1")

	for i := 0; i < 150; i++ {
		if err := store.RecordMessage(ctx, "g1", "u1", base); err != nil {
			t.Fatalf("record message: %v", err)
		}
	}

	summary, err := engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Promoted != 1 {
		t.Fatalf("expected 1 promotion, got %+v", summary)
	}

	status, err := store.GetUserStatus(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.CurrentRoleID != "roleA" {
		t.Fatalf("expected roleA, got %q", status.CurrentRoleID)
	}
	if status.PromotionCooldownUntil == nil || !status.PromotionCooldownUntil.After(base) {
		t.Fatalf("expected cooldown set, got %v", status.PromotionCooldownUntil)
	}
	history, err := store.ListRankHistory(ctx, "g1", "u1", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].Action != storage.HistoryPromoted {
		t.Fatalf("expected exactly one promotion entry, got %+v", history)
	}

	// Cooldown still active: nothing happens.
	summary, err = engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Promoted != 0 {
		t.Fatalf("expected cooldown skip, got %+v", summary)
	}

	// Past the cooldown the user climbs one level, never skipping.
	engine.WithClock(fakeClock{now: base.Add(10 * time.Minute)})
	summary, err = engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Promoted != 1 {
		t.Fatalf("expected promotion to roleB, got %+v", summary)
	}
	status, err = store.GetUserStatus(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.CurrentRoleID != "roleB" {
		t.Fatalf("expected roleB, got %q", status.CurrentRoleID)
	}
	roles, err := dir.MemberRoles("g1", "u1")
	if err != nil {
		t.Fatalf("member roles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "roleB" {
		t.Fatalf("expected prior role swapped out, got %v", roles)
	}

	// At the ceiling now.
	engine.WithClock(fakeClock{now: base.Add(20 * time.Minute)})
	summary, err = engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Promoted != 0 {
		t.Fatalf("expected no promotion at ceiling, got %+v", summary)
	}

	if len(notify.congrats) != 2 {
		t.Fatalf("expected 2 congratulation DMs, got %d", len(notify.congrats))
	}
}

func TestScanHonorsAutoPromoteFlag(t *testing.T) {
	engine, dir, _, store := newTestEngine(t)
	ctx := context.Background()

	cfg := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 1, AutoPromote: false}
	if err := store.UpsertRankConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	dir.addRole("g1", "roleA")
	dir.addMember("g1", "u1")
	seedStatus(t, store, "g1", "u1")

	summary, err := engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Promoted != 0 || summary.Skipped != 1 {
		t.Fatalf("expected skip for manual-only rank, got %+v", summary)
	}
}

func TestVacancyExclusivity(t *testing.T) {
	engine, dir, _, store := newTestEngine(t)
	ctx := context.Background()

	cfg := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 1, AutoPromote: true, MaxVacancies: 2}
	if err := store.UpsertRankConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	dir.addRole("g1", "roleA")

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, userID := range users {
		dir.addMember("g1", userID)
		seedStatus(t, store, "g1", userID)
	}

	summary, err := engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Promoted != 2 {
		t.Fatalf("expected exactly 2 promotions for 2 vacancies, got %+v", summary)
	}
	if summary.Skipped != 3 {
		t.Fatalf("expected 3 deferrals, got %+v", summary)
	}

	holders, err := dir.RoleHolders("g1", "roleA")
	if err != nil {
		t.Fatalf("role holders: %v", err)
	}
	if len(holders) != 2 {
		t.Fatalf("expected 2 holders, got %v", holders)
	}
}

func TestResyncIdempotent(t *testing.T) {
	engine, dir, _, store := newTestEngine(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	engine.WithClock(fakeClock{now: base})

	cfg := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 1, AutoPromote: true}
	if err := store.UpsertRankConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	dir.addRole("g1", "roleA")
	dir.addMember("g1", "u1", "roleA")

	byRole := map[string]storage.RankConfig{"roleA": cfg}
	status := &storage.UserRankStatus{GuildID: "g1", UserID: "u1"}
	held := []string{"roleA"}

	status, result, err := engine.Resync(ctx, status, held, byRole)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if result != ResyncAdopted {
		t.Fatalf("expected adoption, got %v", result)
	}
	if status.CurrentRoleID != "roleA" {
		t.Fatalf("expected adopted roleA, got %q", status.CurrentRoleID)
	}

	// Unchanged state: no further writes.
	status, result, err = engine.Resync(ctx, status, held, byRole)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if result != ResyncUnchanged {
		t.Fatalf("expected unchanged, got %v", result)
	}
	history, err := store.ListRankHistory(ctx, "g1", "u1", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected single adoption entry, got %d", len(history))
	}

	// Role removed externally: clear and reset suppression windows.
	cooldown := base.Add(time.Hour)
	status.PromotionCooldownUntil = &cooldown
	status, result, err = engine.Resync(ctx, status, nil, byRole)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if result != ResyncCleared {
		t.Fatalf("expected cleared, got %v", result)
	}
	if status.CurrentRoleID != "" || status.PromotionCooldownUntil != nil {
		t.Fatalf("expected cleared status, got %+v", status)
	}

	_, result, err = engine.Resync(ctx, status, nil, byRole)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if result != ResyncUnchanged {
		t.Fatalf("expected unchanged after clear, got %v", result)
	}
}

func TestStandingDeniedSuppressesUser(t *testing.T) {
	engine, dir, _, store := newTestEngine(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	engine.WithClock(fakeClock{now: base})

	cfg := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 1, AutoPromote: true}
	if err := store.UpsertRankConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	dir.addRole("g1", "roleA")
	dir.addMember("g1", "u1")
	dir.denied["g1:roleA"] = "bot role below target"
	seedStatus(t, store, "g1", "u1")

	summary, err := engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Errors != 1 {
		t.Fatalf("expected 1 error, got %+v", summary)
	}

	status, err := store.GetUserStatus(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.IgnoreAutoPromoteUntil == nil {
		t.Fatalf("expected suppression window set")
	}
	want := base.Add(24 * time.Hour)
	if !status.IgnoreAutoPromoteUntil.Equal(want) {
		t.Fatalf("expected suppression until %v, got %v", want, status.IgnoreAutoPromoteUntil)
	}

	// No retry storm: the next cycle skips the suppressed user.
	summary, err = engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Errors != 0 || summary.Skipped != 1 {
		t.Fatalf("expected quiet skip, got %+v", summary)
	}
}

func TestApprovalRequestCreatedOnce(t *testing.T) {
	engine, dir, notify, store := newTestEngine(t)
	ctx := context.Background()

	cfg := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 1, AutoPromote: true, RequiresApproval: true}
	if err := store.UpsertRankConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	dir.addRole("g1", "roleA")
	dir.addMember("g1", "u1")
	seedStatus(t, store, "g1", "u1")

	summary, err := engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Requested != 1 || summary.Promoted != 0 {
		t.Fatalf("expected approval request instead of promotion, got %+v", summary)
	}

	roles, err := dir.MemberRoles("g1", "u1")
	if err != nil {
		t.Fatalf("member roles: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected no role mutation before approval, got %v", roles)
	}

	pending, err := store.ListPendingRequests(ctx, "g1")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].MessageID != "m1" {
		t.Fatalf("expected one pending request with prompt message, got %+v", pending)
	}

	// A second cycle must not pile up duplicate requests.
	if _, err := engine.CheckNow(ctx, "g1", false); err != nil {
		t.Fatalf("check now: %v", err)
	}
	pending, err = store.ListPendingRequests(ctx, "g1")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected still one pending request, got %d", len(pending))
	}
	if notify.promptCount() != 1 {
		t.Fatalf("expected single prompt, got %d", notify.promptCount())
	}
}

func TestOrphanedConfigDropped(t *testing.T) {
	engine, dir, _, store := newTestEngine(t)
	ctx := context.Background()

	good := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 2, AutoPromote: true}
	orphan := storage.RankConfig{GuildID: "g1", RoleID: "gone", LevelOrder: 1, AutoPromote: true}
	for _, cfg := range []storage.RankConfig{good, orphan} {
		if err := store.UpsertRankConfig(ctx, cfg); err != nil {
			t.Fatalf("seed config: %v", err)
		}
	}
	dir.addRole("g1", "roleA")
	dir.addMember("g1", "u1")
	seedStatus(t, store, "g1", "u1")

	summary, err := engine.CheckNow(ctx, "g1", false)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if len(summary.DroppedConfigs) != 1 || summary.DroppedConfigs[0] != "gone" {
		t.Fatalf("expected orphan dropped, got %+v", summary.DroppedConfigs)
	}
	if summary.Promoted != 1 {
		t.Fatalf("expected promotion to surviving entry rank, got %+v", summary)
	}
}

func TestLightScanOnlyRecentlyActive(t *testing.T) {
	engine, dir, _, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	cfg := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 1, AutoPromote: true}
	if err := store.UpsertRankConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	dir.addRole("g1", "roleA")
	dir.addMember("g1", "active")
	dir.addMember("g1", "idle")
	seedStatus(t, store, "g1", "active")
	seedStatus(t, store, "g1", "idle")

	if err := store.RecordMessage(ctx, "g1", "active", now); err != nil {
		t.Fatalf("record message: %v", err)
	}
	if err := store.RecordMessage(ctx, "g1", "idle", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("record message: %v", err)
	}

	summary, err := engine.CheckNow(ctx, "g1", true)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if summary.Evaluated != 1 {
		t.Fatalf("expected only the active user evaluated, got %+v", summary)
	}
}

func TestManualPromoteSetsIgnoreWindows(t *testing.T) {
	engine, dir, _, store := newTestEngine(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	engine.WithClock(fakeClock{now: base})

	cfg := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 1, AutoPromote: true, ReqMessages: 1000}
	if err := store.UpsertRankConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	dir.addRole("g1", "roleA")
	dir.addMember("g1", "u1")

	if err := engine.PromoteUser(ctx, "g1", "u1", "roleA", "mod1", "earned it"); err != nil {
		t.Fatalf("manual promote: %v", err)
	}

	roles, err := dir.MemberRoles("g1", "u1")
	if err != nil {
		t.Fatalf("member roles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "roleA" {
		t.Fatalf("expected roleA assigned, got %v", roles)
	}

	status, err := store.GetUserStatus(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	want := base.AddDate(0, 0, 7)
	if status.IgnoreAutoPromoteUntil == nil || !status.IgnoreAutoPromoteUntil.Equal(want) {
		t.Fatalf("expected ignore window until %v, got %v", want, status.IgnoreAutoPromoteUntil)
	}
	if status.IgnoreAutoDemoteUntil == nil || !status.IgnoreAutoDemoteUntil.Equal(want) {
		t.Fatalf("expected demote ignore window, got %v", status.IgnoreAutoDemoteUntil)
	}

	if err := engine.PromoteUser(ctx, "g1", "u1", "unknown", "mod1", ""); err != ErrRankNotConfigured {
		t.Fatalf("expected ErrRankNotConfigured, got %v", err)
	}
}

func TestManualDemote(t *testing.T) {
	engine, dir, _, store := newTestEngine(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	engine.WithClock(fakeClock{now: base})

	rankA := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 2, AutoPromote: true}
	rankB := storage.RankConfig{GuildID: "g1", RoleID: "roleB", LevelOrder: 1, AutoPromote: true}
	for _, cfg := range []storage.RankConfig{rankA, rankB} {
		if err := store.UpsertRankConfig(ctx, cfg); err != nil {
			t.Fatalf("seed config: %v", err)
		}
	}
	dir.addRole("g1", "roleA")
	dir.addRole("g1", "roleB")
	dir.addMember("g1", "u1", "roleB")

	promoted := base
	status := storage.UserRankStatus{GuildID: "g1", UserID: "u1", CurrentRoleID: "roleB", PromotedAt: &promoted}
	if err := store.UpsertUserStatus(ctx, status); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	if err := engine.DemoteUser(ctx, "g1", "u1", "roleA", "mod1", "conduct"); err != nil {
		t.Fatalf("demote: %v", err)
	}

	roles, err := dir.MemberRoles("g1", "u1")
	if err != nil {
		t.Fatalf("member roles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "roleA" {
		t.Fatalf("expected roleA after demotion, got %v", roles)
	}

	got, err := store.GetUserStatus(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if got.CurrentRoleID != "roleA" {
		t.Fatalf("expected roleA persisted, got %q", got.CurrentRoleID)
	}
	if got.IgnoreAutoPromoteUntil == nil {
		t.Fatalf("expected ignore window after manual demotion")
	}

	history, err := store.ListRankHistory(ctx, "g1", "u1", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].Action != storage.HistoryDemoted {
		t.Fatalf("expected demotion history entry, got %+v", history)
	}

	if err := engine.DemoteUser(ctx, "g1", "nobody", "", "mod1", ""); err != ErrMemberNotFound {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestManualDemoteRespectsQuota(t *testing.T) {
	engine, dir, _, store := newTestEngine(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	engine.WithClock(fakeClock{now: base})
	engine.limiter.WithClock(fakeClock{now: base})

	cfg := storage.RankConfig{GuildID: "g1", RoleID: "roleA", LevelOrder: 1, AutoPromote: true}
	if err := store.UpsertRankConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	dir.addRole("g1", "roleA")
	dir.addMember("g1", "u1", "roleA")

	promoted := base
	status := storage.UserRankStatus{GuildID: "g1", UserID: "u1", CurrentRoleID: "roleA", PromotedAt: &promoted}
	if err := store.UpsertUserStatus(ctx, status); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	for i := 0; i < 250; i++ {
		if err := engine.limiter.Record(ctx, "g1", ActionRoleEdit); err != nil {
			t.Fatalf("record action: %v", err)
		}
	}

	err := engine.DemoteUser(ctx, "g1", "u1", "", "mod1", "conduct")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	roles, _ := dir.MemberRoles("g1", "u1")
	if len(roles) != 1 || roles[0] != "roleA" {
		t.Fatalf("expected no role mutation, got %v", roles)
	}
	got, err := store.GetUserStatus(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if got.CurrentRoleID != "roleA" {
		t.Fatalf("expected stored rank untouched, got %q", got.CurrentRoleID)
	}

	engine.limiter.WithClock(fakeClock{now: base.Add(49 * time.Hour)})
	if err := engine.DemoteUser(ctx, "g1", "u1", "", "mod1", "conduct"); err != nil {
		t.Fatalf("demote after window: %v", err)
	}
	roles, _ = dir.MemberRoles("g1", "u1")
	if len(roles) != 0 {
		t.Fatalf("expected rank cleared, got %v", roles)
	}
}
