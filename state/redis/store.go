package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/deangilmoreremix/contactsfeature-sub000/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "autopilot"
)

// Store keeps sessions and autopilot records as hashes without expiry. Run
// records expire after the configured TTL.
type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
	now      func() time.Time
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

// WithTTL sets the expiry of run records.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// Client exposes the underlying connection for components sharing it, such
// as the job queue.
func (s *Store) Client() *goredis.Client { return s.client }

// Sessions

var reserveScript = goredis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status == "active" then
  return "active"
end
if status == "pending" then
  local updated = tonumber(redis.call("HGET", KEYS[1], "updated_ms") or "0")
  if tonumber(ARGV[2]) - updated < tonumber(ARGV[3]) then
    return "pending"
  end
end
if not status then
  redis.call("HSET", KEYS[1], "created_at", ARGV[4])
end
redis.call("HSET", KEYS[1], "status", "pending", "token", ARGV[1], "session_id", "", "updated_at", ARGV[4], "updated_ms", ARGV[2])
return "reserved"
`)

var confirmScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "status") == "pending" and redis.call("HGET", KEYS[1], "token") == ARGV[1] then
  redis.call("HSET", KEYS[1], "status", "active", "token", "", "session_id", ARGV[2], "updated_at", ARGV[3], "updated_ms", ARGV[4])
  return 1
end
return 0
`)

var releaseReservationScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "status") == "pending" and redis.call("HGET", KEYS[1], "token") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Store) GetSession(ctx context.Context, leadID, agentType string) (state.SessionBinding, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(leadID, agentType)).Result()
	if err != nil {
		return state.SessionBinding{}, fmt.Errorf("failed to load session from redis: %w", err)
	}
	if len(fields) == 0 {
		return state.SessionBinding{}, state.ErrNotFound
	}
	b := state.SessionBinding{
		LeadID:    leadID,
		AgentType: agentType,
		SessionID: fields["session_id"],
		Status:    state.SessionStatus(fields["status"]),
		Token:     fields["token"],
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return b, nil
}

func (s *Store) ReserveSession(ctx context.Context, leadID, agentType string, pendingTTL time.Duration) (state.SessionBinding, error) {
	if leadID == "" || agentType == "" {
		return state.SessionBinding{}, fmt.Errorf("lead_id and agent_type are required")
	}
	if pendingTTL <= 0 {
		pendingTTL = state.DefaultPendingTTL
	}
	now := s.now()
	token := uuid.NewString()
	outcome, err := reserveScript.Run(ctx, s.client, []string{s.sessionKey(leadID, agentType)},
		token, now.UnixMilli(), pendingTTL.Milliseconds(), now.Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return state.SessionBinding{}, fmt.Errorf("failed to reserve session: %w", err)
	}
	switch outcome {
	case "pending":
		return state.SessionBinding{}, state.ErrSessionPending
	case "active", "reserved":
		return s.GetSession(ctx, leadID, agentType)
	default:
		return state.SessionBinding{}, fmt.Errorf("unexpected reserve outcome %q", outcome)
	}
}

func (s *Store) ConfirmSession(ctx context.Context, leadID, agentType, token, sessionID string) (state.SessionBinding, error) {
	if token == "" || sessionID == "" {
		return state.SessionBinding{}, fmt.Errorf("token and session_id are required")
	}
	now := s.now()
	n, err := confirmScript.Run(ctx, s.client, []string{s.sessionKey(leadID, agentType)},
		token, sessionID, now.Format(time.RFC3339Nano), now.UnixMilli(),
	).Int()
	if err != nil {
		return state.SessionBinding{}, fmt.Errorf("failed to confirm session: %w", err)
	}
	if n == 0 {
		return state.SessionBinding{}, state.ErrConflict
	}
	return s.GetSession(ctx, leadID, agentType)
}

func (s *Store) ReleaseReservation(ctx context.Context, leadID, agentType, token string) error {
	if _, err := releaseReservationScript.Run(ctx, s.client, []string{s.sessionKey(leadID, agentType)}, token).Result(); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// Autopilot state

func (s *Store) SaveAutopilot(ctx context.Context, rec state.AutopilotRecord) error {
	if err := rec.Normalize(); err != nil {
		return err
	}
	err := s.client.HSet(ctx, s.autopilotKey(rec.LeadID, rec.AgentType),
		"state", string(rec.State),
		"status", string(rec.Status),
		"updated_at", rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save autopilot state in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadAutopilot(ctx context.Context, leadID, agentType string) (*state.AutopilotRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.autopilotKey(leadID, agentType)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load autopilot state from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &state.AutopilotRecord{
		LeadID:    leadID,
		AgentType: agentType,
		State:     json.RawMessage(fields["state"]),
		Status:    state.AutopilotStatus(fields["status"]),
	}
	if len(rec.State) == 0 {
		rec.State = json.RawMessage(`{}`)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return rec, nil
}

var setStatusScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1], "state", "{}")
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "updated_at", ARGV[2])
return 1
`)

func (s *Store) SetAutopilotStatus(ctx context.Context, leadID, agentType string, status state.AutopilotStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", state.ErrInvalidPayload, status)
	}
	if _, err := setStatusScript.Run(ctx, s.client, []string{s.autopilotKey(leadID, agentType)},
		string(status), s.now().Format(time.RFC3339Nano),
	).Result(); err != nil {
		return fmt.Errorf("failed to set autopilot status: %w", err)
	}
	return nil
}

// Runs

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := run.Normalize(); err != nil {
		return err
	}
	runRaw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	score := float64(run.CreatedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.RunID), string(runRaw), s.ttl)
	for _, idx := range s.runIndexes(run) {
		pipe.ZAdd(ctx, idx, goredis.Z{Score: score, Member: run.RunID})
		pipe.Expire(ctx, idx, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if runID == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}
	raw, err := s.client.Get(ctx, s.runKey(runID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run from redis: %w", err)
	}
	var run state.RunRecord
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run from redis: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	idx := s.allRunsIndexKey()
	switch {
	case query.LeadID != "":
		idx = s.leadIndexKey(query.LeadID)
	case query.SessionID != "":
		idx = s.sessionIndexKey(query.SessionID)
	}

	// Status and the secondary id filter are applied after the fetch, so read
	// a wider window when they are set.
	window := offset + limit
	if query.Status != "" || (query.LeadID != "" && query.SessionID != "") {
		window = (offset + limit) * 4
	}
	ids, err := s.client.ZRevRange(ctx, idx, 0, int64(window-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list run ids: %w", err)
	}
	if len(ids) == 0 {
		return []state.RunRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget runs from redis: %w", err)
	}

	out := make([]state.RunRecord, 0, len(loaded))
	stale := make([]any, 0)
	for i, raw := range loaded {
		str, ok := raw.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var run state.RunRecord
		if err := json.Unmarshal([]byte(str), &run); err != nil {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		if query.SessionID != "" && run.SessionID != query.SessionID {
			continue
		}
		out = append(out, run)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, idx, stale...).Err()
	}

	sort.SliceStable(out, func(i, j int) bool {
		return createdAt(out[i]).After(createdAt(out[j]))
	})
	if offset >= len(out) {
		return []state.RunRecord{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func createdAt(run state.RunRecord) time.Time {
	if run.CreatedAt == nil {
		return time.Time{}
	}
	return *run.CreatedAt
}

// Lead locks

// AcquireLeadLock takes the per-lead lock for owner. It returns false when
// another owner holds it.
func (s *Store) AcquireLeadLock(ctx context.Context, leadID, owner string, ttl time.Duration) (bool, error) {
	if leadID == "" || owner == "" {
		return false, fmt.Errorf("lead_id and owner are required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(leadID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lead lock: %w", err)
	}
	return ok, nil
}

var refreshLockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RefreshLeadLock extends a held lock. It returns false when owner lost it.
func (s *Store) RefreshLeadLock(ctx context.Context, leadID, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshLockScript.Run(ctx, s.client, []string{s.lockKey(leadID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lead lock: %w", err)
	}
	return n == 1, nil
}

var releaseLockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Store) ReleaseLeadLock(ctx context.Context, leadID, owner string) error {
	if leadID == "" || owner == "" {
		return fmt.Errorf("lead_id and owner are required")
	}
	if _, err := releaseLockScript.Run(ctx, s.client, []string{s.lockKey(leadID)}, owner).Result(); err != nil {
		return fmt.Errorf("failed to release lead lock: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) sessionKey(leadID, agentType string) string {
	return fmt.Sprintf("%s:session:%s:%s", s.prefix, agentType, leadID)
}

func (s *Store) autopilotKey(leadID, agentType string) string {
	return fmt.Sprintf("%s:state:%s:%s", s.prefix, agentType, leadID)
}

func (s *Store) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, runID)
}

func (s *Store) runIndexes(run state.RunRecord) []string {
	idx := []string{s.allRunsIndexKey(), s.sessionIndexKey(run.SessionID)}
	if run.LeadID != "" {
		idx = append(idx, s.leadIndexKey(run.LeadID))
	}
	return idx
}

func (s *Store) allRunsIndexKey() string {
	return fmt.Sprintf("%s:runidx:all", s.prefix)
}

func (s *Store) sessionIndexKey(sessionID string) string {
	return fmt.Sprintf("%s:runidx:session:%s", s.prefix, sessionID)
}

func (s *Store) leadIndexKey(leadID string) string {
	return fmt.Sprintf("%s:runidx:lead:%s", s.prefix, leadID)
}

func (s *Store) lockKey(leadID string) string {
	return fmt.Sprintf("%s:lock:lead:%s", s.prefix, leadID)
}

var _ state.Store = (*Store)(nil)
