// Package redis provides a claim ledger on Redis for fleets that want claim
// traffic off the relational database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/storage"
)

// Config locates the Redis server.
type Config struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

const releaseRetries = 5

// tryClaimScript checks eligibility and claims in one atomic step. Times are
// unix milliseconds so Lua numbers stay exact.
var tryClaimScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local state = redis.call('HGET', key, 'state')
if state then
	local terminal = redis.call('HGET', key, 'terminal') == '1'
	local eligible = false
	if state == 'unclaimed' then
		eligible = true
	elseif state == 'claimed' then
		eligible = tonumber(redis.call('HGET', key, 'claimed_at') or '0') <= cutoff
	elseif state == 'failed' then
		eligible = (not terminal) and tonumber(redis.call('HGET', key, 'next_eligible_at') or '0') <= now
	end
	if not eligible then
		if state == 'claimed' then
			return 'already_claimed'
		end
		if state == 'completed' or terminal then
			return 'already_completed'
		end
		return 'not_eligible'
	end
end
redis.call('HSET', key, 'fingerprint', ARGV[5], 'state', 'claimed', 'owner_id', ARGV[3], 'claimed_at', ARGV[1], 'note', '')
if ARGV[4] ~= '' then
	redis.call('HSET', key, 'url', ARGV[4])
end
return 'claimed'
`)

// ClaimStore implements crawler.ClaimStore on Redis hashes.
type ClaimStore struct {
	client *goredis.Client
	prefix string
	cfg    storage.ClaimConfig
}

// New dials Redis using cfg.
func New(cfg Config, claims storage.ClaimConfig) (*ClaimStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("store.redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.KeyPrefix, claims), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string, claims storage.ClaimConfig) *ClaimStore {
	if prefix == "" {
		prefix = "crawler"
	}
	return &ClaimStore{client: client, prefix: prefix, cfg: claims.WithDefaults()}
}

// Ping checks connectivity.
func (s *ClaimStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the client.
func (s *ClaimStore) Close() error {
	return s.client.Close()
}

func (s *ClaimStore) key(fp crawler.Fingerprint) string {
	return s.prefix + ":claim:" + string(fp)
}

// TryClaim runs the claim script against the record for fp.
func (s *ClaimStore) TryClaim(
	ctx context.Context,
	fp crawler.Fingerprint,
	url string,
	ownerID string,
) (crawler.ClaimOutcome, error) {
	now := s.cfg.Clock.Now()
	res, err := tryClaimScript.Run(ctx, s.client, []string{s.key(fp)},
		now.UnixMilli(),
		now.Add(-s.cfg.LeaseTimeout).UnixMilli(),
		ownerID,
		url,
		string(fp),
	).Text()
	if err != nil {
		return "", unavailable("try claim", err)
	}
	return crawler.ClaimOutcome(res), nil
}

// Release applies req under WATCH so a concurrent takeover aborts the write.
func (s *ClaimStore) Release(ctx context.Context, req crawler.ReleaseRequest) (crawler.ClaimRecord, error) {
	key := s.key(req.Fingerprint)
	var next crawler.ClaimRecord
	txf := func(tx *goredis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("release %s: %w", req.Fingerprint.Short(), crawler.ErrNotFound)
		}
		current := decodeRecord(fields)
		next, err = crawler.ApplyRelease(current, req, s.cfg.Clock.Now(), s.cfg.Backoff)
		if err != nil {
			next = current
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeRecord(next))
			return nil
		})
		return err
	}
	for i := 0; i < releaseRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, crawler.ErrNotOwner), errors.Is(err, crawler.ErrNotFound):
			return next, err
		default:
			return crawler.ClaimRecord{}, unavailable("release", err)
		}
	}
	return crawler.ClaimRecord{}, fmt.Errorf("release %s: too much contention", req.Fingerprint.Short())
}

// IsEligible reports whether fp may be claimed now. Unknown fingerprints are eligible.
func (s *ClaimStore) IsEligible(ctx context.Context, fp crawler.Fingerprint) (bool, error) {
	rec, err := s.Get(ctx, fp)
	if errors.Is(err, crawler.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rec.EligibleAt(s.cfg.Clock.Now(), s.cfg.LeaseTimeout), nil
}

// Get loads the record for fp.
func (s *ClaimStore) Get(ctx context.Context, fp crawler.Fingerprint) (crawler.ClaimRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(fp)).Result()
	if err != nil {
		return crawler.ClaimRecord{}, unavailable("get claim", err)
	}
	if len(fields) == 0 {
		return crawler.ClaimRecord{}, fmt.Errorf("claim %s: %w", fp.Short(), crawler.ErrNotFound)
	}
	return decodeRecord(fields), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrStoreUnavailable, err)
}

func encodeRecord(rec crawler.ClaimRecord) map[string]any {
	terminal := "0"
	if rec.Terminal {
		terminal = "1"
	}
	return map[string]any{
		"fingerprint":      string(rec.Fingerprint),
		"url":              rec.URL,
		"state":            string(rec.State),
		"owner_id":         rec.OwnerID,
		"attempt_count":    strconv.Itoa(rec.AttemptCount),
		"terminal":         terminal,
		"note":             rec.Note,
		"claimed_at":       toMillis(rec.ClaimedAt),
		"completed_at":     toMillis(rec.CompletedAt),
		"next_eligible_at": toMillis(rec.NextEligibleAt),
	}
}

func decodeRecord(fields map[string]string) crawler.ClaimRecord {
	attempts, _ := strconv.Atoi(fields["attempt_count"])
	return crawler.ClaimRecord{
		Fingerprint:    crawler.Fingerprint(fields["fingerprint"]),
		URL:            fields["url"],
		State:          crawler.ClaimState(fields["state"]),
		OwnerID:        fields["owner_id"],
		AttemptCount:   attempts,
		Terminal:       fields["terminal"] == "1",
		Note:           fields["note"],
		ClaimedAt:      fromMillis(fields["claimed_at"]),
		CompletedAt:    fromMillis(fields["completed_at"]),
		NextEligibleAt: fromMillis(fields["next_eligible_at"]),
	}
}

func toMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
