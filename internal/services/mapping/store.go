package mapping

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"companion/internal/domain"
	"companion/internal/keystore"
	"companion/internal/ttlcache"
)

// DefaultTTL is how long a resolved mapping stays cached.
const DefaultTTL = 3 * 24 * time.Hour

const (
	txKey         = "lid-mapping"
	reverseSuffix = "_reverse"
)

// Pair links a PN address to its LID. Either field may hold either
// namespace; StoreMappings normalizes the order.
type Pair struct {
	PN  domain.JID
	LID domain.JID
}

// LookupFunc asks the server for the LIDs of pns. It may return fewer
// pairs than asked for.
type LookupFunc func(ctx context.Context, pns []domain.JID) ([]Pair, error)

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

// WithClock sets the cache clock, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLookup sets the remote lookup.
func WithLookup(fn LookupFunc) Option { return func(s *Store) { s.lookup = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// Store is the PN/LID mapping table.
type Store struct {
	keys   *keystore.Store
	bucket keystore.Bucket[string]
	cache  *ttlcache.Cache[string, string]
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	lookup LookupFunc
}

// New returns a Store persisting through keys.
func New(keys *keystore.Store, opts ...Option) *Store {
	s := &Store{
		keys:   keys,
		bucket: keystore.NewBucket[string](keys, domain.KindIdentityMapping),
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	s.cache = ttlcache.New[string, string](s.ttl, ttlcache.WithClock[string, string](s.now))
	s.logger = s.logger.With("component", "lid-mapping")
	return s
}

// SetLookup replaces the remote lookup. nil disables remote resolution.
func (s *Store) SetLookup(fn LookupFunc) {
	s.mu.Lock()
	s.lookup = fn
	s.mu.Unlock()
}

func (s *Store) remote() LookupFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup
}

// StoreMappings records pairs. The cache is updated first and stays
// authoritative; the persisted write is one transaction and its failure is
// only logged. Pairs already cached with the same value are skipped.
func (s *Store) StoreMappings(ctx context.Context, tx *keystore.Tx, pairs []Pair) {
	updates := make(map[string]string)
	for _, p := range pairs {
		pnUser, lidUser, ok := normalize(p)
		if !ok {
			s.logger.Debug("ignoring malformed mapping", "pn", p.PN.String(), "lid", p.LID.String())
			continue
		}
		if cached, ok := s.cache.Get(pnKey(pnUser)); ok && cached == lidUser {
			continue
		}
		updates[pnUser] = lidUser
		s.cacheMapping(pnUser, lidUser)
	}
	if len(updates) == 0 {
		return
	}

	err := s.keys.Transaction(ctx, tx, txKey, func(ctx context.Context, tx *keystore.Tx) error {
		ids := make([]string, 0, 2*len(updates))
		for pn, lid := range updates {
			ids = append(ids, pn, lid+reverseSuffix)
		}
		existing, err := s.bucket.Get(ctx, tx, ids...)
		if err != nil {
			return err
		}

		writes := make(map[string]string, 2*len(updates))
		for pn, lid := range updates {
			writes[pn] = lid
			writes[lid+reverseSuffix] = pn
		}
		var stale []string
		for pn, lid := range updates {
			if old, ok := existing[pn]; ok && old != lid {
				stale = append(stale, old+reverseSuffix)
			}
			if old, ok := existing[lid+reverseSuffix]; ok && old != pn {
				stale = append(stale, old)
			}
		}
		stale = dropWritten(stale, writes)

		if err := s.bucket.Put(ctx, tx, writes); err != nil {
			return err
		}
		if len(stale) > 0 {
			return s.bucket.Delete(ctx, tx, stale...)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to persist LID mappings", "count", len(updates), "error", err)
		return
	}
	s.logger.Debug("stored LID mappings", "count", len(updates))
}

// LIDForPN resolves one PN address.
func (s *Store) LIDForPN(ctx context.Context, tx *keystore.Tx, pn domain.JID) (domain.JID, bool, error) {
	res, err := s.LIDsForPNs(ctx, tx, []domain.JID{pn})
	if err != nil {
		return domain.JID{}, false, err
	}
	lid, ok := res[pn]
	return lid, ok, nil
}

// LIDsForPNs resolves PN addresses through cache, store and, for what is
// left, one remote lookup. Addresses that stay unresolved are absent from
// the result. A failing remote lookup does not discard what resolved
// locally. Device and hosted server are carried over to the LID.
func (s *Store) LIDsForPNs(ctx context.Context, tx *keystore.Tx, pns []domain.JID) (map[domain.JID]domain.JID, error) {
	out := make(map[domain.JID]domain.JID, len(pns))
	var missing []domain.JID
	for _, pn := range pns {
		if !pn.IsPN() || pn.User == "" {
			continue
		}
		lidUser, ok, err := s.forward(ctx, tx, pn.User)
		if err != nil {
			return out, err
		}
		if ok {
			out[pn] = lidAddress(pn, lidUser)
		} else {
			missing = append(missing, pn)
		}
	}

	lookup := s.remote()
	if len(missing) == 0 || lookup == nil {
		return out, nil
	}
	fetched, err := lookup(ctx, missing)
	if err != nil {
		s.logger.Warn("remote LID lookup failed", "count", len(missing), "error", err)
		return out, nil
	}
	s.StoreMappings(ctx, tx, fetched)
	for _, pn := range missing {
		if lidUser, ok := s.cache.Get(pnKey(pn.User)); ok {
			out[pn] = lidAddress(pn, lidUser)
		}
	}
	return out, nil
}

// PNForLID resolves a LID address to its PN. It never asks the server.
func (s *Store) PNForLID(ctx context.Context, tx *keystore.Tx, lid domain.JID) (domain.JID, bool, error) {
	if !lid.IsLID() || lid.User == "" {
		return domain.JID{}, false, nil
	}
	pnUser, ok := s.cache.Get(lidKey(lid.User))
	if !ok {
		stored, found, err := s.bucket.GetOne(ctx, tx, lid.User+reverseSuffix)
		if err != nil {
			return domain.JID{}, false, err
		}
		if !found {
			return domain.JID{}, false, nil
		}
		pnUser = stored
		s.cacheMapping(pnUser, lid.User)
	}
	server := domain.DefaultUserServer
	if lid.Server == domain.HostedLIDServer {
		server = domain.HostedServer
	}
	return domain.JID{User: pnUser, Device: lid.Device, Server: server}, true, nil
}

func (s *Store) forward(ctx context.Context, tx *keystore.Tx, pnUser string) (string, bool, error) {
	if lidUser, ok := s.cache.Get(pnKey(pnUser)); ok {
		return lidUser, true, nil
	}
	lidUser, ok, err := s.bucket.GetOne(ctx, tx, pnUser)
	if err != nil || !ok {
		return "", false, err
	}
	s.cacheMapping(pnUser, lidUser)
	return lidUser, true, nil
}

// cacheMapping sets both directions and drops entries the new pair
// supersedes.
func (s *Store) cacheMapping(pnUser, lidUser string) {
	if old, ok := s.cache.Get(pnKey(pnUser)); ok && old != lidUser {
		s.cache.Delete(lidKey(old))
	}
	if old, ok := s.cache.Get(lidKey(lidUser)); ok && old != pnUser {
		s.cache.Delete(pnKey(old))
	}
	s.cache.Set(pnKey(pnUser), lidUser)
	s.cache.Set(lidKey(lidUser), pnUser)
}

func normalize(p Pair) (pnUser, lidUser string, ok bool) {
	pn, lid := p.PN, p.LID
	if pn.IsLID() && lid.IsPN() {
		pn, lid = lid, pn
	}
	if !pn.IsPN() || !lid.IsLID() || pn.User == "" || lid.User == "" {
		return "", "", false
	}
	return pn.User, lid.User, true
}

func lidAddress(pn domain.JID, lidUser string) domain.JID {
	server := domain.HiddenUserServer
	if pn.Server == domain.HostedServer {
		server = domain.HostedLIDServer
	}
	return domain.JID{User: lidUser, Device: pn.Device, Server: server}
}

func dropWritten(ids []string, writes map[string]string) []string {
	out := ids[:0]
	for _, id := range ids {
		if _, ok := writes[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func pnKey(user string) string  { return "pn:" + user }
func lidKey(user string) string { return "lid:" + user }
