package prekey

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"companion/internal/crypto"
	"companion/internal/domain"
	"companion/internal/keystore"
	"companion/internal/scheduler"
)

// Defaults for Config.
const (
	DefaultInitialCount      = 812
	DefaultMinCount          = 5
	DefaultMinUploadInterval = 5 * time.Second
	DefaultUploadTimeout     = 30 * time.Second
)

// Bucket is the scheduler bucket uploads run in.
const Bucket = "pre-key-upload"

const (
	maxRetries  = 3
	baseBackoff = time.Second
	maxBackoff  = 10 * time.Second

	maxKeyID = 1<<24 - 1
)

// ErrNoResponse means the server did not answer within the deadline.
var ErrNoResponse = errors.New("prekey: no response from server")

// Account is the credential view the service reads and updates.
type Account interface {
	Creds(ctx context.Context) (domain.AuthCreds, error)
	Update(ctx context.Context, fn func(*domain.AuthCreds) error) error
}

// Config tunes pre-key maintenance. Zero fields take the defaults.
type Config struct {
	InitialCount      int
	MinCount          int
	MinUploadInterval time.Duration
	UploadTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialCount <= 0 {
		c.InitialCount = DefaultInitialCount
	}
	if c.MinCount <= 0 {
		c.MinCount = DefaultMinCount
	}
	if c.MinUploadInterval < 0 {
		c.MinUploadInterval = 0
	} else if c.MinUploadInterval == 0 {
		c.MinUploadInterval = DefaultMinUploadInterval
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithBackoff overrides the retry backoff base and cap.
func WithBackoff(base, limit time.Duration) Option {
	return func(s *Service) { s.backoffBase, s.backoffMax = base, limit }
}

// Service maintains the one-time pre-keys of one account.
type Service struct {
	keys    *keystore.Store
	prekeys keystore.Bucket[domain.PreKeyRecord]
	account Account
	querier domain.Querier
	sched   *scheduler.Scheduler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	backoffBase time.Duration
	backoffMax  time.Duration

	mu         sync.Mutex
	lastUpload time.Time
	inflight   *scheduler.Future
}

// New returns a Service. q carries the count and upload queries.
func New(keys *keystore.Store, account Account, q domain.Querier, sched *scheduler.Scheduler, cfg Config, opts ...Option) *Service {
	s := &Service{
		keys:        keys,
		prekeys:     keystore.NewBucket[domain.PreKeyRecord](keys, domain.KindPreKey),
		account:     account,
		querier:     q,
		sched:       sched,
		cfg:         cfg.withDefaults(),
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
		backoffBase: baseBackoff,
		backoffMax:  maxBackoff,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "prekeys")
	return s
}

// ServerCount asks the server how many of our pre-keys it still holds.
func (s *Service) ServerCount(ctx context.Context) (int, error) {
	req := domain.Node{
		Tag:      "iq",
		Attrs:    domain.Attrs{"xmlns": "encrypt", "type": "get", "to": domain.ServerJID.String()},
		Children: []domain.Node{{Tag: "count"}},
	}
	resp, err := s.querier.Query(ctx, req, s.cfg.UploadTimeout)
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, ErrNoResponse
	}
	count, ok := resp.Child("count")
	if !ok {
		return 0, fmt.Errorf("prekey: count reply without count")
	}
	n, err := strconv.Atoi(count.Attr("value"))
	if err != nil {
		return 0, fmt.Errorf("prekey: bad count %q: %w", count.Attr("value"), err)
	}
	return n, nil
}

// UploadIfRequired tops the server up when it runs low, or when the most
// recently generated key is missing locally. An empty server gets the
// initial batch.
func (s *Service) UploadIfRequired(ctx context.Context) error {
	onServer, err := s.ServerCount(ctx)
	if err != nil {
		return fmt.Errorf("prekey: count: %w", err)
	}
	count := s.cfg.MinCount
	if onServer == 0 {
		count = s.cfg.InitialCount
	}

	creds, err := s.account.Creds(ctx)
	if err != nil {
		return err
	}
	missingCurrent := false
	if current := creds.NextPreKeyID; current > 1 {
		_, ok, err := s.prekeys.GetOne(ctx, nil, keyID(current-1))
		if err != nil {
			return err
		}
		missingCurrent = !ok
	}

	low := onServer <= s.cfg.MinCount
	s.logger.Debug("pre-key check", "on_server", onServer, "missing_current", missingCurrent)
	if !low && !missingCurrent {
		return nil
	}
	return s.Upload(ctx, count)
}

// Upload sends count pre-keys to the server. A call within the minimum
// interval of the last successful upload is a no-op. Concurrent calls
// share the upload already in flight.
func (s *Service) Upload(ctx context.Context, count int) error {
	s.mu.Lock()
	if f := s.inflight; f != nil {
		s.mu.Unlock()
		_, err := f.Wait(ctx)
		return err
	}
	if !s.lastUpload.IsZero() && s.now().Sub(s.lastUpload) < s.cfg.MinUploadInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping pre-key upload, too soon after the last one")
		return nil
	}
	f := s.sched.Enqueue(ctx, Bucket, func(ctx context.Context) (any, error) {
		defer func() {
			s.mu.Lock()
			s.inflight = nil
			s.mu.Unlock()
		}()
		return nil, s.uploadWithRetry(ctx, count)
	})
	s.inflight = f
	s.mu.Unlock()

	_, err := f.Wait(ctx)
	return err
}

func (s *Service) uploadWithRetry(ctx context.Context, count int) error {
	for attempt := 0; ; attempt++ {
		err := s.uploadOnce(ctx, count)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || ctx.Err() != nil {
			return err
		}
		wait := s.backoff(attempt)
		s.logger.Warn("pre-key upload failed, retrying", "attempt", attempt+1, "backoff", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Service) backoff(attempt int) time.Duration {
	d := s.backoffBase << attempt
	if d > s.backoffMax || d <= 0 {
		return s.backoffMax
	}
	return d
}

func (s *Service) uploadOnce(ctx context.Context, count int) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	defer cancel()

	batch, last, err := s.NextPreKeys(ctx, count)
	if err != nil {
		return err
	}
	creds, err := s.account.Creds(ctx)
	if err != nil {
		return err
	}
	resp, err := s.querier.Query(ctx, uploadNode(creds, batch), s.cfg.UploadTimeout)
	if err != nil {
		return err
	}
	if resp == nil {
		return ErrNoResponse
	}
	if err := s.account.Update(ctx, func(c *domain.AuthCreds) error {
		c.FirstUnuploadedPreKeyID = max(c.FirstUnuploadedPreKeyID, last+1)
		c.LastPreKeyUploadUnix = s.now().Unix()
		return nil
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastUpload = s.now()
	s.mu.Unlock()
	s.logger.Info("pre-keys uploaded", "count", len(batch), "last_id", last)
	return nil
}

// NextPreKeys returns count keys starting at the first one not yet
// uploaded, generating whatever is missing. It returns the keys in id order
// and the highest id.
func (s *Service) NextPreKeys(ctx context.Context, count int) ([]domain.PreKeyRecord, uint32, error) {
	if count <= 0 {
		return nil, 0, fmt.Errorf("prekey: count must be positive, got %d", count)
	}
	creds, err := s.account.Creds(ctx)
	if err != nil {
		return nil, 0, err
	}
	first, next := creds.FirstUnuploadedPreKeyID, creds.NextPreKeyID
	if first == 0 {
		first = 1
	}
	if next < first {
		next = first
	}
	last := first + uint32(count) - 1
	if last > maxKeyID {
		return nil, 0, fmt.Errorf("prekey: key id space exhausted at %d", first)
	}

	var batch []domain.PreKeyRecord
	err = s.keys.Transaction(ctx, nil, string(domain.KindPreKey), func(ctx context.Context, tx *keystore.Tx) error {
		fresh := make(map[string]domain.PreKeyRecord)
		for id := next; id <= last; id++ {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			fresh[keyID(id)] = domain.PreKeyRecord{ID: id, Priv: kp.Priv, Pub: kp.Pub}
		}
		if err := s.prekeys.Put(ctx, tx, fresh); err != nil {
			return err
		}
		ids := make([]string, 0, count)
		for id := first; id <= last; id++ {
			ids = append(ids, keyID(id))
		}
		got, err := s.prekeys.Get(ctx, tx, ids...)
		if err != nil {
			return err
		}
		batch = make([]domain.PreKeyRecord, 0, len(got))
		for _, rec := range got {
			batch = append(batch, rec)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	if last+1 > creds.NextPreKeyID {
		if err := s.account.Update(ctx, func(c *domain.AuthCreds) error {
			c.NextPreKeyID = max(c.NextPreKeyID, last+1)
			return nil
		}); err != nil {
			return nil, 0, err
		}
	}
	return batch, last, nil
}

func uploadNode(creds domain.AuthCreds, batch []domain.PreKeyRecord) domain.Node {
	keys := make([]domain.Node, 0, len(batch))
	for _, k := range batch {
		keys = append(keys, keyNode(k.ID, k.Pub, nil))
	}
	spk := creds.SignedPreKey
	skey := keyNode(spk.ID, spk.Pub, spk.Signature)
	skey.Tag = "skey"

	reg := make([]byte, 4)
	binary.BigEndian.PutUint32(reg, creds.RegistrationID)
	return domain.Node{
		Tag:   "iq",
		Attrs: domain.Attrs{"xmlns": "encrypt", "type": "set", "to": domain.ServerJID.String()},
		Children: []domain.Node{
			{Tag: "registration", Payload: reg},
			{Tag: "type", Payload: []byte{domain.KeyTypeDJB}},
			{Tag: "identity", Payload: creds.Identity.XPub.Slice()},
			{Tag: "signing", Payload: creds.Identity.EdPub.Slice()},
			{Tag: "list", Children: keys},
			skey,
		},
	}
}

func keyNode(id uint32, pub domain.X25519Public, sig []byte) domain.Node {
	n := domain.Node{
		Tag: "key",
		Children: []domain.Node{
			{Tag: "id", Payload: []byte{byte(id >> 16), byte(id >> 8), byte(id)}},
			{Tag: "value", Payload: pub.Slice()},
		},
	}
	if sig != nil {
		n.Children = append(n.Children, domain.Node{Tag: "signature", Payload: sig})
	}
	return n
}

func keyID(id uint32) string { return strconv.FormatUint(uint64(id), 10) }
