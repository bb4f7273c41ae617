package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"companion/internal/domain"
	"companion/internal/keystore"
	"companion/internal/protocol/group"
	"companion/internal/services/mapping"
)

// LocalKeysFunc loads this device's keys.
type LocalKeysFunc func(ctx context.Context) (LocalKeys, error)

// Option configures a Repository.
type Option func(*Repository)

// WithCipher replaces the one-to-one cipher.
func WithCipher(c Cipher) Option { return func(r *Repository) { r.cipher = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Repository) { r.logger = l } }

// Repository encrypts and decrypts messages over persisted session state.
//
// Every operation runs in one key-store transaction, keyed by the signal
// address for one-to-one calls and by the group for group calls, so
// concurrent calls for the same peer or group are serialized and each
// commits its state change at most once.
type Repository struct {
	keys       *keystore.Store
	mappings   *mapping.Store
	local      LocalKeysFunc
	cipher     Cipher
	logger     *slog.Logger
	sessions   keystore.Bucket[domain.SessionRecord]
	preKeys    keystore.Bucket[domain.PreKeyRecord]
	senderKeys keystore.Bucket[*group.SenderKeyRecord]
}

// New returns a Repository. mappings may be nil, in which case addresses
// are used as given.
func New(keys *keystore.Store, mappings *mapping.Store, local LocalKeysFunc, opts ...Option) *Repository {
	r := &Repository{
		keys:       keys,
		mappings:   mappings,
		local:      local,
		cipher:     RatchetCipher{},
		logger:     slog.New(slog.DiscardHandler),
		sessions:   keystore.NewBucket[domain.SessionRecord](keys, domain.KindSession),
		preKeys:    keystore.NewBucket[domain.PreKeyRecord](keys, domain.KindPreKey),
		senderKeys: keystore.NewBucket[*group.SenderKeyRecord](keys, domain.KindSenderKey),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "sessions")
	return r
}

// GroupCiphertext is an encrypted group message plus the distribution
// message recipients need to decrypt it.
type GroupCiphertext struct {
	Ciphertext   []byte
	Distribution []byte
}

// EncryptMessage encrypts plaintext for jid.
func (r *Repository) EncryptMessage(ctx context.Context, jid domain.JID, plaintext []byte) (domain.EncryptedMessage, error) {
	addr, err := r.wireAddress(ctx, jid)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}
	return keystore.Run(ctx, r.keys, nil, addr, func(ctx context.Context, tx *keystore.Tx) (domain.EncryptedMessage, error) {
		rec, ok, err := r.sessions.GetOne(ctx, tx, addr)
		if err != nil {
			return domain.EncryptedMessage{}, err
		}
		if !ok {
			return domain.EncryptedMessage{}, fmt.Errorf("%w: %s", ErrNoSession, addr)
		}
		msg, err := r.cipher.Encrypt(&rec, plaintext)
		if err != nil {
			return domain.EncryptedMessage{}, err
		}
		return msg, r.sessions.PutOne(ctx, tx, addr, rec)
	})
}

// DecryptMessage decrypts a one-to-one message from jid.
func (r *Repository) DecryptMessage(ctx context.Context, jid domain.JID, msg domain.EncryptedMessage) ([]byte, error) {
	addr, err := r.wireAddress(ctx, jid)
	if err != nil {
		return nil, err
	}
	local, err := r.local(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: local keys: %w", err)
	}
	return keystore.Run(ctx, r.keys, nil, addr, func(ctx context.Context, tx *keystore.Tx) ([]byte, error) {
		var current *domain.SessionRecord
		rec, ok, err := r.sessions.GetOne(ctx, tx, addr)
		if err != nil {
			return nil, err
		}
		if ok {
			current = &rec
		}
		updated, pt, err := r.cipher.Decrypt(current, local, msg, txPreKeys{ctx: ctx, tx: tx, bucket: r.preKeys})
		if err != nil {
			return nil, err
		}
		return pt, r.sessions.PutOne(ctx, tx, addr, updated)
	})
}

// InjectE2ESession starts a session with jid from its pre-key bundle,
// replacing any existing one.
func (r *Repository) InjectE2ESession(ctx context.Context, jid domain.JID, bundle domain.PreKeyBundle) error {
	addr, err := r.wireAddress(ctx, jid)
	if err != nil {
		return err
	}
	local, err := r.local(ctx)
	if err != nil {
		return fmt.Errorf("session: local keys: %w", err)
	}
	return r.keys.Transaction(ctx, nil, addr, func(ctx context.Context, tx *keystore.Tx) error {
		rec, err := r.cipher.Initiate(local, bundle)
		if err != nil {
			return err
		}
		r.logger.Debug("session injected", "address", addr)
		return r.sessions.PutOne(ctx, tx, addr, rec)
	})
}

// ValidateSession reports whether an open session with jid exists, and
// why not when it does not.
func (r *Repository) ValidateSession(ctx context.Context, jid domain.JID) (bool, string, error) {
	addr, err := r.wireAddress(ctx, jid)
	if err != nil {
		return false, "", err
	}
	rec, ok, err := r.sessions.GetOne(ctx, nil, addr)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "no session", nil
	}
	if len(rec.State.SendCK) == 0 && len(rec.State.RecvCK) == 0 {
		return false, "no open session", nil
	}
	return true, "", nil
}

// MigrateSession moves the session stored under a PN address to the
// matching LID address and records the mapping, in one transaction. It
// reports whether a session was moved.
func (r *Repository) MigrateSession(ctx context.Context, pn, lid domain.JID) (bool, error) {
	if !pn.IsPN() || !lid.IsLID() {
		return false, fmt.Errorf("session: migrate needs a PN and a LID address, got %s and %s", pn, lid)
	}
	from := pn.SignalAddress().String()
	to := lid.SignalAddress().String()
	return keystore.Run(ctx, r.keys, nil, to, func(ctx context.Context, tx *keystore.Tx) (bool, error) {
		if r.mappings != nil {
			r.mappings.StoreMappings(ctx, tx, []mapping.Pair{{PN: pn, LID: lid}})
		}
		recs, err := r.sessions.Get(ctx, tx, from, to)
		if err != nil {
			return false, err
		}
		rec, ok := recs[from]
		if !ok {
			return false, nil
		}
		if _, exists := recs[to]; exists {
			r.logger.Debug("LID session already present, dropping PN session", "from", from, "to", to)
			return false, r.sessions.Delete(ctx, tx, from)
		}
		if err := r.sessions.PutOne(ctx, tx, to, rec); err != nil {
			return false, err
		}
		r.logger.Info("session migrated", "from", from, "to", to)
		return true, r.sessions.Delete(ctx, tx, from)
	})
}

// EncryptGroupMessage encrypts plaintext for grp as me, creating the
// sending chain on first use.
func (r *Repository) EncryptGroupMessage(ctx context.Context, grp, me domain.JID, plaintext []byte) (GroupCiphertext, error) {
	name := senderKeyName(grp, me)
	return keystore.Run(ctx, r.keys, nil, grp.String(), func(ctx context.Context, tx *keystore.Tx) (GroupCiphertext, error) {
		rec, ok, err := r.senderKeys.GetOne(ctx, tx, name)
		if err != nil {
			return GroupCiphertext{}, err
		}
		if !ok || rec == nil {
			rec = group.NewSenderKeyRecord()
		}
		dist, err := group.NewDistributionMessage(rec)
		if err != nil {
			return GroupCiphertext{}, err
		}
		ct, err := group.Encrypt(rec, plaintext)
		if err != nil {
			return GroupCiphertext{}, err
		}
		if err := r.senderKeys.PutOne(ctx, tx, name, rec); err != nil {
			return GroupCiphertext{}, err
		}
		return GroupCiphertext{Ciphertext: ct, Distribution: dist.Marshal()}, nil
	})
}

// DecryptGroupMessage decrypts a sender-key message author sent to grp.
func (r *Repository) DecryptGroupMessage(ctx context.Context, grp, author domain.JID, msg []byte) ([]byte, error) {
	author, err := r.resolve(ctx, author)
	if err != nil {
		return nil, err
	}
	name := senderKeyName(grp, author)
	return keystore.Run(ctx, r.keys, nil, grp.String(), func(ctx context.Context, tx *keystore.Tx) ([]byte, error) {
		rec, ok, err := r.senderKeys.GetOne(ctx, tx, name)
		if err != nil {
			return nil, err
		}
		if !ok || rec == nil || rec.IsEmpty() {
			return nil, fmt.Errorf("%w: %s", group.ErrNoSenderKey, name)
		}
		pt, err := group.Decrypt(rec, msg)
		if err != nil {
			if errors.Is(err, group.ErrMessageKeyExhausted) {
				r.logger.Warn("group message key out of reach", "sender", name, "error", err)
			}
			return nil, err
		}
		return pt, r.senderKeys.PutOne(ctx, tx, name, rec)
	})
}

// ProcessSenderKeyDistribution installs the chain author announced for grp.
func (r *Repository) ProcessSenderKeyDistribution(ctx context.Context, grp, author domain.JID, skdm []byte) error {
	msg, err := group.ParseDistributionMessage(skdm)
	if err != nil {
		return err
	}
	author, err = r.resolve(ctx, author)
	if err != nil {
		return err
	}
	name := senderKeyName(grp, author)
	return r.keys.Transaction(ctx, nil, grp.String(), func(ctx context.Context, tx *keystore.Tx) error {
		rec, ok, err := r.senderKeys.GetOne(ctx, tx, name)
		if err != nil {
			return err
		}
		if !ok || rec == nil {
			rec = group.NewSenderKeyRecord()
		}
		group.ProcessDistributionMessage(rec, msg)
		return r.senderKeys.PutOne(ctx, tx, name, rec)
	})
}

// wireAddress is the signal address jid's session is stored under.
func (r *Repository) wireAddress(ctx context.Context, jid domain.JID) (string, error) {
	resolved, err := r.resolve(ctx, jid)
	if err != nil {
		return "", err
	}
	return resolved.SignalAddress().String(), nil
}

// resolve prefers the LID form of a PN address when one is known.
func (r *Repository) resolve(ctx context.Context, jid domain.JID) (domain.JID, error) {
	if r.mappings == nil || !jid.IsPN() {
		return jid, nil
	}
	lid, ok, err := r.mappings.LIDForPN(ctx, nil, jid)
	if err != nil {
		return domain.JID{}, fmt.Errorf("session: resolve %s: %w", jid, err)
	}
	if ok {
		return lid, nil
	}
	return jid, nil
}

func senderKeyName(grp, author domain.JID) string {
	return grp.String() + "::" + author.SignalAddress().String()
}

// txPreKeys takes one-time pre-keys inside the caller's transaction.
type txPreKeys struct {
	ctx    context.Context
	tx     *keystore.Tx
	bucket keystore.Bucket[domain.PreKeyRecord]
}

func (p txPreKeys) TakePreKey(id uint32) (domain.PreKeyRecord, bool, error) {
	key := strconv.FormatUint(uint64(id), 10)
	rec, ok, err := p.bucket.GetOne(p.ctx, p.tx, key)
	if err != nil || !ok {
		return domain.PreKeyRecord{}, ok, err
	}
	return rec, true, p.bucket.Delete(p.ctx, p.tx, key)
}
