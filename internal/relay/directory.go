package relay

import (
	"slices"
	"sync"

	"companion/internal/domain"
)

// DeviceKeys is the public key material a device publishes with its
// pre-key uploads.
type DeviceKeys struct {
	RegistrationID uint32
	Identity       domain.X25519Public
	Signing        domain.Ed25519Public
	SignedPreKey   domain.SignedPreKey
}

type device struct {
	keys    *DeviceKeys
	preKeys map[uint32]domain.X25519Public
}

// Directory is the relay's in-memory state: the PN to LID table used for
// usync answers, which device each user logged in with, and the keys each
// device uploaded.
type Directory struct {
	mu      sync.RWMutex
	lids    map[string]string
	users   map[string]domain.X25519Public
	devices map[domain.X25519Public]*device
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		lids:    make(map[string]string),
		users:   make(map[string]domain.X25519Public),
		devices: make(map[domain.X25519Public]*device),
	}
}

// AddLID records that phone user pn is anonymous user lid.
func (d *Directory) AddLID(pn, lid string) {
	d.mu.Lock()
	d.lids[pn] = lid
	d.mu.Unlock()
}

// LID returns the anonymous user for pn.
func (d *Directory) LID(pn string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lid, ok := d.lids[pn]
	return lid, ok
}

// PN returns the phone user behind lid.
func (d *Directory) PN(lid string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for pn, l := range d.lids {
		if l == lid {
			return pn, true
		}
	}
	return "", false
}

// Bind records that user logs in with the device whose noise key is dev.
func (d *Directory) Bind(user string, dev domain.X25519Public) {
	d.mu.Lock()
	d.users[user] = dev
	d.mu.Unlock()
}

// Unbind forgets user's device and everything it uploaded.
func (d *Directory) Unbind(user string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, ok := d.users[user]; ok {
		delete(d.devices, dev)
		delete(d.users, user)
	}
}

// Registered reports whether pn has an account: a bound device or a LID.
func (d *Directory) Registered(pn string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, bound := d.users[pn]
	_, hasLID := d.lids[pn]
	return bound || hasLID
}

func (d *Directory) device(dev domain.X25519Public) *device {
	v := d.devices[dev]
	if v == nil {
		v = &device{preKeys: make(map[uint32]domain.X25519Public)}
		d.devices[dev] = v
	}
	return v
}

// StoreKeys replaces the identity material of dev.
func (d *Directory) StoreKeys(dev domain.X25519Public, keys DeviceKeys) {
	d.mu.Lock()
	d.device(dev).keys = &keys
	d.mu.Unlock()
}

// StorePreKeys adds uploaded pre-keys for the device with noise key dev.
func (d *Directory) StorePreKeys(dev domain.X25519Public, keys map[uint32]domain.X25519Public) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.device(dev).preKeys
	for id, pub := range keys {
		m[id] = pub
	}
}

// PreKeyCount returns how many pre-keys dev has on the server.
func (d *Directory) PreKeyCount(dev domain.X25519Public) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v := d.devices[dev]; v != nil {
		return len(v.preKeys)
	}
	return 0
}

// TakeBundle returns a pre-key bundle for user and removes the one-time
// pre-key it hands out, lowest id first. The bundle has no one-time
// pre-key once they are used up.
func (d *Directory) TakeBundle(user string) (domain.PreKeyBundle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.users[user]
	if !ok {
		return domain.PreKeyBundle{}, false
	}
	v := d.devices[dev]
	if v == nil || v.keys == nil {
		return domain.PreKeyBundle{}, false
	}
	b := domain.PreKeyBundle{
		RegistrationID:        v.keys.RegistrationID,
		IdentityKey:           v.keys.Identity,
		SigningKey:            v.keys.Signing,
		SignedPreKeyID:        v.keys.SignedPreKey.ID,
		SignedPreKey:          v.keys.SignedPreKey.Pub,
		SignedPreKeySignature: v.keys.SignedPreKey.Signature,
	}
	if len(v.preKeys) > 0 {
		ids := make([]uint32, 0, len(v.preKeys))
		for id := range v.preKeys {
			ids = append(ids, id)
		}
		id := slices.Min(ids)
		pub := v.preKeys[id]
		delete(v.preKeys, id)
		b.PreKeyID, b.PreKey = id, &pub
	}
	return b, true
}
