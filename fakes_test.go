package lockbox

import (
	"context"
	"sync"

	"southwinds.dev/lockbox/persist"
)

// fakeKeyStore wraps the software keystore with scriptable platform faults:
// hardware availability, permanent key invalidation and delete tracking.
type fakeKeyStore struct {
	inner    *SoftwareKeyStore
	hardware bool

	mu          sync.Mutex
	invalidated map[string]bool
	deletes     []string
}

func newFakeKeyStore(t interface{ Fatalf(string, ...interface{}) }, hardware bool) *fakeKeyStore {
	inner, err := NewEphemeralKeyStore()
	if err != nil {
		t.Fatalf("Failed to create keystore: %v", err)
	}
	return &fakeKeyStore{
		inner:       inner,
		hardware:    hardware,
		invalidated: make(map[string]bool),
	}
}

func (f *fakeKeyStore) invalidate(alias string) {
	f.mu.Lock()
	f.invalidated[alias] = true
	f.mu.Unlock()
}

func (f *fakeKeyStore) deletedAliases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *fakeKeyStore) GetOrCreateKey(alias string, spec KeySpec) (KeyHandle, error) {
	f.mu.Lock()
	gone := f.invalidated[alias]
	f.mu.Unlock()
	if gone {
		return nil, ErrKeyInvalidated
	}
	if spec.UseHardwareIsolation && !f.hardware {
		return nil, ErrHardwareUnavailable
	}
	spec.UseHardwareIsolation = false
	return f.inner.GetOrCreateKey(alias, spec)
}

func (f *fakeKeyStore) DeleteKey(alias string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, alias)
	delete(f.invalidated, alias)
	f.mu.Unlock()
	return f.inner.DeleteKey(alias)
}

func (f *fakeKeyStore) NewCipher(mode CipherMode, key KeyHandle, iv []byte) (Cipher, error) {
	return f.inner.NewCipher(mode, key, iv)
}

func (f *fakeKeyStore) HardwareIsolationAvailable() bool { return f.hardware }

// fakeAuthenticator approves, rejects or blocks according to its script.
type fakeAuthenticator struct {
	biometry   bool
	credential bool

	mu    sync.Mutex
	err   error // returned from Authorize when set
	block bool  // hold until the session context is canceled
	calls int
}

func (a *fakeAuthenticator) Authorize(ctx context.Context, c Cipher, allowed Authenticators, prompt Prompt) (Cipher, error) {
	a.mu.Lock()
	a.calls++
	err, block := a.err, a.block
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *fakeAuthenticator) BiometryAvailable() bool         { return a.biometry }
func (a *fakeAuthenticator) DeviceCredentialAvailable() bool { return a.credential }

// fakeWatcher feeds enrollment changes to the scheduler.
type fakeWatcher struct {
	ch chan CapabilityChangeKind
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{ch: make(chan CapabilityChangeKind, 4)}
}

func (w *fakeWatcher) EnrollmentChanges() <-chan CapabilityChangeKind { return w.ch }

// memStore is an in-memory persist.Store with per-key save failure injection.
type memStore struct {
	mu       sync.Mutex
	entries  map[string][]byte
	state    []byte
	failSave map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		entries:  make(map[string][]byte),
		failSave: make(map[string]error),
	}
}

func (s *memStore) SaveEntry(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failSave[key]; err != nil {
		return err
	}
	s.entries[key] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) LoadEntry(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.entries[key]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) DeleteEntry(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *memStore) ListEntries() ([]persist.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persist.Entry, 0, len(s.entries))
	for k, v := range s.entries {
		out = append(out, persist.Entry{Key: k, Data: append([]byte(nil), v...)})
	}
	return out, nil
}

func (s *memStore) SaveRotationState(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = append([]byte(nil), data...)
	return nil
}

func (s *memStore) LoadRotationState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, persist.ErrNotFound
	}
	return append([]byte(nil), s.state...), nil
}

func (s *memStore) RotationStateExists() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != nil, nil
}

func (s *memStore) Ping() error { return nil }

func (s *memStore) Close() error { return nil }

func (s *memStore) GetType() string { return "memory" }
