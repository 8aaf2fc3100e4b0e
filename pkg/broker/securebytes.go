package broker

import "sync"

// secureBytes holds decrypted DEK material and zeroes it on Wipe, rather
// than leaving plaintext key bytes to linger until the garbage collector
// gets around to them. Adapted from the teacher's pkg/kms secureBytes,
// which guarded unwrapped DEKs the same way inside its KMS service.
type secureBytes struct {
	mu   sync.RWMutex
	data []byte
}

func newSecureBytes(data []byte) *secureBytes {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &secureBytes{data: cp}
}

// Data returns a copy of the held bytes, so callers can't hold a
// reference into memory this type later wipes out from under them.
func (s *secureBytes) Data() []byte {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]byte, len(s.data))
	copy(cp, s.data)
	return cp
}

// Wipe zeroes the held bytes. Safe to call more than once.
func (s *secureBytes) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}
