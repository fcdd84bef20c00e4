package anomaly

import "sync/atomic"

// Handle owns the active model. The scoring worker reads it on every
// transaction; training swaps in a new model without pausing scoring.
type Handle struct {
	model atomic.Pointer[Model]
}

// NewHandle returns a handle holding m, which may be nil.
func NewHandle(m *Model) *Handle {
	h := &Handle{}
	if m != nil {
		h.model.Store(m)
	}
	return h
}

// Current returns the active model, or nil if none has been loaded.
func (h *Handle) Current() *Model {
	return h.model.Load()
}

// Swap installs m and returns the previous model.
func (h *Handle) Swap(m *Model) *Model {
	return h.model.Swap(m)
}

// Trained reports whether a model is installed.
func (h *Handle) Trained() bool {
	return h.model.Load() != nil
}
