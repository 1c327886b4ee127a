package handler

import (
	"fmt"
	"sync"

	"github.com/tallybook/flowengine/core"
)

type ErrHandlerAlreadyRegistered struct {
	msg string
}

func (e *ErrHandlerAlreadyRegistered) Error() string {
	return e.msg
}

type ErrInvalidHandler struct {
	msg string
}

func (e *ErrInvalidHandler) Error() string {
	return e.msg
}

type Registry struct {
	sync.RWMutex

	handlers map[core.TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[core.TaskType]Handler),
	}
}

// NewDefaultRegistry returns a registry with the built-in handlers for every task type.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range []Handler{
		NewSystemHandler(),
		NewTimerHandler(),
		NewHTTPHandler(),
		NewEmailHandler(),
		NewHumanHandler(),
		NewAIHandler(),
	} {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}

	return r
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return &ErrInvalidHandler{"handler is nil"}
	}

	t := h.Type()
	if !t.Valid() {
		return &ErrInvalidHandler{fmt.Sprintf("handler has unknown task type %q", t)}
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.handlers[t]; ok {
		return &ErrHandlerAlreadyRegistered{fmt.Sprintf("handler for task type %q already registered", t)}
	}

	r.handlers[t] = h

	return nil
}

func (r *Registry) Get(t core.TaskType) (Handler, bool) {
	r.RLock()
	defer r.RUnlock()

	h, ok := r.handlers[t]
	return h, ok
}
