package caresync

import (
	"sync"

	"github.com/golang/glog"
)

// decoupling boundary between the realtime channel and feature code.
// maps event names to ordered lists of callbacks. Multiple independent
// subscribers per event name are supported; one feature registering a
// handler never clobbers another's handler for the same event.

type HandlerFunction = func(event Event)

type HandlerRegistry struct {
	stateLock     sync.Mutex
	eventHandlers map[string]*CallbackList[HandlerFunction]
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		eventHandlers: map[string]*CallbackList[HandlerFunction]{},
	}
}

// returns an unsubscribe handle
func (self *HandlerRegistry) RegisterHandler(eventName string, handler HandlerFunction) func() {
	handlers := func() *CallbackList[HandlerFunction] {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		handlers, ok := self.eventHandlers[eventName]
		if !ok {
			handlers = NewCallbackList[HandlerFunction]()
			self.eventHandlers[eventName] = handlers
		}
		return handlers
	}()

	callbackId := handlers.Add(handler)
	return func() {
		handlers.Remove(callbackId)
	}
}

// merges new event->callback entries into the registry.
// returns an unsubscribe handle that removes all of them.
func (self *HandlerRegistry) RegisterHandlers(handlers map[string]HandlerFunction) func() {
	unsubs := []func(){}
	for eventName, handler := range handlers {
		unsubs = append(unsubs, self.RegisterHandler(eventName, handler))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (self *HandlerRegistry) HandlerCount(eventName string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	handlers, ok := self.eventHandlers[eventName]
	if !ok {
		return 0
	}
	return handlers.Len()
}

// invokes every handler registered for the event name in registration
// order. Unknown event names are silently ignored. A handler panic is
// isolated and logged; it never suppresses sibling handlers or
// destabilizes the caller.
func (self *HandlerRegistry) Dispatch(event Event) {
	handlers := func() *CallbackList[HandlerFunction] {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		return self.eventHandlers[event.Name]
	}()

	if handlers == nil {
		glog.V(2).Infof("[hr]ignore %s\n", event.Name)
		return
	}

	for _, handler := range handlers.Get() {
		handler := handler
		handleCallback("[hr]", func() {
			handler(event)
		})
	}
}
