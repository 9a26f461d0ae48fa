package caresync

import (
	"sync"
	"time"
)

// observes the platform reachability signal and notifies subscribers
// exactly once per observed transition. Redundant repeats from the
// platform are absorbed here so downstream consumers (queue drain,
// channel reconnect, cache refresh) only see real changes.

type ConnectivityChangeFunction = func(online bool)

// the platform reachability api, injected by the host app.
// implementations wrap whatever the platform exposes
// (NWPathMonitor, ConnectivityManager, netlink, ...).
type ReachabilitySource interface {
	Reachable() bool
	AddReachabilityCallback(callback ConnectivityChangeFunction) func()
}

type ConnectivityMonitor struct {
	source ReachabilitySource

	stateLock          sync.Mutex
	online             bool
	lastTransitionTime time.Time

	unsubSource func()

	changeCallbacks *CallbackList[ConnectivityChangeFunction]
}

func NewConnectivityMonitor(source ReachabilitySource) *ConnectivityMonitor {
	monitor := &ConnectivityMonitor{
		source:             source,
		online:             source.Reachable(),
		lastTransitionTime: time.Now(),
		changeCallbacks:    NewCallbackList[ConnectivityChangeFunction](),
	}
	monitor.unsubSource = source.AddReachabilityCallback(monitor.update)
	return monitor
}

// never blocks and never fails. Unknown means last-known value.
func (self *ConnectivityMonitor) IsOnline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.online
}

func (self *ConnectivityMonitor) LastTransitionTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastTransitionTime
}

// the callback is invoked only on an actual value change,
// never on redundant repeats
func (self *ConnectivityMonitor) AddConnectivityChangeCallback(callback ConnectivityChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ConnectivityMonitor) update(online bool) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.online != online {
			self.online = online
			self.lastTransitionTime = time.Now()
			changed = true
		}
	}()

	if changed {
		for _, callback := range self.changeCallbacks.Get() {
			callback := callback
			handleCallback("[cm]", func() {
				callback(online)
			})
		}
	}
}

func (self *ConnectivityMonitor) Close() {
	if self.unsubSource != nil {
		self.unsubSource()
		self.unsubSource = nil
	}
}

// a reachability source toggled by hand.
// used by tests and by host apps that surface reachability
// through their own platform glue.
type ToggleReachability struct {
	stateLock sync.Mutex
	reachable bool

	reachabilityCallbacks *CallbackList[ConnectivityChangeFunction]
}

func NewToggleReachability(reachable bool) *ToggleReachability {
	return &ToggleReachability{
		reachable:             reachable,
		reachabilityCallbacks: NewCallbackList[ConnectivityChangeFunction](),
	}
}

func (self *ToggleReachability) Reachable() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.reachable
}

func (self *ToggleReachability) AddReachabilityCallback(callback ConnectivityChangeFunction) func() {
	callbackId := self.reachabilityCallbacks.Add(callback)
	return func() {
		self.reachabilityCallbacks.Remove(callbackId)
	}
}

// notifies on every call, including repeats of the current value.
// the monitor is responsible for absorbing the repeats.
func (self *ToggleReachability) Set(reachable bool) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.reachable = reachable
	}()

	for _, callback := range self.reachabilityCallbacks.Get() {
		callback(reachable)
	}
}
