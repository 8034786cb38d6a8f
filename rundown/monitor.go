package rundown

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// merges liveness of the logical channels of one document session into a
// single user-facing status, and escalates sustained failure:
// soft warning -> "will auto-refresh" -> one-shot forced reload.

type WarningLevel int

const (
	WarningNone WarningLevel = 0
	// visible but non-blocking status indicator
	WarningSoft        WarningLevel = 1
	WarningAutoRefresh WarningLevel = 2
	WarningReload      WarningLevel = 3
)

type ConnectionHealth struct {
	ChannelConnected    map[string]bool
	AllConnected        bool
	AnyDisconnected     bool
	ConsecutiveFailures int
	Stabilizing         bool
}

type HealthFunction func(health *ConnectionHealth, level WarningLevel)

type ReloadFunction func(reason string)

type ConnectionMonitorSettings struct {
	SoftWarningFailures int
	AutoRefreshFailures int
	FatalFailures       int

	// wall-clock gap across a hidden/visible or focus transition beyond which
	// the client's transport assumptions are too stale to trust
	SuspendThreshold time.Duration
}

func DefaultConnectionMonitorSettings() *ConnectionMonitorSettings {
	return &ConnectionMonitorSettings{
		SoftWarningFailures: 3,
		AutoRefreshFailures: 6,
		FatalFailures:       10,
		SuspendThreshold:    60 * time.Second,
	}
}

type ConnectionMonitor struct {
	clock    Clock
	settings *ConnectionMonitorSettings
	reload   ReloadFunction

	stateLock sync.Mutex

	channelConnected    map[string]bool
	consecutiveFailures int
	stabilizing         bool
	reloaded            bool
	hiddenTime          time.Time

	healthCallbacks *CallbackList[HealthFunction]
}

func NewConnectionMonitorWithDefaults(reload ReloadFunction) *ConnectionMonitor {
	return NewConnectionMonitor(SystemClock(), reload, DefaultConnectionMonitorSettings())
}

func NewConnectionMonitor(clock Clock, reload ReloadFunction, settings *ConnectionMonitorSettings) *ConnectionMonitor {
	if reload == nil {
		reload = func(reason string) {}
	}
	return &ConnectionMonitor{
		clock:            clock,
		settings:         settings,
		reload:           reload,
		channelConnected: map[string]bool{},
		healthCallbacks:  NewCallbackList[HealthFunction](),
	}
}

func (self *ConnectionMonitor) AddHealthCallback(healthCallback HealthFunction) func() {
	callbackId := self.healthCallbacks.Add(healthCallback)
	return func() {
		self.healthCallbacks.Remove(callbackId)
	}
}

// registers a logical channel so the aggregate reflects it before the first
// status event arrives
func (self *ConnectionMonitor) AddChannel(channelName string) {
	self.stateLock.Lock()
	if _, ok := self.channelConnected[channelName]; !ok {
		self.channelConnected[channelName] = false
	}
	self.stateLock.Unlock()
}

// wires a transport's status callbacks into this monitor.
// returns the unsubscribe handle.
func (self *ConnectionMonitor) Watch(transport BroadcastTransport) func() {
	self.AddChannel(transport.ChannelName())
	return transport.AddStatusCallback(func(channelName string, status ChannelStatus, err error) {
		switch status {
		case ChannelStatusSubscribed:
			self.SetChannelConnected(channelName, true)
		default:
			self.SetChannelConnected(channelName, false)
		}
	})
}

func (self *ConnectionMonitor) SetChannelConnected(channelName string, connected bool) {
	var health *ConnectionHealth
	var level WarningLevel
	fireReload := false

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.channelConnected[channelName] = connected
		if connected {
			if self.allConnectedLocked() {
				self.consecutiveFailures = 0
				self.stabilizing = false
			} else {
				self.stabilizing = true
			}
		} else {
			self.consecutiveFailures += 1
			self.stabilizing = true
		}

		health = self.healthLocked()
		level = self.warningLevelLocked()

		if level == WarningReload && !self.reloaded {
			// one-shot: repeated failure past the threshold does not trigger
			// a second reload before the page actually reloads
			self.reloaded = true
			fireReload = true
		}
	}()

	for _, healthCallback := range self.healthCallbacks.Get() {
		healthCallback(health, level)
	}
	if fireReload {
		glog.Infof("[conn]%s reload at %d consecutive failures\n", channelName, health.ConsecutiveFailures)
		self.reload("consecutive connection failures")
	}
}

// a genuine multi-minute suspend (device sleep) is distinguished from an
// ordinary brief tab switch by the elapsed wall clock across the transition
func (self *ConnectionMonitor) HandleHidden() {
	self.stateLock.Lock()
	self.hiddenTime = self.clock.Now()
	self.stateLock.Unlock()
}

func (self *ConnectionMonitor) HandleVisible() {
	fireReload := false

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.hiddenTime.IsZero() {
			return
		}
		gap := self.clock.Now().Sub(self.hiddenTime)
		self.hiddenTime = time.Time{}
		if self.settings.SuspendThreshold <= gap && !self.reloaded {
			self.reloaded = true
			fireReload = true
			glog.Infof("[conn]suspend detected, gap %s\n", gap)
		}
	}()

	if fireReload {
		self.reload("suspend detected")
	}
}

func (self *ConnectionMonitor) Health() *ConnectionHealth {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.healthLocked()
}

func (self *ConnectionMonitor) WarningLevel() WarningLevel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.warningLevelLocked()
}

// must be called with `stateLock`
func (self *ConnectionMonitor) allConnectedLocked() bool {
	for _, connected := range self.channelConnected {
		if !connected {
			return false
		}
	}
	return true
}

// must be called with `stateLock`
func (self *ConnectionMonitor) healthLocked() *ConnectionHealth {
	allConnected := self.allConnectedLocked()
	return &ConnectionHealth{
		ChannelConnected:    maps.Clone(self.channelConnected),
		AllConnected:        allConnected,
		AnyDisconnected:     !allConnected,
		ConsecutiveFailures: self.consecutiveFailures,
		Stabilizing:         self.stabilizing,
	}
}

// must be called with `stateLock`
func (self *ConnectionMonitor) warningLevelLocked() WarningLevel {
	switch {
	case self.settings.FatalFailures <= self.consecutiveFailures:
		return WarningReload
	case self.settings.AutoRefreshFailures <= self.consecutiveFailures:
		return WarningAutoRefresh
	case self.settings.SoftWarningFailures <= self.consecutiveFailures:
		return WarningSoft
	default:
		return WarningNone
	}
}
