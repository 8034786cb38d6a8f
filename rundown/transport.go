package rundown

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// thin wrapper around a managed pub/sub channel. reconnects with exponential
// backoff, 1s doubling to a 30s cap, and abandons after a fixed maximum
// attempt count rather than retrying forever.

type ChannelStatus string

const (
	ChannelStatusSubscribed ChannelStatus = "subscribed"
	ChannelStatusError      ChannelStatus = "error"
	ChannelStatusClosed     ChannelStatus = "closed"
	ChannelStatusTimedOut   ChannelStatus = "timed_out"
)

type ChannelStatusFunction func(channelName string, status ChannelStatus, err error)

type ChannelMessageFunction func(channelName string, message []byte)

type BroadcastTransport interface {
	ChannelName() string
	Publish(message []byte) error
	AddMessageCallback(messageCallback ChannelMessageFunction) func()
	AddStatusCallback(statusCallback ChannelStatusFunction) func()
	Close()
}

type WebsocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	SubscribeTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration

	MinReconnectDelay    time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	SendBufferSize int
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		WsHandshakeTimeout:   5 * time.Second,
		SubscribeTimeout:     5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          45 * time.Second,
		PingTimeout:          15 * time.Second,
		MinReconnectDelay:    1 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		SendBufferSize:       32,
	}
}

type subscribeFrame struct {
	Channel string `json:"channel"`
	ByJwt   string `json:"byJwt"`
}

type WebsocketBroadcastTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url         string
	channelName string
	auth        *SessionAuth
	clock       Clock

	settings *WebsocketTransportSettings

	send chan []byte

	messageCallbacks *CallbackList[ChannelMessageFunction]
	statusCallbacks  *CallbackList[ChannelStatusFunction]
}

func NewWebsocketBroadcastTransportWithDefaults(
	ctx context.Context,
	url string,
	channelName string,
	auth *SessionAuth,
) *WebsocketBroadcastTransport {
	return NewWebsocketBroadcastTransport(
		ctx,
		url,
		channelName,
		auth,
		SystemClock(),
		DefaultWebsocketTransportSettings(),
	)
}

func NewWebsocketBroadcastTransport(
	ctx context.Context,
	url string,
	channelName string,
	auth *SessionAuth,
	clock Clock,
	settings *WebsocketTransportSettings,
) *WebsocketBroadcastTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WebsocketBroadcastTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		channelName:      channelName,
		auth:             auth,
		clock:            clock,
		settings:         settings,
		send:             make(chan []byte, settings.SendBufferSize),
		messageCallbacks: NewCallbackList[ChannelMessageFunction](),
		statusCallbacks:  NewCallbackList[ChannelStatusFunction](),
	}
	go transport.run()
	return transport
}

func (self *WebsocketBroadcastTransport) ChannelName() string {
	return self.channelName
}

func (self *WebsocketBroadcastTransport) AddMessageCallback(messageCallback ChannelMessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *WebsocketBroadcastTransport) AddStatusCallback(statusCallback ChannelStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *WebsocketBroadcastTransport) emitStatus(status ChannelStatus, err error) {
	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(self.channelName, status, err)
	}
}

func (self *WebsocketBroadcastTransport) emitMessage(message []byte) {
	for _, messageCallback := range self.messageCallbacks.Get() {
		messageCallback(self.channelName, message)
	}
}

func (self *WebsocketBroadcastTransport) Publish(message []byte) error {
	select {
	case self.send <- message:
		return nil
	case <-self.ctx.Done():
		return ErrChannelClosed
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("%w: send buffer full", ErrChannelNotReady)
	}
}

func (self *WebsocketBroadcastTransport) run() {
	defer self.cancel()

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.MinReconnectDelay
	reconnect.RandomizationFactor = 0
	reconnect.Multiplier = 2
	reconnect.MaxInterval = self.settings.MaxReconnectDelay
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()
	attempts := 0

	for {
		// an expired session short-circuits reconnection
		if self.auth.Expired(self.clock.Now()) {
			glog.Infof("[t]%s session expired\n", self.channelName)
			self.emitStatus(ChannelStatusClosed, ErrSessionExpired)
			return
		}

		ws, err := self.subscribe()
		if err != nil {
			attempts += 1
			glog.Infof("[t]%s subscribe error (%d) = %s\n", self.channelName, attempts, err)
			self.emitStatus(self.statusForError(err), err)
			if self.settings.MaxReconnectAttempts <= attempts {
				// fatal disconnected state, do not retry forever
				self.emitStatus(ChannelStatusClosed, ErrReconnectExhausted)
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(reconnect.NextBackOff()):
				continue
			}
		}

		attempts = 0
		reconnect.Reset()
		self.emitStatus(ChannelStatusSubscribed, nil)

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.emitStatus(ChannelStatusError, ErrChannelClosed)
	}
}

func (self *WebsocketBroadcastTransport) subscribe() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	subscribeBytes, err := json.Marshal(&subscribeFrame{
		Channel: self.channelName,
		ByJwt:   self.auth.ByJwt,
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.SubscribeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, subscribeBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.SubscribeTimeout))
	if messageType, message, err := ws.ReadMessage(); err != nil {
		return nil, err
	} else {
		// verify the subscribe echo
		switch messageType {
		case websocket.TextMessage:
			if !bytes.Equal(subscribeBytes, message) {
				return nil, fmt.Errorf("subscribe response error: bad bytes")
			}
		default:
			return nil, fmt.Errorf("subscribe response error")
		}
	}

	success = true
	return ws, nil
}

func (self *WebsocketBroadcastTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.channelName, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", self.channelName)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[tr]%s<- error = %s\n", self.channelName, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[tr]ping %s<-\n", self.channelName)
				continue
			}
			glog.V(2).Infof("[tr]%s<-\n", self.channelName)
			self.emitMessage(message)
		default:
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.channelName)
		}
	}
}

func (self *WebsocketBroadcastTransport) statusForError(err error) ChannelStatus {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ChannelStatusTimedOut
	}
	return ChannelStatusError
}

func (self *WebsocketBroadcastTransport) Close() {
	self.cancel()
}
