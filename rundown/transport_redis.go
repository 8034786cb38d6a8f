package rundown

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// broadcast transport over a redis pub/sub channel. subscribe failures retry
// with the same backoff schedule and fatal attempt cap as the websocket
// transport, and delivery status surfaces through the same callbacks so the
// connection monitor treats both uniformly.

type RedisTransportSettings struct {
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration

	MinReconnectDelay    time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
}

func DefaultRedisTransportSettings() *RedisTransportSettings {
	return &RedisTransportSettings{
		PublishTimeout:       5 * time.Second,
		SubscribeTimeout:     5 * time.Second,
		MinReconnectDelay:    1 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

type RedisBroadcastTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	client      *redis.Client
	channelName string

	settings *RedisTransportSettings

	messageCallbacks *CallbackList[ChannelMessageFunction]
	statusCallbacks  *CallbackList[ChannelStatusFunction]
}

func NewRedisBroadcastTransportWithDefaults(
	ctx context.Context,
	client *redis.Client,
	channelName string,
) *RedisBroadcastTransport {
	return NewRedisBroadcastTransport(ctx, client, channelName, DefaultRedisTransportSettings())
}

func NewRedisBroadcastTransport(
	ctx context.Context,
	client *redis.Client,
	channelName string,
	settings *RedisTransportSettings,
) *RedisBroadcastTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RedisBroadcastTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		client:           client,
		channelName:      channelName,
		settings:         settings,
		messageCallbacks: NewCallbackList[ChannelMessageFunction](),
		statusCallbacks:  NewCallbackList[ChannelStatusFunction](),
	}
	go transport.run()
	return transport
}

func (self *RedisBroadcastTransport) ChannelName() string {
	return self.channelName
}

func (self *RedisBroadcastTransport) AddMessageCallback(messageCallback ChannelMessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *RedisBroadcastTransport) AddStatusCallback(statusCallback ChannelStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *RedisBroadcastTransport) emitStatus(status ChannelStatus, err error) {
	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(self.channelName, status, err)
	}
}

func (self *RedisBroadcastTransport) Publish(message []byte) error {
	publishCtx, cancel := context.WithTimeout(self.ctx, self.settings.PublishTimeout)
	defer cancel()

	if err := self.client.Publish(publishCtx, self.channelName, message).Err(); err != nil {
		glog.Infof("[tredis]%s-> error = %s\n", self.channelName, err)
		return err
	}
	glog.V(2).Infof("[tredis]%s->\n", self.channelName)
	return nil
}

func (self *RedisBroadcastTransport) run() {
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
		pubsub, err := self.subscribe()
		if err != nil {
			attempts += 1
			glog.Infof("[tredis]%s subscribe error (%d) = %s\n", self.channelName, attempts, err)
			self.emitStatus(ChannelStatusError, err)
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

		self.consume(pubsub)
		pubsub.Close()

		select {
		case <-self.ctx.Done():
			self.emitStatus(ChannelStatusClosed, nil)
			return
		default:
		}
		self.emitStatus(ChannelStatusError, ErrChannelClosed)
	}
}

func (self *RedisBroadcastTransport) subscribe() (*redis.PubSub, error) {
	pubsub := self.client.Subscribe(self.ctx, self.channelName)

	receiveCtx, cancel := context.WithTimeout(self.ctx, self.settings.SubscribeTimeout)
	_, err := pubsub.Receive(receiveCtx)
	cancel()
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

func (self *RedisBroadcastTransport) consume(pubsub *redis.PubSub) {
	messages := pubsub.Channel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			glog.V(2).Infof("[tredis]%s<-\n", self.channelName)
			for _, messageCallback := range self.messageCallbacks.Get() {
				messageCallback(self.channelName, []byte(message.Payload))
			}
		}
	}
}

func (self *RedisBroadcastTransport) Close() {
	self.cancel()
}
