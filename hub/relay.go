package hub

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type envelope struct {
	Origin  string `json:"origin"`
	Sender  string `json:"sender,omitempty"`
	Payload []byte `json:"payload"`
}

// Relay shares broadcasts between server instances through a Redis pub/sub
// channel. Messages published by this instance are not re-delivered
// locally.
type Relay struct {
	hub        *Hub
	rc         *redis.Client
	channel    string
	instanceID string
	log        *log.Logger

	retryDelay time.Duration
}

func NewRelay(h *Hub, rc *redis.Client, channel string, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{
		hub:        h,
		rc:         rc,
		channel:    channel,
		instanceID: uuid.NewString(),
		log:        logger,
		retryDelay: time.Second,
	}
}

// InstanceID identifies this process on the relay channel.
func (r *Relay) InstanceID() string { return r.instanceID }

// Publish forwards a payload already delivered locally to other instances.
func (r *Relay) Publish(ctx context.Context, senderID string, payload []byte) error {
	data, err := sonic.Marshal(envelope{Origin: r.instanceID, Sender: senderID, Payload: payload})
	if err != nil {
		return err
	}
	return r.rc.Publish(ctx, r.channel, data).Err()
}

// Run delivers payloads published by other instances to every local client
// until ctx is done, resubscribing if the channel closes.
func (r *Relay) Run(ctx context.Context) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				r.deliver(msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Error("relay channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retryDelay):
		}
	}
}

func (r *Relay) deliver(raw string) {
	var env envelope
	if err := sonic.UnmarshalString(raw, &env); err != nil {
		r.log.WithError(err).Warn("unable to parse relay message")
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	n := r.hub.Broadcast(nil, env.Payload)
	r.log.WithFields(log.Fields{"origin": env.Origin, "delivered": n}).Debug("relay message delivered")
}
