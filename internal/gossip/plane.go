package gossip

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/graphchan/graphchan/internal/topics"
	"github.com/graphchan/graphchan/internal/xerrors"
)

const inboundBuffer = 256

// InboundEvent is one decoded gossip event stamped with the overlay peer
// that delivered it.
type InboundEvent struct {
	PeerID  string
	Topic   string
	Payload Payload
}

// NeighborEvent reports overlay mesh membership changes for observability.
type NeighborEvent struct {
	PeerID string
	Up     bool
}

// Plane owns the topic subscriptions and the publisher/receiver loops. All
// broadcasts flow through it so serialization is FIFO per topic; inbound
// events funnel into one bounded channel.
type Plane struct {
	ps     *pubsub.PubSub
	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	joined     map[string]*pubsub.Topic
	subscribed map[string]*pubsub.Subscription

	inbound   chan InboundEvent
	neighbors chan NeighborEvent
}

// NewPlane wires GossipSub over the host and starts watching neighbor
// connectivity. The caller subscribes topics afterwards.
func NewPlane(ctx context.Context, h host.Host) (*Plane, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Fatal, err, "create pubsub")
	}
	planeCtx, cancel := context.WithCancel(ctx)
	p := &Plane{
		ps:         ps,
		host:       h,
		ctx:        planeCtx,
		cancel:     cancel,
		joined:     make(map[string]*pubsub.Topic),
		subscribed: make(map[string]*pubsub.Subscription),
		inbound:    make(chan InboundEvent, inboundBuffer),
		neighbors:  make(chan NeighborEvent, 16),
	}
	h.Network().Notify(&notifee{plane: p})
	return p, nil
}

// Inbound is the stream of decoded events from every subscribed topic.
func (p *Plane) Inbound() <-chan InboundEvent { return p.inbound }

// Neighbors is the stream of mesh up/down events.
func (p *Plane) Neighbors() <-chan NeighborEvent { return p.neighbors }

// join lazily joins a topic for publishing.
func (p *Plane) join(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.joined[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transient, err, "join topic "+name)
	}
	p.joined[name] = t
	logrus.Debugf("gossip: joined topic %s", name)
	return t, nil
}

// Broadcast publishes a payload on its derived topic.
func (p *Plane) Broadcast(payload Payload) error {
	return p.BroadcastOn(TopicFor(payload), payload)
}

// BroadcastOn publishes a payload on an explicit topic name.
func (p *Plane) BroadcastOn(topicName string, payload Payload) error {
	data, err := EncodeOn(topicName, payload)
	if err != nil {
		return err
	}
	t, err := p.join(topicName)
	if err != nil {
		return err
	}
	if err := t.Publish(p.ctx, data); err != nil {
		return xerrors.Wrap(xerrors.Transient, err, "publish "+topicName)
	}
	logrus.Infof("gossip: broadcast %s on %s (%d bytes)", payload.Kind(), topicName, len(data))
	return nil
}

// Subscribe starts consuming a topic, forwarding decoded events to the
// inbound channel. Subscribing twice is a no-op.
func (p *Plane) Subscribe(topicName string) error {
	t, err := p.join(topicName)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if _, ok := p.subscribed[topicName]; ok {
		p.mu.Unlock()
		return nil
	}
	sub, err := t.Subscribe()
	if err != nil {
		p.mu.Unlock()
		return xerrors.Wrap(xerrors.Transient, err, "subscribe "+topicName)
	}
	p.subscribed[topicName] = sub
	p.mu.Unlock()

	go p.receiveLoop(topicName, sub)
	return nil
}

// SubscribeGlobal joins the well-known global topic plus the local peer's
// inbox.
func (p *Plane) SubscribeGlobal(localPeerID string) error {
	if err := p.Subscribe(topics.GlobalTopicName); err != nil {
		return err
	}
	return p.Subscribe(topics.PeerInboxName(localPeerID))
}

// Unsubscribe stops consuming a topic.
func (p *Plane) Unsubscribe(topicName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subscribed[topicName]; ok {
		sub.Cancel()
		delete(p.subscribed, topicName)
	}
}

func (p *Plane) receiveLoop(topicName string, sub *pubsub.Subscription) {
	self := p.host.ID()
	for {
		msg, err := sub.Next(p.ctx)
		if err != nil {
			// Cancelled subscription or closing plane.
			logrus.Debugf("gossip: receiver for %s stopping: %v", topicName, err)
			return
		}
		if msg.GetFrom() == self {
			continue
		}
		_, payload, err := Decode(msg.Data)
		if err != nil {
			logrus.Warnf("gossip: drop undecodable envelope on %s (%d bytes): %v",
				topicName, len(msg.Data), err)
			continue
		}
		ev := InboundEvent{PeerID: msg.GetFrom().String(), Topic: topicName, Payload: payload}
		select {
		case p.inbound <- ev:
		default:
			// Slow consumer: drop and keep going, gossip redelivers.
			logrus.Warnf("gossip: inbound channel lagged, dropping %s from %s",
				payload.Kind(), ev.PeerID)
		}
	}
}

// Close tears down every subscription and the underlying context.
func (p *Plane) Close() {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, sub := range p.subscribed {
		sub.Cancel()
		delete(p.subscribed, name)
	}
	for name, t := range p.joined {
		if err := t.Close(); err != nil {
			logrus.Debugf("gossip: close topic %s: %v", name, err)
		}
		delete(p.joined, name)
	}
}

// notifee surfaces overlay connect/disconnect as neighbor events.
type notifee struct {
	plane *Plane
}

func (n *notifee) Connected(_ network.Network, conn network.Conn) {
	n.push(NeighborEvent{PeerID: conn.RemotePeer().String(), Up: true})
}

func (n *notifee) Disconnected(_ network.Network, conn network.Conn) {
	n.push(NeighborEvent{PeerID: conn.RemotePeer().String(), Up: false})
}

func (n *notifee) push(ev NeighborEvent) {
	select {
	case n.plane.neighbors <- ev:
	default:
	}
}

func (n *notifee) Listen(network.Network, ma.Multiaddr)      {}
func (n *notifee) ListenClose(network.Network, ma.Multiaddr) {}
