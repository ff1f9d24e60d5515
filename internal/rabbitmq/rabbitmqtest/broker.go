// Package rabbitmqtest provides an in-memory broker that speaks the subset
// of AMQP 0-9-1 the messaging core relies on. It implements
// rabbitmq.Connection and rabbitmq.Channel so tests can run publishers,
// subscribers and RPC calls end to end without a RabbitMQ server.
//
// Supported: direct and fanout exchanges, the default exchange, durable,
// exclusive and auto-delete queues, server-named queues, per-consumer
// prefetch, manual and automatic acknowledgement, requeue with quorum
// delivery counting, and dead-lettering through x-dead-letter-exchange.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/resumebus/internal/rabbitmq"
)

const deliveryBuffer = 256

// Published records one message accepted by the broker
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// QueueInfo is a snapshot of a queue
type QueueInfo struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
	Messages   int
	Unacked    int
	Consumers  int
}

// ExchangeInfo is a snapshot of an exchange
type ExchangeInfo struct {
	Name    string
	Kind    string
	Durable bool
}

// Broker is an in-memory message broker. The zero value is not usable; use
// NewBroker.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}

	dialErr       error
	channelErr    error
	publishErr    error
	dials         int
	queueDeletes  int
	channelOpens  int
	channelCloses int
	discarded     int
	published     []Published
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings map[string]map[string]struct{} // routing key -> queue names
}

type message struct {
	exchange      string
	routingKey    string
	pub           amqp.Publishing
	redelivered   bool
	deliveryCount int64
}

type queue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusive   bool
	args        amqp.Table
	owner       *Conn
	messages    []*message
	consumers   []*consumer
	unacked     int
	next        int
	deleted     bool
	hadConsumer bool
}

type consumer struct {
	tag        string
	ch         *Channel
	queue      *queue
	autoAck    bool
	unacked    int
	deliveries chan amqp.Delivery
}

type pending struct {
	msg      *message
	queue    *queue
	consumer *consumer
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dial opens a connection. Its signature matches rabbitmq.Dialer.
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	c := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetDialError makes every following Dial fail with err; nil restores
// normal dialing
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetChannelError makes every following Channel call fail with err
func (b *Broker) SetChannelError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// SetPublishError makes every following publish fail with err
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// DropConnections simulates a transport loss: every open connection is
// closed with a CONNECTION_FORCED error delivered to its close listeners.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
	}
}

// Publish injects a message as if a client had published it
func (b *Broker) Publish(exchangeName, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(exchangeName, routingKey, msg)
}

// Dials returns how many times Dial was called
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns the number of live connections
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// OpenChannels returns the number of open channels across all connections
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		n += len(c.channels)
	}
	return n
}

// ChannelOpens returns how many channels were ever opened
func (b *Broker) ChannelOpens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelOpens
}

// ChannelCloses returns how many channels were closed
func (b *Broker) ChannelCloses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelCloses
}

// QueueDeletes returns how many explicit queue deletes were served
func (b *Broker) QueueDeletes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueDeletes
}

// Discarded returns how many messages were rejected without requeue and
// had no dead-letter route
func (b *Broker) Discarded() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}

// PublishedMessages returns every accepted publish in order
func (b *Broker) PublishedMessages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// Queue returns a snapshot of the named queue
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	return QueueInfo{
		Name:       q.name,
		Durable:    q.durable,
		AutoDelete: q.autoDelete,
		Exclusive:  q.exclusive,
		Args:       q.args,
		Messages:   len(q.messages),
		Unacked:    q.unacked,
		Consumers:  len(q.consumers),
	}, true
}

// QueueNames returns the names of all queues, sorted
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exchange returns a snapshot of the named exchange
func (b *Broker) Exchange(name string) (ExchangeInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return ExchangeInfo{}, false
	}
	return ExchangeInfo{Name: ex.name, Kind: ex.kind, Durable: ex.durable}, true
}

// Bindings returns the queues bound to exchange under routingKey, sorted
func (b *Broker) Bindings(exchangeName, routingKey string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	var names []string
	for name := range ex.bindings[routingKey] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Broker) publishLocked(exchangeName, routingKey string, msg amqp.Publishing) error {
	if b.publishErr != nil {
		return b.publishErr
	}

	var targets []*queue
	if exchangeName == rabbitmq.DefaultExchange {
		if q, ok := b.queues[routingKey]; ok {
			targets = append(targets, q)
		}
	} else {
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return &amqp.Error{
				Code:   amqp.NotFound,
				Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName),
				Server: true,
			}
		}
		var names map[string]struct{}
		if ex.kind == amqp.ExchangeFanout {
			names = make(map[string]struct{})
			for _, set := range ex.bindings {
				for n := range set {
					names[n] = struct{}{}
				}
			}
		} else {
			names = ex.bindings[routingKey]
		}
		for n := range names {
			if q, ok := b.queues[n]; ok {
				targets = append(targets, q)
			}
		}
	}

	b.published = append(b.published, Published{Exchange: exchangeName, RoutingKey: routingKey, Msg: msg})

	for _, q := range targets {
		q.messages = append(q.messages, &message{
			exchange:   exchangeName,
			routingKey: routingKey,
			pub:        msg,
		})
		b.dispatchLocked(q)
	}
	return nil
}

// dispatchLocked hands queued messages to consumers with spare prefetch
// capacity, round robin
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 && !q.deleted {
		c := q.nextConsumer()
		if c == nil {
			return
		}

		msg := q.messages[0]
		d := c.ch.deliveryLocked(c, msg)
		select {
		case c.deliveries <- d:
		default:
			// consumer buffer is full; leave the message queued
			if !c.autoAck {
				delete(c.ch.unacked, d.DeliveryTag)
				c.unacked--
				q.unacked--
			}
			return
		}
		q.messages = q.messages[1:]
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.autoAck || c.ch.prefetch == 0 || c.unacked < c.ch.prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (q *queue) isQuorum() bool {
	t, _ := q.args[rabbitmq.ArgQueueType].(string)
	return t == "quorum"
}

// returnLocked settles a pending message that was not acked
func (b *Broker) returnLocked(p *pending, requeue bool) {
	q := p.queue
	if q.deleted {
		return
	}

	if requeue {
		p.msg.redelivered = true
		if q.isQuorum() {
			p.msg.deliveryCount++
		}
		q.messages = append([]*message{p.msg}, q.messages...)
		b.dispatchLocked(q)
		return
	}

	dlx, _ := q.args[rabbitmq.ArgDeadLetterExchange].(string)
	if dlx == "" {
		b.discarded++
		return
	}
	key, _ := q.args[rabbitmq.ArgDeadLetterRoutingKey].(string)
	if key == "" {
		key = p.msg.routingKey
	}
	msg := p.msg.pub
	msg.Headers = copyTable(msg.Headers)
	msg.Headers["x-first-death-queue"] = q.name
	msg.Headers["x-first-death-reason"] = "rejected"
	if err := b.publishLocked(dlx, key, msg); err != nil {
		b.discarded++
	}
}

func (b *Broker) deleteQueueLocked(q *queue) int {
	if q.deleted {
		return 0
	}
	q.deleted = true
	n := len(q.messages)
	q.messages = nil
	for _, c := range q.consumers {
		delete(c.ch.consumers, c.tag)
		close(c.deliveries)
	}
	q.consumers = nil
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		for _, set := range ex.bindings {
			delete(set, q.name)
		}
	}
	return n
}

func copyTable(t amqp.Table) amqp.Table {
	out := make(amqp.Table, len(t)+2)
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Conn is a connection to a Broker
type Conn struct {
	broker   *Broker
	closed   bool
	notify   []chan *amqp.Error
	channels map[*Channel]struct{}
}

// Channel opens a channel
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if b.channelErr != nil {
		return nil, b.channelErr
	}

	ch := &Channel{
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*pending),
	}
	c.channels[ch] = struct{}{}
	b.channelOpens++
	return ch, nil
}

// NotifyClose registers a listener for connection closure
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	closed := c.closed
	c.broker.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	delete(b.conns, c)

	for ch := range c.channels {
		ch.closeLocked()
	}

	for _, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(q)
		}
	}

	for _, n := range c.notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

// Channel is a channel on a Conn. It is also the amqp.Acknowledger of the
// deliveries it hands out.
type Channel struct {
	conn      *Conn
	closed    bool
	prefetch  int
	nextTag   uint64
	consumers map[string]*consumer
	unacked   map[uint64]*pending
}

func (ch *Channel) broker() *Broker { return ch.conn.broker }

func (ch *Channel) closedErr() error { return amqp.ErrClosed }

// Qos sets per-consumer prefetch
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ch.closedErr()
	}
	ch.prefetch = prefetchCount
	return nil
}

// ExchangeDeclare declares an exchange
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ch.closedErr()
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name),
				Server: true,
			}
		}
		return nil
	}

	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout:
	default:
		return &amqp.Error{Code: amqp.NotImplemented, Reason: "exchange kind " + kind + " not supported", Server: true}
	}

	b.exchanges[name] = &exchange{
		name:     name,
		kind:     kind,
		durable:  durable,
		bindings: make(map[string]map[string]struct{}),
	}
	return nil
}

// QueueDeclare declares a queue; an empty name gets a server-generated one
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, ch.closedErr()
	}

	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.ResourceLocked,
				Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to queue '%s'", name),
				Server: true,
			}
		}
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive || !sameArgs(q.args, args) {
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name),
				Server: true,
			}
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       args,
	}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if fmt.Sprint(b[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ch.closedErr()
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName), Server: true}
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name), Server: true}
	}

	set, ok := ex.bindings[key]
	if !ok {
		set = make(map[string]struct{})
		ex.bindings[key] = set
	}
	set[name] = struct{}{}
	return nil
}

// QueueDelete deletes a queue and returns the number of messages it held
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return 0, ch.closedErr()
	}

	b.queueDeletes++
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	return b.deleteQueueLocked(q), nil
}

// Consume starts a consumer on a queue
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, ch.closedErr()
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName), Server: true}
	}
	if tag == "" {
		tag = "amq.ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + tag + "'", Server: true}
	}

	c := &consumer{
		tag:        tag,
		ch:         ch,
		queue:      q,
		autoAck:    autoAck,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumer = true
	b.dispatchLocked(q)
	return c.deliveries, nil
}

// Cancel stops a consumer and closes its delivery channel. Unacked
// deliveries stay pending until settled or the channel closes.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ch.closedErr()
	}
	ch.cancelLocked(tag)
	return nil
}

func (ch *Channel) cancelLocked(tag string) {
	b := ch.broker()
	c, ok := ch.consumers[tag]
	if !ok {
		return
	}
	delete(ch.consumers, tag)
	close(c.deliveries)

	q := c.queue
	for i, qc := range q.consumers {
		if qc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}
	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 {
		b.deleteQueueLocked(q)
	}
}

// PublishWithContext publishes a message
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ch.closedErr()
	}
	return b.publishLocked(exchangeName, key, msg)
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close closes the channel, cancelling its consumers and requeueing its
// unacked deliveries
func (ch *Channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil
	}
	ch.closeLocked()
	return nil
}

func (ch *Channel) closeLocked() {
	b := ch.broker()
	ch.closed = true
	b.channelCloses++
	delete(ch.conn.channels, ch)

	for tag := range ch.consumers {
		ch.cancelLocked(tag)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		p := ch.unacked[tag]
		delete(ch.unacked, tag)
		p.queue.unacked--
		b.returnLocked(p, true)
	}
}

func (ch *Channel) deliveryLocked(c *consumer, msg *message) amqp.Delivery {
	ch.nextTag++
	tag := ch.nextTag

	if !c.autoAck {
		ch.unacked[tag] = &pending{msg: msg, queue: c.queue, consumer: c}
		c.unacked++
		c.queue.unacked++
	}

	headers := msg.pub.Headers
	if msg.deliveryCount > 0 {
		headers = copyTable(headers)
		headers[rabbitmq.HeaderDeliveryCount] = msg.deliveryCount
	}

	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         headers,
		ContentType:     msg.pub.ContentType,
		ContentEncoding: msg.pub.ContentEncoding,
		DeliveryMode:    msg.pub.DeliveryMode,
		Priority:        msg.pub.Priority,
		CorrelationId:   msg.pub.CorrelationId,
		ReplyTo:         msg.pub.ReplyTo,
		Expiration:      msg.pub.Expiration,
		MessageId:       msg.pub.MessageId,
		Timestamp:       msg.pub.Timestamp,
		Type:            msg.pub.Type,
		UserId:          msg.pub.UserId,
		AppId:           msg.pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            msg.pub.Body,
	}
}

// Ack acknowledges a delivery
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(p *pending) {})
}

// Nack negatively acknowledges a delivery
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker()
	return ch.settle(tag, multiple, func(p *pending) { b.returnLocked(p, requeue) })
}

// Reject rejects a single delivery
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, then func(*pending)) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ch.closedErr()
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else {
		if _, ok := ch.unacked[tag]; !ok {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag), Server: true}
		}
		tags = []uint64{tag}
	}

	touched := make(map[*queue]struct{})
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.unacked--
		p.queue.unacked--
		then(p)
		touched[p.queue] = struct{}{}
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
	return nil
}

var (
	_ rabbitmq.Connection = (*Conn)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)
