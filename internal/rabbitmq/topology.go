package rabbitmq

import (
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds
const (
	ExchangeDirect = amqp.ExchangeDirect
	ExchangeFanout = amqp.ExchangeFanout
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// TopologyManager declares exchanges, queues and bindings on a session.
// Exchange and EnsureQueue declarations are remembered per session so
// repeated sends do not pay a broker round trip each time.
type TopologyManager struct {
	declared sync.Map // "<session>/<exchange>" or "<session>/queue:<name>" -> struct{}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager() *TopologyManager {
	return &TopologyManager{}
}

// EnsureExchange declares the exchange once per session. The default
// exchange ("") is never declared.
func (tm *TopologyManager) EnsureExchange(sess Session, exchange ExchangeDeclaration) error {
	if exchange.Name == "" {
		return nil
	}

	key := fmt.Sprintf("%d/%s", sess.ID, exchange.Name)
	if _, ok := tm.declared.Load(key); ok {
		return nil
	}

	err := sess.Channel.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tm.declared.Store(key, struct{}{})
	return nil
}

// DeclareQueue declares a single queue. Named shared queues are declared on
// a short-lived side channel when the session has a connection: the broker
// closes the channel a conflicting declaration arrives on (406
// PRECONDITION_FAILED), and that must never be the session channel.
func (tm *TopologyManager) DeclareQueue(sess Session, queue QueueDeclaration) (amqp.Queue, error) {
	ch := sess.Channel
	if sess.Conn != nil && queue.Name != "" && !queue.Exclusive {
		side, err := sess.Conn.Channel()
		if err != nil {
			return amqp.Queue{}, queueError(queue, err)
		}
		defer func() {
			if !side.IsClosed() {
				_ = side.Close()
			}
		}()
		ch = side
	}

	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, queueError(queue, err)
	}
	return q, nil
}

// EnsureQueue declares a named queue once per session
func (tm *TopologyManager) EnsureQueue(sess Session, queue QueueDeclaration) error {
	key := fmt.Sprintf("%d/queue:%s", sess.ID, queue.Name)
	if _, ok := tm.declared.Load(key); ok {
		return nil
	}
	if _, err := tm.DeclareQueue(sess, queue); err != nil {
		return err
	}
	tm.declared.Store(key, struct{}{})
	return nil
}

func queueError(queue QueueDeclaration, err error) error {
	return &TopologyError{
		Component: "queue",
		Name:      queue.Name,
		Op:        "declare",
		Err:       err,
		Timestamp: time.Now(),
	}
}

// DeclareReplyQueue declares an exclusive, auto-deleted queue with a
// broker-generated name and returns that name.
func (tm *TopologyManager) DeclareReplyQueue(sess Session) (string, error) {
	q, err := tm.DeclareQueue(sess, QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(sess Session, binding Binding) error {
	err := sess.Channel.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Forget drops the remembered declarations of a session
func (tm *TopologyManager) Forget(sessionID uint64) {
	prefix := fmt.Sprintf("%d/", sessionID)
	tm.declared.Range(func(key, _ any) bool {
		if strings.HasPrefix(key.(string), prefix) {
			tm.declared.Delete(key)
		}
		return true
	})
}
