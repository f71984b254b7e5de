package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
	confirms    chan amqp.Confirmation
}

func (r *rabbitMqBroker) newConnection() (*amqp.Connection, error) {
	conn, err := amqp.Dial(r.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			r.logger.Warn("connection closed", "error", err)
		}
	}()
	return conn, nil
}

// newPooledChannel opens a channel in confirm mode so every publish waits
// for the broker ack.
func newPooledChannel(conn *amqp.Connection) (*pooledChannel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return nil, err
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		confirms:    channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := r.newConnection()
	if err != nil {
		return err
	}
	r.connection = connection

	r.drainPool()
	for i := 0; i < r.settings.PoolSize; i++ {
		pc, err := newPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pc
	}

	r.logger.Info("connection and channel pool initialized", "pool_size", r.settings.PoolSize)
	return nil
}

// drainPool closes every idle channel. Callers hold r.mu.
func (r *rabbitMqBroker) drainPool() {
	for {
		select {
		case pc := <-r.channelPool:
			pc.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.currentConnection() == nil || r.currentConnection().IsClosed() {
				r.logger.Info("attempting to reconnect")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.Error("failed to reconnect", "error", err)
				} else {
					r.logger.Info("reconnected")
				}
			}
		case <-r.stopReconnect:
			r.logger.Info("stopping connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) currentConnection() *amqp.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connection
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				r.logger.Debug("discarding closed channel", "error", err)
				continue
			default:
				return pooledChan, nil
			}
		default:
			conn := r.currentConnection()
			if conn == nil || conn.IsClosed() {
				return nil, amqp.ErrClosed
			}
			return newPooledChannel(conn)
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		r.logger.Debug("discarding closed channel", "error", err)
		return
	default:
		select {
		case r.channelPool <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}
