package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Forwarder 把广播消息转发到外部消息系统
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, msg inter.Message) error
	Close() error
}

// Pump 从订阅中读取消息并转发，直到 ctx 结束或订阅关闭
// 转发失败只记录日志，不会中断
func Pump(ctx context.Context, sub *Subscription, f Forwarder) error {
	log := sinkLog(f.Name())
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := f.Forward(ctx, msg); err != nil {
				log.Warn().Err(err).Str("device", msg.DeviceID).Str("kind", string(msg.Kind)).Msg("转发消息失败")
			}
		}
	}
}

func sinkLog(name string) zerolog.Logger {
	return logger.WithComponent("broadcast").With().Str("sink", name).Logger()
}

func joinTopic(sep, prefix string, msg inter.Message) string {
	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, strings.TrimSuffix(prefix, sep))
	}
	return strings.Join(append(parts, msg.DeviceID, string(msg.Kind)), sep)
}

// =============================================================================
// NATS
// =============================================================================

// NATSForwarder 发布到 <prefix>.<device>.<kind>
type NATSForwarder struct {
	nc     *nats.Conn
	prefix string
}

// DialNATS 连接 NATS 并创建转发器
func DialNATS(url, prefix string) (*NATSForwarder, error) {
	log := sinkLog("nats")
	nc, err := nats.Connect(url,
		nats.Name("goster-gps"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS 连接断开")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS 已重连")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS 错误")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return NewNATSForwarder(nc, prefix), nil
}

func NewNATSForwarder(nc *nats.Conn, prefix string) *NATSForwarder {
	return &NATSForwarder{nc: nc, prefix: prefix}
}

func (f *NATSForwarder) Name() string { return "nats" }

// Subject 消息对应的 NATS subject
func (f *NATSForwarder) Subject(msg inter.Message) string {
	return joinTopic(".", f.prefix, msg)
}

func (f *NATSForwarder) Forward(_ context.Context, msg inter.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return f.nc.Publish(f.Subject(msg), data)
}

func (f *NATSForwarder) Close() error {
	if err := f.nc.Drain(); err != nil {
		f.nc.Close()
		return err
	}
	return nil
}

// =============================================================================
// MQTT
// =============================================================================

// MQTTForwarder 发布到 <prefix>/<device>/<kind>
type MQTTForwarder struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// DialMQTT 连接 MQTT broker 并创建转发器
func DialMQTT(broker, clientID, prefix string, qos byte) (*MQTTForwarder, error) {
	log := sinkLog("mqtt")
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(_ mqtt.Client) {
		log.Info().Str("broker", broker).Msg("MQTT 已连接")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT 连接断开")
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("连接 MQTT 失败: %w", token.Error())
	}
	return NewMQTTForwarder(client, prefix, qos), nil
}

func NewMQTTForwarder(client mqtt.Client, prefix string, qos byte) *MQTTForwarder {
	return &MQTTForwarder{client: client, prefix: prefix, qos: qos}
}

func (f *MQTTForwarder) Name() string { return "mqtt" }

// Topic 消息对应的 MQTT topic
func (f *MQTTForwarder) Topic(msg inter.Message) string {
	return joinTopic("/", f.prefix, msg)
}

func (f *MQTTForwarder) Forward(_ context.Context, msg inter.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token := f.client.Publish(f.Topic(msg), f.qos, false, data)
	if f.qos == 0 {
		return nil
	}
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("MQTT 发布超时")
	}
	return token.Error()
}

func (f *MQTTForwarder) Close() error {
	f.client.Disconnect(250)
	return nil
}

// =============================================================================
// AMQP (RabbitMQ)
// =============================================================================

// AMQPPublisher AMQP 通道中转发器用到的部分
type AMQPPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPForwarder 发布到 topic exchange，routing key 为 <device>.<kind>
type AMQPForwarder struct {
	conn     *amqp.Connection
	ch       AMQPPublisher
	exchange string
}

// DialAMQP 连接 RabbitMQ 并声明 topic exchange
func DialAMQP(url, exchange string) (*AMQPForwarder, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("打开 AMQP 通道失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 exchange 失败: %w", err)
	}
	f := NewAMQPForwarder(ch, exchange)
	f.conn = conn
	return f, nil
}

func NewAMQPForwarder(ch AMQPPublisher, exchange string) *AMQPForwarder {
	return &AMQPForwarder{ch: ch, exchange: exchange}
}

func (f *AMQPForwarder) Name() string { return "amqp" }

// RoutingKey 消息对应的 routing key
func (f *AMQPForwarder) RoutingKey(msg inter.Message) string {
	return joinTopic(".", "", msg)
}

func (f *AMQPForwarder) Forward(ctx context.Context, msg inter.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return f.ch.PublishWithContext(ctx, f.exchange, f.RoutingKey(msg), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    msg.Timestamp,
		Body:         data,
	})
}

func (f *AMQPForwarder) Close() error {
	err := f.ch.Close()
	if f.conn != nil {
		if cerr := f.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
