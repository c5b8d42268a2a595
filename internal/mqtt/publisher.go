// Package mqtt publishes bridge state to an MQTT broker and accepts
// control commands over it. Topics live under a configurable prefix:
//
//	{prefix}/devices                          retained device list
//	{prefix}/devices/{name}/...               retained device state
//	{prefix}/devices/{name}/ports/{n}/...     retained per-connector state
//	{prefix}/devices/{name}/events/{event}    transient event stream
//	{prefix}/devices/{name}/command           inbound commands
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"chargeamps-bridge/internal/config"
)

// CommandHandler executes commands arriving over MQTT. The bridge service
// implements it.
type CommandHandler interface {
	HandleStart(device string, connector int) error
	HandleStop(device string, connector int) error
	HandleSetCurrent(device string, connector int, current float64) error
	HandleSetRFID(device string, connector int, enabled bool) error
	HandleSetCableLock(device string, connector int, locked bool) error
	HandleSetLight(device string, dimmer string, downLight *bool) error
	HandleSetOutlet(device string, on bool) error
}

// CommandRequest is the JSON payload accepted on the command topic. The
// bare strings "start" and "stop" are also accepted for convenience.
type CommandRequest struct {
	Action        string  `json:"action"`
	Connector     int     `json:"connector,omitempty"`
	Current       float64 `json:"current,omitempty"`
	On            *bool   `json:"on,omitempty"`
	Locked        *bool   `json:"locked,omitempty"`
	Dimmer        string  `json:"dimmer,omitempty"`
	DownLight     *bool   `json:"down_light,omitempty"`
	ResponseTopic string  `json:"response_topic,omitempty"`
}

// CommandResponse is published to the request's response topic when given.
type CommandResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// DeviceState is the retained device-level state.
type DeviceState struct {
	Online        bool      `json:"online"`
	Firmware      string    `json:"firmware,omitempty"`
	Protocol      string    `json:"protocol,omitempty"`
	Dimmer        string    `json:"dimmer,omitempty"`
	DownLight     *bool     `json:"down_light,omitempty"`
	OutletOn      *bool     `json:"outlet_on,omitempty"`
	TotalPowerKw  float64   `json:"total_power_kw"`
	TotalMeterKwh float64   `json:"total_meter_kwh"`
	Timestamp     time.Time `json:"timestamp"`
}

// PortState is the retained per-connector state.
type PortState struct {
	ConnectionState string  `json:"connection_state"`
	On              bool    `json:"on"`
	CurrentLimitA   float64 `json:"current_limit_a"`
	RFIDLock        bool    `json:"rfid_lock"`
	CableLock       bool    `json:"cable_lock"`
	NowKwh          float64 `json:"now_kwh"`
	LastSessionKwh  float64 `json:"last_session_kwh"`
	MeterKwh        float64 `json:"meter_kwh"`
	PowerKw         float64 `json:"power_kw"`
}

// EventMessage is the transient payload published on the event topics.
type EventMessage struct {
	Event     string    `json:"event"`
	Connector int       `json:"connector,omitempty"`
	Kwh       *float64  `json:"kwh,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceInfo is one row of the retained device list.
type DeviceInfo struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Model string `json:"model"`
}

// Publisher handles MQTT publishing and the command subscription.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	logger      *zap.Logger
	enabled     bool
	handler     CommandHandler
}

// NewPublisher connects to the broker and returns a publisher. The client
// auto-reconnects; a lost connection is logged, not fatal.
func NewPublisher(cfg config.MQTTConfig, logger *zap.Logger) (*Publisher, error) {
	span := tracer.StartSpan("mqtt.new_publisher")
	defer span.Finish()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT connected to broker", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("MQTT publisher initialized",
		zap.String("broker", cfg.Broker),
		zap.String("topic_prefix", cfg.TopicPrefix))

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		logger:      logger,
		enabled:     true,
	}, nil
}

// SubscribeToCommands subscribes to the command topics and routes incoming
// commands to the handler.
func (p *Publisher) SubscribeToCommands(handler CommandHandler) error {
	if !p.enabled {
		return nil
	}

	p.handler = handler

	commandTopic := fmt.Sprintf("%s/devices/+/command", p.topicPrefix)
	token := p.client.Subscribe(commandTopic, 1, p.handleCommandMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", commandTopic, token.Error())
	}

	p.logger.Info("Subscribed to MQTT command topic", zap.String("topic", commandTopic))
	return nil
}

// parseCommand decodes a command payload. JSON payloads carry the full
// request; the bare strings "start" and "stop" are shorthand.
func parseCommand(payload []byte) (CommandRequest, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return CommandRequest{}, fmt.Errorf("empty command payload")
	}

	if strings.HasPrefix(raw, "{") {
		var req CommandRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return CommandRequest{}, fmt.Errorf("invalid command payload: %w", err)
		}
		if req.Action == "" {
			return CommandRequest{}, fmt.Errorf("command payload missing action")
		}
		return req, nil
	}

	switch raw {
	case "start", "stop":
		return CommandRequest{Action: raw}, nil
	default:
		return CommandRequest{}, fmt.Errorf("unknown command %q", raw)
	}
}

// dispatch routes one parsed command to the handler and shapes the
// response. Validation that needs no device state happens here; everything
// else is the handler's call.
func dispatch(handler CommandHandler, device string, req CommandRequest) CommandResponse {
	fail := func(msg string, err error) CommandResponse {
		return CommandResponse{Success: false, Message: msg, Error: err.Error()}
	}
	ok := func(msg string) CommandResponse {
		return CommandResponse{Success: true, Message: msg}
	}

	switch req.Action {
	case "start":
		if err := handler.HandleStart(device, req.Connector); err != nil {
			return fail("Failed to start charging", err)
		}
		return ok("Charging started")

	case "stop":
		if err := handler.HandleStop(device, req.Connector); err != nil {
			return fail("Failed to stop charging", err)
		}
		return ok("Charging stopped")

	case "set_current":
		if req.Current <= 0 {
			return fail("Invalid current value", fmt.Errorf("current must be greater than 0"))
		}
		if err := handler.HandleSetCurrent(device, req.Connector, req.Current); err != nil {
			return fail("Failed to set current limit", err)
		}
		return ok(fmt.Sprintf("Current limit set to %.1fA", req.Current))

	case "set_rfid":
		if req.On == nil {
			return fail("Invalid RFID command", fmt.Errorf("field \"on\" is required"))
		}
		if err := handler.HandleSetRFID(device, req.Connector, *req.On); err != nil {
			return fail("Failed to set RFID lock", err)
		}
		return ok("RFID lock updated")

	case "set_cable_lock":
		if req.Locked == nil {
			return fail("Invalid cable lock command", fmt.Errorf("field \"locked\" is required"))
		}
		if err := handler.HandleSetCableLock(device, req.Connector, *req.Locked); err != nil {
			return fail("Failed to set cable lock", err)
		}
		return ok("Cable lock updated")

	case "set_light":
		if req.Dimmer == "" && req.DownLight == nil {
			return fail("Invalid light command", fmt.Errorf("dimmer or down_light is required"))
		}
		if err := handler.HandleSetLight(device, req.Dimmer, req.DownLight); err != nil {
			return fail("Failed to set light", err)
		}
		return ok("Light settings updated")

	case "set_outlet":
		if req.On == nil {
			return fail("Invalid outlet command", fmt.Errorf("field \"on\" is required"))
		}
		if err := handler.HandleSetOutlet(device, *req.On); err != nil {
			return fail("Failed to set outlet", err)
		}
		return ok("Outlet updated")

	default:
		return fail("Unknown command", fmt.Errorf("unknown action: %s", req.Action))
	}
}

// handleCommandMessage processes one incoming MQTT command message.
func (p *Publisher) handleCommandMessage(client mqtt.Client, msg mqtt.Message) {
	if !p.enabled || p.handler == nil {
		return
	}

	span := tracer.StartSpan("mqtt.handle_command", tracer.Tag("topic", msg.Topic()))
	defer span.Finish()

	topic := msg.Topic()
	p.logger.Debug("Received MQTT command",
		zap.String("topic", topic),
		zap.String("payload", string(msg.Payload())))

	// Topic shape: {prefix}/devices/{name}/command
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[len(parts)-1] != "command" {
		p.logger.Warn("Invalid command topic format", zap.String("topic", topic))
		return
	}
	device := parts[len(parts)-2]
	span.SetTag("device", device)

	req, err := parseCommand(msg.Payload())
	if err != nil {
		p.logger.Warn("Rejected MQTT command", zap.String("topic", topic), zap.Error(err))
		return
	}
	span.SetTag("action", req.Action)

	resp := dispatch(p.handler, device, req)
	resp.ID = uuid.NewString()

	if !resp.Success {
		p.logger.Warn("MQTT command failed",
			zap.String("device", device),
			zap.String("action", req.Action),
			zap.String("error", resp.Error))
	}

	if req.ResponseTopic == "" {
		return
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		p.logger.Error("Failed to marshal command response", zap.Error(err))
		return
	}
	if err := p.publishRaw(req.ResponseTopic, respJSON, false); err == nil {
		p.logger.Debug("Published command response",
			zap.String("topic", req.ResponseTopic),
			zap.Bool("success", resp.Success))
	}
}

// PublishDeviceState publishes the retained device-level topics.
func (p *Publisher) PublishDeviceState(device string, state *DeviceState) error {
	if !p.enabled {
		return nil
	}

	span := tracer.StartSpan("mqtt.publish_device_state", tracer.Tag("device", device))
	defer span.Finish()

	state.Timestamp = time.Now()
	base := fmt.Sprintf("%s/devices/%s", p.topicPrefix, device)

	if err := p.publish(base+"/online", state.Online); err != nil {
		return err
	}
	if state.Firmware != "" {
		if err := p.publish(base+"/firmware", state.Firmware); err != nil {
			return err
		}
	}
	if state.Protocol != "" {
		if err := p.publish(base+"/protocol", state.Protocol); err != nil {
			return err
		}
	}
	if state.Dimmer != "" {
		if err := p.publish(base+"/dimmer", state.Dimmer); err != nil {
			return err
		}
	}
	if state.DownLight != nil {
		if err := p.publish(base+"/down_light", *state.DownLight); err != nil {
			return err
		}
	}
	if state.OutletOn != nil {
		if err := p.publish(base+"/outlet_on", *state.OutletOn); err != nil {
			return err
		}
	}
	if err := p.publish(base+"/power_kw", state.TotalPowerKw); err != nil {
		return err
	}
	return p.publish(base+"/meter_kwh", state.TotalMeterKwh)
}

// PublishPortState publishes the retained per-connector topics.
func (p *Publisher) PublishPortState(device string, connector int, state *PortState) error {
	if !p.enabled {
		return nil
	}

	base := fmt.Sprintf("%s/devices/%s/ports/%d", p.topicPrefix, device, connector)

	if err := p.publish(base+"/connection_state", state.ConnectionState); err != nil {
		return err
	}
	mode := "Off"
	if state.On {
		mode = "On"
	}
	if err := p.publish(base+"/mode", mode); err != nil {
		return err
	}
	if err := p.publish(base+"/current_limit", state.CurrentLimitA); err != nil {
		return err
	}
	if err := p.publish(base+"/rfid_lock", state.RFIDLock); err != nil {
		return err
	}
	if err := p.publish(base+"/cable_lock", state.CableLock); err != nil {
		return err
	}
	if err := p.publish(base+"/now_kwh", state.NowKwh); err != nil {
		return err
	}
	if err := p.publish(base+"/last_session_kwh", state.LastSessionKwh); err != nil {
		return err
	}
	if err := p.publish(base+"/meter_kwh", state.MeterKwh); err != nil {
		return err
	}
	return p.publish(base+"/power_kw", state.PowerKw)
}

// PublishEvent publishes one transient event message.
func (p *Publisher) PublishEvent(device string, msg EventMessage) error {
	if !p.enabled {
		return nil
	}

	msg.Timestamp = time.Now()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := fmt.Sprintf("%s/devices/%s/events/%s", p.topicPrefix, device, msg.Event)
	return p.publishRaw(topic, payload, false)
}

// PublishDeviceList publishes the retained device list so clients can
// discover devices on startup.
func (p *Publisher) PublishDeviceList(devices []DeviceInfo) error {
	if !p.enabled {
		return nil
	}

	span := tracer.StartSpan("mqtt.publish_device_list")
	defer span.Finish()

	listJSON, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("failed to marshal device list: %w", err)
	}

	topic := fmt.Sprintf("%s/devices", p.topicPrefix)
	if err := p.publishRaw(topic, listJSON, true); err != nil {
		return err
	}

	p.logger.Debug("Published device list", zap.String("topic", topic), zap.Int("count", len(devices)))
	return nil
}

// publish publishes a single value to a retained topic.
func (p *Publisher) publish(topic string, value interface{}) error {
	var payload string
	switch v := value.(type) {
	case bool:
		if v {
			payload = "true"
		} else {
			payload = "false"
		}
	case string:
		payload = v
	case float64:
		payload = fmt.Sprintf("%.2f", v)
	case int:
		payload = fmt.Sprintf("%d", v)
	default:
		payload = fmt.Sprintf("%v", v)
	}

	token := p.client.Publish(topic, 0, true, payload) // QoS 0, retained
	if token.Wait() && token.Error() != nil {
		p.logger.Error("Failed to publish MQTT message", zap.String("topic", topic), zap.Error(token.Error()))
		return token.Error()
	}
	return nil
}

// publishRaw publishes raw bytes.
func (p *Publisher) publishRaw(topic string, payload []byte, retained bool) error {
	token := p.client.Publish(topic, 0, retained, payload)
	if token.Wait() && token.Error() != nil {
		p.logger.Error("Failed to publish MQTT message", zap.String("topic", topic), zap.Error(token.Error()))
		return token.Error()
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("MQTT publisher closed")
	}
}
