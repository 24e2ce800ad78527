package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Broker Related Config

// Queue declaration modes
const (
	// QueueModeShared all consumers declare and consume from the same named queue
	QueueModeShared = "shared"
	// QueueModePerConsumer each consumer declares its own exclusive auto-delete queue
	QueueModePerConsumer = "per_consumer"
)

// AMQPQueueConfig defines how consumers declare their queues
type AMQPQueueConfig struct {
	// Mode is the queue declaration mode: [shared per_consumer]
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=shared per_consumer"`
	// Name is the queue name used by every consumer in "shared" mode
	Name string `mapstructure:"name" json:"name" validate:"required_if=Mode shared"`
	// Prefix is the queue name prefix used in "per_consumer" mode
	Prefix string `mapstructure:"prefix" json:"prefix" validate:"required_if=Mode per_consumer"`
}

// AMQPConfig defines parameters for connecting to the AMQP broker
type AMQPConfig struct {
	// Host is the broker hostname or IP
	Host string `mapstructure:"host" json:"host" validate:"required,hostname|ip"`
	// Port is the broker AMQP port
	Port uint16 `mapstructure:"port" json:"port" validate:"required,gt=0,lt=65536"`
	// VHost is the broker virtual host
	VHost string `mapstructure:"vhost" json:"vhost" validate:"required"`
	// Username is the service account user
	Username string `mapstructure:"username" json:"username" validate:"required"`
	// Password is the service account password
	Password string `mapstructure:"password" json:"-" validate:"required"`
	// ConnectTimeout is the max duration for connecting to the broker in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// StepTimeout is the max duration of one handshake step (channel, declare, bind,
	// consume) in seconds
	StepTimeout int `mapstructure:"step_timeout_sec" json:"step_timeout_sec" validate:"gte=1"`
	// Heartbeat is the AMQP heartbeat interval in seconds. 0 uses the server's value.
	Heartbeat int `mapstructure:"heartbeat_sec" json:"heartbeat_sec" validate:"gte=0"`
	// Queue defines the consumer queue declaration
	Queue AMQPQueueConfig `mapstructure:"queue" json:"queue" validate:"required,dive"`
}

// ConnectTimeoutDuration helper function to convert ConnectTimeout
func (c AMQPConfig) ConnectTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.ConnectTimeout)
}

// StepTimeoutDuration helper function to convert StepTimeout
func (c AMQPConfig) StepTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.StepTimeout)
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// RelayConfig defines the NATS broadcast relay
type RelayConfig struct {
	// NATS is the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Subject is the NATS subject whose messages are broadcast to every session
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Gateway Related Config

// WebSocketConfig defines the client streaming endpoint
type WebSocketConfig struct {
	// Endpoint is the path clients open their streaming connection on
	Endpoint string `mapstructure:"endpoint" json:"endpoint" validate:"required"`
	// ReadLimit is the max size of one client message in bytes
	ReadLimit int64 `mapstructure:"read_limit_bytes" json:"read_limit_bytes" validate:"gte=128"`
	// WriteTimeout is the max duration of one frame write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PingInterval is the interval between server pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongTimeout is the max time to wait for any client frame in seconds.
	// Must exceed PingInterval.
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gtfield=PingInterval"`
}

// GatewayConfig defines the session gateway parameters
type GatewayConfig struct {
	// LoopBufferSize is the number of pending tasks the event loop will queue
	LoopBufferSize int `mapstructure:"loop_buffer_size" json:"loop_buffer_size" validate:"gte=1"`
	// SendBufferSize is the number of outbound messages buffered per session before
	// messages are dropped
	SendBufferSize int `mapstructure:"send_buffer_size" json:"send_buffer_size" validate:"gte=1"`
	// ReportErrors whether to send an error frame to a client when one of its
	// subscriptions fails
	ReportErrors bool `mapstructure:"report_errors" json:"report_errors"`
	// HeartbeatInterval is the interval between heartbeat broadcasts in seconds.
	// 0 disables heartbeats.
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=0"`
	// StaticDir optional directory of static content served under "/"
	StaticDir string `mapstructure:"static_dir" json:"static_dir" validate:"omitempty,dir"`
	// WebSocket defines the client streaming endpoint
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the gateway
type SystemConfig struct {
	// Broker are the AMQP broker config parameters
	Broker AMQPConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Gateway are the session gateway config parameters
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// HTTP are the HTTP server config parameters
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Relay are the optional NATS broadcast relay parameters
	Relay *RelayConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.host", "127.0.0.1")
	viper.SetDefault("broker.port", 5672)
	viper.SetDefault("broker.vhost", "/")
	viper.SetDefault("broker.username", "cloudbrain")
	viper.SetDefault("broker.password", "cloudbrain")
	viper.SetDefault("broker.connect_timeout_sec", 10)
	viper.SetDefault("broker.step_timeout_sec", 10)
	viper.SetDefault("broker.heartbeat_sec", 10)
	viper.SetDefault("broker.queue.mode", QueueModePerConsumer)
	viper.SetDefault("broker.queue.name", "test")
	viper.SetDefault("broker.queue.prefix", "rtstream")

	// Default gateway settings
	viper.SetDefault("gateway.loop_buffer_size", 1024)
	viper.SetDefault("gateway.send_buffer_size", 256)
	viper.SetDefault("gateway.report_errors", false)
	viper.SetDefault("gateway.heartbeat_interval_sec", 0)
	viper.SetDefault("gateway.static_dir", "")
	viper.SetDefault("gateway.websocket.endpoint", "/rt-stream")
	viper.SetDefault("gateway.websocket.read_limit_bytes", 4096)
	viper.SetDefault("gateway.websocket.write_timeout_sec", 10)
	viper.SetDefault("gateway.websocket.ping_interval_sec", 30)
	viper.SetDefault("gateway.websocket.pong_timeout_sec", 60)

	// Default HTTP server settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 31415)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Rtstream-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
