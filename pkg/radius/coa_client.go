package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/codelaboratoryltd/hotspot/pkg/metrics"
)

// ErrNAK is returned when the NAS rejects a request.
var ErrNAK = errors.New("request rejected by NAS")

// CoAClientConfig configures the dynamic authorization client
type CoAClientConfig struct {
	Secret string `mapstructure:"secret" yaml:"secret" validate:"required"`

	// Port is the NAS dynamic authorization port (default 3799)
	Port int `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`

	// Timeout bounds one send, including the wait for a reply
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// AwaitReply waits for an ACK/NAK instead of fire-and-forget
	AwaitReply bool `mapstructure:"await_reply" yaml:"await_reply"`
}

// DefaultCoAClientConfig returns the client defaults. The secret must be set.
func DefaultCoAClientConfig() CoAClientConfig {
	return CoAClientConfig{
		Port:    3799,
		Timeout: 2 * time.Second,
	}
}

// CoAClient sends Disconnect-Request and CoA-Request packets to NAS devices.
// It never returns errors to callers; failures are logged and counted.
type CoAClient struct {
	config  CoAClientConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	identifier uint32

	sent   uint64
	failed uint64
}

// NewCoAClient creates a CoA client
func NewCoAClient(cfg CoAClientConfig, logger *zap.Logger) (*CoAClient, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("RADIUS secret required")
	}
	if cfg.Port == 0 {
		cfg.Port = 3799
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	return &CoAClient{
		config: cfg,
		logger: logger,
	}, nil
}

// SetMetrics attaches Prometheus metrics.
func (c *CoAClient) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Disconnect asks the NAS to tear down the session of username.
func (c *CoAClient) Disconnect(ctx context.Context, username, nasAddress string) bool {
	return c.Send(ctx, radius.CodeDisconnectRequest, username, nasAddress, nil) == nil
}

// Modify asks the NAS to apply attrs to the live session of username.
func (c *CoAClient) Modify(ctx context.Context, username, nasAddress string, attrs []Attribute) bool {
	return c.Send(ctx, radius.CodeCoARequest, username, nasAddress, attrs) == nil
}

// Send builds and transmits one request. Disconnect and Modify wrap it;
// it is exported for the CLI which wants the failure reason.
func (c *CoAClient) Send(ctx context.Context, code radius.Code, username, nasAddress string, attrs []Attribute) error {
	reqType := requestType(code)
	start := time.Now()

	err := c.send(ctx, code, username, nasAddress, attrs)
	latency := time.Since(start).Seconds()

	if err != nil {
		atomic.AddUint64(&c.failed, 1)
		c.metrics.RecordCoARequest(reqType, "failure", latency)
		c.logger.Warn("CoA request failed",
			zap.String("type", reqType),
			zap.String("username", username),
			zap.String("nas", nasAddress),
			zap.Error(err),
		)
		return err
	}

	atomic.AddUint64(&c.sent, 1)
	c.metrics.RecordCoARequest(reqType, "success", latency)
	c.logger.Info("CoA request sent",
		zap.String("type", reqType),
		zap.String("username", username),
		zap.String("nas", nasAddress),
		zap.Int("attributes", len(attrs)),
	)
	return nil
}

func (c *CoAClient) send(ctx context.Context, code radius.Code, username, nasAddress string, attrs []Attribute) error {
	if username == "" {
		return fmt.Errorf("username required")
	}
	if nasAddress == "" {
		return fmt.Errorf("NAS address required")
	}

	packet, err := c.NewPacket(code, username, nasAddress, attrs)
	if err != nil {
		return err
	}

	addr := c.target(nasAddress)
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if c.config.AwaitReply {
		return c.exchange(ctx, packet, addr)
	}
	return c.transmit(ctx, packet, addr)
}

// NewPacket builds a request. The Request Authenticator is filled in by
// Encode (MD5 over the packet with a zero authenticator and the secret).
func (c *CoAClient) NewPacket(code radius.Code, username, nasAddress string, attrs []Attribute) (*radius.Packet, error) {
	packet := radius.New(code, []byte(c.config.Secret))
	packet.Identifier = c.nextIdentifier()

	if err := rfc2865.UserName_SetString(packet, username); err != nil {
		return nil, fmt.Errorf("User-Name: %w", err)
	}

	// NAS-IP-Address carries the 4-octet address; a NAS known only by
	// name is identified with NAS-Identifier instead.
	if ip := net.ParseIP(nasHost(nasAddress)); ip != nil && ip.To4() != nil {
		if err := rfc2865.NASIPAddress_Set(packet, ip.To4()); err != nil {
			return nil, fmt.Errorf("NAS-IP-Address: %w", err)
		}
	} else {
		if err := rfc2865.NASIdentifier_SetString(packet, nasHost(nasAddress)); err != nil {
			return nil, fmt.Errorf("NAS-Identifier: %w", err)
		}
	}

	for _, attr := range attrs {
		if len(attr.Value) > 253 {
			return nil, fmt.Errorf("attribute %d too long", attr.Type)
		}
		packet.Add(radius.Type(attr.Type), radius.Attribute(attr.Value))
	}
	return packet, nil
}

// transmit writes one datagram and reports only local success.
func (c *CoAClient) transmit(ctx context.Context, packet *radius.Packet, addr string) error {
	wire, err := packet.Encode()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(wire); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

// exchange sends the request and waits for the NAS to ACK it.
func (c *CoAClient) exchange(ctx context.Context, packet *radius.Packet, addr string) error {
	response, err := radius.Exchange(ctx, packet, addr)
	if err != nil {
		return fmt.Errorf("exchange %s: %w", addr, err)
	}

	switch response.Code {
	case radius.CodeDisconnectACK, radius.CodeCoAACK:
		return nil
	case radius.CodeDisconnectNAK, radius.CodeCoANAK:
		return fmt.Errorf("%w: %s", ErrNAK, response.Code)
	default:
		return fmt.Errorf("unexpected response code: %d", response.Code)
	}
}

func (c *CoAClient) target(nasAddress string) string {
	if _, _, err := net.SplitHostPort(nasAddress); err == nil {
		return nasAddress
	}
	return net.JoinHostPort(nasAddress, strconv.Itoa(c.config.Port))
}

// nextIdentifier rolls the per-client identifier through 0-255.
func (c *CoAClient) nextIdentifier() byte {
	return byte(atomic.AddUint32(&c.identifier, 1))
}

// GetStats returns client statistics
func (c *CoAClient) GetStats() map[string]uint64 {
	return map[string]uint64{
		"requests_sent":   atomic.LoadUint64(&c.sent),
		"requests_failed": atomic.LoadUint64(&c.failed),
	}
}

// nasHost strips an optional port from a NAS address.
func nasHost(nasAddress string) string {
	if host, _, err := net.SplitHostPort(nasAddress); err == nil {
		return host
	}
	return nasAddress
}

func requestType(code radius.Code) string {
	if code == radius.CodeDisconnectRequest {
		return "disconnect"
	}
	return "coa"
}
