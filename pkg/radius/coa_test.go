package radius_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	rad "layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/codelaboratoryltd/hotspot/pkg/radius"
)

func TestRADIUSCoA(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RADIUS CoA Suite")
}

const secret = "testing123"

// listenNAS opens a UDP socket standing in for the NAS.
func listenNAS() net.PacketConn {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = pc.Close() })
	return pc
}

func readDatagram(pc net.PacketConn) []byte {
	buf := make([]byte, 4096)
	Expect(pc.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
	n, _, err := pc.ReadFrom(buf)
	Expect(err).NotTo(HaveOccurred())
	return buf[:n]
}

// serveNAS answers every request with code.
func serveNAS(code rad.Code) string {
	pc := listenNAS()
	server := &rad.PacketServer{
		SecretSource: rad.StaticSecretSource([]byte(secret)),
		Handler: rad.HandlerFunc(func(w rad.ResponseWriter, r *rad.Request) {
			_ = w.Write(r.Response(code))
		}),
	}
	go func() { _ = server.Serve(pc) }()
	DeferCleanup(func() { _ = server.Shutdown(context.Background()) })
	return pc.LocalAddr().String()
}

var _ = Describe("CoA Client", func() {
	var (
		logger *zap.Logger
		ctx    context.Context
	)

	BeforeEach(func() {
		logger = zap.NewNop()
		ctx = context.Background()
	})

	Describe("NewCoAClient", func() {
		It("should require a secret", func() {
			client, err := radius.NewCoAClient(radius.CoAClientConfig{}, logger)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("secret required"))
			Expect(client).To(BeNil())
		})

		It("should fill in defaults", func() {
			cfg := radius.DefaultCoAClientConfig()
			Expect(cfg.Port).To(Equal(3799))
			Expect(cfg.Timeout).To(Equal(2 * time.Second))

			client, err := radius.NewCoAClient(radius.CoAClientConfig{Secret: secret}, logger)
			Expect(err).NotTo(HaveOccurred())
			Expect(client).NotTo(BeNil())
		})
	})

	Describe("Disconnect", func() {
		var (
			client *radius.CoAClient
			nas    net.PacketConn
		)

		BeforeEach(func() {
			var err error
			client, err = radius.NewCoAClient(radius.CoAClientConfig{Secret: secret}, logger)
			Expect(err).NotTo(HaveOccurred())
			nas = listenNAS()
		})

		It("should send a wire-exact Disconnect-Request", func() {
			Expect(client.Disconnect(ctx, "AA:BB:CC:DD:EE:01", nas.LocalAddr().String())).To(BeTrue())

			b := readDatagram(nas)
			Expect(b[0]).To(Equal(byte(40)))
			Expect(int(binary.BigEndian.Uint16(b[2:4]))).To(Equal(len(b)))

			// First AVP is User-Name with the raw value.
			Expect(b[20]).To(Equal(byte(radius.AttrUserName)))
			Expect(int(b[21])).To(Equal(2 + len("AA:BB:CC:DD:EE:01")))
			Expect(string(b[22 : 22+len("AA:BB:CC:DD:EE:01")])).To(Equal("AA:BB:CC:DD:EE:01"))

			p, err := rad.Parse(b, []byte(secret))
			Expect(err).NotTo(HaveOccurred())
			Expect(rfc2865.UserName_GetString(p)).To(Equal("AA:BB:CC:DD:EE:01"))
			Expect(rfc2865.NASIPAddress_Get(p).Equal(net.ParseIP("127.0.0.1"))).To(BeTrue())
		})

		It("should compute the request authenticator with the shared secret", func() {
			Expect(client.Disconnect(ctx, "user", nas.LocalAddr().String())).To(BeTrue())

			b := readDatagram(nas)
			Expect(b[4:20]).NotTo(Equal(make([]byte, 16)))
			Expect(rad.IsAuthenticRequest(b, []byte(secret))).To(BeTrue())
			Expect(rad.IsAuthenticRequest(b, []byte("wrong-secret"))).To(BeFalse())
		})

		It("should roll the identifier between requests", func() {
			Expect(client.Disconnect(ctx, "user", nas.LocalAddr().String())).To(BeTrue())
			first := readDatagram(nas)
			Expect(client.Disconnect(ctx, "user", nas.LocalAddr().String())).To(BeTrue())
			second := readDatagram(nas)

			Expect(second[1]).To(Equal(first[1] + 1))
		})

		It("should fail without a username or NAS", func() {
			Expect(client.Disconnect(ctx, "", nas.LocalAddr().String())).To(BeFalse())
			Expect(client.Disconnect(ctx, "user", "")).To(BeFalse())

			stats := client.GetStats()
			Expect(stats["requests_failed"]).To(Equal(uint64(2)))
			Expect(stats["requests_sent"]).To(BeZero())
		})
	})

	Describe("Modify", func() {
		It("should send a CoA-Request carrying the extra attributes", func() {
			client, err := radius.NewCoAClient(radius.CoAClientConfig{Secret: secret}, logger)
			Expect(err).NotTo(HaveOccurred())
			nas := listenNAS()

			attrs := []radius.Attribute{
				radius.SessionTimeoutAttribute(3600),
				radius.FilterIDAttribute("fair-use"),
			}
			Expect(client.Modify(ctx, "V200", nas.LocalAddr().String(), attrs)).To(BeTrue())

			b := readDatagram(nas)
			Expect(b[0]).To(Equal(byte(43)))
			Expect(rad.IsAuthenticRequest(b, []byte(secret))).To(BeTrue())

			p, err := rad.Parse(b, []byte(secret))
			Expect(err).NotTo(HaveOccurred())
			Expect(rfc2865.SessionTimeout_Get(p)).To(Equal(rfc2865.SessionTimeout(3600)))
			Expect(rfc2865.FilterID_GetString(p)).To(Equal("fair-use"))
		})
	})

	Describe("NewPacket", func() {
		It("should identify a named NAS with NAS-Identifier", func() {
			client, err := radius.NewCoAClient(radius.CoAClientConfig{Secret: secret}, logger)
			Expect(err).NotTo(HaveOccurred())

			p, err := client.NewPacket(rad.CodeDisconnectRequest, "user", "nas-01.hotspot.lan", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(rfc2865.NASIdentifier_GetString(p)).To(Equal("nas-01.hotspot.lan"))
			_, err = rfc2865.NASIPAddress_Lookup(p)
			Expect(err).To(HaveOccurred())
		})

		It("should reject oversized attributes", func() {
			client, err := radius.NewCoAClient(radius.CoAClientConfig{Secret: secret}, logger)
			Expect(err).NotTo(HaveOccurred())

			big := radius.Attribute{Type: radius.AttrFilterID, Value: make([]byte, 300)}
			_, err = client.NewPacket(rad.CodeCoARequest, "user", "192.0.2.1", []radius.Attribute{big})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("AwaitReply", func() {
		newClient := func() *radius.CoAClient {
			client, err := radius.NewCoAClient(radius.CoAClientConfig{
				Secret:     secret,
				Timeout:    500 * time.Millisecond,
				AwaitReply: true,
			}, logger)
			Expect(err).NotTo(HaveOccurred())
			return client
		}

		It("should succeed on Disconnect-ACK", func() {
			addr := serveNAS(rad.CodeDisconnectACK)
			Expect(newClient().Disconnect(ctx, "user", addr)).To(BeTrue())
		})

		It("should fail on Disconnect-NAK", func() {
			addr := serveNAS(rad.CodeDisconnectNAK)
			err := newClient().Send(ctx, rad.CodeDisconnectRequest, "user", addr, nil)
			Expect(err).To(MatchError(radius.ErrNAK))
		})

		It("should fail when the NAS stays silent", func() {
			nas := listenNAS()
			Expect(newClient().Disconnect(ctx, "user", nas.LocalAddr().String())).To(BeFalse())
		})
	})

	Describe("Attribute helpers", func() {
		It("should encode timeouts as 4 octets", func() {
			attr := radius.IdleTimeoutAttribute(300)
			Expect(attr.Type).To(Equal(uint8(radius.AttrIdleTimeout)))
			Expect(binary.BigEndian.Uint32(attr.Value)).To(Equal(uint32(300)))
		})

		It("should build a Mikrotik-Rate-Limit VSA", func() {
			attr, err := radius.RateLimitAttribute(512_000, 1_000_000)
			Expect(err).NotTo(HaveOccurred())
			Expect(attr.Type).To(Equal(uint8(radius.AttrVendorSpecific)))
			Expect(binary.BigEndian.Uint32(attr.Value[0:4])).To(Equal(uint32(radius.VendorMikrotik)))
			Expect(attr.Value[4]).To(Equal(byte(radius.MikrotikRateLimitType)))
			Expect(int(attr.Value[5])).To(Equal(2 + len("512k/1M")))
			Expect(string(attr.Value[6:])).To(Equal("512k/1M"))
		})
	})

	Describe("PolicyManager", func() {
		It("should render a throttle profile as attributes", func() {
			pm := radius.NewPolicyManager()
			Expect(pm.LoadPolicies(radius.DefaultPolicies())).To(Succeed())
			Expect(pm.ListPolicies()).To(ContainElements("fair-use", "overuse"))

			attrs, err := pm.GetPolicy("overuse").Attributes()
			Expect(err).NotTo(HaveOccurred())
			Expect(attrs).To(HaveLen(3))
			Expect(string(attrs[0].Value)).To(Equal("overuse"))
			Expect(attrs[2].Type).To(Equal(uint8(radius.AttrIdleTimeout)))
		})

		It("should reject unnamed policies", func() {
			pm := radius.NewPolicyManager()
			Expect(pm.AddPolicy(&radius.QoSPolicy{})).NotTo(Succeed())
			Expect(pm.GetPolicy("missing")).To(BeNil())
		})
	})
})
