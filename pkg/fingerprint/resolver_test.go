package fingerprint_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/clock"
	"github.com/codelaboratoryltd/hotspot/pkg/fingerprint"
)

func TestFingerprint(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Fingerprint Suite")
}

type failingRepo struct{}

func (failingRepo) Upsert(context.Context, fingerprint.Observation, time.Time) (*fingerprint.Resolution, error) {
	return nil, errors.New("connection refused")
}

func (failingRepo) GetByHash(context.Context, string) (*fingerprint.DeviceIdentity, error) {
	return nil, errors.New("connection refused")
}

func (failingRepo) GetByVoucher(context.Context, string) (*fingerprint.DeviceIdentity, error) {
	return nil, errors.New("connection refused")
}

var _ = Describe("Resolver", func() {
	var (
		clk      *clock.Fake
		resolver *fingerprint.Resolver
		ctx      context.Context
		hash     string
	)

	BeforeEach(func() {
		clk = clock.NewFake(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
		resolver = fingerprint.NewResolver(fingerprint.NewMemoryRepository(), clk, zap.NewNop())
		ctx = context.Background()

		var err error
		hash, err = fingerprint.Hash(fingerprint.Signals{
			UserAgent: "UA1", CanvasSignature: "C1", ScreenGeometry: "1920x1080",
			Timezone: "EAT", Language: "en", ClientStorageID: "LS1",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	observe := func(mac, ip string) fingerprint.Observation {
		return fingerprint.Observation{
			Hash:        hash,
			VoucherCode: "V100",
			PhoneNumber: "0700000000",
			MACAddress:  mac,
			IPAddress:   ip,
		}
	}

	Describe("Resolve", func() {
		It("should seed first and last fields for an unseen hash", func() {
			d, err := resolver.Resolve(ctx, observe("AA:BB:CC:DD:EE:01", "10.0.0.5"))
			Expect(err).NotTo(HaveOccurred())

			Expect(d.FingerprintHash).To(Equal(hash))
			Expect(d.FirstMACAddress).To(Equal("AA:BB:CC:DD:EE:01"))
			Expect(d.LastMACAddress).To(Equal("AA:BB:CC:DD:EE:01"))
			Expect(d.FirstIPAddress).To(Equal("10.0.0.5"))
			Expect(d.LastIPAddress).To(Equal("10.0.0.5"))
			Expect(d.MACChangeCount).To(BeZero())
			Expect(d.IPChangeCount).To(BeZero())
			Expect(d.AccessCount).To(Equal(int64(1)))
			Expect(d.FirstSeen).To(Equal(clk.Now()))
			Expect(d.LastSeen).To(Equal(clk.Now()))
		})

		It("should count a MAC change but not an unchanged IP", func() {
			_, err := resolver.Resolve(ctx, observe("AA:BB:CC:DD:EE:01", "10.0.0.5"))
			Expect(err).NotTo(HaveOccurred())

			clk.Advance(time.Minute)
			d, err := resolver.Resolve(ctx, observe("AA:BB:CC:DD:EE:02", "10.0.0.5"))
			Expect(err).NotTo(HaveOccurred())

			Expect(d.MACChangeCount).To(Equal(1))
			Expect(d.IPChangeCount).To(Equal(0))
			Expect(d.FirstMACAddress).To(Equal("AA:BB:CC:DD:EE:01"))
			Expect(d.LastMACAddress).To(Equal("AA:BB:CC:DD:EE:02"))
			Expect(d.AccessCount).To(Equal(int64(2)))
			Expect(d.LastSeen).To(BeTemporally(">", d.FirstSeen))
		})

		It("should leave the counter unchanged for the same MAC in another notation", func() {
			_, err := resolver.Resolve(ctx, observe("aa-bb-cc-dd-ee-01", "10.0.0.5"))
			Expect(err).NotTo(HaveOccurred())

			d, err := resolver.Resolve(ctx, observe("AA:BB:CC:DD:EE:01", "10.0.0.5"))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.MACChangeCount).To(BeZero())
		})

		It("should never decrease the counters", func() {
			macs := []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02", "AA:BB:CC:DD:EE:02", "AA:BB:CC:DD:EE:03"}
			ips := []string{"10.0.0.5", "10.0.0.6", "10.0.0.6", "10.0.0.5"}

			prevMAC, prevIP := 0, 0
			for i := range macs {
				d, err := resolver.Resolve(ctx, observe(macs[i], ips[i]))
				Expect(err).NotTo(HaveOccurred())
				Expect(d.MACChangeCount).To(BeNumerically(">=", prevMAC))
				Expect(d.IPChangeCount).To(BeNumerically(">=", prevIP))
				prevMAC, prevIP = d.MACChangeCount, d.IPChangeCount
			}
			Expect(prevMAC).To(Equal(2))
			Expect(prevIP).To(Equal(2))
		})

		It("should ignore blank addresses", func() {
			_, err := resolver.Resolve(ctx, observe("AA:BB:CC:DD:EE:01", "10.0.0.5"))
			Expect(err).NotTo(HaveOccurred())

			d, err := resolver.Resolve(ctx, observe("", ""))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.LastMACAddress).To(Equal("AA:BB:CC:DD:EE:01"))
			Expect(d.MACChangeCount).To(BeZero())
		})

		It("should reject an empty hash", func() {
			_, err := resolver.Resolve(ctx, fingerprint.Observation{Hash: "  "})
			Expect(err).To(MatchError(fingerprint.ErrInvalidHash))
		})

		It("should return repository errors", func() {
			r := fingerprint.NewResolver(failingRepo{}, clk, zap.NewNop())
			_, err := r.Resolve(ctx, observe("AA:BB:CC:DD:EE:01", "10.0.0.5"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Lookups", func() {
		It("should find identities by hash and voucher", func() {
			_, err := resolver.Resolve(ctx, observe("AA:BB:CC:DD:EE:01", "10.0.0.5"))
			Expect(err).NotTo(HaveOccurred())

			d, ok := resolver.LookupByHash(ctx, hash)
			Expect(ok).To(BeTrue())
			Expect(d.PhoneNumber).To(Equal("0700000000"))

			d, ok = resolver.LookupByVoucher(ctx, "V100")
			Expect(ok).To(BeTrue())
			Expect(d.FingerprintHash).To(Equal(hash))
		})

		It("should return an empty result when nothing matches", func() {
			d, ok := resolver.LookupByHash(ctx, hash)
			Expect(ok).To(BeFalse())
			Expect(d).To(BeNil())

			_, ok = resolver.LookupByVoucher(ctx, "UNKNOWN")
			Expect(ok).To(BeFalse())
		})

		It("should report repository failures as not found", func() {
			r := fingerprint.NewResolver(failingRepo{}, clk, zap.NewNop())
			_, ok := r.LookupByHash(ctx, hash)
			Expect(ok).To(BeFalse())
			_, ok = r.LookupByVoucher(ctx, "V100")
			Expect(ok).To(BeFalse())
		})
	})
})
