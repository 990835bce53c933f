package logbus_test

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/alicebob/miniredis/v2"
	"github.com/mellea-dev/playground/core/logbus"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RedisBroker", func() {
	var (
		server *miniredis.Miniredis
		broker *logbus.RedisBroker
		bus    *logbus.Bus

		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		var err error
		server, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())

		logger := lagertest.NewTestLogger("test")
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		broker = logbus.NewRedisBroker(logger, client)
		bus = logbus.NewBus(logger, broker, clock.NewClock())

		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		Expect(broker.Close()).To(Succeed())
		server.Close()
	})

	It("round-trips entries through the redis channel", func() {
		entries, err := bus.Subscribe(ctx, "run-1")
		Expect(err).ToNot(HaveOccurred())

		count, err := bus.PublishLogs(ctx, "run-1", "over redis", false)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(1))

		var entry logbus.Entry
		Eventually(entries, 5*time.Second).Should(Receive(&entry))
		Expect(entry.RunID).To(Equal("run-1"))
		Expect(entry.Content).To(Equal("over redis"))
		Expect(entry.IsComplete).To(BeFalse())
	})

	It("closes the stream on completion", func() {
		entries, err := bus.Subscribe(ctx, "run-1")
		Expect(err).ToNot(HaveOccurred())

		_, err = bus.PublishLogs(ctx, "run-1", "done", true)
		Expect(err).ToNot(HaveOccurred())

		Eventually(entries, 5*time.Second).Should(Receive())
		Eventually(entries, 5*time.Second).Should(BeClosed())
	})

	It("releases the subscription on unsubscribe", func() {
		sub, err := broker.Subscribe(ctx, "chan")
		Expect(err).ToNot(HaveOccurred())
		Expect(sub.Unsubscribe()).To(Succeed())

		Eventually(sub.Receive()).Should(BeClosed())
	})
})
