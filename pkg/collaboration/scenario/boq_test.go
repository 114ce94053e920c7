package scenario_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/collaboration"
	"github.com/developer-mesh/collabcore/pkg/models"
	"github.com/developer-mesh/collabcore/pkg/retry"
)

type conflictInbox struct {
	mu      sync.Mutex
	records []*models.ConflictRecord
}

func (c *conflictInbox) add(rec *models.ConflictRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *conflictInbox) list() []*models.ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.ConflictRecord(nil), c.records...)
}

var _ = Describe("Concurrent edits on BOQ-001", func() {
	var (
		ctx      context.Context
		memBus   *bus.MemoryBus
		registry *collaboration.Registry
		doc      models.DocumentRef
		rate     models.FieldTarget

		userA, userB   *collaboration.Client
		inboxA, inboxB *conflictInbox
	)

	newClient := func(id string, inbox *conflictInbox) *collaboration.Client {
		cfg := collaboration.DefaultClientConfig()
		cfg.DebounceWindow = 20 * time.Millisecond
		cfg.HeartbeatInterval = time.Hour
		cfg.LeaveFlushTimeout = 200 * time.Millisecond
		cfg.Adapter.ReorderWindow = 20 * time.Millisecond
		cfg.Adapter.Retry = retry.Config{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond, Multiplier: 2}

		c, err := collaboration.NewClient(doc, models.UserInfo{ID: id, FullName: "User " + id}, collaboration.ClientOptions{
			Service: registry,
			Bus:     memBus,
			Config:  cfg,
			Callbacks: collaboration.Callbacks{
				OnConflict: inbox.add,
			},
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		ctx = context.Background()
		memBus = bus.NewMemoryBus(nil)
		registry = collaboration.NewRegistry(memBus, collaboration.DefaultRegistryConfig(), collaboration.ServiceConfig{})
		doc = models.NewDocumentRef("BOQ", "BOQ-001")
		rate = models.FieldTarget{Field: "rate", Row: "r1"}

		inboxA, inboxB = &conflictInbox{}, &conflictInbox{}
		userA = newClient("user-a", inboxA)
		userB = newClient("user-b", inboxB)

		_, err := userA.Join(ctx)
		Expect(err).NotTo(HaveOccurred())
		res, err := userB.Join(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ActiveUsers).To(HaveLen(2))
	})

	AfterEach(func() {
		Expect(userA.Close(ctx)).To(Succeed())
		Expect(userB.Close(ctx)).To(Succeed())
		Expect(registry.Close()).To(Succeed())
		Expect(memBus.Close()).To(Succeed())
	})

	Context("when both users change the same rate before seeing each other", func() {
		BeforeEach(func() {
			Expect(userA.Edit(rate, 120)).To(Succeed())
			Expect(userB.Edit(rate, 150)).To(Succeed())
		})

		It("raises a conflict on each side with its own value as local", func() {
			Eventually(inboxA.list).Should(HaveLen(1))
			Eventually(inboxB.list).Should(HaveLen(1))

			a := inboxA.list()[0]
			Expect(a.Target).To(Equal(rate))
			Expect(a.LocalValue).To(Equal(120))
			Expect(a.RemoteValue).To(BeNumerically("==", 150))
			Expect(a.RemoteUser).To(Equal("user-b"))
			Expect(a.IsPending()).To(BeTrue())

			b := inboxB.list()[0]
			Expect(b.LocalValue).To(Equal(150))
			Expect(b.RemoteValue).To(BeNumerically("==", 120))
			Expect(b.RemoteUser).To(Equal("user-a"))
		})

		It("keeps each local value instead of overwriting it", func() {
			Eventually(inboxA.list).Should(HaveLen(1))
			Eventually(inboxB.list).Should(HaveLen(1))

			Expect(userA.Value(ctx, rate)).To(Equal(120))
			Expect(userB.Value(ctx, rate)).To(Equal(150))
		})

		It("converges once one side resolves", func() {
			Eventually(inboxB.list).Should(HaveLen(1))
			Eventually(func() *models.ConflictRecord { return userA.Conflict(rate) }).ShouldNot(BeNil())

			value, err := userA.Resolve(ctx, rate, models.StrategyAcceptRemote)
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(BeNumerically("==", 150))

			Eventually(func() *models.ConflictRecord { return userB.Conflict(rate) }).Should(BeNil())
			Expect(userB.Value(ctx, rate)).To(BeNumerically("==", 150))
			Expect(userA.Value(ctx, rate)).To(BeNumerically("==", 150))
		})
	})

	Context("when the edits touch different rows", func() {
		It("applies both without a conflict", func() {
			other := models.FieldTarget{Field: "rate", Row: "r2"}
			Expect(userA.Edit(rate, 120)).To(Succeed())
			Expect(userB.Edit(other, 150)).To(Succeed())

			Eventually(func() interface{} {
				v, _ := userA.Value(ctx, other)
				return v
			}).Should(BeNumerically("==", 150))
			Eventually(func() interface{} {
				v, _ := userB.Value(ctx, rate)
				return v
			}).Should(BeNumerically("==", 120))
			Consistently(inboxA.list, 50*time.Millisecond).Should(BeEmpty())
			Expect(inboxB.list()).To(BeEmpty())
		})
	})
})
