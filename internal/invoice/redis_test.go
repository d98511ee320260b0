package invoice

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RedisConfig", func() {
	It("should reject a negative retention before connecting", func() {
		db, err := NewRedisDB(context.Background(), RedisConfig{Addr: "127.0.0.1:1", Retention: -time.Hour})
		Expect(err).To(MatchError(ContainSubstring("retention must not be negative")))
		Expect(db).To(BeNil())
	})
})

var _ = Describe("RedisDB", func() {
	addr := os.Getenv("DANFE_HANDOFF_TEST_REDIS_ADDR")

	BeforeEach(func() {
		if addr == "" {
			Skip("DANFE_HANDOFF_TEST_REDIS_ADDR not set")
		}
	})

	backendContract(func() DB {
		db, err := NewRedisDB(context.Background(), RedisConfig{Addr: addr, DB: 15, Retention: 72 * time.Hour})
		Expect(err).NotTo(HaveOccurred())
		Expect(db.client.FlushDB(context.Background()).Err()).To(Succeed())
		return db
	})

	It("should set a TTL covering expiry plus retention", func() {
		db, err := NewRedisDB(context.Background(), RedisConfig{Addr: addr, DB: 15, Retention: time.Hour})
		Expect(err).NotTo(HaveOccurred())
		defer db.Close()
		ctx := context.Background()
		Expect(db.client.FlushDB(ctx).Err()).To(Succeed())

		now := time.Now()
		Expect(db.InsertAccessCode(ctx, &AccessCodeRecord{
			Code:      "TT11LL",
			CreatedAt: now,
			ExpiresAt: now.Add(CodeValidity),
		})).To(Succeed())

		ttl, err := db.client.PTTL(ctx, redisKey("TT11LL")).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(ttl).To(BeNumerically("~", CodeValidity+time.Hour, time.Minute))
	})

	It("should fail to connect to a closed port", func() {
		_, err := NewRedisDB(context.Background(), RedisConfig{Addr: "127.0.0.1:1"})
		Expect(err).To(HaveOccurred())
	})
})
