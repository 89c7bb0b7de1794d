package hashmap_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/kernel-manager/common/utils/hashmap"
)

var _ = Describe("ConcurrentMap", func() {
	var m *hashmap.ConcurrentMap[int]

	BeforeEach(func() {
		m = hashmap.NewConcurrentMap[int](0)
	})

	It("should only store the first value under LoadOrStore", func() {
		var wg sync.WaitGroup
		for i := 1; i <= 16; i++ {
			wg.Add(1)
			go func(v int) {
				defer GinkgoRecover()
				defer wg.Done()
				m.LoadOrStore("shared", v)
			}(i)
		}
		wg.Wait()

		Expect(m.Len()).To(Equal(1))
		v, ok := m.Load("shared")
		Expect(ok).To(BeTrue())
		Expect(v).To(BeNumerically(">=", 1))
	})

	It("should load and delete", func() {
		m.Store("k", 7)
		v, ok := m.LoadAndDelete("k")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(7))

		_, ok = m.LoadAndDelete("k")
		Expect(ok).To(BeFalse())
	})

	It("should compare and swap", func() {
		m.Store("k", 1)
		v, swapped := m.CompareAndSwap("k", 1, 2)
		Expect(swapped).To(BeTrue())
		Expect(v).To(Equal(2))

		v, swapped = m.CompareAndSwap("k", 1, 3)
		Expect(swapped).To(BeFalse())
		Expect(v).To(Equal(2))

		_, swapped = m.CompareAndSwap("missing", 5, 6)
		Expect(swapped).To(BeFalse())
		_, ok := m.Load("missing")
		Expect(ok).To(BeFalse())
	})
})
