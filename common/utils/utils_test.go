package utils_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/kernel-manager/common/utils"
)

var _ = Describe("Utils", func() {
	Context("environment", func() {
		It("should fall back to the default for unset variables", func() {
			Expect(utils.GetEnv("KERNEL_MANAGER_UNSET_VARIABLE", "fallback")).To(Equal("fallback"))
		})

		It("should parse durations and plain seconds", func() {
			GinkgoT().Setenv("KERNEL_MANAGER_TEST_DURATION", "250ms")
			Expect(utils.GetEnvDuration("KERNEL_MANAGER_TEST_DURATION", time.Second)).To(Equal(250 * time.Millisecond))

			GinkgoT().Setenv("KERNEL_MANAGER_TEST_DURATION", "1.5")
			Expect(utils.GetEnvDuration("KERNEL_MANAGER_TEST_DURATION", time.Second)).To(Equal(1500 * time.Millisecond))

			GinkgoT().Setenv("KERNEL_MANAGER_TEST_DURATION", "soon")
			Expect(utils.GetEnvDuration("KERNEL_MANAGER_TEST_DURATION", time.Second)).To(Equal(time.Second))

			Expect(os.Unsetenv("KERNEL_MANAGER_TEST_DURATION")).To(Succeed())
			Expect(utils.GetEnvDuration("KERNEL_MANAGER_TEST_DURATION", time.Minute)).To(Equal(time.Minute))
		})
	})

	It("should generate random strings of the requested length", func() {
		s := utils.GenerateRandomString(12)
		Expect(s).To(HaveLen(12))
		Expect(s).To(MatchRegexp("^[a-z0-9]+$"))
	})

	It("should pick a style per lifecycle state", func() {
		Expect(utils.StateStyle("Failed").Render("x")).To(ContainSubstring("x"))
		Expect(utils.StateStyle("Running").GetForeground()).To(Equal(utils.GreenStyle.GetForeground()))
	})
})

var _ = Describe("ReservePorts", func() {
	It("should return distinct usable ports", func() {
		ports, err := utils.ReservePorts("127.0.0.1", 5)
		Expect(err).ToNot(HaveOccurred())
		Expect(ports).To(HaveLen(5))

		seen := map[int]bool{}
		for _, port := range ports {
			Expect(port).To(BeNumerically(">", 0))
			Expect(seen).ToNot(HaveKey(port))
			seen[port] = true
		}
	})
})
