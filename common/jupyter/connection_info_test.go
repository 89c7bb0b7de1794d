package jupyter_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/kernel-manager/common/jupyter"
)

func completeConnectionInfo() *jupyter.ConnectionInfo {
	info := jupyter.NewConnectionInfo("", "")
	info.ShellPort = 9001
	info.IOPubPort = 9002
	info.StdinPort = 9003
	info.ControlPort = 9004
	info.HBPort = 9005
	return info
}

var _ = Describe("ConnectionInfo", func() {
	Context("addressing", func() {
		It("should format tcp endpoints per channel", func() {
			info := completeConnectionInfo()

			Expect(info.Address(jupyter.ShellChannel)).To(Equal("tcp://127.0.0.1:9001"))
			Expect(info.Address(jupyter.IOPubChannel)).To(Equal("tcp://127.0.0.1:9002"))
			Expect(info.Address(jupyter.StdinChannel)).To(Equal("tcp://127.0.0.1:9003"))
			Expect(info.Address(jupyter.ControlChannel)).To(Equal("tcp://127.0.0.1:9004"))
			Expect(info.Address(jupyter.HeartbeatChannel)).To(Equal("tcp://127.0.0.1:9005"))
		})

		It("should format ipc endpoints using the ip as a path prefix", func() {
			info := completeConnectionInfo()
			info.Transport = jupyter.TransportIPC
			info.IP = "/tmp/kernel-ipc"

			Expect(info.Address(jupyter.ControlChannel)).To(Equal("ipc:///tmp/kernel-ipc-9004"))
		})
	})

	Context("validation", func() {
		It("should accept a complete connection info", func() {
			Expect(completeConnectionInfo().Validate()).To(Succeed())
		})

		It("should reject missing ports", func() {
			info := completeConnectionInfo()
			info.HBPort = 0

			err := info.Validate()
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, jupyter.ErrInvalidConnectionInfo)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("hb"))
		})

		It("should reject unknown transports and signature schemes", func() {
			info := completeConnectionInfo()
			info.Transport = "udp"
			Expect(errors.Is(info.Validate(), jupyter.ErrInvalidConnectionInfo)).To(BeTrue())

			info = completeConnectionInfo()
			info.SignatureScheme = "hmac-md5"
			Expect(errors.Is(info.Validate(), jupyter.ErrInvalidConnectionInfo)).To(BeTrue())
		})
	})

	Context("equality", func() {
		It("should distinguish connection infos with different ports", func() {
			a := completeConnectionInfo()
			b := a.Clone()
			Expect(a.Equal(b)).To(BeTrue())
			Expect(a).ToNot(BeIdenticalTo(b))

			b.ShellPort = 9100
			Expect(a.Equal(b)).To(BeFalse())
		})
	})

	Context("connection files", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		It("should round-trip through a connection file", func() {
			info := completeConnectionInfo()
			info.KernelName = "python3"

			path, err := jupyter.WriteConnectionFile(dir, "k1", info)
			Expect(err).ToNot(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(dir, "kernel-k1.json")))

			loaded, err := jupyter.ReadConnectionFile(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(loaded).To(Equal(info))
		})

		It("should create a unique file in the temp directory when no directory is given", func() {
			path, err := jupyter.WriteConnectionFile("", "k2", completeConnectionInfo())
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(os.Remove, path)

			Expect(filepath.Base(path)).To(HavePrefix("kernel-k2-"))
			Expect(path).To(HaveSuffix(".json"))
		})

		It("should report malformed files as invalid connection info", func() {
			path := filepath.Join(dir, "broken.json")
			Expect(os.WriteFile(path, []byte("{not json"), 0o600)).To(Succeed())

			_, err := jupyter.ReadConnectionFile(path)
			Expect(errors.Is(err, jupyter.ErrInvalidConnectionInfo)).To(BeTrue())
		})

		It("should ignore removing a file that does not exist", func() {
			Expect(jupyter.RemoveConnectionFile(filepath.Join(dir, "missing.json"))).To(Succeed())
		})
	})
})

var _ = Describe("KernelError", func() {
	It("should match both the kind and the cause", func() {
		cause := os.ErrPermission
		err := jupyter.NewKernelError("k1", "start", jupyter.ErrLaunch, cause)

		Expect(errors.Is(err, jupyter.ErrLaunch)).To(BeTrue())
		Expect(errors.Is(err, os.ErrPermission)).To(BeTrue())
		Expect(errors.Is(err, jupyter.ErrRestart)).To(BeFalse())
		Expect(err.Error()).To(ContainSubstring("kernel k1: start"))

		var kernelErr *jupyter.KernelError
		Expect(errors.As(err, &kernelErr)).To(BeTrue())
		Expect(kernelErr.KernelId).To(Equal("k1"))
	})

	It("should return nil when there is nothing to report", func() {
		Expect(jupyter.NewKernelError("k1", "start", nil, nil)).To(BeNil())
	})
})
