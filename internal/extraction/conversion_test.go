package extraction

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func encodedImage(encode func(*bytes.Buffer, image.Image) error) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	Expect(encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("ResolveContentType", func() {
	It("recognizes PNG and PDF extensions case-insensitively", func() {
		Expect(ResolveContentType("receipt.png")).To(Equal("image/png"))
		Expect(ResolveContentType("scans/RECEIPT.PNG")).To(Equal("image/png"))
		Expect(ResolveContentType("invoice.pdf")).To(Equal("application/pdf"))
	})

	It("treats everything else as JPEG", func() {
		Expect(ResolveContentType("receipt.jpg")).To(Equal("image/jpeg"))
		Expect(ResolveContentType("receipt.heic")).To(Equal("image/jpeg"))
		Expect(ResolveContentType("no-extension")).To(Equal("image/jpeg"))
	})
})

var _ = Describe("prepareImage", func() {
	It("passes PNG input through untouched", func() {
		pngData := encodedImage(func(buf *bytes.Buffer, img image.Image) error {
			return png.Encode(buf, img)
		})

		prepared, err := prepareImage(pngData, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(prepared).To(Equal(pngData))
	})

	It("re-encodes JPEG input as PNG", func() {
		jpegData := encodedImage(func(buf *bytes.Buffer, img image.Image) error {
			return jpeg.Encode(buf, img, nil)
		})

		prepared, err := prepareImage(jpegData, "image/jpeg")
		Expect(err).NotTo(HaveOccurred())

		decoded, format, err := image.Decode(bytes.NewReader(prepared))
		Expect(err).NotTo(HaveOccurred())
		Expect(format).To(Equal("png"))
		Expect(decoded.Bounds()).To(Equal(image.Rect(0, 0, 4, 4)))
	})

	It("assumes JPEG when the content type is blank", func() {
		jpegData := encodedImage(func(buf *bytes.Buffer, img image.Image) error {
			return jpeg.Encode(buf, img, nil)
		})

		_, err := prepareImage(jpegData, "")
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects bytes that are not a supported image", func() {
		_, err := prepareImage([]byte("not an image"), "image/jpeg")
		Expect(err).To(MatchError(ContainSubstring("converting image to PNG")))
	})
})

var _ = Describe("isHEICFormat", func() {
	It("detects the ftyp box brands", func() {
		header := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'h', 'e', 'i', 'c'}
		Expect(isHEICFormat(header)).To(BeTrue())

		header = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'i', 'f', '1'}
		Expect(isHEICFormat(header)).To(BeTrue())
	})

	It("rejects short or unrelated data", func() {
		Expect(isHEICFormat([]byte("tiny"))).To(BeFalse())
		Expect(isHEICFormat([]byte("definitely not an ftyp box"))).To(BeFalse())
	})
})
