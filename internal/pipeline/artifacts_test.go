package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"receiptpipe/internal/aggregate"
	"receiptpipe/internal/extraction"
)

var _ = Describe("ArtifactWriter", func() {
	var (
		baseDir string
		writer  *ArtifactWriter
	)

	BeforeEach(func() {
		baseDir = GinkgoT().TempDir()

		var err error
		writer, err = NewArtifactWriter(baseDir, "run_abc")
		Expect(err).NotTo(HaveOccurred())
	})

	It("creates the run directory under the base", func() {
		Expect(writer.RunDir()).To(Equal(filepath.Join(baseDir, "run_abc")))
		Expect(writer.RunDir()).To(BeADirectory())
	})

	Describe("WriteInterim", func() {
		It("writes one file per document and source", func() {
			path, err := writer.WriteInterim(extraction.Result{
				Source:       extraction.SourceOCR,
				DocumentID:   "scans/receipt-1.jpg",
				MerchantName: "Cafe X",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(writer.RunDir(), "intermediary_outputs", "scans_receipt-1_jpg_ocr.json")))

			var result extraction.Result
			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(data, &result)).To(Succeed())
			Expect(result.MerchantName).To(Equal("Cafe X"))
		})
	})

	Describe("WriteRecord", func() {
		It("writes the merged record under receipts", func() {
			path, err := writer.WriteRecord(&aggregate.MergedRecord{DocumentID: "receipt-1.jpg", MerchantName: "Cafe X"})
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(writer.RunDir(), "receipts", "receipt-1_jpg.json")))
			Expect(path).To(BeAnExistingFile())
		})
	})

	Describe("WriteContext", func() {
		It("writes the audit context under aggregation_context", func() {
			path, err := writer.WriteContext(&aggregate.AggregationContext{DocumentID: "receipt-1.jpg"})
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(writer.RunDir(), "aggregation_context", "receipt-1_jpg_aggregation.json")))
		})
	})

	Describe("WriteSummary", func() {
		It("writes the summary at the run root", func() {
			path, err := writer.WriteSummary(&RunSummary{RunID: "run_abc", Total: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(writer.RunDir(), "workflow_summary.json")))

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`"total": 3`))
		})
	})
})
