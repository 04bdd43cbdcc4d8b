package aggregate

import (
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"receiptpipe/internal/extraction"
)

// fixedTimeSource pins the clock for byte-identical merge output
type fixedTimeSource struct {
	now time.Time
}

func (f *fixedTimeSource) Now() time.Time {
	return f.now
}

func newTestMerger() *Merger {
	return NewMergerWithDeps(DefaultSourcePriorities, &fixedTimeSource{
		now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
	})
}

var _ = Describe("Merger", func() {
	var (
		merger  *Merger
		results []extraction.Result
		record  *MergedRecord
		context *AggregationContext
		err     error
	)

	BeforeEach(func() {
		merger = newTestMerger()
	})

	JustBeforeEach(func() {
		record, context, err = merger.Merge(results)
	})

	When("a structured result and an OCR result complement each other", func() {
		BeforeEach(func() {
			results = []extraction.Result{
				{
					Source:          extraction.SourceStructured,
					DocumentID:      "receipt-1.jpg",
					MerchantName:    "Cafe X",
					ConfidenceScore: floatPtr(0.9),
				},
				{
					Source:          extraction.SourceOCR,
					DocumentID:      "receipt-1.jpg",
					TotalAmount:     floatPtr(4.50),
					Currency:        "USD",
					Items:           []extraction.LineItem{{Description: "Latte", Price: floatPtr(4.50)}},
					ConfidenceScore: floatPtr(0.7),
				},
			}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("takes the merchant from the structured result", func() {
			Expect(record.MerchantName).To(Equal("Cafe X"))
			Expect(record.Metadata.FieldSources["merchant_name"]).To(Equal(extraction.SourceStructured))
		})

		It("gap-fills the total, currency and items from the OCR result", func() {
			Expect(record.TotalAmount).To(Equal(4.50))
			Expect(record.Currency).To(Equal("USD"))
			Expect(record.Items).To(HaveLen(1))
			Expect(record.Metadata.FieldSources["total_amount"]).To(Equal(extraction.SourceOCR))
			Expect(record.Metadata.FieldSources["currency"]).To(Equal(extraction.SourceOCR))
			Expect(record.Metadata.ItemSources[0].Source).To(Equal(extraction.SourceOCR))
		})

		It("keeps sources_used in arrival order", func() {
			Expect(record.SourcesUsed).To(Equal([]string{extraction.SourceStructured, extraction.SourceOCR}))
		})

		It("applies the date default without attributing it", func() {
			Expect(record.TransactionDate).To(Equal("Unknown"))
			Expect(record.Metadata.FieldSources).NotTo(HaveKey("transaction_date"))
		})

		It("fills the audit context", func() {
			Expect(context.SelectionLogic.MergeStrategy).To(Equal("highest_scoring_base_with_gap_filling"))
			Expect(context.ScoringDetails).To(HaveLen(2))
			Expect(context.FinalOutput).To(Equal(record))
		})
	})

	When("a lower-ranked result disagrees on an already-set field", func() {
		BeforeEach(func() {
			results = []extraction.Result{
				{
					Source:          extraction.SourceStructured,
					DocumentID:      "receipt-1.jpg",
					MerchantName:    "Cafe X",
					TransactionDate: "2024-01-15",
					TotalAmount:     floatPtr(10.00),
					ConfidenceScore: floatPtr(0.95),
				},
				{
					Source:          extraction.SourceOCR,
					DocumentID:      "receipt-1.jpg",
					MerchantName:    "Cafe Y",
					TotalAmount:     floatPtr(99.00),
					ConfidenceScore: floatPtr(0.4),
				},
			}
		})

		It("never overwrites the base's fields", func() {
			Expect(record.MerchantName).To(Equal("Cafe X"))
			Expect(record.TotalAmount).To(Equal(10.00))
		})
	})

	When("a base total of zero is present", func() {
		BeforeEach(func() {
			results = []extraction.Result{
				{
					Source:          extraction.SourceStructured,
					DocumentID:      "receipt-1.jpg",
					TotalAmount:     floatPtr(0),
					ConfidenceScore: floatPtr(0.9),
				},
				{
					Source:      extraction.SourceOCR,
					DocumentID:  "receipt-1.jpg",
					TotalAmount: floatPtr(4.50),
				},
			}
		})

		It("treats zero as set, not as a gap", func() {
			Expect(record.TotalAmount).To(Equal(0.0))
			Expect(record.Metadata.FieldSources["total_amount"]).To(Equal(extraction.SourceStructured))
		})
	})

	When("two results carry the same item with different casing and padding", func() {
		BeforeEach(func() {
			results = []extraction.Result{
				{
					Source:          extraction.SourceStructured,
					DocumentID:      "receipt-1.jpg",
					MerchantName:    "Cafe X",
					TotalAmount:     floatPtr(7.00),
					Items:           []extraction.LineItem{{Description: "Coffee", Price: floatPtr(3.50)}},
					ConfidenceScore: floatPtr(0.9),
				},
				{
					Source: extraction.SourceOCR,
					DocumentID: "receipt-1.jpg",
					Items: []extraction.LineItem{
						{Description: "  coffee  ", Price: floatPtr(3.50)},
						{Description: "Muffin", Price: floatPtr(3.50)},
						{Description: "   "},
					},
				},
			}
		})

		It("emits exactly one coffee, attributed to the higher-ranked result", func() {
			descriptions := make([]string, 0, len(record.Items))
			for _, item := range record.Items {
				descriptions = append(descriptions, item.Description)
			}
			Expect(descriptions).To(Equal([]string{"Coffee", "Muffin"}))
			Expect(record.Metadata.ItemSources[0]).To(Equal(ItemSource{Description: "Coffee", Source: extraction.SourceStructured}))
		})

		It("drops items with blank descriptions", func() {
			Expect(record.Items).To(HaveLen(2))
		})
	})

	When("one result is error-tagged", func() {
		BeforeEach(func() {
			results = []extraction.Result{
				extraction.Errored(extraction.SourceStructured, "receipt-1.jpg", errors.New("credentials not configured")),
				{
					Source:          extraction.SourceOCR,
					DocumentID:      "receipt-1.jpg",
					MerchantName:    "Cafe X",
					ConfidenceScore: floatPtr(0.7),
				},
			}
		})

		It("excludes it from sources_used and attribution entirely", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(record.SourcesUsed).To(Equal([]string{extraction.SourceOCR}))
			Expect(record.Metadata.BestSource).To(Equal(extraction.SourceOCR))
			Expect(record.Metadata.SourceScores).NotTo(HaveKey(extraction.SourceStructured))
		})
	})

	When("every result is error-tagged", func() {
		BeforeEach(func() {
			results = []extraction.Result{
				extraction.Errored(extraction.SourceStructured, "receipt-1.jpg", errors.New("timeout")),
				extraction.Errored(extraction.SourceOCR, "receipt-1.jpg", errors.New("status 500")),
				extraction.Errored(extraction.SourceVision, "receipt-1.jpg", errors.New("no response")),
			}
		})

		It("signals no valid results", func() {
			Expect(err).To(MatchError(ErrNoValidResults))
			Expect(record).To(BeNil())
			Expect(context).To(BeNil())
		})
	})

	When("there are no results at all", func() {
		BeforeEach(func() {
			results = nil
		})

		It("signals no valid results", func() {
			Expect(err).To(MatchError(ErrNoValidResults))
		})
	})

	Describe("determinism and idempotence", func() {
		base := []extraction.Result{
			{
				Source:          extraction.SourceStructured,
				DocumentID:      "receipt-1.jpg",
				MerchantName:    "Cafe X",
				TransactionDate: "2024-01-15",
				ConfidenceScore: floatPtr(0.9),
			},
			{
				Source:          extraction.SourceOCR,
				DocumentID:      "receipt-1.jpg",
				TotalAmount:     floatPtr(4.50),
				Currency:        "USD",
				Items:           []extraction.LineItem{{Description: "Latte", Price: floatPtr(4.50)}},
				ConfidenceScore: floatPtr(0.7),
			},
			{
				Source:          extraction.SourceVision,
				DocumentID:      "receipt-1.jpg",
				MerchantName:    "CAFE X LLC",
				TransactionTime: "09:14",
				ConfidenceScore: floatPtr(0.8),
			},
		}

		BeforeEach(func() {
			results = base
		})

		It("yields byte-identical output on repeated merges", func() {
			again, againContext, err2 := merger.Merge(results)
			Expect(err2).NotTo(HaveOccurred())

			first, merr := json.Marshal(record)
			Expect(merr).NotTo(HaveOccurred())
			second, merr := json.Marshal(again)
			Expect(merr).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))

			firstCtx, merr := json.Marshal(context)
			Expect(merr).NotTo(HaveOccurred())
			secondCtx, merr := json.Marshal(againContext)
			Expect(merr).NotTo(HaveOccurred())
			Expect(secondCtx).To(Equal(firstCtx))
		})

		It("is order-independent in output field values when scores differ", func() {
			reversed := []extraction.Result{base[2], base[0], base[1]}
			other, _, err2 := merger.Merge(reversed)
			Expect(err2).NotTo(HaveOccurred())

			Expect(other.MerchantName).To(Equal(record.MerchantName))
			Expect(other.TransactionDate).To(Equal(record.TransactionDate))
			Expect(other.TransactionTime).To(Equal(record.TransactionTime))
			Expect(other.TotalAmount).To(Equal(record.TotalAmount))
			Expect(other.Currency).To(Equal(record.Currency))
			Expect(other.Items).To(Equal(record.Items))
			Expect(other.Metadata.FieldSources).To(Equal(record.Metadata.FieldSources))
			// sources_used intentionally follows arrival order.
			Expect(other.SourcesUsed).To(Equal([]string{
				extraction.SourceVision, extraction.SourceStructured, extraction.SourceOCR,
			}))
		})

		It("never loses fields or items when a new valid result arrives", func() {
			grown, _, err2 := merger.Merge(append(append([]extraction.Result{}, base...), extraction.Result{
				Source:      extraction.SourceOCR,
				DocumentID:  "receipt-1.jpg",
				Currency:    "EUR",
				Items:       []extraction.LineItem{{Description: "Croissant", Price: floatPtr(2.80)}},
			}))
			Expect(err2).NotTo(HaveOccurred())

			Expect(grown.MerchantName).To(Equal(record.MerchantName))
			Expect(grown.TotalAmount).To(Equal(record.TotalAmount))
			Expect(grown.Currency).To(Equal(record.Currency))
			for _, item := range record.Items {
				Expect(grown.Items).To(ContainElement(item))
			}
			Expect(len(grown.Items)).To(Equal(len(record.Items) + 1))
		})
	})

	When("two results tie exactly on score", func() {
		tied := func(source string) extraction.Result {
			return extraction.Result{
				Source:          source,
				DocumentID:      "receipt-1.jpg",
				MerchantName:    "Merchant " + source,
				ConfidenceScore: floatPtr(0.5),
			}
		}

		BeforeEach(func() {
			// Identical extractions from two unranked sources: no priority
			// term separates them.
			merger = NewMergerWithDeps(map[string]int{}, &fixedTimeSource{now: time.Unix(0, 0)})
			results = []extraction.Result{tied("a"), tied("b")}
		})

		It("breaks the tie by arrival order", func() {
			Expect(record.MerchantName).To(Equal("Merchant a"))

			flipped, _, err2 := merger.Merge([]extraction.Result{tied("b"), tied("a")})
			Expect(err2).NotTo(HaveOccurred())
			Expect(flipped.MerchantName).To(Equal("Merchant b"))
		})
	})

	When("a lower-priority source is only marginally better", func() {
		BeforeEach(func() {
			// The 0.01 priority weight is deliberately too small to rescue
			// the structured source here: extracted quality wins.
			results = []extraction.Result{
				{
					Source:          extraction.SourceStructured,
					DocumentID:      "receipt-1.jpg",
					MerchantName:    "Cafe X",
					ConfidenceScore: floatPtr(0.70),
				},
				{
					Source:          extraction.SourceVision,
					DocumentID:      "receipt-1.jpg",
					MerchantName:    "Cafe X Downtown",
					ConfidenceScore: floatPtr(0.77),
				},
			}
		})

		It("lets the vision source outrank the structured source", func() {
			// Scores: structured = 1.4 + 0.21 + 0.03 = 1.64,
			// vision = 1.4 + 0.231 + 0.01 = 1.641.
			Expect(record.Metadata.BestSource).To(Equal(extraction.SourceVision))
			Expect(record.MerchantName).To(Equal("Cafe X Downtown"))
		})
	})
})
