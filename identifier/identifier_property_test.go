//go:build property
// +build property

package identifier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mmdatafocus/clearance_backend/models"
)

func TestDocumentKeyRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("key is 50 digits and recovers the sequence number", prop.ForAll(
		func(branch, terminal int, catIdx int, sequential int64, issuer int64, days int) bool {
			category := models.AllDocumentCategories[catIdx]
			seq := FormatSequenceNumber(fmt.Sprintf("%03d", branch), fmt.Sprintf("%05d", terminal), category, sequential)
			tenant := &models.Tenant{ID: "t", IssuerId: fmt.Sprintf("%d", issuer)}
			emission := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)

			g := NewGenerator(models.NewMemoryStore(), nil)
			key, err := g.BuildDocumentKey(context.Background(), tenant, category, seq, emission)
			if err != nil {
				return false
			}
			if len(key) != DocumentKeyLength || !isDigits(key, DocumentKeyLength) {
				return false
			}
			parts, err := ParseDocumentKey(key)
			return err == nil && parts.SequenceNumber == seq && parts.Sequence.Category == category
		},
		gen.IntRange(0, 999),
		gen.IntRange(0, 99999),
		gen.IntRange(0, len(models.AllDocumentCategories)-1),
		gen.Int64Range(1, maxSequential),
		gen.Int64Range(100000000, 999999999999),
		gen.IntRange(0, 3650),
	))

	properties.TestingRun(t)
}

func TestSequenceStrictlyIncreases(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("sequential calls produce gapless increasing sequences", prop.ForAll(
		func(calls int, catIdx int) bool {
			category := models.AllDocumentCategories[catIdx]
			g := NewGenerator(models.NewMemoryStore(), nil)
			var prev int64
			for i := 0; i < calls; i++ {
				seq, err := g.NextSequenceNumber(context.Background(), "t", category, "001", "00001")
				if err != nil || len(seq) != SequenceNumberLength {
					return false
				}
				parts, err := ParseSequenceNumber(seq)
				if err != nil || parts.Sequential != prev+1 {
					return false
				}
				prev = parts.Sequential
			}
			return true
		},
		gen.IntRange(1, 60),
		gen.IntRange(0, len(models.AllDocumentCategories)-1),
	))

	properties.TestingRun(t)
}
