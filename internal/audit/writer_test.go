package audit_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acumenpress/commerce/internal/audit"
	"github.com/acumenpress/commerce/internal/models"
	"github.com/acumenpress/commerce/internal/store"
)

func TestWriterPersistsRecords(t *testing.T) {
	st := store.NewMemoryStore()
	w := audit.NewWriter(st, 16, zerolog.Nop())

	for i := 0; i < 5; i++ {
		w.Record(&models.ExecutionRecord{
			RuleCode:        "exam-booking-fee",
			EntryPoint:      models.EntryCartCalculateVAT,
			ConditionResult: true,
			Outcome:         models.OutcomeSuccess,
		})
	}
	w.Close()

	records, err := st.ListExecutions(context.Background(), models.EntryCartCalculateVAT, 10)
	require.NoError(t, err)
	assert.Len(t, records, 5)
	for _, rec := range records {
		assert.NotZero(t, rec.SeqNo)
	}
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	st := store.NewMemoryStore()
	w := audit.NewWriter(st, 1, zerolog.Nop())

	// flooding a tiny queue must never block the caller
	for i := 0; i < 100; i++ {
		w.Record(&models.ExecutionRecord{
			RuleCode:   "noisy",
			EntryPoint: models.EntryHomePageMount,
			Outcome:    models.OutcomeSuccess,
		})
	}
	w.Close()

	records, err := st.ListExecutions(context.Background(), models.EntryHomePageMount, 200)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
	assert.LessOrEqual(t, len(records), 100)
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	w := audit.NewWriter(store.NewMemoryStore(), 4, zerolog.Nop())
	w.Close()
	w.Close()
}
