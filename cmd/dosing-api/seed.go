package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/recurrence"
	"github.com/drfirst/go-dose/internal/infrastructure/memory"
)

// demoPatientID owns the seeded prescription
const demoPatientID int64 = 1

// seed loads one patient with two medicines into a memory store
func seed(ctx context.Context, store *memory.Store, loc *time.Location, logger *zap.Logger) error {
	today := recurrence.Day(time.Now().In(loc))
	rx := store.CreatePrescription(demoPatientID)

	metformin := store.CreateMedicine("Metformin 500mg", 10)
	store.SeedSheet(metformin, 4, today.AddDate(0, 6, 0), true)
	store.SeedSheet(metformin, 0, today.AddDate(1, 0, 0), false)

	vitaminD := store.CreateMedicine("Vitamin D3 1000IU", 30)
	store.SeedSheet(vitaminD, 0, today.AddDate(0, 3, 0), false)

	monday := int(time.Monday)
	rules := dosing.NewRuleService(store, logger)
	inputs := []dosing.RuleInput{
		{PrescriptionID: rx, MedicineID: metformin, MorningCount: 1, EveningCount: 1, RecurrenceType: "daily"},
		{PrescriptionID: rx, MedicineID: vitaminD, MorningCount: 2, RecurrenceType: "weekly", RecurrenceDayOfWeek: &monday},
	}
	for _, in := range inputs {
		r, err := rules.Create(ctx, in, today)
		if err != nil {
			return err
		}
		logger.Info("seeded rule",
			zap.Int64("rule_id", r.ID),
			zap.String("medicine", r.MedicineName))
	}

	logger.Info("demo data seeded", zap.Int64("patient_id", demoPatientID))
	return nil
}
