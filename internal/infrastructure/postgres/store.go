// Package postgres provides PostgreSQL infrastructure components: the dosing
// store, embedded schema migrations and the transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/inventory"
	"github.com/drfirst/go-dose/internal/domain/recurrence"
)

// DefaultEventsTopic is the topic outbox entries are addressed to
const DefaultEventsTopic = "dosing.events"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements dosing.Store on PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

var _ dosing.Store = (*Store)(nil)

// NewStore creates a store; events are addressed to topic
func NewStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = DefaultEventsTopic
	}
	return &Store{pool: pool, topic: topic, logger: logger}
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn in a transaction that commits only if fn returns nil
func (s *Store) WithTx(ctx context.Context, fn func(tx dosing.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&storeTx{tx: tx, topic: s.topic}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WithStockTx implements inventory.Store
func (s *Store) WithStockTx(ctx context.Context, fn func(tx inventory.StockTx) error) error {
	return s.WithTx(ctx, func(tx dosing.Tx) error { return fn(tx) })
}

// LoadStock reads a medicine's sheets without locking
func (s *Store) LoadStock(ctx context.Context, medicineID int64) (*inventory.Stock, error) {
	return loadStock(ctx, s.pool, medicineID, false)
}

// GetRule returns a rule by ID
func (s *Store) GetRule(ctx context.Context, id int64) (dosing.Rule, error) {
	return getRule(ctx, s.pool, id)
}

// ListActiveRules returns the active rules of all of a patient's prescriptions
func (s *Store) ListActiveRules(ctx context.Context, patientID int64) ([]dosing.Rule, error) {
	rows, err := s.pool.Query(ctx, ruleSelect+`
		WHERE p.patient_id = $1 AND pm.is_active
		ORDER BY pm.id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	out := make([]dosing.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListExecutions returns executions of ruleIDs dated within [from, to]
func (s *Store) ListExecutions(ctx context.Context, ruleIDs []int64, from, to time.Time) ([]dosing.Execution, error) {
	rows, err := s.pool.Query(ctx, executionSelect+`
		WHERE rule_id = ANY($1) AND dose_date BETWEEN $2 AND $3
		ORDER BY executed_at`, ruleIDs, from, to)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	out := make([]dosing.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateMedicine registers a medicine
func (s *Store) CreateMedicine(ctx context.Context, name string, tabletsPerSheet int) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO medicines (name, tablets_per_sheet) VALUES ($1, $2) RETURNING id`,
		name, tabletsPerSheet).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert medicine: %w", err)
	}
	return id, nil
}

// CreatePrescription registers a prescription for patientID
func (s *Store) CreatePrescription(ctx context.Context, patientID int64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prescriptions (patient_id) VALUES ($1) RETURNING id`,
		patientID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert prescription: %w", err)
	}
	return id, nil
}

func loadStock(ctx context.Context, q querier, medicineID int64, lock bool) (*inventory.Stock, error) {
	query := `SELECT id, name, tablets_per_sheet, active_sheet_id FROM medicines WHERE id = $1`
	if lock {
		// must not conflict with the KEY SHARE held by the dose_executions foreign key check
		query += ` FOR NO KEY UPDATE`
	}

	st := &inventory.Stock{Sheets: []inventory.Sheet{}}
	err := q.QueryRow(ctx, query, medicineID).Scan(&st.MedicineID, &st.MedicineName, &st.TabletsPerSheet, &st.ActiveSheetID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: medicine %d", inventory.ErrNotFound, medicineID)
		}
		return nil, fmt.Errorf("load medicine %d: %w", medicineID, err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, consumed_tablets, expiry_date, created_at
		FROM medicine_sheets
		WHERE medicine_id = $1
		ORDER BY id`, medicineID)
	if err != nil {
		return nil, fmt.Errorf("query sheets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sh inventory.Sheet
		if err := rows.Scan(&sh.ID, &sh.ConsumedTablets, &sh.ExpiryDate, &sh.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		st.Sheets = append(st.Sheets, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	st.Normalize()
	return st, nil
}

const ruleSelect = `
	SELECT pm.id, pm.prescription_id, p.patient_id, pm.medicine_id, m.name,
	       pm.morning_count, pm.afternoon_count, pm.evening_count,
	       pm.recurrence_type, pm.recurrence_interval, pm.recurrence_day_of_week, pm.anchor_date,
	       pm.is_active, pm.superseded_by, pm.created_at
	FROM prescription_medicines pm
	JOIN prescriptions p ON p.id = pm.prescription_id
	JOIN medicines m ON m.id = pm.medicine_id`

func scanRule(row pgx.Row) (dosing.Rule, error) {
	var r dosing.Rule
	var typ string
	var dow *int16
	err := row.Scan(
		&r.ID, &r.PrescriptionID, &r.PatientID, &r.MedicineID, &r.MedicineName,
		&r.MorningCount, &r.AfternoonCount, &r.EveningCount,
		&typ, &r.Schedule.Interval, &dow, &r.Schedule.Anchor,
		&r.IsActive, &r.SupersededBy, &r.CreatedAt,
	)
	if err != nil {
		return dosing.Rule{}, err
	}
	r.Schedule.Type = recurrence.Type(typ)
	if dow != nil {
		d := int(*dow)
		r.Schedule.DayOfWeek = &d
	}
	return r, nil
}

func getRule(ctx context.Context, q querier, id int64) (dosing.Rule, error) {
	r, err := scanRule(q.QueryRow(ctx, ruleSelect+` WHERE pm.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dosing.Rule{}, fmt.Errorf("%w: rule %d", dosing.ErrNotFound, id)
		}
		return dosing.Rule{}, fmt.Errorf("load rule %d: %w", id, err)
	}
	return r, nil
}

const executionSelect = `
	SELECT id, rule_id, slot, dose_date, medicine_id, tablets, draws, executed_at
	FROM dose_executions`

func scanExecution(row pgx.Row) (dosing.Execution, error) {
	var e dosing.Execution
	var slot string
	var draws []byte
	if err := row.Scan(&e.ID, &e.RuleID, &slot, &e.Date, &e.MedicineID, &e.Tablets, &draws, &e.ExecutedAt); err != nil {
		return dosing.Execution{}, err
	}
	e.Slot = dosing.Slot(slot)
	if len(draws) > 0 {
		if err := json.Unmarshal(draws, &e.Draws); err != nil {
			return dosing.Execution{}, fmt.Errorf("decode draws: %w", err)
		}
	}
	return e, nil
}

type storeTx struct {
	tx    pgx.Tx
	topic string
}

func (t *storeTx) LockStock(ctx context.Context, medicineID int64) (*inventory.Stock, error) {
	return loadStock(ctx, t.tx, medicineID, true)
}

func (t *storeTx) UpdateSheetConsumed(ctx context.Context, sheetID int64, consumed int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE medicine_sheets s
		SET consumed_tablets = $2
		FROM medicines m
		WHERE s.id = $1 AND m.id = s.medicine_id AND $2 <= m.tablets_per_sheet`,
		sheetID, consumed)
	if err != nil {
		return fmt.Errorf("update sheet %d: %w", sheetID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sheet %d with %d consumed tablets", inventory.ErrNotFound, sheetID, consumed)
	}
	return nil
}

func (t *storeTx) SetActiveSheet(ctx context.Context, medicineID int64, sheetID *int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE medicines SET active_sheet_id = $2 WHERE id = $1`, medicineID, sheetID)
	if err != nil {
		return fmt.Errorf("set active sheet of medicine %d: %w", medicineID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: medicine %d", inventory.ErrNotFound, medicineID)
	}
	return nil
}

func (t *storeTx) InsertSheet(ctx context.Context, s *inventory.Sheet) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO medicine_sheets (medicine_id, consumed_tablets, expiry_date)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		s.MedicineID, s.ConsumedTablets, s.ExpiryDate,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sheet: %w", err)
	}
	return nil
}

func (t *storeTx) MedicineOfSheet(ctx context.Context, sheetID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT medicine_id FROM medicine_sheets WHERE id = $1`, sheetID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: sheet %d", inventory.ErrNotFound, sheetID)
		}
		return 0, fmt.Errorf("load sheet %d: %w", sheetID, err)
	}
	return id, nil
}

func (t *storeTx) GetRule(ctx context.Context, id int64) (dosing.Rule, error) {
	return getRule(ctx, t.tx, id)
}

func (t *storeTx) PrescriptionPatient(ctx context.Context, prescriptionID int64) (int64, error) {
	var patientID int64
	err := t.tx.QueryRow(ctx, `SELECT patient_id FROM prescriptions WHERE id = $1`, prescriptionID).Scan(&patientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: prescription %d", dosing.ErrNotFound, prescriptionID)
		}
		return 0, fmt.Errorf("load prescription %d: %w", prescriptionID, err)
	}
	return patientID, nil
}

func (t *storeTx) MedicineName(ctx context.Context, medicineID int64) (string, error) {
	var name string
	err := t.tx.QueryRow(ctx, `SELECT name FROM medicines WHERE id = $1`, medicineID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: medicine %d", dosing.ErrNotFound, medicineID)
		}
		return "", fmt.Errorf("load medicine %d: %w", medicineID, err)
	}
	return name, nil
}

func (t *storeTx) InsertRule(ctx context.Context, r *dosing.Rule) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO prescription_medicines (
			prescription_id, medicine_id, morning_count, afternoon_count, evening_count,
			recurrence_type, recurrence_interval, recurrence_day_of_week, anchor_date,
			is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		r.PrescriptionID, r.MedicineID, r.MorningCount, r.AfternoonCount, r.EveningCount,
		string(r.Schedule.Type), r.Schedule.Interval, r.Schedule.DayOfWeek, r.Schedule.Anchor,
		r.IsActive, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (t *storeTx) DeactivateRule(ctx context.Context, id int64, supersededBy *int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE prescription_medicines
		SET is_active = FALSE, superseded_by = $2
		WHERE id = $1`, id, supersededBy)
	if err != nil {
		return fmt.Errorf("deactivate rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: rule %d", dosing.ErrNotFound, id)
	}
	return nil
}

// InsertExecution relies on the (rule_id, slot, dose_date) unique key: a
// conflicting insert returns no row, including when a concurrent transaction
// won the race.
func (t *storeTx) InsertExecution(ctx context.Context, e *dosing.Execution) (bool, error) {
	draws, err := json.Marshal(drawsOrEmpty(e.Draws))
	if err != nil {
		return false, err
	}

	var id uuid.UUID
	err = t.tx.QueryRow(ctx, `
		INSERT INTO dose_executions (id, rule_id, slot, dose_date, medicine_id, tablets, draws, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (rule_id, slot, dose_date) DO NOTHING
		RETURNING id`,
		e.ID, e.RuleID, string(e.Slot), e.Date, e.MedicineID, e.Tablets, draws, e.ExecutedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *storeTx) SetExecutionDraws(ctx context.Context, id uuid.UUID, draws []inventory.Draw) error {
	data, err := json.Marshal(drawsOrEmpty(draws))
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE dose_executions SET draws = $2 WHERE id = $1`, id, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s", dosing.ErrNotFound, id)
	}
	return nil
}

func (t *storeTx) GetExecution(ctx context.Context, ruleID int64, slot dosing.Slot, date time.Time) (dosing.Execution, error) {
	e, err := scanExecution(t.tx.QueryRow(ctx, executionSelect+`
		WHERE rule_id = $1 AND slot = $2 AND dose_date = $3`,
		ruleID, string(slot), date))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dosing.Execution{}, fmt.Errorf("%w: no %s execution of rule %d on %s",
				dosing.ErrNotFound, slot, ruleID, date.Format(time.DateOnly))
		}
		return dosing.Execution{}, fmt.Errorf("load execution: %w", err)
	}
	return e, nil
}

func (t *storeTx) DeleteExecution(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM dose_executions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s", dosing.ErrNotFound, id)
	}
	return nil
}

func (t *storeTx) WriteEvent(ctx context.Context, e *dosing.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return WriteEntry(ctx, t.tx, &OutboxEntry{
		EventID:       e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       payload,
		KafkaTopic:    t.topic,
		KafkaKey:      e.AggregateType + ":" + e.AggregateID,
	})
}

func drawsOrEmpty(d []inventory.Draw) []inventory.Draw {
	if d == nil {
		return []inventory.Draw{}
	}
	return d
}
