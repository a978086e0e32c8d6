package gormstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultRawPayloadJSON   = "{}"
	dialectPostgres         = "postgres"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectCredits     = "credits"
	errorSubjectDirectory   = "directory"
	errorSubjectReservation = "reservation"
	errorCodeAdjust         = "adjust"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSet            = "set"
	errorCodeUpdateStatus   = "update_status"
)

// DefaultDirectoryTable is the user table consulted when none is configured.
const DefaultDirectoryTable = "users"

var (
	ErrInvalidDirectoryTable = errors.New("invalid directory table")

	tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables owned by this service.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&InviteeReservation{}, &MeetingCredit{})
}

// MigrateDirectory creates a minimal user directory table for local databases.
func MigrateDirectory(db *gorm.DB, table string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	return db.Table(table).AutoMigrate(&DirectoryUser{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetReservation(ctx context.Context, reservationID credits.ReservationID) (credits.ReservationRecord, error) {
	var row InviteeReservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrUnknownReservation)
		}
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	record, err := mapReservation(row)
	if err != nil {
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *Store) InsertReservation(ctx context.Context, record credits.ReservationRecord) (credits.InsertOutcome, error) {
	at := time.Unix(record.UpdatedUnixUTC(), 0).UTC()
	if record.UpdatedUnixUTC() == 0 {
		at = time.Now().UTC()
	}
	row := InviteeReservation{
		ReservationID: record.ReservationID().String(),
		UserID:        record.UserID().String(),
		InviteeEmail:  record.InviteeEmail().String(),
		Status:        record.Status().String(),
		RawPayload:    datatypesJSON(record.RawPayload().String()),
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	if sessionID, ok := record.ScheduledSessionID(); ok {
		value := sessionID.String()
		row.ScheduledSessionID = &value
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reservation_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if isUniqueViolation(result.Error) {
		return credits.InsertOutcomeAlreadyExists, nil
	}
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.InsertOutcomeAlreadyExists, nil
	}
	return credits.InsertOutcomeInserted, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, update credits.ReservationUpdate) error {
	assignments := map[string]interface{}{
		"status":      update.To.String(),
		"raw_payload": datatypesJSON(update.RawPayload.String()),
		"updated_at":  time.Unix(update.UpdatedUnixUTC, 0).UTC(),
	}
	if update.ReplaceSession {
		var sessionValue *string
		if update.ScheduledSessionID != nil {
			value := update.ScheduledSessionID.String()
			sessionValue = &value
		}
		assignments["scheduled_session_id"] = sessionValue
	}
	result := store.db.WithContext(ctx).
		Model(&InviteeReservation{}).
		Where("reservation_id = ? AND status = ?", update.ReservationID.String(), update.From.String()).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, credits.ErrReservationStatusChanged)
	}
	return nil
}

func (store *Store) GetCreditAccount(ctx context.Context, userID credits.UserID) (credits.CreditAccount, bool, error) {
	var row MeetingCredit
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.CreditAccount{}, false, nil
	}
	if err != nil {
		return credits.CreditAccount{}, false, wrapStoreError(errorSubjectCredits, errorCodeGet, err)
	}
	account, err := mapCreditAccount(row)
	if err != nil {
		return credits.CreditAccount{}, false, wrapStoreError(errorSubjectCredits, errorCodeInvalid, err)
	}
	return account, true, nil
}

func (store *Store) SetCredits(ctx context.Context, userID credits.UserID, remaining credits.CreditBalance, atUnixUTC int64) (credits.CreditBalance, error) {
	row := MeetingCredit{
		UserID:    userID.String(),
		Remaining: remaining.Int64(),
		UpdatedAt: time.Unix(atUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"remaining", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectCredits, errorCodeSet, err)
	}
	return remaining, nil
}

// AdjustCredits applies delta in a single upsert so concurrent adjustments never lose updates.
func (store *Store) AdjustCredits(ctx context.Context, userID credits.UserID, delta credits.CreditDelta, initial credits.CreditBalance, atUnixUTC int64) (credits.CreditBalance, error) {
	statement := fmt.Sprintf(
		"INSERT INTO meeting_credits (user_id, remaining, updated_at) VALUES (?, ?, ?) "+
			"ON CONFLICT (user_id) DO UPDATE SET remaining = %s(meeting_credits.remaining + ?, 0), updated_at = excluded.updated_at "+
			"RETURNING remaining",
		store.maxFunction(),
	)
	seeded := initial.Apply(delta)
	var result struct {
		Remaining int64
	}
	err := store.db.WithContext(ctx).
		Raw(statement, userID.String(), seeded.Int64(), time.Unix(atUnixUTC, 0).UTC(), delta.Int64()).
		Scan(&result).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectCredits, errorCodeAdjust, err)
	}
	remaining, err := credits.NewCreditBalance(result.Remaining)
	if err != nil {
		return 0, wrapStoreError(errorSubjectCredits, errorCodeInvalid, err)
	}
	return remaining, nil
}

func (store *Store) ListCreditAccounts(ctx context.Context, limit int) ([]credits.CreditAccount, error) {
	var rows []MeetingCredit
	err := store.db.WithContext(ctx).
		Order("updated_at DESC").
		Order("user_id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCredits, errorCodeList, err)
	}
	accounts := make([]credits.CreditAccount, 0, len(rows))
	for _, row := range rows {
		account, err := mapCreditAccount(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCredits, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (store *Store) maxFunction() string {
	if store.db.Dialector.Name() == dialectPostgres {
		return "GREATEST"
	}
	return "MAX"
}

// Directory resolves emails against an externally owned user table.
type Directory struct {
	db    *gorm.DB
	table string
}

// NewDirectory returns a Directory reading id and email from table.
func NewDirectory(db *gorm.DB, table string) (*Directory, error) {
	if strings.TrimSpace(table) == "" {
		table = DefaultDirectoryTable
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	return &Directory{db: db, table: table}, nil
}

// FindUserIDByEmail matches the stored email case-insensitively.
func (directory *Directory) FindUserIDByEmail(ctx context.Context, email credits.EmailAddress) (credits.UserID, error) {
	var row DirectoryUser
	err := directory.db.WithContext(ctx).
		Table(directory.table).
		Select("id", "email").
		Where("lower(email) = ?", email.String()).
		Order("id").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.UserID{}, wrapStoreError(errorSubjectDirectory, errorCodeLookup, credits.ErrUserNotFound)
	}
	if err != nil {
		return credits.UserID{}, wrapStoreError(errorSubjectDirectory, errorCodeLookup, err)
	}
	userID, err := credits.NewUserID(row.ID)
	if err != nil {
		return credits.UserID{}, wrapStoreError(errorSubjectDirectory, errorCodeInvalid, err)
	}
	return userID, nil
}

func validateTableName(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidDirectoryTable, table)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapReservation(row InviteeReservation) (credits.ReservationRecord, error) {
	reservationID, err := credits.NewReservationID(row.ReservationID)
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	email, err := credits.NewEmailAddress(row.InviteeEmail)
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	var sessionID *credits.ScheduledSessionID
	if row.ScheduledSessionID != nil {
		parsed, err := credits.NewScheduledSessionID(*row.ScheduledSessionID)
		if err != nil {
			return credits.ReservationRecord{}, err
		}
		sessionID = &parsed
	}
	status, err := credits.ParseReservationStatus(row.Status)
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	payload, err := credits.NewRawPayload(string(row.RawPayload))
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	return credits.NewReservationRecord(reservationID, userID, email, sessionID, status, payload, row.UpdatedAt.Unix())
}

func mapCreditAccount(row MeetingCredit) (credits.CreditAccount, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.CreditAccount{}, err
	}
	remaining, err := credits.NewCreditBalance(row.Remaining)
	if err != nil {
		return credits.CreditAccount{}, err
	}
	return credits.CreditAccount{UserID: userID, Remaining: remaining, UpdatedUnixUTC: row.UpdatedAt.Unix()}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultRawPayloadJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
