package pgstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectCredits     = "credits"
	errorSubjectDirectory   = "directory"
	errorSubjectReservation = "reservation"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeAdjust         = "adjust"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeEnsure         = "ensure"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSet            = "set"
	errorCodeUpdateStatus   = "update_status"

	// DefaultDirectoryTable is the user table consulted when none is configured.
	DefaultDirectoryTable = "users"

	// Schema creates the tables owned by this service.
	Schema = `
		create table if not exists invitee_reservations (
			reservation_id text primary key,
			user_id text not null,
			invitee_email text not null,
			scheduled_session_id text,
			status text not null check (status in ('active','canceled')),
			raw_payload jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create index if not exists idx_invitee_reservations_user on invitee_reservations(user_id);
		create table if not exists meeting_credits (
			user_id text primary key,
			remaining bigint not null check (remaining >= 0),
			updated_at timestamptz not null default now()
		);
		create index if not exists idx_meeting_credits_updated on meeting_credits(updated_at);
	`

	sqlSelectReservation = `
		select reservation_id, user_id, invitee_email, coalesce(scheduled_session_id,''), status, raw_payload::text,
			extract(epoch from updated_at)::bigint
		from invitee_reservations
		where reservation_id = $1
		for update
	`

	sqlInsertReservation = `
		insert into invitee_reservations(
			reservation_id, user_id, invitee_email, scheduled_session_id, status, raw_payload, created_at, updated_at
		)
		values ($1, $2, $3, nullif($4,''), $5, coalesce(nullif($6,''),'{}')::jsonb, to_timestamp($7), to_timestamp($7))
		on conflict (reservation_id) do nothing
	`

	sqlUpdateReservationStatus = `
		update invitee_reservations
		set status = $3, raw_payload = coalesce(nullif($4,''),'{}')::jsonb, updated_at = to_timestamp($5)
		where reservation_id = $1 and status = $2
	`

	sqlUpdateReservationStatusAndSession = `
		update invitee_reservations
		set status = $3, raw_payload = coalesce(nullif($4,''),'{}')::jsonb, updated_at = to_timestamp($5),
			scheduled_session_id = nullif($6,'')
		where reservation_id = $1 and status = $2
	`

	sqlSelectCredits = `
		select user_id, remaining, extract(epoch from updated_at)::bigint
		from meeting_credits
		where user_id = $1
	`

	sqlUpsertCredits = `
		insert into meeting_credits(user_id, remaining, updated_at) values ($1, $2, to_timestamp($3))
		on conflict (user_id) do update set remaining = excluded.remaining, updated_at = excluded.updated_at
		returning remaining
	`

	sqlAdjustCredits = `
		insert into meeting_credits(user_id, remaining, updated_at) values ($1, greatest($2::bigint + $3::bigint, 0), to_timestamp($4))
		on conflict (user_id) do update set remaining = greatest(meeting_credits.remaining + $3::bigint, 0), updated_at = excluded.updated_at
		returning remaining
	`

	sqlListCredits = `
		select user_id, remaining, extract(epoch from updated_at)::bigint
		from meeting_credits
		order by updated_at desc, user_id
		limit $1
	`

	sqlFindUserIDByEmailTemplate = `select id::text from %s where lower(email) = $1 order by id limit 1`
)

var (
	ErrInvalidDirectoryTable = errors.New("invalid directory table")

	tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// EnsureSchema creates the service tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (store queries) GetReservation(ctx context.Context, reservationID credits.ReservationID) (credits.ReservationRecord, error) {
	var (
		reservationValue string
		userValue        string
		emailValue       string
		sessionValue     string
		statusValue      string
		payloadValue     string
		updatedUnixUTC   int64
	)
	err := store.db.QueryRow(ctx, sqlSelectReservation, reservationID.String()).
		Scan(&reservationValue, &userValue, &emailValue, &sessionValue, &statusValue, &payloadValue, &updatedUnixUTC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrUnknownReservation)
		}
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	record, err := mapReservation(reservationValue, userValue, emailValue, sessionValue, statusValue, payloadValue, updatedUnixUTC)
	if err != nil {
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return record, nil
}

func (store queries) InsertReservation(ctx context.Context, record credits.ReservationRecord) (credits.InsertOutcome, error) {
	sessionValue := ""
	if sessionID, ok := record.ScheduledSessionID(); ok {
		sessionValue = sessionID.String()
	}
	tag, err := store.db.Exec(ctx, sqlInsertReservation,
		record.ReservationID().String(),
		record.UserID().String(),
		record.InviteeEmail().String(),
		sessionValue,
		record.Status().String(),
		record.RawPayload().String(),
		record.UpdatedUnixUTC(),
	)
	if isUniqueViolation(err) {
		return credits.InsertOutcomeAlreadyExists, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeInsert, err)
	}
	if tag.RowsAffected() == 0 {
		return credits.InsertOutcomeAlreadyExists, nil
	}
	return credits.InsertOutcomeInserted, nil
}

func (store queries) UpdateReservationStatus(ctx context.Context, update credits.ReservationUpdate) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if update.ReplaceSession {
		sessionValue := ""
		if update.ScheduledSessionID != nil {
			sessionValue = update.ScheduledSessionID.String()
		}
		tag, err = store.db.Exec(ctx, sqlUpdateReservationStatusAndSession,
			update.ReservationID.String(), update.From.String(), update.To.String(),
			update.RawPayload.String(), update.UpdatedUnixUTC, sessionValue)
	} else {
		tag, err = store.db.Exec(ctx, sqlUpdateReservationStatus,
			update.ReservationID.String(), update.From.String(), update.To.String(),
			update.RawPayload.String(), update.UpdatedUnixUTC)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, credits.ErrReservationStatusChanged)
	}
	return nil
}

func (store queries) GetCreditAccount(ctx context.Context, userID credits.UserID) (credits.CreditAccount, bool, error) {
	var (
		userValue      string
		remainingValue int64
		updatedUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlSelectCredits, userID.String()).Scan(&userValue, &remainingValue, &updatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.CreditAccount{}, false, nil
	}
	if err != nil {
		return credits.CreditAccount{}, false, wrapStoreError(errorSubjectCredits, errorCodeGet, err)
	}
	account, err := mapCreditAccount(userValue, remainingValue, updatedUnixUTC)
	if err != nil {
		return credits.CreditAccount{}, false, wrapStoreError(errorSubjectCredits, errorCodeInvalid, err)
	}
	return account, true, nil
}

func (store queries) SetCredits(ctx context.Context, userID credits.UserID, remaining credits.CreditBalance, atUnixUTC int64) (credits.CreditBalance, error) {
	var stored int64
	if err := store.db.QueryRow(ctx, sqlUpsertCredits, userID.String(), remaining.Int64(), atUnixUTC).Scan(&stored); err != nil {
		return 0, wrapStoreError(errorSubjectCredits, errorCodeSet, err)
	}
	balance, err := credits.NewCreditBalance(stored)
	if err != nil {
		return 0, wrapStoreError(errorSubjectCredits, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store queries) AdjustCredits(ctx context.Context, userID credits.UserID, delta credits.CreditDelta, initial credits.CreditBalance, atUnixUTC int64) (credits.CreditBalance, error) {
	var stored int64
	if err := store.db.QueryRow(ctx, sqlAdjustCredits, userID.String(), initial.Int64(), delta.Int64(), atUnixUTC).Scan(&stored); err != nil {
		return 0, wrapStoreError(errorSubjectCredits, errorCodeAdjust, err)
	}
	balance, err := credits.NewCreditBalance(stored)
	if err != nil {
		return 0, wrapStoreError(errorSubjectCredits, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store queries) ListCreditAccounts(ctx context.Context, limit int) ([]credits.CreditAccount, error) {
	rows, err := store.db.Query(ctx, sqlListCredits, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCredits, errorCodeList, err)
	}
	defer rows.Close()

	var accounts []credits.CreditAccount
	for rows.Next() {
		var (
			userValue      string
			remainingValue int64
			updatedUnixUTC int64
		)
		if err := rows.Scan(&userValue, &remainingValue, &updatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectCredits, errorCodeList, err)
		}
		account, err := mapCreditAccount(userValue, remainingValue, updatedUnixUTC)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCredits, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCredits, errorCodeList, err)
	}
	return accounts, nil
}

// Directory resolves emails against an externally owned user table.
type Directory struct {
	pool  *pgxpool.Pool
	query string
}

// NewDirectory returns a Directory reading id and email from table.
func NewDirectory(pool *pgxpool.Pool, table string) (*Directory, error) {
	if strings.TrimSpace(table) == "" {
		table = DefaultDirectoryTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirectoryTable, table)
	}
	return &Directory{pool: pool, query: fmt.Sprintf(sqlFindUserIDByEmailTemplate, table)}, nil
}

// FindUserIDByEmail matches the stored email case-insensitively.
func (directory *Directory) FindUserIDByEmail(ctx context.Context, email credits.EmailAddress) (credits.UserID, error) {
	var idValue string
	err := directory.pool.QueryRow(ctx, directory.query, email.String()).Scan(&idValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.UserID{}, wrapStoreError(errorSubjectDirectory, errorCodeLookup, credits.ErrUserNotFound)
	}
	if err != nil {
		return credits.UserID{}, wrapStoreError(errorSubjectDirectory, errorCodeLookup, err)
	}
	userID, err := credits.NewUserID(idValue)
	if err != nil {
		return credits.UserID{}, wrapStoreError(errorSubjectDirectory, errorCodeInvalid, err)
	}
	return userID, nil
}

func mapReservation(reservationValue, userValue, emailValue, sessionValue, statusValue, payloadValue string, updatedUnixUTC int64) (credits.ReservationRecord, error) {
	reservationID, err := credits.NewReservationID(reservationValue)
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	userID, err := credits.NewUserID(userValue)
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	email, err := credits.NewEmailAddress(emailValue)
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	var sessionID *credits.ScheduledSessionID
	if sessionValue != "" {
		parsed, err := credits.NewScheduledSessionID(sessionValue)
		if err != nil {
			return credits.ReservationRecord{}, err
		}
		sessionID = &parsed
	}
	status, err := credits.ParseReservationStatus(statusValue)
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	payload, err := credits.NewRawPayload(payloadValue)
	if err != nil {
		return credits.ReservationRecord{}, err
	}
	return credits.NewReservationRecord(reservationID, userID, email, sessionID, status, payload, updatedUnixUTC)
}

func mapCreditAccount(userValue string, remainingValue int64, updatedUnixUTC int64) (credits.CreditAccount, error) {
	userID, err := credits.NewUserID(userValue)
	if err != nil {
		return credits.CreditAccount{}, err
	}
	remaining, err := credits.NewCreditBalance(remainingValue)
	if err != nil {
		return credits.CreditAccount{}, err
	}
	return credits.CreditAccount{UserID: userID, Remaining: remaining, UpdatedUnixUTC: updatedUnixUTC}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
