// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/bodashield/bodashield-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRiderExists возвращается при попытке зарегистрировать уже существующий номер.
var (
	ErrRiderExists = errors.New("rider already exists")
	// ErrRiderNotFound возвращается, если водитель не найден.
	ErrRiderNotFound = errors.New("rider not found")
	// ErrPolicyNotFound возвращается, если полис не найден.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrClaimNotFound возвращается, если обращение не найдено.
	ErrClaimNotFound = errors.New("claim not found")
	// ErrDuplicateClaim возвращается при попытке создать второе обращение по полису.
	ErrDuplicateClaim = errors.New("policy already has a claim")
	// ErrInsufficientBalance возвращается при попытке списать сумму, превышающую баланс кошелька.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	// ErrIntentNotFound возвращается, если платёжное намерение не найдено.
	ErrIntentNotFound = errors.New("payment intent not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock: конкурентные
		// списания с одного кошелька сериализуются блокировкой строки.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateRider регистрирует нового водителя.
func (r *PostgresRepository) CreateRider(ctx context.Context, rider *model.Rider) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO riders (phone, name, national_id, email, wallet_address, balance)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rider.Phone, rider.Name, rider.NationalID, rider.Email, rider.WalletAddress, rider.BalanceCents,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrRiderExists, rider.Phone)
		}
		return fmt.Errorf("create rider: %w", err)
	}
	return nil
}

// GetRiderByPhone возвращает водителя по номеру телефона.
func (r *PostgresRepository) GetRiderByPhone(ctx context.Context, phone string) (*model.Rider, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT phone, name, national_id, email, wallet_address, balance, created_at
		 FROM riders WHERE phone = $1`,
		phone,
	)

	var rd model.Rider
	err := row.Scan(&rd.Phone, &rd.Name, &rd.NationalID, &rd.Email, &rd.WalletAddress, &rd.BalanceCents, &rd.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRiderNotFound
		}
		return nil, fmt.Errorf("get rider: %w", err)
	}

	return &rd, nil
}

// GetBalance возвращает баланс кошелька водителя в сотых долях HBAR.
func (r *PostgresRepository) GetBalance(ctx context.Context, phone string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM riders WHERE phone = $1`, phone).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrRiderNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// CreditWallet зачисляет средства на кошелёк водителя.
func (r *PostgresRepository) CreditWallet(ctx context.Context, phone string, amountCents int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE riders SET balance = balance + $2 WHERE phone = $1`,
		phone, amountCents,
	)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRiderNotFound
	}
	return nil
}

// Debit списывает средства с кошелька водителя. Проверка баланса и списание
// выполняются в одной транзакции под блокировкой строки водителя, поэтому
// конкурентные покупки не могут увести баланс в минус. Повторный вызов
// с тем же ключом идемпотентности возвращает прежнюю ссылку транзакции.
func (r *PostgresRepository) Debit(ctx context.Context, phone string, amountCents int64, idempotencyKey string) (string, error) {
	var txRef string
	err := r.withRetry(ctx, func() error {
		var debitErr error
		txRef, debitErr = r.debit(ctx, phone, amountCents, idempotencyKey)
		return debitErr
	})
	return txRef, err
}

func (r *PostgresRepository) debit(ctx context.Context, phone string, amountCents int64, idempotencyKey string) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingRef string
	err = tx.QueryRow(ctx,
		`SELECT tx_ref FROM ledger_entries WHERE idempotency_key = $1`,
		idempotencyKey,
	).Scan(&existingRef)
	if err == nil {
		return existingRef, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("select ledger entry: %w", err)
	}

	// Блокируем строку водителя: кэшированному балансу доверять нельзя,
	// авторитетная проверка выполняется здесь.
	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM riders WHERE phone = $1 FOR UPDATE`, phone).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRiderNotFound
		}
		return "", fmt.Errorf("lock rider for update: %w", err)
	}

	if balance < amountCents {
		return "", ErrInsufficientBalance
	}

	txRef := uuid.NewString()

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (rider_phone, amount, idempotency_key, tx_ref) VALUES ($1, $2, $3, $4)`,
		phone, amountCents, idempotencyKey, txRef,
	)
	if err != nil {
		return "", fmt.Errorf("insert ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE riders SET balance = balance - $2 WHERE phone = $1`,
		phone, amountCents,
	)
	if err != nil {
		return "", fmt.Errorf("debit rider balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	return txRef, nil
}

// CreatePaymentIntent сохраняет платёжное намерение и сообщает, было ли оно
// создано этим вызовом. При конфликте ключа идемпотентности возвращается
// уже существующее намерение.
func (r *PostgresRepository) CreatePaymentIntent(ctx context.Context, intent *model.PaymentIntent) (bool, *model.PaymentIntent, error) {
	selections, err := json.Marshal(intent.Selections)
	if err != nil {
		return false, nil, fmt.Errorf("marshal selections: %w", err)
	}

	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO payment_intents (idempotency_key, rider_phone, selections, total, rail, external_ref, status, fail_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		intent.IdempotencyKey, intent.RiderPhone, selections, intent.TotalCents,
		string(intent.Rail), intent.ExternalRef, string(intent.Status), intent.FailReason,
	)
	if err != nil {
		return false, nil, fmt.Errorf("insert payment intent: %w", err)
	}

	existing, err := r.GetPaymentIntent(ctx, intent.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}

	return cmdTag.RowsAffected() == 1, existing, nil
}

// GetPaymentIntent возвращает платёжное намерение по ключу идемпотентности.
func (r *PostgresRepository) GetPaymentIntent(ctx context.Context, idempotencyKey string) (*model.PaymentIntent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT idempotency_key, rider_phone, selections, total, rail, external_ref, status, fail_reason, created_at, settled_at
		 FROM payment_intents WHERE idempotency_key = $1`,
		idempotencyKey,
	)

	intent, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("get payment intent: %w", err)
	}

	return intent, nil
}

// ListAwaitingIntents возвращает намерения, ожидающие подтверждения шлюза.
// Используется при старте сервиса для возобновления опроса.
func (r *PostgresRepository) ListAwaitingIntents(ctx context.Context) ([]model.PaymentIntent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT idempotency_key, rider_phone, selections, total, rail, external_ref, status, fail_reason, created_at, settled_at
		 FROM payment_intents
		 WHERE status = $1
		 ORDER BY created_at`,
		string(model.IntentStatusAwaiting),
	)
	if err != nil {
		return nil, fmt.Errorf("select awaiting intents: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		res = append(res, *intent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*model.PaymentIntent, error) {
	var (
		intent     model.PaymentIntent
		selections []byte
		rail       string
		status     string
	)

	err := row.Scan(&intent.IdempotencyKey, &intent.RiderPhone, &selections, &intent.TotalCents,
		&rail, &intent.ExternalRef, &status, &intent.FailReason, &intent.CreatedAt, &intent.SettledAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(selections, &intent.Selections); err != nil {
		return nil, fmt.Errorf("unmarshal selections: %w", err)
	}

	intent.Rail = model.Rail(rail)
	intent.Status = model.IntentStatus(status)

	return &intent, nil
}

// SetIntentExternalRef записывает ссылку checkout-запроса, выданную шлюзом.
func (r *PostgresRepository) SetIntentExternalRef(ctx context.Context, idempotencyKey, externalRef string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_intents SET external_ref = $2 WHERE idempotency_key = $1`,
		idempotencyKey, externalRef,
	)
	if err != nil {
		return fmt.Errorf("set external ref: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// MarkIntentSettled переводит намерение в SETTLED. Возвращает false, если
// намерение уже в терминальном состоянии: расчёт выполняется не более одного раза.
func (r *PostgresRepository) MarkIntentSettled(ctx context.Context, idempotencyKey, externalRef string, settledAt time.Time) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_intents
		 SET status = $2, external_ref = $3, settled_at = $4
		 WHERE idempotency_key = $1 AND status IN ($5, $6)`,
		idempotencyKey, string(model.IntentStatusSettled), externalRef, settledAt,
		string(model.IntentStatusAwaiting), string(model.IntentStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark intent settled: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// MarkIntentFailed переводит намерение в FAILED с человекочитаемой причиной.
func (r *PostgresRepository) MarkIntentFailed(ctx context.Context, idempotencyKey, reason string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_intents
		 SET status = $2, fail_reason = $3
		 WHERE idempotency_key = $1 AND status IN ($4, $5)`,
		idempotencyKey, string(model.IntentStatusFailed), reason,
		string(model.IntentStatusAwaiting), string(model.IntentStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark intent failed: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// MarkIntentPending помечает намерение как неподтверждённое после исчерпания
// окна опроса. Состояние не терминальное: платёж может прийти позже.
func (r *PostgresRepository) MarkIntentPending(ctx context.Context, idempotencyKey string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_intents SET status = $2 WHERE idempotency_key = $1 AND status = $3`,
		idempotencyKey, string(model.IntentStatusPending), string(model.IntentStatusAwaiting),
	)
	if err != nil {
		return false, fmt.Errorf("mark intent pending: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// CreatePolicies создаёт полисы одного намерения в одной транзакции:
// либо создаются все, либо ни одного. Повторный вызов для уже
// активированного намерения ничего не создаёт и возвращает false.
// Гонку двух одновременных активаций закрывает уникальный индекс
// (idempotency_key, protection_type): проигравшая транзакция
// откатывается целиком и трактуется как повторный вызов.
func (r *PostgresRepository) CreatePolicies(ctx context.Context, idempotencyKey string, policies []model.Policy) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM policies WHERE idempotency_key = $1`,
		idempotencyKey,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count policies for intent: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	for _, p := range policies {
		_, err = tx.Exec(ctx,
			`INSERT INTO policies (id, rider_phone, protection_type, duration, premium, rail, transaction_ref, idempotency_key, created_at, expiry_at, active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			p.ID, p.RiderPhone, string(p.ProtectionType), string(p.Duration), p.PremiumCents,
			string(p.Rail), p.TransactionRef, idempotencyKey, p.CreatedAt, p.ExpiryAt, p.Active,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return false, nil
			}
			return false, fmt.Errorf("insert policy: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}

// GetPoliciesByIntent возвращает полисы, созданные по ключу идемпотентности.
func (r *PostgresRepository) GetPoliciesByIntent(ctx context.Context, idempotencyKey string) ([]model.Policy, error) {
	rows, err := r.pool.Query(ctx,
		policySelect+` WHERE idempotency_key = $1 ORDER BY protection_type`,
		idempotencyKey,
	)
	if err != nil {
		return nil, fmt.Errorf("select policies by intent: %w", err)
	}
	defer rows.Close()

	return scanPolicies(rows)
}

const policySelect = `SELECT id, rider_phone, protection_type, duration, premium, rail, transaction_ref, created_at, expiry_at, active
	 FROM policies`

func scanPolicies(rows pgx.Rows) ([]model.Policy, error) {
	var res []model.Policy
	for rows.Next() {
		var (
			p              model.Policy
			protectionType string
			duration       string
			rail           string
		)
		err := rows.Scan(&p.ID, &p.RiderPhone, &protectionType, &duration, &p.PremiumCents,
			&rail, &p.TransactionRef, &p.CreatedAt, &p.ExpiryAt, &p.Active)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}

		p.ProtectionType = model.ProtectionType(protectionType)
		p.Duration = model.PlanDuration(duration)
		p.Rail = model.Rail(rail)

		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetPolicy возвращает полис по идентификатору.
func (r *PostgresRepository) GetPolicy(ctx context.Context, policyID string) (*model.Policy, error) {
	rows, err := r.pool.Query(ctx, policySelect+` WHERE id = $1`, policyID)
	if err != nil {
		return nil, fmt.Errorf("select policy: %w", err)
	}
	defer rows.Close()

	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return nil, ErrPolicyNotFound
	}

	return &policies[0], nil
}

// GetPoliciesByRider возвращает страницу полисов водителя и общее количество.
func (r *PostgresRepository) GetPoliciesByRider(ctx context.Context, phone string, page, limit int) ([]model.Policy, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 5
	}

	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM policies WHERE rider_phone = $1`,
		phone,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count policies: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		policySelect+` WHERE rider_phone = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		phone, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select policies: %w", err)
	}
	defer rows.Close()

	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, 0, err
	}

	return policies, total, nil
}

// ListPoliciesByRider возвращает все полисы водителя без пагинации.
func (r *PostgresRepository) ListPoliciesByRider(ctx context.Context, phone string) ([]model.Policy, error) {
	rows, err := r.pool.Query(ctx,
		policySelect+` WHERE rider_phone = $1 ORDER BY created_at DESC`,
		phone,
	)
	if err != nil {
		return nil, fmt.Errorf("select policies: %w", err)
	}
	defer rows.Close()

	return scanPolicies(rows)
}

// DeactivatePolicy снимает хранимый флаг активности полиса.
// Вызывается после выплаты по обращению, не при его подаче.
func (r *PostgresRepository) DeactivatePolicy(ctx context.Context, policyID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE policies SET active = FALSE WHERE id = $1`,
		policyID,
	)
	if err != nil {
		return fmt.Errorf("deactivate policy: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// CreateClaim сохраняет обращение. Уникальный индекс по полису гарантирует
// не более одного обращения на полис даже при конкурентных попытках.
func (r *PostgresRepository) CreateClaim(ctx context.Context, claim *model.Claim) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO claims (id, claim_id, policy_id, rider_phone, premium, details, evidence_ref, status, payout_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		claim.ID, claim.ClaimID, claim.PolicyID, claim.RiderPhone, claim.PremiumCents,
		claim.Details, claim.EvidenceRef, string(claim.Status), claim.PayoutRef, claim.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: policy %s", ErrDuplicateClaim, claim.PolicyID)
		}
		return fmt.Errorf("create claim: %w", err)
	}
	return nil
}

const claimSelect = `SELECT id, claim_id, policy_id, rider_phone, premium, details, evidence_ref, status, payout_ref, created_at
	 FROM claims`

func scanClaim(row rowScanner) (*model.Claim, error) {
	var (
		c      model.Claim
		status string
	)
	err := row.Scan(&c.ID, &c.ClaimID, &c.PolicyID, &c.RiderPhone, &c.PremiumCents,
		&c.Details, &c.EvidenceRef, &status, &c.PayoutRef, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.ClaimStatus(status)
	return &c, nil
}

// GetClaimByPolicy возвращает обращение по идентификатору полиса.
func (r *PostgresRepository) GetClaimByPolicy(ctx context.Context, policyID string) (*model.Claim, error) {
	row := r.pool.QueryRow(ctx, claimSelect+` WHERE policy_id = $1`, policyID)

	claim, err := scanClaim(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}

	return claim, nil
}

// GetClaimByID возвращает обращение по публичному идентификатору.
func (r *PostgresRepository) GetClaimByID(ctx context.Context, claimID string) (*model.Claim, error) {
	row := r.pool.QueryRow(ctx, claimSelect+` WHERE claim_id = $1`, claimID)

	claim, err := scanClaim(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}

	return claim, nil
}

// ListClaimsByRider возвращает обращения водителя.
func (r *PostgresRepository) ListClaimsByRider(ctx context.Context, phone string) ([]model.Claim, error) {
	rows, err := r.pool.Query(ctx,
		claimSelect+` WHERE rider_phone = $1 ORDER BY created_at DESC`,
		phone,
	)
	if err != nil {
		return nil, fmt.Errorf("select claims: %w", err)
	}
	defer rows.Close()

	var res []model.Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		res = append(res, *claim)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateClaimStatus записывает новый статус обращения и ссылку выплаты.
// Допустимость перехода проверяет вызывающая сторона.
func (r *PostgresRepository) UpdateClaimStatus(ctx context.Context, claimID string, status model.ClaimStatus, payoutRef string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE claims SET status = $2, payout_ref = $3 WHERE claim_id = $1`,
		claimID, string(status), payoutRef,
	)
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}
