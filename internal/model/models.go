// Package model defines the data models for the eco-arena server.
package model

import "time"

// SessionStatus is the lifecycle state of an arena session.
type SessionStatus string

// Arena session statuses. A session starts active and moves exactly once
// into one of the terminal states.
const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusExpired   SessionStatus = "expired"
	StatusExited    SessionStatus = "exited"
)

// Terminal reports whether the status accepts no further deposits.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusExited
}

// GeoPoint is an optional location attached to a session at creation.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Deposit is one reported waste-disposal event attributed to a session.
// Deposits are append-only; their order is commit order.
type Deposit struct {
	Timestamp time.Time `json:"timestamp"`
	Reward    int       `json:"reward"`
	DeviceID  string    `json:"deviceId"`
}

// ArenaSession is the time-boxed, capped-reward window opened by a QR scan.
// The Token is the externally presented secret used by sensor devices; it is
// distinct from ID so the session id never reaches the sensor.
type ArenaSession struct {
	ID           string        `json:"sessionId"`
	Token        string        `json:"sessionToken"`
	UserID       string        `json:"userId"`
	QRCodeID     string        `json:"qrCodeId"`
	DeviceID     string        `json:"deviceId"`
	Location     *GeoPoint     `json:"location,omitempty"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Status       SessionStatus `json:"status"`
	RewardCap    int           `json:"rewardCap"`
	TotalRewards int           `json:"totalRewards"`
	DepositCount int           `json:"depositCount"`
	Deposits     []Deposit     `json:"deposits"`

	// Version guards every mutation: a write must carry the version it read
	// and fails if the stored record has moved on.
	Version int64 `json:"version"`
}

// TimeValid is the single time-validity predicate for a session. Admission
// control and client-facing remaining time both go through it.
func (s *ArenaSession) TimeValid(now time.Time) bool {
	return now.Before(s.EndTime)
}

// RemainingCapacity returns how much reward the session can still accumulate.
func (s *ArenaSession) RemainingCapacity() int {
	if s.TotalRewards >= s.RewardCap {
		return 0
	}
	return s.RewardCap - s.TotalRewards
}

// RemainingTime returns the whole seconds left until EndTime, never negative.
func (s *ArenaSession) RemainingTime(now time.Time) int {
	if !s.TimeValid(now) {
		return 0
	}
	return int((s.EndTime.Sub(now) + time.Second - 1) / time.Second)
}

// CanAcceptDeposit reports whether a deposit may be admitted right now.
func (s *ArenaSession) CanAcceptDeposit(now time.Time) bool {
	return s.Status == StatusActive && s.TimeValid(now) && s.RemainingCapacity() > 0
}

// SessionSummary is returned when a session ends.
type SessionSummary struct {
	TotalRewards int `json:"totalRewards"`
	DepositCount int `json:"depositCount"`
	Duration     int `json:"duration"` // elapsed seconds
}

// DepositResult is returned to the reporting device for an accepted deposit.
type DepositResult struct {
	DepositNumber    int `json:"depositNumber"`
	Reward           int `json:"reward"`
	TotalRewards     int `json:"totalRewards"`
	RemainingRewards int `json:"remainingRewards"`
	RemainingTime    int `json:"remainingTime"`
}

// User is an account holding the denormalized eco-coin balance. The balance
// is maintained transactionally next to each ledger write, never recomputed
// from the ledger on the hot path.
type User struct {
	ID                string    `json:"id"`
	Username          string    `json:"username"`
	EcoBalance        int64     `json:"ecoBalance"`
	TotalEarned       int64     `json:"totalEarned"`
	TotalRedeemed     int64     `json:"totalRedeemed"`
	WalletAddress     *string   `json:"walletAddress,omitempty"`
	BlockchainEnabled bool      `json:"blockchainEnabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// LedgerEntry is one immutable balance movement. CorrelationID is stable and
// unique (session id + deposit number for deposits), so a retried write can
// never double-credit.
type LedgerEntry struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"userId"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Ledger reasons for categorizing balance movements.
const (
	ReasonArenaDeposit   = "arena_deposit"
	ReasonWalletTransfer = "wallet_transfer"
	ReasonAdjustment     = "adjustment"
)

// QRCodeStatus tracks whether an issued code has originated a session.
type QRCodeStatus string

const (
	QRStatusPending   QRCodeStatus = "pending"
	QRStatusValidated QRCodeStatus = "validated"
)

// QRCode is an issued arena-entry code bound to one user. A code originates
// at most one session: consumption is a one-way pending -> validated flip.
type QRCode struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Status      QRCodeStatus `json:"status"`
	IssuedAt    time.Time    `json:"issuedAt"`
	ValidatedAt *time.Time   `json:"validatedAt,omitempty"`
}

// DeviceCapability is what a device credential is allowed to do.
type DeviceCapability string

const (
	CapabilityScanner DeviceCapability = "scanner" // collection point, starts sessions
	CapabilitySensor  DeviceCapability = "sensor"  // bin sensor, reports deposits
)

// Device is a registered physical device with an API key capability.
type Device struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Capability DeviceCapability `json:"capability"`
	KeyHash    string           `json:"-"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// SettlementStatus tracks an external transfer job.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// Settlement is a decoupled external-ledger transfer correlated with an
// already-committed balance debit. A failed settlement never unwinds the
// debit on its own; recovery is an explicit retry.
type Settlement struct {
	ID            int64            `json:"id"`
	UserID        string           `json:"userId"`
	WalletRef     string           `json:"walletRef"`
	Amount        int64            `json:"amount"`
	CorrelationID string           `json:"correlationId"`
	Status        SettlementStatus `json:"status"`
	ExternalRef   *string          `json:"externalRef,omitempty"`
	LastError     *string          `json:"lastError,omitempty"`
	Attempts      int              `json:"attempts"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}
