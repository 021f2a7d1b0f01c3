package models

import (
	"errors"
	"time"
)

// ErrNotFound возвращается хранилищем, если запись отсутствует
var ErrNotFound = errors.New("record not found")

type Role string

const (
	RoleCustomer   Role = "CUSTOMER"
	RoleDealer     Role = "DEALER"
	RoleTechnician Role = "TECHNICIAN"
	RoleAdmin      Role = "ADMIN"
)

// Actor - текущий пользователь, выполняющий операцию
type Actor struct {
	UserID int64 `json:"userId"`
	Role   Role  `json:"role"`
}

type JobStatus string

const (
	JobPending                   JobStatus = "PENDING"
	JobAssigned                  JobStatus = "ASSIGNED"
	JobInProgress                JobStatus = "IN_PROGRESS"
	JobWaitingForPayment         JobStatus = "WAITING_FOR_PAYMENT"
	JobCompletionPendingApproval JobStatus = "COMPLETION_PENDING_APPROVAL"
	JobCompleted                 JobStatus = "COMPLETED"
	JobCancelled                 JobStatus = "CANCELLED"
)

// Сущность Заказа
type Job struct {
	ID                   int64      `db:"id" json:"id"`
	JobNumber            string     `db:"job_number" json:"jobNumber"`
	Title                string     `db:"title" json:"title"`
	Description          string     `db:"description" json:"description"`
	WorkDetails          string     `db:"work_details" json:"workDetails"`
	Amount               *int64     `db:"amount" json:"amount"`
	WarrantyDays         *int       `db:"warranty_days" json:"warrantyDays"`
	City                 string     `db:"city" json:"city"`
	State                string     `db:"state" json:"state"`
	Address              string     `db:"address" json:"address"`
	Pincode              string     `db:"pincode" json:"pincode"`
	Latitude             float64    `db:"latitude" json:"latitude"`
	Longitude            float64    `db:"longitude" json:"longitude"`
	PlaceName            string     `db:"place_name" json:"placeName"`
	DealerID             int64      `db:"dealer_id" json:"dealerId"`
	AssignedTechnicianID *int64     `db:"assigned_technician_id" json:"assignedTechnicianId"`
	CustomerName         string     `db:"customer_name" json:"customerName"`
	CustomerPhone        string     `db:"customer_phone" json:"customerPhone"`
	CustomerEmail        string     `db:"customer_email" json:"customerEmail"`
	Status               JobStatus  `db:"status" json:"status"`
	PaymentLocked        bool       `db:"payment_locked" json:"paymentLocked"`
	PaymentIntentID      string     `db:"payment_intent_id" json:"paymentIntentId,omitempty"`
	PaymentReference     string     `db:"payment_reference" json:"paymentReference,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updatedAt"`
	CompletedAt          *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	CancelledAt          *time.Time `db:"cancelled_at" json:"cancelledAt,omitempty"`
}

// AmountValue возвращает цену заказа или 0, если она не задана
func (j *Job) AmountValue() int64 {
	if j.Amount == nil {
		return 0
	}
	return *j.Amount
}

// IsAssignedTo проверяет, назначен ли заказ технику
func (j *Job) IsAssignedTo(technicianID int64) bool {
	return j.AssignedTechnicianID != nil && *j.AssignedTechnicianID == technicianID
}

// Сущность Дилера (владелец заказов)
type Dealer struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	TrustScore float64   `db:"trust_score" json:"trustScore"`
	Rating     float64   `db:"rating" json:"rating"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

type BidStatus string

const (
	BidPending   BidStatus = "PENDING"
	BidAccepted  BidStatus = "ACCEPTED"
	BidRejected  BidStatus = "REJECTED"
	BidCountered BidStatus = "COUNTERED"
)

// Terminal - предложение больше не участвует в переговорах
func (s BidStatus) Terminal() bool {
	return s == BidAccepted || s == BidRejected
}

// Сущность Предложения техника
type Bid struct {
	ID           int64     `db:"id" json:"id"`
	JobID        int64     `db:"job_id" json:"jobId"`
	TechnicianID int64     `db:"technician_id" json:"technicianId"`
	OfferedPrice int64     `db:"offered_price" json:"offeredPrice"`
	Message      string    `db:"message" json:"message,omitempty"`
	Status       BidStatus `db:"status" json:"status"`
	RoundNumber  int       `db:"round_number" json:"roundNumber"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

type CounterOfferStatus string

const (
	CounterPending  CounterOfferStatus = "PENDING"
	CounterAccepted CounterOfferStatus = "ACCEPTED"
	CounterRejected CounterOfferStatus = "REJECTED"
)

// Сущность Встречного предложения дилера
type CounterOffer struct {
	ID           int64              `db:"id" json:"id"`
	BidID        int64              `db:"bid_id" json:"bidId"`
	JobID        int64              `db:"job_id" json:"jobId"`
	DealerID     int64              `db:"dealer_id" json:"dealerId"`
	TechnicianID int64              `db:"technician_id" json:"technicianId"`
	Price        int64              `db:"price" json:"price"`
	RoundNumber  int                `db:"round_number" json:"roundNumber"`
	Status       CounterOfferStatus `db:"status" json:"status"`
	CreatedAt    time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time          `db:"updated_at" json:"updatedAt"`
}

type WarrantyStatus string

const (
	WarrantyHeld     WarrantyStatus = "HELD"
	WarrantyReleased WarrantyStatus = "RELEASED"
	WarrantyRefunded WarrantyStatus = "REFUNDED"
)

// Сущность Разделения оплаты: немедленная выплата + гарантийное удержание
type PaymentSplit struct {
	JobID                int64          `db:"job_id" json:"jobId"`
	TechnicianID         int64          `db:"technician_id" json:"technicianId"`
	TotalAmount          int64          `db:"total_amount" json:"totalAmount"`
	ImmediateRelease     int64          `db:"immediate_release" json:"immediateRelease"`
	WarrantyHold         int64          `db:"warranty_hold" json:"warrantyHold"`
	ImmediateReleasedAt  time.Time      `db:"immediate_released_at" json:"immediateReleasedAt"`
	WarrantyReleaseDueAt time.Time      `db:"warranty_release_due_at" json:"warrantyReleaseDueAt"`
	WarrantyStatus       WarrantyStatus `db:"warranty_status" json:"warrantyStatus"`
	WarrantyReleasedAt   *time.Time     `db:"warranty_released_at" json:"warrantyReleasedAt,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"createdAt"`
}

type DisputeStatus string

const (
	DisputeOpen               DisputeStatus = "OPEN"
	DisputeResolvedTechnician DisputeStatus = "RESOLVED_TECHNICIAN"
	DisputeResolvedDealer     DisputeStatus = "RESOLVED_DEALER"
)

// Сущность Жалобы по выполненному заказу
type Dispute struct {
	ID         int64         `db:"id" json:"id"`
	JobID      int64         `db:"job_id" json:"jobId"`
	RaisedBy   int64         `db:"raised_by" json:"raisedBy"`
	Reason     string        `db:"reason" json:"reason"`
	Status     DisputeStatus `db:"status" json:"status"`
	ResolvedBy *int64        `db:"resolved_by" json:"resolvedBy,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"createdAt"`
	ResolvedAt *time.Time    `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// SplitPreview - предварительный расчет выплат для отображения технику
type SplitPreview struct {
	ImmediateRelease int64 `json:"immediateRelease"`
	WarrantyHold     int64 `json:"warrantyHold"`
}

// JobView - проекция заказа для техника. Скрытые поля пусты, пока оплата не зафиксирована.
type JobView struct {
	ID               int64         `json:"id"`
	JobNumber        string        `json:"jobNumber"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Status           JobStatus     `json:"status"`
	Amount           *int64        `json:"amount"`
	WarrantyDays     *int          `json:"warrantyDays"`
	City             string        `json:"city"`
	State            string        `json:"state"`
	PlaceName        string        `json:"placeName"`
	Latitude         float64       `json:"latitude"`
	Longitude        float64       `json:"longitude"`
	PaymentLocked    bool          `json:"paymentLocked"`
	DealerTrustScore float64       `json:"dealerTrustScore"`
	DealerRating     float64       `json:"dealerRating"`
	HasBid           bool          `json:"hasBid"`
	ActiveCounter    *CounterOffer `json:"activeCounterOffer,omitempty"`
	SplitPreview     *SplitPreview `json:"splitPreview,omitempty"`
	DistanceKm       *float64      `json:"distanceKm,omitempty"`
	WorkDetails      *string       `json:"workDetails,omitempty"`
	Address          *string       `json:"address,omitempty"`
	Pincode          *string       `json:"pincode,omitempty"`
	CustomerName     *string       `json:"customerName,omitempty"`
	CustomerPhone    *string       `json:"customerPhone,omitempty"`
	CustomerEmail    *string       `json:"customerEmail,omitempty"`
	DealerName       *string       `json:"dealerName,omitempty"`
}
