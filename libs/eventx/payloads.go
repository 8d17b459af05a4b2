package eventx

import "time"

// Typed payloads for the event types above. These are the cross-service
// contract; producers marshal them, consumers unmarshal them.

type MemberCreatedPayload struct {
	MemberID string `json:"member_id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	CPF      string `json:"cpf,omitempty"`
	Status   string `json:"status"`
}

type MemberStatusChangedPayload struct {
	MemberID string `json:"member_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type ContractCreatedPayload struct {
	ContractID string    `json:"contract_id"`
	MemberID   string    `json:"member_id"`
	PlanType   string    `json:"plan_type"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	ValueCents int64     `json:"value_cents"`
	Status     string    `json:"status"`
}

type ContractStatusChangedPayload struct {
	ContractID string `json:"contract_id"`
	MemberID   string `json:"member_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type PaymentRecordedPayload struct {
	PaymentID     string `json:"payment_id"`
	MemberID      string `json:"member_id,omitempty"`
	InvoiceRef    string `json:"invoice_ref"`
	AmountCents   int64  `json:"amount_cents"`
	Method        string `json:"method"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type NotificationSentPayload struct {
	NotificationID string `json:"notification_id"`
	MemberID       string `json:"member_id"`
	Channel        string `json:"channel"`
	Kind           string `json:"kind"`
	Recipient      string `json:"recipient"`
	Reason         string `json:"reason,omitempty"` // set on notification.failed
}

type PaymentStatusChangedPayload struct {
	PaymentID  string `json:"payment_id"`
	MemberID   string `json:"member_id,omitempty"`
	InvoiceRef string `json:"invoice_ref"`
	From       string `json:"from"`
	To         string `json:"to"`
}
