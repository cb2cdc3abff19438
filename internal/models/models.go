package models

import "time"

type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderPaid     OrderStatus = "PAID"
	OrderFailed   OrderStatus = "FAILED"
	OrderExpired  OrderStatus = "EXPIRED"
	OrderCanceled OrderStatus = "CANCELED"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderPaid, OrderFailed, OrderExpired, OrderCanceled:
		return true
	}
	return false
}

type Order struct {
	OrderId           string      `json:"orderId"`
	ExternalReference string      `json:"externalReference"`
	ClientIp          string      `json:"clientIp"`
	ClientMac         *string     `json:"clientMac,omitempty"`
	Amount            int64       `json:"amount"`
	Status            OrderStatus `json:"status"`
	DeviceRef         string      `json:"deviceRef"`
	PlanDescription   string      `json:"planDescription"`
	CreatedAt         time.Time   `json:"createdAt"`
	PaidAt            *time.Time  `json:"paidAt,omitempty"`
	UnactionableAt    *time.Time  `json:"unactionableAt,omitempty"`
}

// Mac returns the client MAC or "" when unknown.
func (o Order) Mac() string {
	if o.ClientMac == nil {
		return ""
	}
	return *o.ClientMac
}

// Cursor is a keyset position (timestamp, id) for paged scans. The scans that
// take one return rows strictly after it.
type Cursor struct {
	At time.Time
	Id string
}

const (
	EndExpired    = "expired"
	EndRevoked    = "revoked"
	EndSuperseded = "superseded"
)

type Session struct {
	SessionId  string     `json:"sessionId"`
	OrderId    string     `json:"orderId"`
	BindingKey string     `json:"bindingKey"`
	ClientIp   string     `json:"clientIp"`
	ClientMac  *string    `json:"clientMac,omitempty"`
	GatewayId  string     `json:"gatewayId"`
	StartedAt  time.Time  `json:"startedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Active     bool       `json:"active"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	EndReason  *string    `json:"endReason,omitempty"`
}

type Gateway struct {
	GatewayId  string    `json:"gatewayId"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Username   string    `json:"username"`
	Secret     string    `json:"-"`
	FleetRef   string    `json:"fleetRef"`
	ClientCidr string    `json:"clientCidr,omitempty"`
	IsPrimary  bool      `json:"isPrimary"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type PaymentStatus string

const (
	PaymentNone     PaymentStatus = "NONE"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentExpired  PaymentStatus = "EXPIRED"
	PaymentCanceled PaymentStatus = "CANCELED"
)

// OrderStatus maps a terminal payment status onto the order lifecycle.
// PaymentNone maps to OrderPending.
func (p PaymentStatus) OrderStatus() OrderStatus {
	switch p {
	case PaymentPaid:
		return OrderPaid
	case PaymentFailed:
		return OrderFailed
	case PaymentExpired:
		return OrderExpired
	case PaymentCanceled:
		return OrderCanceled
	}
	return OrderPending
}

// CommandRecord is one grant/revoke attempt against a gateway. Logged, not stored.
type CommandRecord struct {
	GatewayId string
	Operation string
	Command   string
	ClientIp  string
	ClientMac string
	Outcome   string
	Detail    string
	At        time.Time
}
