package services

import (
	"strings"

	"netgrant/internal/models"
)

// statusVocabulary folds the status words used by the payment providers we
// receive callbacks from onto the terminal payment statuses.
var statusVocabulary = map[string]models.PaymentStatus{
	"paid":       models.PaymentPaid,
	"settled":    models.PaymentPaid,
	"settlement": models.PaymentPaid,
	"capture":    models.PaymentPaid,
	"captured":   models.PaymentPaid,
	"success":    models.PaymentPaid,
	"succeeded":  models.PaymentPaid,
	"successful": models.PaymentPaid,
	"completed":  models.PaymentPaid,

	"failed":   models.PaymentFailed,
	"failure":  models.PaymentFailed,
	"deny":     models.PaymentFailed,
	"denied":   models.PaymentFailed,
	"declined": models.PaymentFailed,

	"expire":  models.PaymentExpired,
	"expired": models.PaymentExpired,

	"cancel":    models.PaymentCanceled,
	"canceled":  models.PaymentCanceled,
	"cancelled": models.PaymentCanceled,
	"void":      models.PaymentCanceled,
	"voided":    models.PaymentCanceled,
}

// NormalizeStatus maps a provider status to a terminal payment status.
// Unknown and non-terminal statuses (pending, authorize, refund, ...) map to NONE.
func NormalizeStatus(reported string) models.PaymentStatus {
	key := strings.ToLower(strings.TrimSpace(reported))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	key = strings.TrimPrefix(key, "payment_")
	if s, ok := statusVocabulary[key]; ok {
		return s
	}
	return models.PaymentNone
}
