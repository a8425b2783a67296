package ledger

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/trezcool/academia/core"
)

const (
	receiptTemplate = "payment_receipt"
	overdueTemplate = "payment_overdue"
)

type notificationData struct {
	EntryID         string
	OwnerName       string
	Concept         string
	Currency        string
	PaidAmount      string
	RemainingAmount string
	PaymentDate     string
	DueDate         string
}

func (svc *Service) newNotification(ctx context.Context, entry Entry, subject, tmpl string) (*core.EmailMessage, bool) {
	if svc.mailSvc == nil {
		return nil, false
	}
	owner, err := svc.owners.GetByID(ctx, entry.OwnerID)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("finding owner of entry %s: %v", entry.ID, err), err)
		return nil, false
	}
	if owner.Email == "" {
		return nil, false
	}

	data := notificationData{
		EntryID:         entry.ID,
		OwnerName:       owner.Name,
		Concept:         entry.Concept,
		Currency:        svc.currency,
		PaidAmount:      entry.PaidAmount.StringFixed(svc.places),
		RemainingAmount: entry.RemainingAmount.StringFixed(svc.places),
	}
	if entry.PaymentDate != nil {
		data.PaymentDate = entry.PaymentDate.Format("2006-01-02")
	}
	if entry.DueDate != nil {
		data.DueDate = entry.DueDate.Format("2006-01-02")
	}
	return &core.EmailMessage{
		To:           []mail.Address{{Name: owner.Name, Address: owner.Email}},
		Subject:      subject,
		TemplateName: tmpl,
		TemplateData: data,
		Metadata:     map[string]string{"entry_id": entry.ID},
	}, true
}

// sendReceipt emails a payment receipt to the owner of a completed entry.
func (svc *Service) sendReceipt(ctx context.Context, entry Entry) {
	if msg, ok := svc.newNotification(ctx, entry, "Payment receipt", receiptTemplate); ok {
		svc.mailSvc.SendMessages(msg)
	}
}

// sendOverdueNotice emails the owner of an entry that just became overdue.
func (svc *Service) sendOverdueNotice(ctx context.Context, entry Entry) {
	if msg, ok := svc.newNotification(ctx, entry, "Payment overdue", overdueTemplate); ok {
		svc.mailSvc.SendMessages(msg)
	}
}
