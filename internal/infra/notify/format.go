package notify

import (
	"fmt"
	"strings"
	"time"

	"crypsync/internal/domain"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const (
	TypeAlertTriggered       = "alert_triggered"
	TypeTransactionCompleted = "transaction_completed"
)

// Envelope is the wire form shared by every push sink.
type Envelope struct {
	Type    string    `json:"type"`
	UserID  string    `json:"user_id"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	Data    any       `json:"data"`
	SentAt  time.Time `json:"sent_at"`
}

// USD renders an amount as "$1,234.56", rounded to cents.
func USD(d decimal.Decimal) string {
	return money.New(d.Shift(2).Round(0).IntPart(), money.USD).Display()
}

// AlertEnvelope wraps a trigger event with its human-readable message.
func AlertEnvelope(ev domain.TriggerEvent) Envelope {
	return Envelope{
		Type:    TypeAlertTriggered,
		UserID:  ev.UserID,
		Subject: AlertSubject(ev),
		Message: AlertMessage(ev),
		Data:    ev,
		SentAt:  ev.TriggeredAt,
	}
}

// TradeEnvelope wraps a completed transaction with its confirmation message.
func TradeEnvelope(tx domain.Transaction) Envelope {
	return Envelope{
		Type:    TypeTransactionCompleted,
		UserID:  tx.UserID,
		Subject: TradeSubject(tx),
		Message: TradeMessage(tx),
		Data:    tx,
		SentAt:  tx.CreatedAt,
	}
}

func AlertSubject(ev domain.TriggerEvent) string {
	if ev.Kind == domain.TriggerPortfolio {
		return "CrypSync: Portfolio Alert - " + string(ev.Rule)
	}
	return "CrypSync: Price Alert - " + strings.ToUpper(ev.AssetID)
}

// AlertMessage formats the body of a trigger notification.
func AlertMessage(ev domain.TriggerEvent) string {
	var b strings.Builder
	switch ev.Kind {
	case domain.TriggerPortfolio:
		b.WriteString("CrypSync Portfolio Alert\n\n")
		fmt.Fprintf(&b, "Rule: %s\n", ev.Rule)
		fmt.Fprintf(&b, "Portfolio Value: %s\n", USD(ev.Observed))
		fmt.Fprintf(&b, "Profit/Loss: %s\n", USD(ev.ProfitLoss))
		fmt.Fprintf(&b, "Alert Threshold: %s\n", USD(ev.Threshold))
	default:
		side := "above"
		if ev.Direction == domain.DirectionBelow {
			side = "below"
		}
		b.WriteString("CrypSync Price Alert\n\n")
		fmt.Fprintf(&b, "Cryptocurrency: %s\n", capitalize(ev.AssetID))
		fmt.Fprintf(&b, "Current Price: %s\n", USD(ev.Observed))
		fmt.Fprintf(&b, "Alert Threshold: %s\n", USD(ev.Threshold))
		fmt.Fprintf(&b, "Alert Type: Price is %s threshold\n", side)
	}
	fmt.Fprintf(&b, "\nThis alert was triggered at %s.", ev.TriggeredAt.UTC().Format(time.RFC3339))
	return b.String()
}

func TradeSubject(tx domain.Transaction) string {
	return fmt.Sprintf("CrypSync: %s Order Executed - %s", tx.Side, strings.ToUpper(tx.AssetID))
}

// TradeMessage formats the body of a trade confirmation.
func TradeMessage(tx domain.Transaction) string {
	asset := strings.ToUpper(tx.AssetID)
	verb := "deducted"
	if tx.Side == domain.SideSell {
		verb = "credited"
	}

	var b strings.Builder
	b.WriteString("Trade Confirmation\n\n")
	fmt.Fprintf(&b, "Transaction Type: %s\n", tx.Side)
	fmt.Fprintf(&b, "Cryptocurrency: %s\n", asset)
	fmt.Fprintf(&b, "Amount: %s %s\n", tx.Amount, asset)
	fmt.Fprintf(&b, "Price per Unit: %s\n", USD(tx.UnitPrice))
	fmt.Fprintf(&b, "Total Amount: %s\n", USD(tx.Total))
	fmt.Fprintf(&b, "Transaction ID: %s\n", tx.ID)
	fmt.Fprintf(&b, "Status: %s\n", tx.Status)
	fmt.Fprintf(&b, "Timestamp: %s\n", tx.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\nAmount %s: %s", verb, USD(tx.Total))
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
