package email

import (
	"strings"
	"testing"
)

func TestFormatCents(t *testing.T) {
	tests := []struct {
		cents    int64
		currency string
		want     string
	}{
		{2000, "usd", "$20.00"},
		{5, "", "$0.05"},
		{123456, "eur", "1234.56 EUR"},
		{-150, "usd", "-$1.50"},
	}
	for _, tt := range tests {
		if got := FormatCents(tt.cents, tt.currency); got != tt.want {
			t.Errorf("FormatCents(%d, %q) = %q, want %q", tt.cents, tt.currency, got, tt.want)
		}
	}
}

func TestRenderSubscriptionConfirmedEmail(t *testing.T) {
	subject, html, text, err := RenderSubscriptionConfirmedEmail(SubscriptionData{
		ProductName: "Social Scheduler",
		TierName:    "Pro",
		PeriodEnd:   "Nov 8, 2026",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject != "Your Social Scheduler subscription is active" {
		t.Errorf("unexpected subject %q", subject)
	}
	for _, want := range []string{"Social Scheduler", "<strong>Pro</strong>", "Nov 8, 2026"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}
	if !strings.Contains(text, "Pro plan") {
		t.Errorf("text missing tier: %q", text)
	}
}

func TestRenderSubscriptionCanceledEmail(t *testing.T) {
	_, html, text, err := RenderSubscriptionCanceledEmail(SubscriptionData{ProductName: "<script>x</script>"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Error("product name was not escaped in html body")
	}
	if !strings.Contains(text, "free plan") {
		t.Errorf("unexpected text %q", text)
	}
}

func TestRenderCommissionEarnedEmail(t *testing.T) {
	subject, html, _, err := RenderCommissionEarnedEmail(CommissionData{AmountCents: 2000, Currency: "usd"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject != "Commission earned: $20.00" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(html, "$20.00") {
		t.Error("html missing amount")
	}
}
