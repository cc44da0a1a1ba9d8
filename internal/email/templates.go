package email

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

const layoutHead = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0; cellpadding: 0; cellspacing: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden; box-shadow: 0 1px 3px rgba(0,0,0,0.1);">
<tr><td style="padding: 32px 40px; text-align: center;">
<h1 style="margin: 0 0 16px; font-size: 24px; color: #1a1a1a;">{{.Title}}</h1>
`

const layoutFoot = `</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`

var subscriptionConfirmedTemplate = template.Must(template.New("subscription_confirmed").Parse(layoutHead + `
<p style="margin: 0 0 24px; color: #666; font-size: 15px; line-height: 1.5;">
Your {{.Data.ProductName}} subscription is now on the <strong>{{.Data.TierName}}</strong> plan.
</p>
{{if .Data.PeriodEnd}}<p style="margin: 0; color: #999; font-size: 13px;">Current period ends {{.Data.PeriodEnd}}.</p>{{end}}
` + layoutFoot))

var subscriptionCanceledTemplate = template.Must(template.New("subscription_canceled").Parse(layoutHead + `
<p style="margin: 0 0 24px; color: #666; font-size: 15px; line-height: 1.5;">
Your {{.Data.ProductName}} subscription has ended and your account is back on the free plan.
</p>
` + layoutFoot))

var commissionEarnedTemplate = template.Must(template.New("commission_earned").Parse(layoutHead + `
<p style="margin: 0 0 24px; color: #666; font-size: 15px; line-height: 1.5;">
You earned <strong>{{.Data.Amount}}</strong> from a referral payment.
</p>
<p style="margin: 0; color: #999; font-size: 13px;">It will be paid out once approved.</p>
` + layoutFoot))

// SubscriptionData holds template data for subscription emails.
type SubscriptionData struct {
	ProductName string
	TierName    string
	PeriodEnd   string
}

// CommissionData holds template data for the commission earned email.
type CommissionData struct {
	AmountCents int64
	Currency    string
}

// FormatCents renders an amount like "$20.00" for USD and "20.00 EUR" otherwise.
func FormatCents(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	amount := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	switch currency {
	case "", "usd", "USD":
		return sign + "$" + amount
	default:
		return fmt.Sprintf("%s%s %s", sign, amount, strings.ToUpper(currency))
	}
}

// RenderSubscriptionConfirmedEmail renders the subscription confirmation email.
func RenderSubscriptionConfirmedEmail(data SubscriptionData) (subject, html, text string, err error) {
	subject = fmt.Sprintf("Your %s subscription is active", data.ProductName)
	html, err = render(subscriptionConfirmedTemplate, subject, data)
	if err != nil {
		return "", "", "", err
	}
	text = fmt.Sprintf("%s\n\nYour %s subscription is now on the %s plan.", subject, data.ProductName, data.TierName)
	if data.PeriodEnd != "" {
		text += fmt.Sprintf("\nCurrent period ends %s.", data.PeriodEnd)
	}
	return subject, html, text, nil
}

// RenderSubscriptionCanceledEmail renders the cancellation email.
func RenderSubscriptionCanceledEmail(data SubscriptionData) (subject, html, text string, err error) {
	subject = fmt.Sprintf("Your %s subscription has ended", data.ProductName)
	html, err = render(subscriptionCanceledTemplate, subject, data)
	if err != nil {
		return "", "", "", err
	}
	text = fmt.Sprintf("%s\n\nYour %s subscription has ended and your account is back on the free plan.", subject, data.ProductName)
	return subject, html, text, nil
}

// RenderCommissionEarnedEmail renders the commission earned email.
func RenderCommissionEarnedEmail(data CommissionData) (subject, html, text string, err error) {
	amount := FormatCents(data.AmountCents, data.Currency)
	subject = "Commission earned: " + amount
	html, err = render(commissionEarnedTemplate, subject, struct{ Amount string }{amount})
	if err != nil {
		return "", "", "", err
	}
	text = fmt.Sprintf("%s\n\nYou earned %s from a referral payment. It will be paid out once approved.", subject, amount)
	return subject, html, text, nil
}

func render(tmpl *template.Template, title string, data any) (string, error) {
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct {
		Title string
		Data  any
	}{title, data})
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
