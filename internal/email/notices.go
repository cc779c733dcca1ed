package email

import (
	"fmt"
	"html/template"
	"strings"
)

// Шаблоны биллинговых уведомлений. Письма короткие и текстоцентричные,
// вся верстка остается на стороне фронтенда (ссылки ведут в кабинет).

var paymentFailedTmpl = template.Must(template.New("payment_failed").Parse(`
<p>Hi {{.Name}},</p>
<p>We could not charge your card for the <b>{{.Plan}}</b> plan
({{.Amount}}). Your subscription is now past due.</p>
<p>Please update your payment method to keep generating thumbnails.</p>
`))

var subscriptionCanceledTmpl = template.Must(template.New("subscription_canceled").Parse(`
<p>Hi {{.Name}},</p>
<p>Your <b>{{.Plan}}</b> subscription has ended. Your account has been
moved to the Free plan with {{.FreeLimit}} thumbnails per month.</p>
<p>You can resubscribe anytime from your dashboard.</p>
`))

var subscriptionGrantedTmpl = template.Must(template.New("subscription_granted").Parse(`
<p>Hi {{.Name}},</p>
<p>You have been granted the <b>{{.Plan}}</b> plan. It is active until
{{.Until}}.</p>
`))

// Notifier отправляет биллинговые уведомления через Provider.
// Ошибки отправки не прерывают бизнес-операции: они логируются вызывающей
// стороной, письмо - best effort.
type Notifier struct {
	provider Provider
}

func NewNotifier(provider Provider) *Notifier {
	return &Notifier{provider: provider}
}

func (n *Notifier) PaymentFailed(to, name, plan string, amountCents int64, currency string) error {
	body, err := render(paymentFailedTmpl, map[string]interface{}{
		"Name":   name,
		"Plan":   plan,
		"Amount": formatAmount(amountCents, currency),
	})
	if err != nil {
		return err
	}
	return n.provider.Send(to, "Payment failed for your subscription", body)
}

func (n *Notifier) SubscriptionCanceled(to, name, plan string, freeLimit int) error {
	body, err := render(subscriptionCanceledTmpl, map[string]interface{}{
		"Name":      name,
		"Plan":      plan,
		"FreeLimit": freeLimit,
	})
	if err != nil {
		return err
	}
	return n.provider.Send(to, "Your subscription has ended", body)
}

func (n *Notifier) SubscriptionGranted(to, name, plan, until string) error {
	body, err := render(subscriptionGrantedTmpl, map[string]interface{}{
		"Name":  name,
		"Plan":  plan,
		"Until": until,
	})
	if err != nil {
		return err
	}
	return n.provider.Send(to, "Your new plan is active", body)
}

func render(tmpl *template.Template, data map[string]interface{}) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, strings.ToUpper(currency))
}
