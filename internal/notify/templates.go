package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/example/parkwise/internal/booking/domain"
)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

func mustTemplate(kind domain.NotificationKind, subject, body string) messageTemplate {
	name := string(kind)
	return messageTemplate{
		subject: template.Must(template.New(name + ".subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New(name + ".body").Option("missingkey=zero").Parse(body)),
	}
}

var templates = map[domain.NotificationKind]messageTemplate{
	domain.NotifyBookingConfirmed: mustTemplate(domain.NotifyBookingConfirmed,
		"Spot reserved at {{.garage_name}}",
		"Your spot {{.spot_label}} at {{.garage_name}} is held until {{.reservation_expiry_time}}. Estimated cost {{.estimated_cost}}."),
	domain.NotifyArrivalReminder: mustTemplate(domain.NotifyArrivalReminder,
		"Your reservation at {{.garage_name}} expires soon",
		"Please arrive before {{.reservation_expiry_time}} or your reservation will lapse."),
	domain.NotifyLateAlert: mustTemplate(domain.NotifyLateAlert,
		"You have not arrived at {{.garage_name}}",
		"Your grace period ended at {{.reservation_expiry_time}}. Confirm you are still coming before {{.respond_by}} or cancel; "+
			"if you do neither your booking is cancelled and new bookings are blocked for a while."),
	domain.NotifyBookingExpired: mustTemplate(domain.NotifyBookingExpired,
		"Booking at {{.garage_name}} expired",
		"Your booking was not used and has been released. New bookings are blocked until {{.blocked_until}}."),
	domain.NotifyBookingCancelled: mustTemplate(domain.NotifyBookingCancelled,
		"Booking at {{.garage_name}} cancelled",
		"Your booking has been cancelled.{{if .blocked_until}} New bookings are blocked until {{.blocked_until}}.{{end}}"),
	domain.NotifyLateConfirmed: mustTemplate(domain.NotifyLateConfirmed,
		"Late arrival confirmed at {{.garage_name}}",
		"Your spot is held until {{.enter_by}}. If you have not entered by then one hour ({{.price_per_hour}}) is charged."),
	domain.NotifyNoShowCharged: mustTemplate(domain.NotifyNoShowCharged,
		"Booking cancelled: one hour charge deducted",
		"Your booking at {{.garage_name}} has been cancelled because you did not enter within one hour of late confirmation. "+
			"We have deducted the hourly fee of {{.amount}} from your wallet."),
	domain.NotifyNoShowBlocked: mustTemplate(domain.NotifyNoShowBlocked,
		"Booking cancelled: you have been temporarily blocked",
		"Your booking at {{.garage_name}} has been cancelled because you did not enter within one hour of late confirmation. "+
			"You did not have enough balance to cover the hourly fee, so new bookings are blocked until {{.blocked_until}}."),
	domain.NotifyEntryRecorded: mustTemplate(domain.NotifyEntryRecorded,
		"Welcome to {{.garage_name}}",
		"Entry recorded at {{.start_time}} for spot {{.spot_label}}."),
	domain.NotifyExitSettled: mustTemplate(domain.NotifyExitSettled,
		"Parking session at {{.garage_name}} completed",
		"Stay from {{.start_time}} to {{.end_time}}. Amount {{.amount}}."),
	domain.NotifyPaymentReceived: mustTemplate(domain.NotifyPaymentReceived,
		"Wallet topped up",
		"{{.amount}} has been added to your wallet."),
}

func render(kind domain.NotificationKind, payload map[string]any) (string, string, error) {
	tpl, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("no template for %q", kind)
	}
	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, payload); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", kind, err)
	}
	if err := tpl.body.Execute(&body, payload); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", kind, err)
	}
	return subject.String(), body.String(), nil
}
