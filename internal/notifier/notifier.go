// Package notifier implements best-effort out-of-band admin alerting over
// SMTP (spec.md §4.3). A Notifier failure is always logged and never
// propagated to the caller — mail delivery is never on the critical path of
// sensor-alert or manager-update processing.
package notifier

import (
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/gomail.v2"
)

// Config holds SMTP delivery settings (spec.md §6 smtp/general, smtp/server).
type Config struct {
	Activated bool
	FromAddr  string
	ToAddr    string
	Host      string
	Port      int
	Username  string
	Password  string
}

// Notifier sends administrative email notifications. A zero-value Notifier
// with Activated=false is valid and makes every Send* call a no-op.
type Notifier struct {
	cfg   Config
	dial  *gomail.Dialer
	mu    sync.Mutex // gomail.Dialer.Dial is not documented safe for concurrent use
}

// New creates a Notifier from cfg. If cfg.Activated is false, the returned
// Notifier silently no-ops every call.
func New(cfg Config) *Notifier {
	n := &Notifier{cfg: cfg}
	if cfg.Activated {
		n.dial = gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}
	return n
}

// SendCommunicationAlert notifies the admin address that a persistent node
// has been unreachable, including how many consecutive watchdog sweeps have
// failed to hear from it.
func (n *Notifier) SendCommunicationAlert(nodeUsername string, failCount int) {
	n.send(fmt.Sprintf("alertR: node %q unreachable", nodeUsername),
		fmt.Sprintf("Node %q has not been heard from for %d consecutive checks.", nodeUsername, failCount))
}

// SendCommunicationAlertClear notifies the admin address that a previously
// unreachable persistent node has reconnected.
func (n *Notifier) SendCommunicationAlertClear(nodeUsername string) {
	n.send(fmt.Sprintf("alertR: node %q reachable again", nodeUsername),
		fmt.Sprintf("Node %q has reconnected.", nodeUsername))
}

// SendSensorAlert notifies the admin address that alert level `level` fired,
// summarizing which sensors contributed.
func (n *Notifier) SendSensorAlert(level int, levelName string, sensorDescriptions []string) {
	body := fmt.Sprintf("Alert level %d (%s) fired.\nTriggering sensors:\n", level, levelName)
	for _, d := range sensorDescriptions {
		body += fmt.Sprintf(" - %s\n", d)
	}
	n.send(fmt.Sprintf("alertR: alert level %d fired", level), body)
}

func (n *Notifier) send(subject, body string) {
	if n == nil || !n.cfg.Activated {
		return
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromAddr)
	m.SetHeader("To", n.cfg.ToAddr)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	n.mu.Lock()
	err := n.dial.DialAndSend(m)
	n.mu.Unlock()

	if err != nil {
		slog.Error("notifier: send failed", "subject", subject, "err", err)
		return
	}
	slog.Debug("notifier: sent", "subject", subject)
}
