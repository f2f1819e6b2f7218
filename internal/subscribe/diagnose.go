package subscribe

import (
	"context"
	"fmt"
	"strings"

	"github.com/bearstradespro/pushkit/internal/diag"
	"github.com/bearstradespro/pushkit/internal/platform"
	"github.com/bearstradespro/pushkit/internal/vapid"
)

// Diagnose runs the support checklist without changing anything: it never
// registers a worker, prompts for permission or creates a registration.
func (m *Manager) Diagnose(ctx context.Context) *diag.Report {
	r := &diag.Report{}

	caps := m.browser.Capabilities()
	detail := ""
	if !caps.Supported() {
		detail = "missing " + strings.Join(caps.Missing(), ", ")
	}
	r.Add("browser support", caps.Supported(), detail)

	if err := m.browser.FetchScript(ctx, m.cfg.ScriptURL); err != nil {
		r.Add("worker script", false, err.Error())
	} else {
		r.Add("worker script", true, m.cfg.ScriptURL)
	}

	reg, err := m.browser.GetRegistration(ctx, m.cfg.Scope)
	switch {
	case err != nil:
		r.Add("worker registration", false, err.Error())
	case reg == nil:
		r.Add("worker registration", false, "no worker registered for "+m.cfg.Scope)
	default:
		r.Add("worker registration", reg.Active(), fmt.Sprintf("scope %s active=%t", reg.Scope(), reg.Active()))
	}

	if reg != nil && reg.Active() {
		if err := m.probe(ctx, reg); err != nil {
			r.Add("worker communication", false, err.Error())
		} else {
			r.Add("worker communication", true, "PONG")
		}
	} else {
		r.Add("worker communication", false, "no active worker")
	}

	encoded, err := m.backend.VAPIDPublicKey(ctx)
	if err != nil {
		r.Add("server key", false, err.Error())
	} else {
		var failed []string
		for _, c := range vapid.Validate(encoded) {
			if !c.OK {
				failed = append(failed, c.Name)
			}
		}
		if len(failed) > 0 {
			r.Add("server key", false, "failed: "+strings.Join(failed, ", "))
		} else {
			r.Add("server key", true, fmt.Sprintf("length %d", len(encoded)))
		}
	}

	switch perm := m.browser.Permission(); perm {
	case platform.PermissionDenied:
		r.Add("notification permission", false, "denied; change it in the browser settings")
	case platform.PermissionGranted:
		r.Add("notification permission", true, "granted")
	default:
		r.Add("notification permission", true, "not asked yet; requested on subscribe")
	}

	if reg == nil {
		r.Add("push registration", false, "no worker registration")
		return r
	}
	sub, err := reg.PushManager().GetSubscription(ctx)
	switch {
	case err != nil:
		r.Add("push registration", false, err.Error())
	case sub == nil:
		r.Add("push registration", false, "not subscribed")
	default:
		r.Add("push registration", true, sub.Endpoint)
	}
	return r
}
