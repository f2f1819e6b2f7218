package worker

import (
	"encoding/json"

	"github.com/bearstradespro/pushkit/internal/model"
)

// Defaults is the copy used for any field a push payload leaves out.
type Defaults struct {
	Title string
	Body  string
	Icon  string
	Badge string
	Tag   string
}

func (d Defaults) withFallbacks() Defaults {
	if d.Title == "" {
		d.Title = "New notification"
	}
	if d.Body == "" {
		d.Body = "You have a new notification"
	}
	if d.Icon == "" {
		d.Icon = "/icon-192.png"
	}
	if d.Badge == "" {
		d.Badge = "/icon-192.png"
	}
	if d.Tag == "" {
		d.Tag = "notification"
	}
	return d
}

// ParsePayload turns a push payload into a notification. A JSON object is
// merged over the defaults with payload fields winning, unknown fields
// included. Text that is not JSON becomes the body. Valid JSON that is not an
// object carries no notification fields, so the defaults are shown as is.
func ParsePayload(data []byte, d Defaults) model.Notification {
	d = d.withFallbacks()
	opts := model.Options{
		"body":               d.Body,
		"icon":               d.Icon,
		"badge":              d.Badge,
		"tag":                d.Tag,
		"requireInteraction": false,
		"data":               map[string]any{},
	}

	if !json.Valid(data) {
		opts["body"] = string(data)
		return model.Notification{Title: d.Title, Options: opts}
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return model.Notification{Title: d.Title, Options: opts}
	}

	for k, v := range fields {
		if k == "title" {
			continue
		}
		opts[k] = v
	}

	title, _ := fields["title"].(string)
	if title == "" {
		title = d.Title
	}
	return model.Notification{Title: title, Options: opts}
}
