package model

// Options is the open set of display options for a notification. Payloads are
// schema-less, so unknown keys are carried through untouched.
type Options map[string]any

// String returns the string value of key, or "" if absent or not a string.
func (o Options) String(key string) string {
	s, _ := o[key].(string)
	return s
}

// Bool returns the bool value of key, or false if absent or not a bool.
func (o Options) Bool(key string) bool {
	b, _ := o[key].(bool)
	return b
}

func (o Options) Body() string             { return o.String("body") }
func (o Options) Icon() string             { return o.String("icon") }
func (o Options) Badge() string            { return o.String("badge") }
func (o Options) Tag() string              { return o.String("tag") }
func (o Options) RequireInteraction() bool { return o.Bool("requireInteraction") }

// Data returns the attached data object, or nil if the payload carried
// something other than an object.
func (o Options) Data() map[string]any {
	d, _ := o["data"].(map[string]any)
	return d
}

// URL returns data.url, or "" when there is none.
func (o Options) URL() string {
	s, _ := o.Data()["url"].(string)
	return s
}

// Notification is a notification shown, or about to be shown, by the worker.
type Notification struct {
	// ID is assigned by the platform when the notification is displayed.
	ID      string  `json:"id,omitempty"`
	Title   string  `json:"title"`
	Options Options `json:"options"`
}
