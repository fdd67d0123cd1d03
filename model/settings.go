package model

// Settings is the small global configuration read by the log writer and
// the notifier.
type Settings struct {
	EnableNotifications bool `json:"enableNotifications"`
	MaxLogEntries       int  `json:"maxLogEntries"`
}

// SettingsOverride is the stored partial form of Settings. Nil fields keep
// the default.
type SettingsOverride struct {
	EnableNotifications *bool `json:"enableNotifications,omitempty"`
	MaxLogEntries       *int  `json:"maxLogEntries,omitempty"`
}

// DefaultSettings returns the built-in defaults. It is a function so no
// caller can mutate a shared value.
func DefaultSettings() Settings {
	return Settings{
		EnableNotifications: true,
		MaxLogEntries:       500,
	}
}

// Merge returns s with every non-nil field of o applied.
func (s Settings) Merge(o SettingsOverride) Settings {
	if o.EnableNotifications != nil {
		s.EnableNotifications = *o.EnableNotifications
	}
	if o.MaxLogEntries != nil && *o.MaxLogEntries > 0 {
		s.MaxLogEntries = *o.MaxLogEntries
	}
	return s
}

// Patch layers o on top of the receiver, keeping fields o leaves nil.
func (base SettingsOverride) Patch(o SettingsOverride) SettingsOverride {
	if o.EnableNotifications != nil {
		base.EnableNotifications = o.EnableNotifications
	}
	if o.MaxLogEntries != nil {
		base.MaxLogEntries = o.MaxLogEntries
	}
	return base
}
