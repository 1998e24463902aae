package southbound

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/opencane/edge-runtime/internal/protocol"
)

// Profile describes one hardware family's wire quirks: the field names it
// uses in place of the canonical ones, its replay window size, and its
// allowed clock skew. Most devices need no profile at all; the zero Profile
// is the canonical wire format unmodified.
type Profile struct {
	Name          string
	FieldAliases  map[string]string // canonical field -> device field, e.g. "device_id" -> "deviceId"
	ReplayWindow  int
	ClockSkewMs   int64
	AudioEncoding string
}

// DefaultProfile is the canonical wire format: no aliasing, a 64-message
// replay window and five seconds of allowed clock skew.
func DefaultProfile() Profile {
	return Profile{
		Name:         "default",
		ReplayWindow: 64,
		ClockSkewMs:  5000,
	}
}

// ProfileStore holds the known device profiles, keyed by name, loaded from a
// YAML/JSON overrides file via viper the way internal/config layers
// environment overrides on top of defaults.
type ProfileStore struct {
	profiles map[string]Profile
}

// NewProfileStore seeds the store with the built-in default profile.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{
		profiles: map[string]Profile{"default": DefaultProfile()},
	}
}

// LoadOverrides reads a profile_overrides file (yaml, json or toml, sniffed
// by viper from the extension) and merges each named profile on top of the
// default, so an override only needs to specify what it changes.
func (s *ProfileStore) LoadOverrides(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("southbound: load profile overrides: %w", err)
	}

	raw := v.Get("profiles")
	entries, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("southbound: profile overrides file missing top-level 'profiles' map")
	}

	for name, entryRaw := range entries {
		entry, ok := entryRaw.(map[string]any)
		if !ok {
			continue
		}
		p := DefaultProfile()
		p.Name = name
		if aliases, ok := entry["field_aliases"].(map[string]any); ok {
			p.FieldAliases = make(map[string]string, len(aliases))
			for canon, dev := range aliases {
				if s, ok := dev.(string); ok {
					p.FieldAliases[canon] = s
				}
			}
		}
		if w, ok := entry["replay_window"].(int); ok {
			p.ReplayWindow = w
		}
		if skew, ok := entry["clock_skew_ms"].(int); ok {
			p.ClockSkewMs = int64(skew)
		}
		if enc, ok := entry["audio_encoding"].(string); ok {
			p.AudioEncoding = enc
		}
		s.profiles[name] = p
	}
	return nil
}

// Get returns the named profile, falling back to default when unknown.
func (s *ProfileStore) Get(name string) Profile {
	if name == "" {
		return s.profiles["default"]
	}
	if p, ok := s.profiles[name]; ok {
		return p
	}
	return s.profiles["default"]
}

// deviceField maps a canonical field name to the device-specific wire name
// for this profile, or returns the canonical name unchanged when no alias is
// configured.
func (p Profile) deviceField(canonical string) string {
	if p.FieldAliases == nil {
		return canonical
	}
	if alias, ok := p.FieldAliases[canonical]; ok {
		return alias
	}
	return canonical
}

// Normalize rewrites a raw wire object's keys from this profile's
// device-specific field names to the canonical ones used by protocol.Envelope,
// leaving every key that is not a device alias untouched.
func (p Profile) Normalize(raw map[string]any) map[string]any {
	if p.FieldAliases == nil {
		return raw
	}
	inverse := make(map[string]string, len(p.FieldAliases))
	for canon, dev := range p.FieldAliases {
		inverse[dev] = canon
	}

	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if canon, ok := inverse[k]; ok {
			out[canon] = v
			continue
		}
		out[k] = v
	}
	return out
}

// Denormalize is the inverse of Normalize: it rewrites an outbound
// envelope's canonical top-level fields into this profile's device-specific
// names, for devices that expect e.g. "deviceId" instead of "device_id".
func (p Profile) Denormalize(env protocol.Envelope) map[string]any {
	out := map[string]any{
		p.deviceField("device_id"):  env.DeviceID,
		p.deviceField("session_id"): env.SessionID,
		p.deviceField("seq"):        env.Seq,
		p.deviceField("ts_ms"):      env.TsMs,
		p.deviceField("type"):       string(env.Type),
		p.deviceField("direction"):  string(env.Direction),
	}
	if env.Payload != nil {
		for k, v := range env.Payload {
			out[k] = v
		}
	}
	if env.TraceID != "" {
		out["trace_id"] = env.TraceID
	}
	return out
}
