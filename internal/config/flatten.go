package config

import (
	"fmt"
	"net/url"
	"strings"
)

// secretKeys are masked by `tablemate config list` unless --show-secrets is given.
var secretKeys = map[string]bool{
	"llm.api_key":     true,
	"telegram.token":  true,
	"discord.token":   true,
	"reservation.dsn": true,
}

// IsSecretKey reports whether the dot-separated key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns {"reservation": {"store": "sqlite"}} into
// {"reservation.store": "sqlite"}. Lists such as discord.channel_ids stay
// whole values.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A key that is both a value and a
// section ("llm" and "llm.model") is an error.
func Unflatten(flat map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		section := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := section[part]
			if !ok {
				child := make(map[string]any)
				section[part] = child
				section = child
				continue
			}
			child, ok := next.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config key %q conflicts with value at %q", key, part)
			}
			section = child
		}
		leaf := parts[len(parts)-1]
		if _, isSection := section[leaf].(map[string]any); isSection {
			return nil, fmt.Errorf("config key %q is a section", key)
		}
		section[leaf] = v
	}
	return out, nil
}

// MaskSecrets returns a copy of flat with credentials hidden. Database URLs
// keep everything but the password, which becomes "xxxxx"; other secrets
// show only their last four characters as "***abcd". Empty values stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !secretKeys[k] || !ok || s == "" {
			out[k] = v
			continue
		}
		out[k] = maskSecret(s)
	}
	return out
}

// MaskValue masks v when key names a secret.
func MaskValue(key, v string) string {
	if !secretKeys[key] || v == "" {
		return v
	}
	return maskSecret(v)
}

func maskSecret(s string) string {
	if u, err := url.Parse(s); err == nil && u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			return u.Redacted()
		}
	}
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
