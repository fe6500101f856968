package config

import (
	"github.com/bmatcuk/doublestar/v4"
)

// ApprovalOverride changes the approval policy of sandboxes whose name
// matches Sandbox. Unset fields keep the inherited value; OnceOnly adds
// to the inherited list.
type ApprovalOverride struct {
	Sandbox      string   `toml:"sandbox"`
	Timeout      *int     `toml:"timeout"`
	CacheDenials *bool    `toml:"cache_denials"`
	OnceOnly     []string `toml:"once_only"`
}

// For returns the approval settings that apply to sandbox. Overrides are
// applied in file order, so later matches win.
func (a ApprovalConfig) For(sandbox string) ApprovalConfig {
	out := a
	out.OnceOnly = append([]string(nil), a.OnceOnly...)
	out.Overrides = nil

	for _, o := range a.Overrides {
		if matched, err := doublestar.Match(o.Sandbox, sandbox); err != nil || !matched {
			continue
		}
		if o.Timeout != nil {
			out.Timeout = *o.Timeout
		}
		if o.CacheDenials != nil {
			out.CacheDenials = *o.CacheDenials
		}
		out.OnceOnly = append(out.OnceOnly, o.OnceOnly...)
	}
	return out
}
