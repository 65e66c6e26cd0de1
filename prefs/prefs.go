// Package prefs resolves a viewer's text-to-speech settings from an ordered
// list of sources: the request, the viewer's stored preference, the
// channel's defaults and the built-in defaults.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChannelDefaultsKey is the viewer key under which a channel's defaults are stored.
const ChannelDefaultsKey = "*"

// Rate bounds accepted by the TTS provider.
const (
	MinRate = 0.25
	MaxRate = 4.0
)

var (
	ErrNotFound = errors.New("prefs: not found")
	ErrInvalid  = errors.New("prefs: invalid preference")
)

// Pref is a partial preference; nil fields defer to the next source.
type Pref struct {
	Voice     *string    `json:"voice,omitempty"`
	Rate      *float64   `json:"rate,omitempty"`
	Enabled   *bool      `json:"enabled,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Validate checks the fields that are set.
func (p Pref) Validate() error {
	if p.Voice != nil && (strings.TrimSpace(*p.Voice) == "" || len(*p.Voice) > 64) {
		return fmt.Errorf("%w: voice must be 1-64 characters", ErrInvalid)
	}
	if p.Rate != nil && (*p.Rate < MinRate || *p.Rate > MaxRate) {
		return fmt.Errorf("%w: rate must be within [%.2f, %.2f]", ErrInvalid, MinRate, MaxRate)
	}
	return nil
}

// Effective is a fully resolved preference.
type Effective struct {
	Voice   string  `json:"voice"`
	Rate    float64 `json:"rate"`
	Enabled bool    `json:"enabled"`
}

// Builtin is used when no other source sets a field.
var Builtin = Effective{Voice: "en-US-Standard-C", Rate: 1.0, Enabled: true}

// First returns the first non-nil source's value, or the zero value and
// false when every source is nil.
func First[T any](sources ...*T) (T, bool) {
	for _, s := range sources {
		if s != nil {
			return *s, true
		}
	}
	var zero T
	return zero, false
}

// Merge resolves each field from the ordered sources, falling back to def.
func Merge(def Effective, sources ...Pref) Effective {
	voices := make([]*string, 0, len(sources)+1)
	rates := make([]*float64, 0, len(sources)+1)
	enabled := make([]*bool, 0, len(sources)+1)
	for _, s := range sources {
		voices = append(voices, s.Voice)
		rates = append(rates, s.Rate)
		enabled = append(enabled, s.Enabled)
	}
	voices = append(voices, &def.Voice)
	rates = append(rates, &def.Rate)
	enabled = append(enabled, &def.Enabled)

	out := Effective{}
	out.Voice, _ = First(voices...)
	out.Rate, _ = First(rates...)
	out.Enabled, _ = First(enabled...)
	return out
}

// Store persists partial preferences per (channel, viewer).
type Store interface {
	Get(ctx context.Context, channel, viewer string) (Pref, error)
	Put(ctx context.Context, channel, viewer string, p Pref) error
}

// Resolve computes the effective preference for viewer in channel, with
// override taking priority over anything stored.
func Resolve(ctx context.Context, s Store, channel, viewer string, override Pref) (Effective, error) {
	channel, viewer = normalize(channel), normalize(viewer)
	stored, err := s.Get(ctx, channel, viewer)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Effective{}, err
	}
	defaults, err := s.Get(ctx, channel, ChannelDefaultsKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Effective{}, err
	}
	return Merge(Builtin, override, stored, defaults), nil
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
