package sparsefb

import (
	"fmt"
	"math/bits"
	"strings"
)

// Channel is one framebuffer output channel.
type Channel uint32

// Framebuffer channels.
const (
	// ChannelColor is the color output.
	ChannelColor Channel = 1 << iota
	// ChannelDepth is the depth output.
	ChannelDepth
	// ChannelAccum enables progressive accumulation across frames.
	ChannelAccum
	// ChannelVariance enables the variance buffer and per-task error
	// estimates used for adaptive sampling. Requires ChannelAccum.
	ChannelVariance
	// ChannelNormal is the surface normal output.
	ChannelNormal
	// ChannelAlbedo is the albedo output.
	ChannelAlbedo
	// ChannelPrimitiveID is the primitive id output.
	ChannelPrimitiveID
	// ChannelObjectID is the object id output.
	ChannelObjectID
	// ChannelInstanceID is the instance id output.
	ChannelInstanceID

	channelLast
)

var channelNames = map[Channel]string{
	ChannelColor:       "color",
	ChannelDepth:       "depth",
	ChannelAccum:       "accum",
	ChannelVariance:    "variance",
	ChannelNormal:      "normal",
	ChannelAlbedo:      "albedo",
	ChannelPrimitiveID: "primitive_id",
	ChannelObjectID:    "object_id",
	ChannelInstanceID:  "instance_id",
}

// String returns the channel's configuration name.
func (c Channel) String() string {
	if name, ok := channelNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Channel(%#x)", uint32(c))
}

// ParseChannel returns the channel with the given configuration name.
func ParseChannel(name string) (Channel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range channelNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}

// Channels is the set of enabled channels of a framebuffer.
// The zero value is the empty set.
type Channels struct {
	mask Channel
}

// NewChannels returns the set containing cs.
func NewChannels(cs ...Channel) Channels {
	var s Channels
	for _, c := range cs {
		s.mask |= c
	}
	return s
}

// Has reports whether c is enabled.
func (s Channels) Has(c Channel) bool {
	return c != 0 && s.mask&c == c
}

// With returns s with c added.
func (s Channels) With(c Channel) Channels {
	return Channels{mask: s.mask | c}
}

// Without returns s with c removed.
func (s Channels) Without(c Channel) Channels {
	return Channels{mask: s.mask &^ c}
}

// Len returns the number of enabled channels.
func (s Channels) Len() int {
	return bits.OnesCount32(uint32(s.mask))
}

// List returns the enabled channels in bit order.
func (s Channels) List() []Channel {
	out := make([]Channel, 0, s.Len())
	for c := Channel(1); c < channelLast; c <<= 1 {
		if s.mask&c != 0 {
			out = append(out, c)
		}
	}
	return out
}

// String returns the enabled channel names joined by "|".
func (s Channels) String() string {
	if s.mask == 0 {
		return "none"
	}
	names := make([]string, 0, s.Len())
	for _, c := range s.List() {
		names = append(names, c.String())
	}
	return strings.Join(names, "|")
}

// validate checks the set for unknown channels.
func (s Channels) validate() error {
	if s.mask&^(channelLast-1) != 0 {
		return fmt.Errorf("%w: %#x", ErrUnknownChannel, uint32(s.mask&^(channelLast-1)))
	}
	return nil
}

// effective returns the channels that get buffers. The variance estimate is
// taken against the accumulation buffer, so variance without accum is
// dropped.
func (s Channels) effective() Channels {
	if s.Has(ChannelVariance) && !s.Has(ChannelAccum) {
		return s.Without(ChannelVariance)
	}
	return s
}

// ColorFormat is the pixel format of the color channel.
type ColorFormat int

// Color formats.
const (
	// ColorFormatNone disables the color buffer.
	ColorFormatNone ColorFormat = iota
	// ColorFormatRGBA8 is 8-bit linear RGBA.
	ColorFormatRGBA8
	// ColorFormatSRGBA is 8-bit sRGB-encoded RGBA.
	ColorFormatSRGBA
	// ColorFormatRGBA32F is 32-bit float RGBA.
	ColorFormatRGBA32F
)

var colorFormatNames = [...]string{
	ColorFormatNone:    "none",
	ColorFormatRGBA8:   "rgba8",
	ColorFormatSRGBA:   "srgba",
	ColorFormatRGBA32F: "rgba32f",
}

// String returns the format's configuration name.
func (f ColorFormat) String() string {
	if f >= 0 && int(f) < len(colorFormatNames) {
		return colorFormatNames[f]
	}
	return fmt.Sprintf("ColorFormat(%d)", int(f))
}

// ParseColorFormat returns the format with the given configuration name.
func ParseColorFormat(name string) (ColorFormat, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, n := range colorFormatNames {
		if n == name {
			return ColorFormat(f), nil
		}
	}
	return 0, fmt.Errorf("%w: color format %q", ErrInvalidConfig, name)
}
