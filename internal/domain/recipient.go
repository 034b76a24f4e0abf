package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Recipient is the contact profile of a user as known to the identity service.
type Recipient struct {
	UserID           string
	Name             string
	Phone            string
	Email            string
	WhatsApp         string
	PreferredChannel Channel
}

// Address returns the destination for a concrete channel, or "" when the
// recipient has none configured.
func (r Recipient) Address(channel Channel) string {
	switch channel {
	case ChannelSMS:
		return strings.TrimSpace(r.Phone)
	case ChannelEmail:
		return strings.TrimSpace(r.Email)
	case ChannelWhatsApp:
		if wa := strings.TrimSpace(r.WhatsApp); wa != "" {
			return wa
		}
		return strings.TrimSpace(r.Phone)
	}
	return ""
}

// ConfiguredChannels lists the concrete channels this recipient can be
// reached on. A non-empty enabled list restricts the result to those channels.
func (r Recipient) ConfiguredChannels(enabled ...Channel) []Channel {
	channels := make([]Channel, 0, len(DeliveryChannels))
	for _, ch := range DeliveryChannels {
		if r.Address(ch) != "" && channelEnabled(ch, enabled) {
			channels = append(channels, ch)
		}
	}
	return channels
}

// Preference returns the channel to notify on. A preference that is unset,
// unknown or not enabled falls back to sms, then to the first configured
// enabled channel.
func (r Recipient) Preference(enabled ...Channel) Channel {
	if r.PreferredChannel.IsValid() && channelEnabled(r.PreferredChannel, enabled) {
		return r.PreferredChannel
	}
	if r.Address(ChannelSMS) != "" && channelEnabled(ChannelSMS, enabled) {
		return ChannelSMS
	}
	if configured := r.ConfiguredChannels(enabled...); len(configured) > 0 {
		return configured[0]
	}
	return ChannelSMS
}

// Expand resolves a requested channel to the concrete channels to deliver
// on. Fan-out only covers enabled channels; a concrete channel is returned
// as is.
func (r Recipient) Expand(channel Channel, enabled ...Channel) []Channel {
	if channel == ChannelAll {
		return r.ConfiguredChannels(enabled...)
	}
	return []Channel{channel}
}

// channelEnabled treats an empty list as every channel enabled. ChannelAll
// counts as enabled when any channel is.
func channelEnabled(ch Channel, enabled []Channel) bool {
	if len(enabled) == 0 || ch == ChannelAll {
		return true
	}
	for _, e := range enabled {
		if e == ch {
			return true
		}
	}
	return false
}

func (r Recipient) Validate() error {
	verr := &ValidationError{}

	if strings.TrimSpace(r.UserID) == "" {
		verr.Add("userId", "is required")
	}
	if email := strings.TrimSpace(r.Email); email != "" {
		if err := validate.Var(email, "email"); err != nil {
			verr.Add("email", fmt.Sprintf("%q is not a valid address", email))
		}
	}
	if phone := strings.TrimSpace(r.Phone); phone != "" {
		if _, err := NormalizePhoneNumber(phone); err != nil {
			verr.Add("phone", err.Error())
		}
	}

	return verr.Err()
}
