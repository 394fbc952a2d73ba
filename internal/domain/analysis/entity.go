package analysis

import (
	"fmt"
	"strings"
	"time"
)

// SendStatus tracks whether a recording has been submitted for inference.
// Stored numeric: 0 pending, 1 sent, 2 error.
type SendStatus int

const (
	SendPending SendStatus = 0
	SendSent    SendStatus = 1
	SendError   SendStatus = 2
)

func (s SendStatus) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendSent:
		return "sent"
	case SendError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Channel enum — one prediction category per channel.
type Channel string

const (
	ChannelAge         Channel = "AGE"
	ChannelGender      Channel = "GENDER"
	ChannelNationality Channel = "NATIONALITY"
	ChannelEmotion     Channel = "EMOTION"
)

// Channels returns all prediction channels in a stable order.
func Channels() []Channel {
	return []Channel{ChannelAge, ChannelGender, ChannelNationality, ChannelEmotion}
}

// ParseChannel maps external input (any case) onto a Channel.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToUpper(strings.TrimSpace(s))) {
	case ChannelAge:
		return ChannelAge, nil
	case ChannelGender:
		return ChannelGender, nil
	case ChannelNationality:
		return ChannelNationality, nil
	case ChannelEmotion:
		return ChannelEmotion, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
}

// ChannelResult is one channel's label→confidence map plus the optional
// user feedback flag on its top prediction. Feedback may only exist when
// Values is non-nil.
type ChannelResult struct {
	Values   map[string]float64 `json:"values"`
	Feedback *bool              `json:"feedback,omitempty"`
}

// Top returns the label with the highest confidence, or "" for an empty map.
func (r *ChannelResult) Top() string {
	if r == nil {
		return ""
	}
	top, best := "", 0.0
	for k, v := range r.Values {
		if top == "" || v > best {
			top, best = k, v
		}
	}
	return top
}

// Aggregate Root: Analysis. One captured (or uploaded) voice sample, its
// durable audio artifact, and whatever prediction channels have arrived.
type Analysis struct {
	ID             int64          `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	SendStatus     SendStatus     `json:"send_status"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	RecordingPath  string         `json:"recording_path"`
	CreationDate   time.Time      `json:"creation_date"`
	CompletionDate *time.Time     `json:"completion_date,omitempty"`
	Age            *ChannelResult `json:"age,omitempty"`
	Gender         *ChannelResult `json:"gender,omitempty"`
	Nationality    *ChannelResult `json:"nationality,omitempty"`
	Emotion        *ChannelResult `json:"emotion,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	ArchiveURL     string         `json:"archive_url,omitempty"`
}

// Result returns the record's slot for the given channel.
func (a *Analysis) Result(ch Channel) *ChannelResult {
	switch ch {
	case ChannelAge:
		return a.Age
	case ChannelGender:
		return a.Gender
	case ChannelNationality:
		return a.Nationality
	case ChannelEmotion:
		return a.Emotion
	default:
		return nil
	}
}

// SetResult replaces the record's slot for the given channel.
func (a *Analysis) SetResult(ch Channel, r *ChannelResult) {
	switch ch {
	case ChannelAge:
		a.Age = r
	case ChannelGender:
		a.Gender = r
	case ChannelNationality:
		a.Nationality = r
	case ChannelEmotion:
		a.Emotion = r
	}
}

// Completed reports whether at least one prediction channel has arrived,
// which is exactly when CompletionDate must be set.
func (a *Analysis) Completed() bool {
	return a.Age != nil || a.Gender != nil || a.Nationality != nil || a.Emotion != nil
}
