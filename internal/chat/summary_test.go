package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummaryText(t *testing.T) {
	cases := []struct {
		name string
		s    Summary
		want string
	}{
		{
			name: "video ended",
			s:    Summary{Kind: "video", Outcome: OutcomeEnded, Duration: 5 * time.Second},
			want: "Video call ended (0:05)",
		},
		{
			name: "voice ended long",
			s:    Summary{Kind: "voice", Outcome: OutcomeEnded, Duration: 3*time.Minute + 7*time.Second},
			want: "Voice call ended (3:07)",
		},
		{
			name: "missed voice",
			s:    Summary{Kind: "voice", Outcome: OutcomeMissed},
			want: "Missed voice call",
		},
		{
			name: "missed video",
			s:    Summary{Kind: "video", Outcome: OutcomeMissed},
			want: "Missed video call",
		},
		{
			name: "declined",
			s:    Summary{Kind: "voice", Outcome: OutcomeDeclined},
			want: "Voice call declined",
		},
		{
			name: "failed",
			s:    Summary{Kind: "video", Outcome: OutcomeFailed},
			want: "Video call failed",
		},
		{
			name: "group voice ended",
			s:    Summary{Kind: "group-voice", Outcome: OutcomeEnded, Duration: 65 * time.Second},
			want: "Group voice call ended (1:05)",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.s.Text())
		})
	}
}
