package media

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// handshake drives a full offer/answer/candidate exchange between two
// sessions of the same loop transport.
func handshake(t *testing.T, a, b Session) {
	t.Helper()

	var mu sync.Mutex
	var aCands, bCands []Candidate
	a.OnICECandidate(func(c Candidate) { mu.Lock(); aCands = append(aCands, c); mu.Unlock() })
	b.OnICECandidate(func(c Candidate) { mu.Lock(); bCands = append(bCands, c); mu.Unlock() })

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, a.SetLocalDescription(offer))
	require.NoError(t, b.SetRemoteDescription(offer))

	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, b.SetLocalDescription(answer))
	require.NoError(t, a.SetRemoteDescription(answer))

	mu.Lock()
	ac, bc := aCands, bCands
	mu.Unlock()
	for _, c := range ac {
		require.NoError(t, b.AddICECandidate(c))
	}
	for _, c := range bc {
		require.NoError(t, a.AddICECandidate(c))
	}
}

func TestLoopTransportConnects(t *testing.T) {
	tp := NewLoopTransport()
	a, err := tp.NewSession(SessionConfig{Video: true})
	require.NoError(t, err)
	b, err := tp.NewSession(SessionConfig{Video: true})
	require.NoError(t, err)
	require.Equal(t, 2, tp.OpenCaptures())

	var mu sync.Mutex
	var aState, bState ConnState
	var bTracks []string
	a.OnConnectionStateChange(func(s ConnState) { mu.Lock(); aState = s; mu.Unlock() })
	b.OnConnectionStateChange(func(s ConnState) { mu.Lock(); bState = s; mu.Unlock() })
	b.OnRemoteTrack(func(tr RemoteTrack) { mu.Lock(); bTracks = append(bTracks, tr.Kind()); mu.Unlock() })

	handshake(t, a, b)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return aState == StateConnected && bState == StateConnected
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	require.ElementsMatch(t, []string{"audio", "video"}, bTracks)
	mu.Unlock()

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.Equal(t, 0, tp.OpenCaptures())
}

func TestLoopTransportVoiceOnlyTrack(t *testing.T) {
	tp := NewLoopTransport()
	a, err := tp.NewSession(SessionConfig{})
	require.NoError(t, err)
	b, err := tp.NewSession(SessionConfig{})
	require.NoError(t, err)

	var mu sync.Mutex
	var tracks []string
	a.OnRemoteTrack(func(tr RemoteTrack) { mu.Lock(); tracks = append(tracks, tr.Kind()); mu.Unlock() })

	handshake(t, a, b)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tracks) == 1 && tracks[0] == "audio"
	}, time.Second, 10*time.Millisecond)

	// No video track to enable on a voice session.
	require.False(t, a.SetVideoEnabled(true))
	require.True(t, a.SetAudioEnabled(true))
	require.False(t, a.SetAudioEnabled(false))

	_ = a.Close()
	_ = b.Close()
}

func TestLoopTransportSetFailStallsHandshake(t *testing.T) {
	tp := NewLoopTransport()
	tp.SetFail(true)

	a, err := tp.NewSession(SessionConfig{})
	require.NoError(t, err)
	b, err := tp.NewSession(SessionConfig{})
	require.NoError(t, err)

	connected := make(chan struct{}, 2)
	a.OnConnectionStateChange(func(s ConnState) {
		if s == StateConnected {
			connected <- struct{}{}
		}
	})
	b.OnConnectionStateChange(func(s ConnState) {
		if s == StateConnected {
			connected <- struct{}{}
		}
	})

	handshake(t, a, b)

	select {
	case <-connected:
		t.Fatal("sessions connected despite forced failure")
	case <-time.After(100 * time.Millisecond):
	}

	_ = a.Close()
	_ = b.Close()
	require.Equal(t, 0, tp.OpenCaptures())
}

func TestLoopTransportCloseNotifiesPeer(t *testing.T) {
	tp := NewLoopTransport()
	a, _ := tp.NewSession(SessionConfig{})
	b, _ := tp.NewSession(SessionConfig{})

	closed := make(chan struct{}, 1)
	b.OnConnectionStateChange(func(s ConnState) {
		if s == StateClosed {
			closed <- struct{}{}
		}
	})

	handshake(t, a, b)
	require.NoError(t, a.Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("peer never observed close")
	}
}
