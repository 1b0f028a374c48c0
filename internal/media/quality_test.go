package media

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqGap(t *testing.T) {
	assert.Equal(t, 1, seqGap(10, 11))
	assert.Equal(t, 5, seqGap(10, 15))
	assert.Equal(t, 0, seqGap(15, 10), "reordered packets count as zero")
	assert.Equal(t, 1, seqGap(65535, 0), "wraparound")
	assert.Equal(t, 3, seqGap(65534, 1), "wraparound with loss")
}

func TestLossToQuality(t *testing.T) {
	assert.Equal(t, QualityConnecting, lossToQuality(0, 0))
	assert.Equal(t, QualityExcellent, lossToQuality(0, 1000))
	assert.Equal(t, QualityExcellent, lossToQuality(9, 1000))
	assert.Equal(t, QualityGood, lossToQuality(10, 1000))
	assert.Equal(t, QualityGood, lossToQuality(49, 1000))
	assert.Equal(t, QualityPoor, lossToQuality(50, 1000))
	assert.Equal(t, QualityPoor, lossToQuality(500, 1000))
}

func TestQualityFromRTCP(t *testing.T) {
	encode := func(fractionLost uint8) []byte {
		rr := &rtcp.ReceiverReport{
			Reports: []rtcp.ReceptionReport{{FractionLost: fractionLost}},
		}
		buf, err := rtcp.Marshal([]rtcp.Packet{rr})
		require.NoError(t, err)
		return buf
	}

	q, ok := qualityFromRTCP(encode(0))
	require.True(t, ok)
	assert.Equal(t, QualityExcellent, q)

	q, ok = qualityFromRTCP(encode(10))
	require.True(t, ok)
	assert.Equal(t, QualityGood, q)

	q, ok = qualityFromRTCP(encode(128))
	require.True(t, ok)
	assert.Equal(t, QualityPoor, q)
}

func TestQualityFromRTCPIgnoresOtherPackets(t *testing.T) {
	bye := &rtcp.Goodbye{}
	buf, err := rtcp.Marshal([]rtcp.Packet{bye})
	require.NoError(t, err)

	_, ok := qualityFromRTCP(buf)
	assert.False(t, ok)

	_, ok = qualityFromRTCP([]byte{0x01, 0x02})
	assert.False(t, ok)
}
